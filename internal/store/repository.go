package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/resident-x/go-eagle/internal/domain"
)

// Variable is the name of a published or persisted value.
type Variable string

// Published metrics.
const (
	VarDeliveredKWH         Variable = "DeliveredKWH"
	VarReceivedKWH          Variable = "ReceivedKWH"
	VarNetKWH               Variable = "NetKWH"
	VarKWH                  Variable = "KWH"
	VarDeliveredPerPeriod   Variable = "DeliveredPerPeriod"
	VarWatts                Variable = "Watts"
	VarPrice                Variable = "Price"
	VarPriceCents           Variable = "PriceCents"
	VarLinkStrength         Variable = "LinkStrength"
	VarLinkStatus           Variable = "LinkStatus"
	VarCommFailure          Variable = "CommFailure"
	VarCommFailureTime      Variable = "CommFailureTime"
	VarPeakKWH              Variable = "PeakKWH"
	VarOffPeakKWH           Variable = "OffPeakKWH"
	VarPeakRate             Variable = "PeakRate"
	VarOffPeakRate          Variable = "OffPeakRate"
	VarPeriodCost           Variable = "PeriodCost"
	VarPriorPeakKWH         Variable = "PriorPeakKWH"
	VarPriorOffPeakKWH      Variable = "PriorOffPeakKWH"
	VarDeliveredPriorPeriod Variable = "DeliveredPriorPeriod"
	VarLastUpdate           Variable = "LastUpdate"
)

// Persisted state.
const (
	VarPeriodFlag       Variable = "PeriodFlag"
	VarStartPeakMark    Variable = "StartPeakMark"
	VarStartOffPeakMark Variable = "StartOffPeakMark"
	VarBaseDelivered    Variable = "BaseDelivered"
	VarBaseReceived     Variable = "BaseReceived"
	VarPeriodStart      Variable = "PeriodStart"
	VarHardwareAddress  Variable = "HardwareAddress"
	VarSeason           Variable = "Season"
	VarPulse            Variable = "Pulse"
)

// Lister is implemented by stores that can enumerate a namespace.
type Lister interface {
	List(ctx context.Context, namespace, deviceID string) (map[string]string, error)
}

// Repository gives typed access to the variables of one device. Writes made through
// SetString, SetFloat and ForceSet are collected until Changes drains them.
type Repository struct {
	store     domain.VariableStore
	namespace string
	deviceID  string

	mu      sync.Mutex
	changed map[Variable]string
}

// NewRepository wraps store for the given namespace and device.
func NewRepository(store domain.VariableStore, namespace, deviceID string) *Repository {
	return &Repository{
		store:     store,
		namespace: namespace,
		deviceID:  deviceID,
		changed:   make(map[Variable]string),
	}
}

// Get returns the raw stored value.
func (r *Repository) Get(ctx context.Context, v Variable) (string, bool, error) {
	return r.store.Get(ctx, r.namespace, string(v), r.deviceID)
}

// GetFloat returns a numeric variable. An empty or missing value reports ok=false.
func (r *Repository) GetFloat(ctx context.Context, v Variable) (float64, bool, error) {
	s, ok, err := r.Get(ctx, v)
	if err != nil || !ok || s == "" {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("variable %s holds non-numeric %q: %w", v, s, err)
	}
	return f, true, nil
}

// SetString writes value only when it differs from the stored one and reports whether it wrote.
func (r *Repository) SetString(ctx context.Context, v Variable, value string) (bool, error) {
	current, ok, err := r.Get(ctx, v)
	if err != nil {
		return false, err
	}
	if ok && current == value {
		return false, nil
	}
	if err := r.store.Set(ctx, r.namespace, string(v), value, r.deviceID); err != nil {
		return false, err
	}
	r.record(v, value)
	return true, nil
}

// SetFloat is SetString for numeric values.
func (r *Repository) SetFloat(ctx context.Context, v Variable, value float64) (bool, error) {
	return r.SetString(ctx, v, FormatFloat(value))
}

// SetBool is SetString for flags, stored as "1" or "0".
func (r *Repository) SetBool(ctx context.Context, v Variable, value bool) (bool, error) {
	if value {
		return r.SetString(ctx, v, "1")
	}
	return r.SetString(ctx, v, "0")
}

// ForceSet writes value even when it is unchanged.
func (r *Repository) ForceSet(ctx context.Context, v Variable, value string) error {
	if err := r.store.Set(ctx, r.namespace, string(v), value, r.deviceID); err != nil {
		return err
	}
	r.record(v, value)
	return nil
}

// ForceSetFloat is ForceSet for numeric values.
func (r *Repository) ForceSetFloat(ctx context.Context, v Variable, value float64) error {
	return r.ForceSet(ctx, v, FormatFloat(value))
}

func (r *Repository) record(v Variable, value string) {
	r.mu.Lock()
	r.changed[v] = value
	r.mu.Unlock()
}

// Changes returns and clears the variables written since the previous call.
func (r *Repository) Changes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changed) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.changed))
	for k, v := range r.changed {
		out[string(k)] = v
	}
	r.changed = make(map[Variable]string)
	return out
}

// Snapshot returns every stored variable of the device.
func (r *Repository) Snapshot(ctx context.Context) (map[string]string, error) {
	if l, ok := r.store.(Lister); ok {
		return l.List(ctx, r.namespace, r.deviceID)
	}
	out := make(map[string]string)
	for _, v := range AllVariables() {
		s, ok, err := r.Get(ctx, v)
		if err != nil {
			return nil, err
		}
		if ok {
			out[string(v)] = s
		}
	}
	return out, nil
}

// AllVariables lists every known variable name in sorted order.
func AllVariables() []Variable {
	vars := []Variable{
		VarDeliveredKWH, VarReceivedKWH, VarNetKWH, VarKWH, VarDeliveredPerPeriod, VarWatts,
		VarPrice, VarPriceCents, VarLinkStrength, VarLinkStatus, VarCommFailure, VarCommFailureTime,
		VarPeakKWH, VarOffPeakKWH, VarPeakRate, VarOffPeakRate, VarPeriodCost, VarPriorPeakKWH,
		VarPriorOffPeakKWH, VarDeliveredPriorPeriod, VarLastUpdate, VarPeriodFlag, VarStartPeakMark,
		VarStartOffPeakMark, VarBaseDelivered, VarBaseReceived, VarPeriodStart, VarHardwareAddress,
		VarSeason, VarPulse,
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i] < vars[j] })
	return vars
}

// LoadPeriodState reads the persisted billing counters. Missing values load as zero and
// missing marks load as absent.
func (r *Repository) LoadPeriodState(ctx context.Context) (domain.PeriodState, error) {
	var (
		state domain.PeriodState
		err   error
	)

	if state.BaseDelivered, _, err = r.GetFloat(ctx, VarBaseDelivered); err != nil {
		return state, err
	}
	if state.BaseReceived, _, err = r.GetFloat(ctx, VarBaseReceived); err != nil {
		return state, err
	}
	if state.PeakAccum, _, err = r.GetFloat(ctx, VarPeakKWH); err != nil {
		return state, err
	}
	if state.OffPeakAccum, _, err = r.GetFloat(ctx, VarOffPeakKWH); err != nil {
		return state, err
	}
	if state.StartPeakMark, err = r.getMark(ctx, VarStartPeakMark); err != nil {
		return state, err
	}
	if state.StartOffPeakMark, err = r.getMark(ctx, VarStartOffPeakMark); err != nil {
		return state, err
	}

	flag, _, err := r.Get(ctx, VarPeriodFlag)
	if err != nil {
		return state, err
	}
	if flag == domain.PeriodPeak.String() {
		state.Flag = domain.PeriodPeak
	}

	if s, ok, err := r.Get(ctx, VarPeriodStart); err != nil {
		return state, err
	} else if ok && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			state.PeriodStart = t
		}
	}

	return state, nil
}

func (r *Repository) getMark(ctx context.Context, v Variable) (*float64, error) {
	f, ok, err := r.GetFloat(ctx, v)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

// SavePeriodState persists the billing counters, writing only changed values.
func (r *Repository) SavePeriodState(ctx context.Context, state domain.PeriodState) error {
	floats := []struct {
		v     Variable
		value float64
	}{
		{VarBaseDelivered, state.BaseDelivered},
		{VarBaseReceived, state.BaseReceived},
		{VarPeakKWH, state.PeakAccum},
		{VarOffPeakKWH, state.OffPeakAccum},
	}
	for _, f := range floats {
		if _, err := r.SetFloat(ctx, f.v, f.value); err != nil {
			return err
		}
	}

	if _, err := r.SetString(ctx, VarStartPeakMark, formatMark(state.StartPeakMark)); err != nil {
		return err
	}
	if _, err := r.SetString(ctx, VarStartOffPeakMark, formatMark(state.StartOffPeakMark)); err != nil {
		return err
	}
	if _, err := r.SetString(ctx, VarPeriodFlag, state.Flag.String()); err != nil {
		return err
	}
	if !state.PeriodStart.IsZero() {
		if _, err := r.SetString(ctx, VarPeriodStart, state.PeriodStart.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

// LoadCommState reads the persisted comm-failure state.
func (r *Repository) LoadCommState(ctx context.Context) (domain.CommFailureState, error) {
	var state domain.CommFailureState

	flag, _, err := r.Get(ctx, VarCommFailure)
	if err != nil {
		return state, err
	}
	state.Failing = flag == "1"

	if s, ok, err := r.Get(ctx, VarCommFailureTime); err != nil {
		return state, err
	} else if ok && s != "" && state.Failing {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			state.FailureStart = &t
		}
	}
	return state, nil
}

// SaveCommState persists the comm-failure state. The failure time is forced so a new
// failure run is always republished.
func (r *Repository) SaveCommState(ctx context.Context, state domain.CommFailureState) error {
	if _, err := r.SetBool(ctx, VarCommFailure, state.Failing); err != nil {
		return err
	}
	if state.FailureStart != nil {
		return r.ForceSet(ctx, VarCommFailureTime, state.FailureStart.UTC().Format(time.RFC3339))
	}
	_, err := r.SetString(ctx, VarCommFailureTime, "")
	return err
}

// FormatFloat renders values the way they are stored.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatMark(m *float64) string {
	if m == nil {
		return ""
	}
	return FormatFloat(*m)
}
