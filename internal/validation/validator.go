// Package validation provides configuration checks and data integrity checks for gateway readings.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-eagle/internal/domain"
)

// ValidationError describes one failed check.
type ValidationError struct {
	Severity string
	Field    string
	Message  string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of a validation check.
type ValidationResult struct {
	Valid    bool
	Errors   []*ValidationError
	Warnings []*ValidationError
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return "valid"
	}

	var parts []string
	if !vr.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(vr.Errors)))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}
	return strings.Join(parts, ", ")
}

// ValidateDeviceConfig checks that the device can be addressed. Both models need an
// address; the legacy model cannot discover its MAC id and needs it configured.
func ValidateDeviceConfig(cfg domain.DeviceConfig) error {
	var missing []string

	switch cfg.Model {
	case domain.ModelLegacy, domain.ModelEagle200:
	case "":
		missing = append(missing, "model")
	default:
		return fmt.Errorf("%w: unsupported model %q", domain.ErrMissingConfiguration, cfg.Model)
	}

	if strings.TrimSpace(cfg.Address) == "" {
		missing = append(missing, "address")
	}
	if cfg.Model == domain.ModelLegacy && strings.TrimSpace(cfg.HardwareID) == "" {
		missing = append(missing, "hardware_id")
	}
	if cfg.Credentials != nil && cfg.Credentials.ID != "" && cfg.Credentials.Secret == "" {
		missing = append(missing, "password")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrMissingConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateRawReading rejects non-finite values as a field parse failure.
func ValidateRawReading(raw *domain.RawReading) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"demand", raw.Demand},
		{"summation_delivered", raw.SummationDelivered},
		{"summation_received", raw.SummationReceived},
		{"price", raw.Price},
	}

	var errs []error
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			errs = append(errs, &ValidationError{Severity: "error", Field: f.name, Message: "non-finite value", Value: f.value})
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrFieldParse, errors.Join(errs...))
	}
	return nil
}

// ReadingRule checks a reading against the previous accepted one, which may be nil.
type ReadingRule struct {
	Name  string
	Check func(current, previous *domain.CanonicalReading) *ValidationError
}

// ReadingValidator applies plausibility rules to consecutive readings. Findings are
// warnings only; they never fail a poll.
type ReadingValidator struct {
	mu       sync.Mutex
	rules    []*ReadingRule
	previous *domain.CanonicalReading
	logger   zerolog.Logger

	validationsPerformed int64
	warningsFound        int64
}

// NewReadingValidator creates a validator with the default rules.
func NewReadingValidator(logger zerolog.Logger) *ReadingValidator {
	v := &ReadingValidator{
		logger: logger.With().Str("component", "validator").Logger(),
	}
	v.registerDefaultRules()
	return v
}

func (v *ReadingValidator) registerDefaultRules() {
	v.rules = append(v.rules,
		&ReadingRule{
			Name: "delivered_monotonic",
			Check: func(cur, prev *domain.CanonicalReading) *ValidationError {
				if prev != nil && cur.DeliveredKWh < prev.DeliveredKWh {
					return &ValidationError{Severity: "warning", Field: "delivered_kwh",
						Message: fmt.Sprintf("decreased from %.3f", prev.DeliveredKWh), Value: cur.DeliveredKWh}
				}
				return nil
			},
		},
		&ReadingRule{
			Name: "received_monotonic",
			Check: func(cur, prev *domain.CanonicalReading) *ValidationError {
				if prev != nil && cur.ReceivedKWh < prev.ReceivedKWh {
					return &ValidationError{Severity: "warning", Field: "received_kwh",
						Message: fmt.Sprintf("decreased from %.3f", prev.ReceivedKWh), Value: cur.ReceivedKWh}
				}
				return nil
			},
		},
		&ReadingRule{
			Name: "link_strength_range",
			Check: func(cur, _ *domain.CanonicalReading) *ValidationError {
				if cur.LinkStrength != nil && (*cur.LinkStrength < 0 || *cur.LinkStrength > 100) {
					return &ValidationError{Severity: "warning", Field: "link_strength",
						Message: "outside 0-100", Value: *cur.LinkStrength}
				}
				return nil
			},
		},
	)
}

// AddRule registers an additional rule.
func (v *ReadingValidator) AddRule(rule *ReadingRule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules = append(v.rules, rule)
}

// Check applies every rule and remembers current as the new baseline.
func (v *ReadingValidator) Check(current *domain.CanonicalReading) *ValidationResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.validationsPerformed++
	result := &ValidationResult{Valid: true}
	for _, rule := range v.rules {
		if w := rule.Check(current, v.previous); w != nil {
			result.Warnings = append(result.Warnings, w)
		}
	}
	v.warningsFound += int64(len(result.Warnings))

	prev := *current
	v.previous = &prev

	if result.HasWarnings() {
		for _, w := range result.Warnings {
			v.logger.Warn().Str("field", w.Field).Interface("value", w.Value).Msg(w.Message)
		}
	}
	return result
}

// GetStatistics returns validation counters.
func (v *ReadingValidator) GetStatistics() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return map[string]interface{}{
		"validations_performed": v.validationsPerformed,
		"warnings_found":        v.warningsFound,
		"rules":                 len(v.rules),
	}
}
