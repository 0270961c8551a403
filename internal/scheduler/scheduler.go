// Package scheduler provides the cancellable interval poller driving gateway polls.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// PollFunc performs one poll cycle.
type PollFunc func(ctx context.Context)

// Poller fires a PollFunc at a fixed, changeable interval. Each arm is tagged with a
// generation so stale timers from before a SetInterval or Stop never run. A fire that
// finds the previous cycle still running is skipped instead of queued.
type Poller struct {
	fn     PollFunc
	logger zerolog.Logger

	mutex      sync.Mutex
	timer      *time.Timer
	generation uint64
	interval   time.Duration
	isRunning  bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// run guards the poll body; TryLock failures are counted as skips.
	run sync.Mutex

	// Metrics
	firesExecuted int64
	firesSkipped  int64
}

// NewPoller creates a stopped poller.
func NewPoller(fn PollFunc, logger zerolog.Logger) *Poller {
	return &Poller{
		fn:     fn,
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// Start runs the first poll immediately and then every interval. A zero interval starts
// the poller disabled until SetInterval enables it.
func (p *Poller) Start(ctx context.Context, interval time.Duration) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return fmt.Errorf("poller is already running")
	}
	if interval < 0 {
		return fmt.Errorf("invalid poll interval %s", interval)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.interval = interval
	p.isRunning = true

	if interval > 0 {
		p.arm(0)
	}

	p.logger.Info().Dur("interval", interval).Msg("Poller started")
	return nil
}

// Stop cancels the pending timer and waits for an in-flight poll to finish.
func (p *Poller) Stop() error {
	p.mutex.Lock()
	if !p.isRunning {
		p.mutex.Unlock()
		return fmt.Errorf("poller is not running")
	}
	p.isRunning = false
	p.disarm()
	p.cancel()
	p.mutex.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("Poller stopped")
	return nil
}

// SetInterval changes the period. Zero disables polling; the pending timer is replaced
// so at most one schedule is active. It reports whether the interval changed.
func (p *Poller) SetInterval(interval time.Duration) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if interval < 0 || interval == p.interval {
		return false
	}
	p.interval = interval

	if p.isRunning {
		if interval == 0 {
			p.disarm()
		} else {
			p.arm(interval)
		}
	}

	p.logger.Info().Dur("interval", interval).Msg("Poll interval changed")
	return true
}

// Interval returns the configured period.
func (p *Poller) Interval() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.interval
}

// IsRunning reports whether the poller has been started and not stopped.
func (p *Poller) IsRunning() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.isRunning
}

// GetMetrics returns current poller metrics.
func (p *Poller) GetMetrics() map[string]interface{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return map[string]interface{}{
		"is_running":     p.isRunning,
		"interval":       p.interval.String(),
		"fires_executed": atomic.LoadInt64(&p.firesExecuted),
		"fires_skipped":  atomic.LoadInt64(&p.firesSkipped),
	}
}

// arm replaces any pending timer. Caller holds p.mutex.
func (p *Poller) arm(delay time.Duration) {
	p.disarm()
	gen := p.generation
	p.timer = time.AfterFunc(delay, func() { p.fire(gen) })
}

// disarm stops the pending timer and invalidates it. Caller holds p.mutex.
func (p *Poller) disarm() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.generation++
}

func (p *Poller) fire(gen uint64) {
	p.mutex.Lock()
	if !p.isRunning || gen != p.generation {
		p.mutex.Unlock()
		return
	}
	// Re-arm before the poll so a slow or failing cycle never breaks the chain.
	p.arm(p.interval)
	ctx := p.ctx
	p.wg.Add(1)
	p.mutex.Unlock()

	defer p.wg.Done()

	if !p.run.TryLock() {
		atomic.AddInt64(&p.firesSkipped, 1)
		p.logger.Debug().Msg("Previous poll still running, skipping")
		return
	}
	defer p.run.Unlock()

	atomic.AddInt64(&p.firesExecuted, 1)
	p.fn(ctx)
}
