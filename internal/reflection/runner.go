package reflection

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner triggers reflection cycles on a fixed cadence and exposes a manual
// trigger for operators. Stop waits for an in-flight cycle up to the grace
// period, then abandons it.
type Runner struct {
	engine   *Engine
	interval time.Duration
	grace    time.Duration
	ticks    <-chan time.Time
	trigger  chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// NewRunner builds a runner over the engine. interval sets the cadence;
// grace bounds how long Stop waits for the current cycle.
func NewRunner(engine *Engine, interval, grace time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		engine:   engine,
		interval: interval,
		grace:    grace,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// SetTicks overrides the cadence source. Test hook: when set, the interval
// ticker is not started and cycles run only on channel delivery.
func (r *Runner) SetTicks(ticks <-chan time.Time) {
	r.ticks = ticks
}

// Trigger requests an immediate cycle. Non-blocking; collapses with any
// trigger already pending.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start launches the cycle loop. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	ticks := r.ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(r.interval)
		ticks = ticker.C
	}

	go func() {
		defer close(r.done)
		if ticker != nil {
			defer ticker.Stop()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
			case <-r.trigger:
			}
			outcome, err := r.engine.RunCycle(ctx)
			if err != nil {
				r.logger.Error("reflection cycle failed",
					zap.String("outcome", outcome),
					zap.Error(err))
			}
		}
	}()
}

// Stop cancels the loop and waits up to the grace period for the current
// cycle to finish.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(r.grace):
		r.logger.Warn("reflection cycle did not finish within grace period",
			zap.Duration("grace", r.grace))
	}
}
