package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIntervalSkipped is returned by Tick while the previous interval runs.
var ErrIntervalSkipped = errors.New("previous interval not finished")

// LoopConfig holds refresh timer configuration.
type LoopConfig struct {
	Interval time.Duration
}

// DefaultLoopConfig returns sensible defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{Interval: 30 * time.Second}
}

// Loop drives scheduled refresh on a timer. Each interval runs in its own
// goroutine; an interval that fires while the previous one is still running
// is skipped.
type Loop struct {
	run     func(ctx context.Context) error
	config  LoopConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
	ticks   sync.WaitGroup
	seq     atomic.Int64
}

// NewLoop creates a refresh timer calling run on every interval.
func NewLoop(run func(ctx context.Context) error, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLoopConfig().Interval
	}
	return &Loop{
		run:    run,
		config: cfg,
		logger: logger.With("component", "refresh-timer"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the timer. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("refresh timer started", "interval", l.config.Interval)
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("refresh timer stopping (context cancelled)")
			l.ticks.Wait()
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("refresh timer stopping (stop called)")
			l.ticks.Wait()
			return nil
		case <-ticker.C:
			l.ticks.Add(1)
			go func() {
				defer l.ticks.Done()
				if err := l.Tick(ctx); err != nil && !errors.Is(err, ErrIntervalSkipped) {
					l.logger.Error("refresh interval error", "error", err)
				}
			}()
		}
	}
}

// Stop shuts down the timer and waits for the running interval to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single interval unless the previous one is still running.
func (l *Loop) Tick(ctx context.Context) error {
	id := l.seq.Add(1)
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Warn("previous interval was not finished", "interval_id", id, "interval", l.config.Interval)
		return ErrIntervalSkipped
	}
	defer l.running.Store(false)

	start := time.Now()
	err := l.run(ctx)
	if d := time.Since(start); d > l.config.Interval {
		l.logger.Warn("interval took longer than the timer", "interval_id", id, "duration", d)
	}
	return err
}
