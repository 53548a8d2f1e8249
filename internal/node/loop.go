package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Loop runs a task on a fixed interval until it is stopped. A failing task
// is logged and retried on the next tick.
type Loop struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func NewLoop(name string, interval time.Duration, task func(ctx context.Context) error, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		name:     name,
		interval: interval,
		task:     task,
		stopCh:   make(chan struct{}),
		logger:   logger.With("loop", name),
	}
}

func (l *Loop) Start(ctx context.Context) error {
	if l.interval <= 0 {
		return fmt.Errorf("invalid interval: %v", l.interval)
	}

	l.logger.Info("Loop started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.task(ctx); err != nil {
				l.logger.Error("Loop task failed", "error", err)
			}
		case <-l.stopCh:
			l.logger.Info("Loop stopped")
			return nil
		case <-ctx.Done():
			l.logger.Info("Loop stopped due to context cancellation")
			return ctx.Err()
		}
	}
}

func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
