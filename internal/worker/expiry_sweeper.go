package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shoplite/fulfillment/common/idempotency"
)

// Sweeper is the slice of the lifecycle engine the expiry worker needs.
type Sweeper interface {
	SweepExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

// ExpirySweeper periodically cancels orders stuck awaiting payment past the
// deadline. The engine's row lock makes a sweep racing a concurrent payment
// acceptance (or another sweep) a no-op for the losing side, so running
// without the lock would still be correct; the lock just keeps overlapping
// instances from scanning the same batch twice.
type ExpirySweeper struct {
	engine   Sweeper
	locks    idempotency.Store
	logger   *zap.Logger
	interval time.Duration
	deadline time.Duration
}

const sweepLockKey = "expiry-sweep"

// NewExpirySweeper creates the sweeper. deadline is how long an order may
// wait for payment before it is cancelled.
func NewExpirySweeper(
	engine Sweeper,
	locks idempotency.Store,
	logger *zap.Logger,
	interval time.Duration,
	deadline time.Duration,
) *ExpirySweeper {
	return &ExpirySweeper{
		engine:   engine,
		locks:    locks,
		logger:   logger,
		interval: interval,
		deadline: deadline,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (w *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("expiry sweeper started",
		zap.Duration("interval", w.interval),
		zap.Duration("deadline", w.deadline))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep, skipping silently when another instance
// holds the lock.
func (w *ExpirySweeper) RunOnce(ctx context.Context) error {
	acquired, err := w.locks.Reserve(ctx, sweepLockKey, w.interval)
	if err != nil {
		return err
	}
	if !acquired {
		w.logger.Debug("sweep lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := w.locks.Release(ctx, sweepLockKey); err != nil {
			w.logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	cancelled, err := w.engine.SweepExpired(ctx, w.deadline)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		w.logger.Info("sweep completed", zap.Int("cancelled", cancelled))
	}
	return nil
}
