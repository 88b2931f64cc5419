package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config controls exponential backoff.
type Config struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffCoefficient float64
	MaxElapsedTime     time.Duration
}

// DefaultConfig returns the backoff used for background work.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		MaxInterval:        time.Minute,
		BackoffCoefficient: 2.0,
		MaxElapsedTime:     time.Minute * 5,
	}
}

// RequestConfig returns a short backoff suitable inside a synchronous
// request, e.g. retrying a storage conflict.
func RequestConfig() Config {
	return Config{
		MaxAttempts:        3,
		InitialInterval:    50 * time.Millisecond,
		MaxInterval:        500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaxElapsedTime:     2 * time.Second,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or the context
// is cancelled.
func Do(ctx context.Context, config Config, logger *zap.Logger, fn func() error) error {
	var lastErr error
	interval := config.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(startTime) > config.MaxElapsedTime {
			return fmt.Errorf("max elapsed time exceeded: %w", lastErr)
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		logger.Warn("retry attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", config.MaxAttempts),
			zap.Error(err))

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * config.BackoffCoefficient)
		if interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return fmt.Errorf("max attempts reached: %w", lastErr)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, config Config, logger *zap.Logger, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error
	interval := config.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if time.Since(startTime) > config.MaxElapsedTime {
			return result, fmt.Errorf("max elapsed time exceeded: %w", lastErr)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err
		logger.Warn("retry attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", config.MaxAttempts),
			zap.Error(err))

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * config.BackoffCoefficient)
		if interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return result, fmt.Errorf("max attempts reached: %w", lastErr)
}

// DoIf retries only while shouldRetry approves the error; a rejected error is
// returned immediately.
func DoIf(ctx context.Context, config Config, logger *zap.Logger, shouldRetry func(error) bool, fn func() error) error {
	var lastErr error
	interval := config.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(startTime) > config.MaxElapsedTime {
			return fmt.Errorf("max elapsed time exceeded: %w", lastErr)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}

		lastErr = err
		logger.Warn("retry attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", config.MaxAttempts),
			zap.Error(err))

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * config.BackoffCoefficient)
		if interval > config.MaxInterval {
			interval = config.MaxInterval
		}
	}

	return fmt.Errorf("max attempts reached: %w", lastErr)
}
