package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// transientError marks a failure worth retrying: connection resets, 5xx
// responses. Everything else (4xx, auth failures, malformed payloads)
// surfaces immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error to mark it retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Policy is a bounded-attempt retry policy with a fixed pause.
type Policy struct {
	Attempts int           // total attempts, including the first
	Delay    time.Duration // fixed delay between attempts
}

// DefaultPolicy attempts a retry-eligible fetch three times.
var DefaultPolicy = Policy{Attempts: 3, Delay: 2 * time.Second}

// Do runs fn up to p.Attempts times, retrying only transient failures.
// onRetry is invoked before each re-attempt (nil allowed).
func (p Policy) Do(ctx context.Context, logger *slog.Logger, op string, onRetry func(), fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		logger.Warn("transient fetch failure, retrying",
			"op", op, "attempt", attempt, "of", attempts, "error", err)
		if onRetry != nil {
			onRetry()
		}
		if !sleepWithContext(ctx, p.Delay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, attempts, err)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
