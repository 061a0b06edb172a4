package storage

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker guards remote store writes. After `threshold` consecutive
// failures the breaker opens and writes are skipped until `timeout` has
// elapsed, when a half-open probe is allowed through. An open breaker is
// reported as a skipped write, never an error, so the registry degrades to
// local + durable without raising.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreaker creates a breaker. Non-positive threshold/timeout fall back to
// the defaults of 5 failures and 60 seconds.
func NewBreaker(threshold int, timeout time.Duration, logger *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "magick-remote",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote store breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Breaker{cb: cb, logger: logger}
}

// Call executes fn under the breaker. It returns true on success and false
// when fn failed or the breaker short-circuited the call.
func (b *Breaker) Call(fn func() error) bool {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug("remote store write skipped, breaker open")
	} else {
		b.logger.Debug("remote store write failed", zap.Error(err))
	}
	return false
}

// State exposes the breaker state for telemetry.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
