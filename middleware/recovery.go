package middleware

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NewBreaker returns a circuit breaker that opens after three requests with
// at least 60% failures and probes again after timeout.
func NewBreaker(name string, timeout time.Duration, log *zap.SugaredLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Infow("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// WithCircuitBreaker runs fn through cb. An open breaker fails fast with
// gobreaker.ErrOpenState.
func WithCircuitBreaker[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	out, err := cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Recover runs next and logs any panic with its stack instead of crashing
// the process. It reports whether next returned normally.
func Recover(log *zap.SugaredLogger, name string, next func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Panic recovered",
				"goroutine", name,
				"error", r,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	next()
	return true
}
