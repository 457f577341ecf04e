package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/avetorres/polytrader/internal/domain"
)

// Gate throttles and retries every outbound exchange call. It enforces a
// minimum inter-call interval of 60s / maxCallsPerMinute (callers block until
// their slot), and retries failures up to the configured attempt count.
//
// Rate-limit failures (HTTP 429 or a "rate" substring in the message) back
// off linearly with the attempt number; everything else waits a flat
// max(1s, retryBackoff). Retried attempts pass through the pacer again, so a
// retry can never bust the call budget.
type Gate struct {
	limiter      *rate.Limiter
	attempts     int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// NewGate creates a Gate allowing maxCallsPerMinute outbound calls, each
// retried up to retryAttempts times with retryBackoff as the base delay.
func NewGate(maxCallsPerMinute, retryAttempts int, retryBackoff time.Duration, logger *slog.Logger) *Gate {
	if maxCallsPerMinute < 1 {
		maxCallsPerMinute = 1
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Gate{
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxCallsPerMinute)), 1),
		attempts:     retryAttempts,
		retryBackoff: retryBackoff,
		logger:       logger.With(slog.String("component", "gate")),
	}
}

// Call runs fn through the gate: wait for a pacer slot, invoke, retry on
// failure. After the final attempt the last error propagates unwrapped.
func Call[T any](ctx context.Context, g *Gate, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	policy := &retryPolicy{base: g.retryBackoff}

	op := func() (T, error) {
		var zero T
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		out, err := fn(ctx)
		if err != nil {
			policy.rateLimited = isRateLimited(err)
			return zero, err
		}
		return out, nil
	}

	notify := func(err error, next time.Duration) {
		g.logger.Warn("call failed, retrying",
			slog.String("call", name),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()))
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(g.attempts)),
		backoff.WithNotify(notify),
	)
}

// retryPolicy implements backoff.BackOff. The delay depends on how the
// previous attempt failed, which the operation records in rateLimited before
// NextBackOff runs.
type retryPolicy struct {
	base        time.Duration
	attempt     int
	rateLimited bool
}

func (p *retryPolicy) NextBackOff() time.Duration {
	p.attempt++
	if p.rateLimited {
		return time.Duration(p.attempt) * p.base
	}
	if p.base < time.Second {
		return time.Second
	}
	return p.base
}

func (p *retryPolicy) Reset() {
	p.attempt = 0
	p.rateLimited = false
}

// isRateLimited reports whether err looks like an exchange rate-limit
// rejection.
func isRateLimited(err error) bool {
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate")
}
