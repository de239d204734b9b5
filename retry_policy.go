package pipedrive

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/iamsamuelfraga/mcp-pipedrive-sub000/internal/backoff"
)

// BackoffStrategy selects the delay curve between attempts.
type BackoffStrategy int

const (
	ExponentialJitter BackoffStrategy = iota
	DecorrelatedJitter
)

// DefaultRetryableStatuses are the transient statuses retried by default:
// request timeout, rate limited and the usual gateway/server failures.
var DefaultRetryableStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryConfig parameterizes a bounded, status-gated retry loop.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// RetryableStatuses gates which ClientError statuses are re-attempted.
	RetryableStatuses []int
	// RetryNetworkErrors re-attempts transport failures that carry no status.
	RetryNetworkErrors bool
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	Multiplier         float64
	Jitter             float64
	Strategy           BackoffStrategy
}

// DefaultRetryConfig returns 3 retries with exponential backoff from 250ms to 10s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		RetryableStatuses:  slices.Clone(DefaultRetryableStatuses),
		RetryNetworkErrors: true,
		InitialBackoff:     250 * time.Millisecond,
		MaxBackoff:         10 * time.Second,
		Multiplier:         2.0,
		Jitter:             0.1,
		Strategy:           ExponentialJitter,
	}
}

func (cfg RetryConfig) validate() []string {
	var errs []string
	if cfg.MaxRetries < 0 {
		errs = append(errs, "retry MaxRetries must be non-negative")
	}
	if cfg.MaxRetries > 100 {
		errs = append(errs, "retry MaxRetries > 100 may cause excessive resource usage")
	}
	if cfg.InitialBackoff < 0 {
		errs = append(errs, "retry InitialBackoff must be non-negative")
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		errs = append(errs, "retry MaxBackoff must be greater than or equal to InitialBackoff")
	}
	if cfg.Multiplier <= 0 {
		errs = append(errs, "retry Multiplier must be positive")
	}
	for _, s := range cfg.RetryableStatuses {
		if s < 100 || s > 599 {
			errs = append(errs, "retry RetryableStatuses contains invalid status "+strconv.Itoa(s))
		}
	}
	return errs
}

// RetryPolicy decides whether and when a failed attempt is repeated.
type RetryPolicy struct {
	cfg      RetryConfig
	strategy backoff.Strategy
	// sleep waits d or until ctx is done; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
	// onRetry observes each scheduled re-attempt.
	onRetry func(attempt int, delay time.Duration, err error)
}

// NewRetryPolicy builds a policy from cfg.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	p := &RetryPolicy{cfg: cfg, sleep: sleepContext}
	switch cfg.Strategy {
	case DecorrelatedJitter:
		p.strategy = backoff.Decorrelated{}
	default:
		p.strategy = backoff.Exponential{}
	}
	return p
}

// Config returns the policy configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.cfg
}

// MaxAttempts is 1 + MaxRetries.
func (p *RetryPolicy) MaxAttempts() int {
	return 1 + p.cfg.MaxRetries
}

// Retryable reports whether err qualifies for another attempt, ignoring the budget.
func (p *RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return false
	}
	if clientErr.StatusCode > 0 {
		return slices.Contains(p.cfg.RetryableStatuses, clientErr.StatusCode)
	}
	return p.cfg.RetryNetworkErrors && clientErr.Type == ErrorTypeNetwork && clientErr.Kind == KindTransient
}

// Delay returns the wait before re-attempt number attempt+1. A Retry-After
// carried by err wins over the curve, bounded by MaxBackoff.
func (p *RetryPolicy) Delay(attempt int, err error) time.Duration {
	var clientErr *ClientError
	if errors.As(err, &clientErr) && clientErr.RetryAfter > 0 {
		if clientErr.RetryAfter > p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
		return clientErr.RetryAfter
	}
	return p.strategy.Delay(attempt, backoff.Params{
		Initial:    p.cfg.InitialBackoff,
		Max:        p.cfg.MaxBackoff,
		Multiplier: p.cfg.Multiplier,
		Jitter:     p.cfg.Jitter,
	})
}

// WithRetry runs action until it succeeds, fails with a non-retryable error,
// the budget of 1+MaxRetries attempts is spent or ctx ends. attempt passed to
// action starts at 0. The last failure is returned unchanged apart from
// Attempt/MaxRetries bookkeeping on ClientError.
func WithRetry[T any](ctx context.Context, p *RetryPolicy, action func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := action(ctx, attempt)
		if err == nil {
			return result, nil
		}

		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			clientErr.Attempt = attempt + 1
			clientErr.MaxRetries = p.cfg.MaxRetries
		}

		if attempt >= p.cfg.MaxRetries || !p.Retryable(err) || ctx.Err() != nil {
			return zero, err
		}

		delay := p.Delay(attempt, err)
		if p.onRetry != nil {
			p.onRetry(attempt+1, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}
