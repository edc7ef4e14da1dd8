package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aiproxy/internal/db"
)

// Retry-After values by window. Lifetime violations carry none; waiting
// does not help.
const (
	retryAfterMinute = 60
	retryAfterDay    = 3600
)

// Dimension names appear in LimitError and in the rejection metrics.
const (
	DimRequestsPerMinute = "requests_per_minute"
	DimRequestsPerDay    = "requests_per_day"
	DimTokensPerMinute   = "tokens_per_minute"
	DimTokensPerDay      = "tokens_per_day"
	DimTotalTokens       = "total_tokens"
)

// Defaults are the ceilings applied when a user has no limits row.
type Defaults struct {
	RequestsPerMinute int
	RequestsPerDay    int
	TokensPerMinute   int
	TokensPerDay      int
}

// StandardDefaults mirror the provisioning defaults for new users. The
// lifetime dimension defaults to unbounded.
var StandardDefaults = Defaults{
	RequestsPerMinute: 60,
	RequestsPerDay:    1000,
	TokensPerMinute:   100000,
	TokensPerDay:      1000000,
}

// LimitError reports a tripped ceiling. RetryAfter is in seconds; zero means
// the header is omitted.
type LimitError struct {
	Dimension  string
	Limit      int
	Current    int
	RetryAfter int
	Message    string
}

func (e *LimitError) Error() string { return e.Message }

// Limiter performs the pre-admission check and the post-completion charge.
type Limiter struct {
	store    db.Store
	counters *Counters
	defaults Defaults
}

// NewLimiter builds a limiter over the given store and counters.
func NewLimiter(store db.Store, counters *Counters, defaults Defaults) *Limiter {
	return &Limiter{store: store, counters: counters, defaults: defaults}
}

// effective resolves the user's ceilings. A missing row yields the defaults
// with an unbounded lifetime; a nil column in an existing row means that
// dimension is unbounded.
func (l *Limiter) effective(ctx context.Context, userID string) (*db.RateLimitRecord, error) {
	rec, err := l.store.GetRateLimits(ctx, userID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	d := l.defaults
	return &db.RateLimitRecord{
		UserID:            userID,
		RequestsPerMinute: &d.RequestsPerMinute,
		RequestsPerDay:    &d.RequestsPerDay,
		TokensPerMinute:   &d.TokensPerMinute,
		TokensPerDay:      &d.TokensPerDay,
	}, nil
}

// Admit checks all five dimensions against current consumption and, if every
// check passes, records the request sample. Token usage of the request being
// admitted is unknown at this point and is deliberately not estimated; token
// windows are compared against what has already been consumed.
func (l *Limiter) Admit(ctx context.Context, userID string) error {
	limits, err := l.effective(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve limits for %s: %w", userID, err)
	}

	if limits.RequestsPerMinute != nil {
		cur := l.counters.RequestsInLastMinute(userID)
		if cur >= *limits.RequestsPerMinute {
			return &LimitError{
				Dimension:  DimRequestsPerMinute,
				Limit:      *limits.RequestsPerMinute,
				Current:    cur,
				RetryAfter: retryAfterMinute,
				Message:    fmt.Sprintf("Rate limit exceeded: %d requests per minute", *limits.RequestsPerMinute),
			}
		}
	}

	if limits.RequestsPerDay != nil {
		cur, err := l.store.RequestsInWindow(ctx, userID, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("count daily requests for %s: %w", userID, err)
		}
		if cur >= *limits.RequestsPerDay {
			return &LimitError{
				Dimension:  DimRequestsPerDay,
				Limit:      *limits.RequestsPerDay,
				Current:    cur,
				RetryAfter: retryAfterDay,
				Message:    fmt.Sprintf("Rate limit exceeded: %d requests per day", *limits.RequestsPerDay),
			}
		}
	}

	if limits.TokensPerMinute != nil {
		cur := l.counters.TokensInLastMinute(userID)
		if cur >= *limits.TokensPerMinute {
			return &LimitError{
				Dimension:  DimTokensPerMinute,
				Limit:      *limits.TokensPerMinute,
				Current:    cur,
				RetryAfter: retryAfterMinute,
				Message:    fmt.Sprintf("Rate limit exceeded: %d tokens per minute", *limits.TokensPerMinute),
			}
		}
	}

	if limits.TokensPerDay != nil {
		cur, err := l.store.TokensInWindow(ctx, userID, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("sum daily tokens for %s: %w", userID, err)
		}
		if cur >= *limits.TokensPerDay {
			return &LimitError{
				Dimension:  DimTokensPerDay,
				Limit:      *limits.TokensPerDay,
				Current:    cur,
				RetryAfter: retryAfterDay,
				Message:    fmt.Sprintf("Rate limit exceeded: %d tokens per day", *limits.TokensPerDay),
			}
		}
	}

	if limits.TotalTokenLimit != nil {
		cur, err := l.store.TotalTokens(ctx, userID)
		if err != nil {
			return fmt.Errorf("sum lifetime tokens for %s: %w", userID, err)
		}
		if cur >= *limits.TotalTokenLimit {
			return &LimitError{
				Dimension: DimTotalTokens,
				Limit:     *limits.TotalTokenLimit,
				Current:   cur,
				Message:   fmt.Sprintf("Total token limit exceeded: %d tokens", *limits.TotalTokenLimit),
			}
		}
	}

	l.counters.RecordRequest(userID)
	return nil
}

// Charge records a completed request's token consumption in the minute
// window. The usage row already written to the store is the record for the
// day and lifetime dimensions.
func (l *Limiter) Charge(userID string, tokens int) {
	l.counters.RecordTokens(userID, tokens)
}
