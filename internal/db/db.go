package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// ErrBusy is returned when the store cannot service the query because the
// connection pool is saturated or the database is locked. Callers may retry.
var ErrBusy = errors.New("db: busy")

// ErrExists is returned when an insert collides with an existing row.
var ErrExists = errors.New("db: already exists")

// Store is the persistence interface for the proxy.
type Store interface {
	UserStore
	UsageStore
	RateLimitStore
	PricingStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Users ───────────────────────────────────────────────────────────────────

// UserRecord is a provisioned API user.
type UserRecord struct {
	ID        string    `json:"user_id"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore persists users and their credentials.
type UserStore interface {
	// CreateUser inserts a new user with the given API key and seeds its
	// rate-limit row with the supplied defaults.
	CreateUser(ctx context.Context, rec *UserRecord, defaults *RateLimitRecord) error

	// GetUserByAPIKey resolves a credential to a user. Returns ErrNotFound
	// when no user holds the key.
	GetUserByAPIKey(ctx context.Context, apiKey string) (*UserRecord, error)

	// GetUser retrieves a user by identity.
	GetUser(ctx context.Context, userID string) (*UserRecord, error)

	// ListUsers returns all users ordered by creation time.
	ListUsers(ctx context.Context) ([]*UserRecord, error)

	// DeleteUser removes a user, its rate-limit row and its usage rows.
	DeleteUser(ctx context.Context, userID string) error

	// DeleteAllUsers wipes users, rate limits and usage. Returns the number
	// of users removed.
	DeleteAllUsers(ctx context.Context) (int, error)
}

// ─── Usage ───────────────────────────────────────────────────────────────────

// UsageRecord is the immutable record of one completed request.
type UsageRecord struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	RequestID        string    `json:"request_id"`
	PromptPreview    string    `json:"prompt_preview,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ModelUsage aggregates usage for a single model.
type ModelUsage struct {
	TotalTokens      int     `json:"total_tokens"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalCost        float64 `json:"total_cost"`
	RequestCount     int     `json:"request_count"`
}

// UsageStats is the per-user rollup plus per-model breakdown.
type UsageStats struct {
	TotalTokens      int                   `json:"total_tokens"`
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	TotalCost        float64               `json:"total_cost"`
	RequestCount     int                   `json:"request_count"`
	ByModel          map[string]ModelUsage `json:"by_model"`
}

// UsageStore persists per-request usage rows. Rows are written exactly once
// per completed request and never updated.
type UsageStore interface {
	// RecordUsage appends a usage row.
	RecordUsage(ctx context.Context, rec *UsageRecord) error

	// GetUsageStats returns totals and a per-model breakdown for a user.
	GetUsageStats(ctx context.Context, userID string) (*UsageStats, error)

	// ListUsage returns a user's usage rows, newest first.
	ListUsage(ctx context.Context, userID string, limit, offset int) ([]*UsageRecord, error)

	// RequestsInWindow counts a user's usage rows newer than now-window.
	RequestsInWindow(ctx context.Context, userID string, window time.Duration) (int, error)

	// TokensInWindow sums total_tokens over a user's rows newer than now-window.
	TokensInWindow(ctx context.Context, userID string, window time.Duration) (int, error)

	// TotalTokens sums total_tokens over all of a user's rows.
	TotalTokens(ctx context.Context, userID string) (int, error)
}

// ─── Rate limits ─────────────────────────────────────────────────────────────

// RateLimitRecord holds per-user ceilings. Nil fields are unbounded.
type RateLimitRecord struct {
	UserID            string `json:"user_id"`
	RequestsPerMinute *int   `json:"requests_per_minute"`
	RequestsPerDay    *int   `json:"requests_per_day"`
	TokensPerMinute   *int   `json:"tokens_per_minute"`
	TokensPerDay      *int   `json:"tokens_per_day"`
	TotalTokenLimit   *int   `json:"total_token_limit"`
}

// RateLimitStore persists per-user rate-limit rows.
type RateLimitStore interface {
	// GetRateLimits returns the limit row for a user, or ErrNotFound.
	GetRateLimits(ctx context.Context, userID string) (*RateLimitRecord, error)

	// UpdateRateLimits overwrites the provided (non-nil) fields. Writes take
	// effect on the next admission check.
	UpdateRateLimits(ctx context.Context, rec *RateLimitRecord) error
}

// ─── Pricing ─────────────────────────────────────────────────────────────────

// PricingRecord is the current rate for one model, expressed as currency
// units per one million tokens.
type PricingRecord struct {
	Model         string    `json:"model"`
	InputPerMTok  float64   `json:"input_cost_per_million"`
	OutputPerMTok float64   `json:"output_cost_per_million"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PricingHistoryRecord is one append-only entry in the price change log.
type PricingHistoryRecord struct {
	ID            int64     `json:"id"`
	Model         string    `json:"model"`
	InputPerMTok  float64   `json:"input_cost_per_million"`
	OutputPerMTok float64   `json:"output_cost_per_million"`
	ChangedBy     string    `json:"changed_by"`
	ChangedAt     time.Time `json:"changed_at"`
}

// PricingStore persists the price book and its history.
type PricingStore interface {
	// SetModelPricing upserts the price-book row and appends a history entry
	// in the same transaction. If either write fails, neither applies.
	SetModelPricing(ctx context.Context, model string, inputPerMTok, outputPerMTok float64, changedBy string) error

	// GetModelPricing returns the current row for a model, or ErrNotFound.
	GetModelPricing(ctx context.Context, model string) (*PricingRecord, error)

	// ListModelPricing returns all price-book rows ordered by model.
	ListModelPricing(ctx context.Context) ([]*PricingRecord, error)

	// DeleteModelPricing removes a price-book row. History is kept.
	DeleteModelPricing(ctx context.Context, model string) error

	// GetPricingHistory returns history entries newest first. Empty model
	// returns entries for all models.
	GetPricingHistory(ctx context.Context, model string) ([]*PricingHistoryRecord, error)
}
