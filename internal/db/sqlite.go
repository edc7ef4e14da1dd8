package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

// defaultPoolSize bounds concurrent store connections.
const defaultPoolSize = 20

// schema is tracked in the schema_versions table; migrations apply in order
// and are recorded so restarts are safe.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
    id          TEXT PRIMARY KEY,
    api_key     TEXT UNIQUE NOT NULL,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key);

CREATE TABLE IF NOT EXISTS usage (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id            TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    model              TEXT NOT NULL,
    prompt_tokens      INTEGER NOT NULL,
    completion_tokens  INTEGER NOT NULL,
    total_tokens       INTEGER NOT NULL,
    timestamp          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_user_id        ON usage(user_id);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp      ON usage(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_user_timestamp ON usage(user_id, timestamp);

CREATE TABLE IF NOT EXISTS rate_limits (
    user_id              TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    requests_per_minute  INTEGER,
    requests_per_day     INTEGER,
    tokens_per_minute    INTEGER,
    tokens_per_day       INTEGER,
    total_token_limit    INTEGER
);

CREATE TABLE IF NOT EXISTS model_pricing (
    model                    TEXT PRIMARY KEY,
    input_cost_per_million   REAL NOT NULL DEFAULT 0.0,
    output_cost_per_million  REAL NOT NULL DEFAULT 0.0,
    created_at               DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at               DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pricing_history (
    id                       INTEGER PRIMARY KEY AUTOINCREMENT,
    model                    TEXT NOT NULL,
    input_cost_per_million   REAL NOT NULL,
    output_cost_per_million  REAL NOT NULL,
    changed_by               TEXT NOT NULL DEFAULT 'admin',
    changed_at               DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_pricing_history_model      ON pricing_history(model);
CREATE INDEX IF NOT EXISTS idx_pricing_history_changed_at ON pricing_history(model, changed_at DESC);
`,
	},
}

// additiveColumns are applied on every startup; the "duplicate column" error
// is swallowed so restarts are safe. These never drop data.
var additiveColumns = []string{
	`ALTER TABLE usage ADD COLUMN cost REAL NOT NULL DEFAULT 0.0`,
	`ALTER TABLE usage ADD COLUMN request_id TEXT DEFAULT NULL`,
	`ALTER TABLE usage ADD COLUMN prompt_preview TEXT DEFAULT NULL`,
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	return NewSQLiteStoreWithPool(path, defaultPoolSize)
}

// NewSQLiteStoreWithPool opens the store with an explicit pool size.
func NewSQLiteStoreWithPool(path string, poolSize int) (Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them; a plain
	// Exec would only configure whichever connection served it. WAL keeps
	// readers live during writes.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	if path == ":memory:" {
		// Each in-memory connection is its own database; keep one.
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order, then the additive
// column set.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}

	for _, stmt := range additiveColumns {
		if _, err := s.db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("additive migration %q: %w", stmt, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column")
}

// wrapBusy maps SQLITE_BUSY / SQLITE_LOCKED onto ErrBusy so the edge can
// answer 503.
func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case 5, 6: // SQLITE_BUSY, SQLITE_LOCKED
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	return err
}

// isConstraint matches SQLITE_CONSTRAINT and its extended codes (1555 primary
// key, 2067 unique).
func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == 19
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Users ───────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateUser(ctx context.Context, rec *UserRecord, defaults *RateLimitRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBusy(err)
	}
	defer tx.Rollback()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users(id, api_key, created_at) VALUES(?,?,?)`,
		rec.ID, rec.APIKey, rec.CreatedAt.UTC(),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("insert user: %w", ErrExists)
		}
		return fmt.Errorf("insert user: %w", wrapBusy(err))
	}

	if defaults != nil {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO rate_limits(user_id, requests_per_minute, requests_per_day, tokens_per_minute, tokens_per_day, total_token_limit)
            VALUES(?,?,?,?,?,?)
        `,
			rec.ID, defaults.RequestsPerMinute, defaults.RequestsPerDay,
			defaults.TokensPerMinute, defaults.TokensPerDay, defaults.TotalTokenLimit,
		)
		if err != nil {
			return fmt.Errorf("seed rate limits: %w", wrapBusy(err))
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetUserByAPIKey(ctx context.Context, apiKey string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, created_at FROM users WHERE api_key = ?`, apiKey)
	return scanUser(row)
}

func (s *sqliteStore) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, created_at FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*UserRecord, error) {
	rec := &UserRecord{}
	var created string
	if err := row.Scan(&rec.ID, &rec.APIKey, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapBusy(err)
	}
	rec.CreatedAt, _ = parseTime(created)
	return rec, nil
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key, created_at FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	var result []*UserRecord
	for rows.Next() {
		rec := &UserRecord{}
		var created string
		if err := rows.Scan(&rec.ID, &rec.APIKey, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(created)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteUser(ctx context.Context, userID string) error {
	// usage and rate_limits rows go with the user via ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return wrapBusy(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteAllUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, wrapBusy(err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users`); err != nil {
		return 0, wrapBusy(err)
	}
	return count, nil
}

// ─── Usage ───────────────────────────────────────────────────────────────────

func (s *sqliteStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO usage(user_id, model, prompt_tokens, completion_tokens, total_tokens, cost, request_id, prompt_preview, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?)
    `,
		rec.UserID, rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.Cost, rec.RequestID, rec.PromptPreview,
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", wrapBusy(err))
	}
	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

func (s *sqliteStore) GetUsageStats(ctx context.Context, userID string) (*UsageStats, error) {
	stats := &UsageStats{ByModel: map[string]ModelUsage{}}

	row := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(total_tokens), 0),
               COALESCE(SUM(prompt_tokens), 0),
               COALESCE(SUM(completion_tokens), 0),
               COALESCE(SUM(cost), 0.0),
               COUNT(*)
        FROM usage WHERE user_id = ?
    `, userID)
	err := row.Scan(&stats.TotalTokens, &stats.PromptTokens,
		&stats.CompletionTokens, &stats.TotalCost, &stats.RequestCount)
	if err != nil {
		return nil, wrapBusy(err)
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT model,
               COALESCE(SUM(total_tokens), 0),
               COALESCE(SUM(prompt_tokens), 0),
               COALESCE(SUM(completion_tokens), 0),
               COALESCE(SUM(cost), 0.0),
               COUNT(*)
        FROM usage WHERE user_id = ?
        GROUP BY model
    `, userID)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	for rows.Next() {
		var model string
		var mu ModelUsage
		if err := rows.Scan(&model, &mu.TotalTokens, &mu.PromptTokens,
			&mu.CompletionTokens, &mu.TotalCost, &mu.RequestCount); err != nil {
			return nil, err
		}
		stats.ByModel[model] = mu
	}
	return stats, rows.Err()
}

func (s *sqliteStore) ListUsage(ctx context.Context, userID string, limit, offset int) ([]*UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, model, prompt_tokens, completion_tokens, total_tokens,
               cost, COALESCE(request_id, ''), COALESCE(prompt_preview, ''), timestamp
        FROM usage WHERE user_id = ?
        ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?
    `, userID, limit, offset)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	var result []*UsageRecord
	for rows.Next() {
		rec := &UsageRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Model, &rec.PromptTokens,
			&rec.CompletionTokens, &rec.TotalTokens, &rec.Cost,
			&rec.RequestID, &rec.PromptPreview, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) RequestsInWindow(ctx context.Context, userID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage WHERE user_id = ? AND timestamp > ?`,
		userID, cutoff,
	).Scan(&count)
	return count, wrapBusy(err)
}

func (s *sqliteStore) TokensInWindow(ctx context.Context, userID string, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage WHERE user_id = ? AND timestamp > ?`,
		userID, cutoff,
	).Scan(&total)
	return total, wrapBusy(err)
}

func (s *sqliteStore) TotalTokens(ctx context.Context, userID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage WHERE user_id = ?`,
		userID,
	).Scan(&total)
	return total, wrapBusy(err)
}

// ─── Rate limits ─────────────────────────────────────────────────────────────

func (s *sqliteStore) GetRateLimits(ctx context.Context, userID string) (*RateLimitRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT requests_per_minute, requests_per_day, tokens_per_minute, tokens_per_day, total_token_limit
        FROM rate_limits WHERE user_id = ?
    `, userID)
	rec := &RateLimitRecord{UserID: userID}
	err := row.Scan(&rec.RequestsPerMinute, &rec.RequestsPerDay,
		&rec.TokensPerMinute, &rec.TokensPerDay, &rec.TotalTokenLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapBusy(err)
	}
	return rec, nil
}

func (s *sqliteStore) UpdateRateLimits(ctx context.Context, rec *RateLimitRecord) error {
	var sets []string
	var args []any

	if rec.RequestsPerMinute != nil {
		sets = append(sets, "requests_per_minute = ?")
		args = append(args, *rec.RequestsPerMinute)
	}
	if rec.RequestsPerDay != nil {
		sets = append(sets, "requests_per_day = ?")
		args = append(args, *rec.RequestsPerDay)
	}
	if rec.TokensPerMinute != nil {
		sets = append(sets, "tokens_per_minute = ?")
		args = append(args, *rec.TokensPerMinute)
	}
	if rec.TokensPerDay != nil {
		sets = append(sets, "tokens_per_day = ?")
		args = append(args, *rec.TokensPerDay)
	}
	if rec.TotalTokenLimit != nil {
		sets = append(sets, "total_token_limit = ?")
		args = append(args, *rec.TotalTokenLimit)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, rec.UserID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE rate_limits SET `+strings.Join(sets, ", ")+` WHERE user_id = ?`, args...)
	if err != nil {
		return wrapBusy(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Pricing ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SetModelPricing(ctx context.Context, model string, inputPerMTok, outputPerMTok float64, changedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapBusy(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO model_pricing(model, input_cost_per_million, output_cost_per_million, created_at, updated_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(model) DO UPDATE SET
            input_cost_per_million  = excluded.input_cost_per_million,
            output_cost_per_million = excluded.output_cost_per_million,
            updated_at              = excluded.updated_at
    `, model, inputPerMTok, outputPerMTok, now, now)
	if err != nil {
		return fmt.Errorf("upsert pricing: %w", wrapBusy(err))
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO pricing_history(model, input_cost_per_million, output_cost_per_million, changed_by, changed_at)
        VALUES(?,?,?,?,?)
    `, model, inputPerMTok, outputPerMTok, changedBy, now)
	if err != nil {
		return fmt.Errorf("append pricing history: %w", wrapBusy(err))
	}

	return tx.Commit()
}

func (s *sqliteStore) GetModelPricing(ctx context.Context, model string) (*PricingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT model, input_cost_per_million, output_cost_per_million, created_at, updated_at
        FROM model_pricing WHERE model = ?
    `, model)
	rec := &PricingRecord{}
	var created, updated string
	err := row.Scan(&rec.Model, &rec.InputPerMTok, &rec.OutputPerMTok, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapBusy(err)
	}
	rec.CreatedAt, _ = parseTime(created)
	rec.UpdatedAt, _ = parseTime(updated)
	return rec, nil
}

func (s *sqliteStore) ListModelPricing(ctx context.Context) ([]*PricingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT model, input_cost_per_million, output_cost_per_million, created_at, updated_at
        FROM model_pricing ORDER BY model
    `)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	var result []*PricingRecord
	for rows.Next() {
		rec := &PricingRecord{}
		var created, updated string
		if err := rows.Scan(&rec.Model, &rec.InputPerMTok, &rec.OutputPerMTok, &created, &updated); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(created)
		rec.UpdatedAt, _ = parseTime(updated)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteModelPricing(ctx context.Context, model string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_pricing WHERE model = ?`, model)
	if err != nil {
		return wrapBusy(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetPricingHistory(ctx context.Context, model string) ([]*PricingHistoryRecord, error) {
	query := `SELECT id, model, input_cost_per_million, output_cost_per_million, changed_by, changed_at
              FROM pricing_history`
	args := []any{}
	if model != "" {
		query += ` WHERE model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY changed_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapBusy(err)
	}
	defer rows.Close()

	var result []*PricingHistoryRecord
	for rows.Next() {
		rec := &PricingHistoryRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Model, &rec.InputPerMTok,
			&rec.OutputPerMTok, &rec.ChangedBy, &ts); err != nil {
			return nil, err
		}
		rec.ChangedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
