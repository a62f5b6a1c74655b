// Package store persists per-user gateway state in SQLite: API keys,
// dashboard layouts, webhook endpoints and deliveries, agent memories,
// and token usage rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("store: not found")

// WebhookEndpoint is a registered inbound webhook for one user. Mode is
// "wake" (default: admission notifies the gateway to run the agent) or
// "direct" (payloads queue silently until polled).
type WebhookEndpoint struct {
	UserID       string
	Name         string
	Secret       string
	Provider     string
	Mode         string
	Instructions string
	Enabled      bool
	CreatedAt    time.Time
}

// WebhookDelivery is one accepted webhook payload.
type WebhookDelivery struct {
	DeliveryID string
	UserID     string
	Endpoint   string
	Body       []byte
	Processed  bool
	ReceivedAt time.Time
}

// WebhookConfig is a user's webhook security settings. A nil
// HourlyTokenCap means unlimited.
type WebhookConfig struct {
	HourlyTokenCap   *int
	RateLimitPerHour int
}

// Memory is one durable agent memory entry.
type Memory struct {
	Key       string
	Content   string
	UpdatedAt time.Time
}

// Store is the SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// Open creates the database under dataDir and initializes the schema.
// WAL mode keeps concurrent session goroutines from tripping over writes.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dataDir, "dyno.db") + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS api_keys (
		user_id TEXT PRIMARY KEY,
		api_key TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS layouts (
		user_id TEXT PRIMARY KEY,
		layout_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_endpoints (
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		secret TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT 'generic',
		mode TEXT NOT NULL DEFAULT 'wake',
		instructions TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, name)
	);

	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		delivery_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		body BLOB NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, delivery_id)
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_received ON webhook_deliveries(user_id, received_at);

	CREATE TABLE IF NOT EXISTS webhook_configs (
		user_id TEXT PRIMARY KEY,
		hourly_token_cap INTEGER,
		rate_limit_per_hour INTEGER NOT NULL DEFAULT 100,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		content TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS token_usage (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tokens_in INTEGER NOT NULL,
		tokens_out INTEGER NOT NULL,
		used_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_usage_at ON token_usage(user_id, used_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// GetAPIKey returns the stored LLM key for the user.
func (s *Store) GetAPIKey(ctx context.Context, userID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM api_keys WHERE user_id = ?`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

// SetAPIKey stores or replaces the user's LLM key.
func (s *Store) SetAPIKey(ctx context.Context, userID, apiKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (user_id, api_key, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET api_key = excluded.api_key, updated_at = excluded.updated_at`,
		userID, apiKey, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set api key: %w", err)
	}
	return nil
}

// GetLayout returns the user's persisted dashboard layout as raw JSON.
func (s *Store) GetLayout(ctx context.Context, userID string) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT layout_json FROM layouts WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get layout: %w", err)
	}
	return []byte(raw), nil
}

// SaveLayout persists the user's dashboard layout.
func (s *Store) SaveLayout(ctx context.Context, userID string, layoutJSON []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO layouts (user_id, layout_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET layout_json = excluded.layout_json, updated_at = excluded.updated_at`,
		userID, string(layoutJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save layout: %w", err)
	}
	return nil
}

// UpsertWebhookEndpoint registers or rotates an endpoint.
func (s *Store) UpsertWebhookEndpoint(ctx context.Context, ep WebhookEndpoint) error {
	if ep.Provider == "" {
		ep.Provider = "generic"
	}
	if ep.Mode == "" {
		ep.Mode = "wake"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (user_id, name, secret, provider, mode, instructions, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			secret = excluded.secret, provider = excluded.provider, mode = excluded.mode,
			instructions = excluded.instructions, enabled = excluded.enabled`,
		ep.UserID, ep.Name, ep.Secret, ep.Provider, ep.Mode, ep.Instructions, boolToInt(ep.Enabled), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert webhook endpoint: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanEndpoint(scan func(dest ...any) error) (*WebhookEndpoint, error) {
	var ep WebhookEndpoint
	var createdAt int64
	var enabled int
	err := scan(&ep.UserID, &ep.Name, &ep.Secret, &ep.Provider, &ep.Mode, &ep.Instructions, &enabled, &createdAt)
	if err != nil {
		return nil, err
	}
	ep.Enabled = enabled != 0
	ep.CreatedAt = time.Unix(createdAt, 0)
	return &ep, nil
}

const endpointColumns = `user_id, name, secret, provider, mode, instructions, enabled, created_at`

// GetWebhookEndpoint looks up one endpoint by user and name.
func (s *Store) GetWebhookEndpoint(ctx context.Context, userID, name string) (*WebhookEndpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints WHERE user_id = ? AND name = ?`, userID, name)
	ep, err := scanEndpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return ep, nil
}

// ListWebhookEndpoints returns every endpoint registered for the user.
func (s *Store) ListWebhookEndpoints(ctx context.Context, userID string) ([]WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		out = append(out, *ep)
	}
	return out, rows.Err()
}

// DeleteWebhookEndpoint removes an endpoint. Missing rows are not an error.
func (s *Store) DeleteWebhookEndpoint(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_endpoints WHERE user_id = ? AND name = ?`, userID, name)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint: %w", err)
	}
	return nil
}

// RecordWebhookDelivery persists an accepted payload. The (user, delivery)
// primary key rejects duplicates; callers check SeenDelivery first.
func (s *Store) RecordWebhookDelivery(ctx context.Context, d WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, user_id, endpoint, body, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.DeliveryID, d.UserID, d.Endpoint, d.Body, d.ReceivedAt.Unix())
	if err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}
	return nil
}

// SeenDelivery reports whether a delivery id already arrived for the user.
func (s *Store) SeenDelivery(ctx context.Context, userID, deliveryID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM webhook_deliveries WHERE user_id = ? AND delivery_id = ?`,
		userID, deliveryID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return n > 0, nil
}

// CountDeliveriesSince counts accepted deliveries for rate limiting.
func (s *Store) CountDeliveriesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM webhook_deliveries WHERE user_id = ? AND received_at >= ?`,
		userID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}

// ListDeliveries returns deliveries since the cutoff, newest first.
// endpoint filters to one endpoint when non-empty.
func (s *Store) ListDeliveries(ctx context.Context, userID, endpoint string, since time.Time, limit int) ([]WebhookDelivery, error) {
	query := `SELECT delivery_id, user_id, endpoint, body, received_at FROM webhook_deliveries
		WHERE user_id = ? AND received_at >= ?`
	args := []any{userID, since.Unix()}
	if endpoint != "" {
		query += ` AND endpoint = ?`
		args = append(args, endpoint)
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var receivedAt int64
		if err := rows.Scan(&d.DeliveryID, &d.UserID, &d.Endpoint, &d.Body, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.ReceivedAt = time.Unix(receivedAt, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimUnprocessedDeliveries fetches every unprocessed payload for the
// endpoint and marks it processed in the same transaction, so concurrent
// wake handlers never process a payload twice. endpoint may be empty to
// claim across all of the user's endpoints.
func (s *Store) ClaimUnprocessedDeliveries(ctx context.Context, userID, endpoint string) ([]WebhookDelivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT delivery_id, user_id, endpoint, body, received_at FROM webhook_deliveries
		WHERE user_id = ? AND processed = 0`
	args := []any{userID}
	if endpoint != "" {
		query += ` AND endpoint = ?`
		args = append(args, endpoint)
	}
	query += ` ORDER BY received_at ASC`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}

	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var receivedAt int64
		if err := rows.Scan(&d.DeliveryID, &d.UserID, &d.Endpoint, &d.Body, &receivedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claimed delivery: %w", err)
		}
		d.ReceivedAt = time.Unix(receivedAt, 0)
		d.Processed = true
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, d := range out {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET processed = 1 WHERE user_id = ? AND delivery_id = ?`,
			userID, d.DeliveryID); err != nil {
			return nil, fmt.Errorf("mark delivery processed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// GetWebhookConfig returns the user's webhook settings, with defaults for
// users that never configured anything.
func (s *Store) GetWebhookConfig(ctx context.Context, userID string) (WebhookConfig, error) {
	var tokenCap sql.NullInt64
	var rate int
	err := s.db.QueryRowContext(ctx,
		`SELECT hourly_token_cap, rate_limit_per_hour FROM webhook_configs WHERE user_id = ?`,
		userID).Scan(&tokenCap, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookConfig{RateLimitPerHour: 100}, nil
	}
	if err != nil {
		return WebhookConfig{}, fmt.Errorf("get webhook config: %w", err)
	}
	cfg := WebhookConfig{RateLimitPerHour: rate}
	if tokenCap.Valid {
		v := int(tokenCap.Int64)
		cfg.HourlyTokenCap = &v
	}
	return cfg, nil
}

// SetWebhookConfig stores the user's webhook settings.
func (s *Store) SetWebhookConfig(ctx context.Context, userID string, cfg WebhookConfig) error {
	var tokenCap sql.NullInt64
	if cfg.HourlyTokenCap != nil {
		tokenCap = sql.NullInt64{Int64: int64(*cfg.HourlyTokenCap), Valid: true}
	}
	if cfg.RateLimitPerHour <= 0 {
		cfg.RateLimitPerHour = 100
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_configs (user_id, hourly_token_cap, rate_limit_per_hour, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			hourly_token_cap = excluded.hourly_token_cap,
			rate_limit_per_hour = excluded.rate_limit_per_hour,
			updated_at = excluded.updated_at`,
		userID, tokenCap, cfg.RateLimitPerHour, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set webhook config: %w", err)
	}
	return nil
}

// PruneDeliveries drops delivery rows older than the cutoff.
func (s *Store) PruneDeliveries(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE received_at < ?`, before.Unix())
	if err != nil {
		return fmt.Errorf("prune deliveries: %w", err)
	}
	return nil
}

// SaveMemory stores or replaces one memory entry.
func (s *Store) SaveMemory(ctx context.Context, userID, key, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (user_id, key, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		userID, key, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// ListMemories returns the user's memories ordered by key.
func (s *Store) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, content, updated_at FROM memories WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Memory
	for rows.Next() {
		var m Memory
		var updatedAt int64
		if err := rows.Scan(&m.Key, &m.Content, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMemory removes one memory entry. Missing keys are not an error.
func (s *Store) DeleteMemory(ctx context.Context, userID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// RecordTokenUsage appends one usage row for budget accounting.
func (s *Store) RecordTokenUsage(ctx context.Context, userID, sessionID string, tokensIn, tokensOut int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (user_id, session_id, tokens_in, tokens_out, used_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, sessionID, tokensIn, tokensOut, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

// TokensUsedSince sums in+out tokens over the trailing window.
func (s *Store) TokensUsedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(tokens_in + tokens_out) FROM token_usage
		WHERE user_id = ? AND used_at >= ?`, userID, since.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum token usage: %w", err)
	}
	return int(total.Int64), nil
}
