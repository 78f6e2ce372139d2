// Package repository provides PostgreSQL-backed persistence for feature
// definitions, activation state, scoped records, groups, and feature events,
// plus the LISTEN/NOTIFY-based invalidation channel that keeps the service
// layer's definition index fresh without polling the database into
// submission. A Redis-backed state store lives alongside it for deployments
// that keep activation state out of Postgres.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel   = "feature_events"
	defaultEventBatchSize  = 1000
	invalidationRetryDelay = time.Second
)

// Event types recorded in the feature_events table.
const (
	EventTypeDefined     = "defined"
	EventTypeDeleted     = "deleted"
	EventTypeActivated   = "activated"
	EventTypeDeactivated = "deactivated"
)

// FeatureRow is the stored representation of a feature definition. The
// service layer turns rows into engine definitions; DefaultValue and
// Variants stay as raw JSON until then.
type FeatureRow struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	DefaultValue json.RawMessage `json:"default_value"`
	Dependencies []string        `json:"dependencies"`
	Variants     json.RawMessage `json:"variants"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// FeatureEvent is one activation/deactivation/definition change, stored in
// the feature_events table and used to drive SSE streaming.
type FeatureEvent struct {
	EventID    int64           `json:"event_id"`
	Feature    string          `json:"feature"`
	ContextKey string          `json:"context_key"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PostgresRepository persists pennon's state in PostgreSQL via a pgxpool
// connection pool. It implements the engine's StateStore, ScopeStore, and
// GroupStore contracts along with definition, event, and auth persistence.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// RepositoryOption configures a PostgresRepository.
type RepositoryOption func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) RepositoryOption {
	return func(r *PostgresRepository) {
		if trimmed := strings.TrimSpace(channel); trimmed != "" {
			r.notifyChannel = trimmed
		}
	}
}

// WithEventBatchSize limits how many events a single stream poll returns.
func WithEventBatchSize(size int) RepositoryOption {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a PostgresRepository with default settings.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...RepositoryOption) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefineFeature upserts a feature definition row. Redefinition is last write
// wins, matching the engine's semantics.
func (r *PostgresRepository) DefineFeature(ctx context.Context, feature FeatureRow) (FeatureRow, error) {
	var defined FeatureRow
	err := r.pool.QueryRow(ctx, `
		INSERT INTO features (name, description, default_value, dependencies, variants, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET description = EXCLUDED.description,
		    default_value = EXCLUDED.default_value,
		    dependencies = EXCLUDED.dependencies,
		    variants = EXCLUDED.variants,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
		RETURNING name, description, default_value, dependencies, variants, expires_at, created_at, updated_at
	`,
		feature.Name,
		feature.Description,
		ensureJSON(feature.DefaultValue, "true"),
		feature.Dependencies,
		ensureJSON(feature.Variants, "[]"),
		feature.ExpiresAt,
	).Scan(
		&defined.Name,
		&defined.Description,
		&defined.DefaultValue,
		&defined.Dependencies,
		&defined.Variants,
		&defined.ExpiresAt,
		&defined.CreatedAt,
		&defined.UpdatedAt,
	)
	if err != nil {
		return FeatureRow{}, fmt.Errorf("define feature: %w", err)
	}

	return defined, nil
}

// GetFeature retrieves a single feature definition by name. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFeature(ctx context.Context, name string) (FeatureRow, error) {
	var feature FeatureRow
	err := r.pool.QueryRow(ctx, `
		SELECT name, description, default_value, dependencies, variants, expires_at, created_at, updated_at
		FROM features
		WHERE name = $1
	`, name).Scan(
		&feature.Name,
		&feature.Description,
		&feature.DefaultValue,
		&feature.Dependencies,
		&feature.Variants,
		&feature.ExpiresAt,
		&feature.CreatedAt,
		&feature.UpdatedAt,
	)
	if err != nil {
		return FeatureRow{}, fmt.Errorf("get feature: %w", err)
	}

	return feature, nil
}

// ListFeatures returns all feature definitions ordered by name.
func (r *PostgresRepository) ListFeatures(ctx context.Context) ([]FeatureRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, description, default_value, dependencies, variants, expires_at, created_at, updated_at
		FROM features
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	features := make([]FeatureRow, 0)
	for rows.Next() {
		var feature FeatureRow
		if err := rows.Scan(
			&feature.Name,
			&feature.Description,
			&feature.DefaultValue,
			&feature.Dependencies,
			&feature.Variants,
			&feature.ExpiresAt,
			&feature.CreatedAt,
			&feature.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		features = append(features, feature)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list features rows: %w", err)
	}

	return features, nil
}

// DeleteFeature removes a feature definition and all of its stored state.
// Returns pgx.ErrNoRows (wrapped) if the feature does not exist.
func (r *PostgresRepository) DeleteFeature(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM features WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete feature: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete feature: %w", pgx.ErrNoRows)
	}

	if err := r.Purge(ctx, name); err != nil {
		return fmt.Errorf("purge deleted feature state: %w", err)
	}

	return nil
}

// PublishFeatureEvent inserts a feature event and sends a PostgreSQL NOTIFY
// on the configured channel within a single transaction, so subscribers
// never observe a notification for an uncommitted event.
func (r *PostgresRepository) PublishFeatureEvent(ctx context.Context, event FeatureEvent) (FeatureEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FeatureEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created FeatureEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO feature_events (feature, context_key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, feature, context_key, event_type, payload, created_at
	`,
		event.Feature,
		event.ContextKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Feature,
		&created.ContextKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return FeatureEvent{}, fmt.Errorf("insert feature event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return FeatureEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return FeatureEvent{}, fmt.Errorf("notify feature event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FeatureEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to the configured batch size of feature events
// with IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]FeatureEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, feature, context_key, event_type, payload, created_at
		FROM feature_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListEventsSinceForFeature returns events for a single feature with IDs
// greater than eventID.
func (r *PostgresRepository) ListEventsSinceForFeature(ctx context.Context, eventID int64, feature string) ([]FeatureEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, feature, context_key, event_type, payload, created_at
		FROM feature_events
		WHERE event_id > $1 AND feature = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, feature, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for feature: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]FeatureEvent, error) {
	events := make([]FeatureEvent, 0)
	for rows.Next() {
		var event FeatureEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Feature,
			&event.ContextKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever a
// feature event notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed if the listener stops for good.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(invalidationRetryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for feature event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}
	return input
}

func marshalNotifyPayload(event FeatureEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		Feature   string `json:"feature"`
		EventType string `json:"event_type"`
	}{
		Feature:   event.Feature,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

// encodeValue serializes a feature value for JSONB storage.
func encodeValue(value any) (json.RawMessage, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return payload, nil
}

// decodeValue deserializes a stored JSONB feature value. Numbers come back
// as float64, which is acceptable for feature values.
func decodeValue(payload []byte) (any, error) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}
