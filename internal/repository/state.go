package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pennonhq/pennon/internal/core"
)

// Lookup returns the explicit activation stored for the exact context, if
// any. Implements core.StateStore.
func (r *PostgresRepository) Lookup(ctx context.Context, feature, contextKey string) (any, bool, error) {
	var payload json.RawMessage
	err := r.pool.QueryRow(ctx, `
		SELECT value
		FROM feature_states
		WHERE feature = $1 AND context_key = $2
	`, feature, contextKey).Scan(&payload)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("lookup state: %w", err)
	}

	value, err := decodeValue(payload)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// LookupEveryone returns the feature-wide value, stored under the reserved
// everyone key.
func (r *PostgresRepository) LookupEveryone(ctx context.Context, feature string) (any, bool, error) {
	return r.Lookup(ctx, feature, core.EveryoneKey)
}

// Store upserts the explicit activation for a context.
func (r *PostgresRepository) Store(ctx context.Context, feature, contextKey string, value any) error {
	payload, err := encodeValue(value)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO feature_states (feature, context_key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (feature, context_key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`, feature, contextKey, payload)
	if err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	return nil
}

// StoreEveryone upserts the feature-wide value.
func (r *PostgresRepository) StoreEveryone(ctx context.Context, feature string, value any) error {
	return r.Store(ctx, feature, core.EveryoneKey, value)
}

// Remove deletes the explicit activation for a context. Removing a missing
// row is not an error.
func (r *PostgresRepository) Remove(ctx context.Context, feature, contextKey string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM feature_states WHERE feature = $1 AND context_key = $2
	`, feature, contextKey)
	if err != nil {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}

// Purge deletes all stored state for the named features, or every row when
// none are named. Scoped records for the features go with them.
func (r *PostgresRepository) Purge(ctx context.Context, features ...string) error {
	if len(features) == 0 {
		if _, err := r.pool.Exec(ctx, `DELETE FROM feature_states`); err != nil {
			return fmt.Errorf("purge states: %w", err)
		}
		if _, err := r.pool.Exec(ctx, `DELETE FROM scoped_states`); err != nil {
			return fmt.Errorf("purge scoped states: %w", err)
		}
		return nil
	}

	if _, err := r.pool.Exec(ctx, `DELETE FROM feature_states WHERE feature = ANY($1)`, features); err != nil {
		return fmt.Errorf("purge states: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM scoped_states WHERE feature = ANY($1)`, features); err != nil {
		return fmt.Errorf("purge scoped states: %w", err)
	}
	return nil
}

// AddScopedRecord stores a scoped activation record. The wildcard count is
// denormalized at write time so reads never recount.
func (r *PostgresRepository) AddScopedRecord(ctx context.Context, record core.ScopeRecord) error {
	scopePayload, err := json.Marshal(record.Scope)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	valuePayload, err := encodeValue(record.Value)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO scoped_states (feature, kind, scope, wildcards, value)
		VALUES ($1, $2, $3, $4, $5)
	`, record.Feature, record.Kind, scopePayload, record.Wildcards(), valuePayload)
	if err != nil {
		return fmt.Errorf("add scoped record: %w", err)
	}
	return nil
}

// ScopedRecords returns the scoped activation records for a feature and
// context kind. Implements core.ScopeStore.
func (r *PostgresRepository) ScopedRecords(ctx context.Context, feature, kind string) ([]core.ScopeRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT feature, kind, scope, value, created_at
		FROM scoped_states
		WHERE feature = $1 AND kind = $2
		ORDER BY id
	`, feature, kind)
	if err != nil {
		return nil, fmt.Errorf("list scoped records: %w", err)
	}
	defer rows.Close()

	records := make([]core.ScopeRecord, 0)
	for rows.Next() {
		var record core.ScopeRecord
		var scopePayload, valuePayload json.RawMessage
		if err := rows.Scan(&record.Feature, &record.Kind, &scopePayload, &valuePayload, &record.WrittenAt); err != nil {
			return nil, fmt.Errorf("scan scoped record: %w", err)
		}
		if err := json.Unmarshal(scopePayload, &record.Scope); err != nil {
			return nil, fmt.Errorf("decode scope: %w", err)
		}
		value, err := decodeValue(valuePayload)
		if err != nil {
			return nil, err
		}
		record.Value = value
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scoped records rows: %w", err)
	}

	return records, nil
}
