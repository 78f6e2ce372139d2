package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records an administrative action taken through the admin
// portal.
type AuditLogEntry struct {
	ID          int64           `json:"id"`
	AdminUserID string          `json:"admin_user_id"`
	Action      string          `json:"action"`
	Feature     string          `json:"feature,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InsertAuditLog records an admin action.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (admin_user_id, action, feature, details)
		VALUES ($1, $2, $3, $4)
	`, entry.AdminUserID, entry.Action, entry.Feature, ensureJSON(entry.Details, "null"))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns the most recent audit entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, admin_user_id, action, feature, details, created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.AdminUserID, &e.Action, &e.Feature, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}

	return entries, nil
}
