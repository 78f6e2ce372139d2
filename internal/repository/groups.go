package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pennonhq/pennon/internal/core"
)

// GroupRow is the stored representation of a group.
type GroupRow struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefineGroup upserts a group. Redefinition updates the description and is
// otherwise last write wins.
func (r *PostgresRepository) DefineGroup(ctx context.Context, name, description string) (GroupRow, error) {
	var group GroupRow
	err := r.pool.QueryRow(ctx, `
		INSERT INTO groups (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
		SET description = EXCLUDED.description, updated_at = NOW()
		RETURNING name, description, created_at, updated_at
	`, name, description).Scan(&group.Name, &group.Description, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return GroupRow{}, fmt.Errorf("define group: %w", err)
	}

	return group, nil
}

// GetGroup retrieves a single group by name. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetGroup(ctx context.Context, name string) (GroupRow, error) {
	var group GroupRow
	err := r.pool.QueryRow(ctx, `
		SELECT name, description, created_at, updated_at
		FROM groups
		WHERE name = $1
	`, name).Scan(&group.Name, &group.Description, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return GroupRow{}, fmt.Errorf("get group: %w", err)
	}

	return group, nil
}

// ListGroups returns all groups ordered by name.
func (r *PostgresRepository) ListGroups(ctx context.Context) ([]GroupRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, description, created_at, updated_at
		FROM groups
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]GroupRow, 0)
	for rows.Next() {
		var group GroupRow
		if err := rows.Scan(&group.Name, &group.Description, &group.CreatedAt, &group.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups rows: %w", err)
	}

	return groups, nil
}

// DeleteGroup removes a group and its feature values. Memberships are left
// behind intentionally; GroupValue reports them as stale so the engine skips
// them, and re-creating the group picks the members back up. Returns
// pgx.ErrNoRows (wrapped) if the group does not exist.
func (r *PostgresRepository) DeleteGroup(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM groups WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete group: %w", pgx.ErrNoRows)
	}

	if _, err := r.pool.Exec(ctx, `DELETE FROM group_features WHERE group_name = $1`, name); err != nil {
		return fmt.Errorf("delete group features: %w", err)
	}

	return nil
}

// SetGroupFeature activates a feature for every member of a group. Returns
// pgx.ErrNoRows (wrapped) if the group does not exist.
func (r *PostgresRepository) SetGroupFeature(ctx context.Context, group, feature string, value any) error {
	if err := r.requireGroup(ctx, group); err != nil {
		return err
	}

	payload, err := encodeValue(value)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO group_features (group_name, feature, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_name, feature) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`, group, feature, payload)
	if err != nil {
		return fmt.Errorf("set group feature: %w", err)
	}
	return nil
}

// RemoveGroupFeature deletes a group-level feature value. Removing a missing
// value is not an error.
func (r *PostgresRepository) RemoveGroupFeature(ctx context.Context, group, feature string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM group_features WHERE group_name = $1 AND feature = $2
	`, group, feature)
	if err != nil {
		return fmt.Errorf("remove group feature: %w", err)
	}
	return nil
}

// AssignGroup adds a context to a group. Assignment order is preserved and
// re-assignment is idempotent, keeping the original position. Returns
// pgx.ErrNoRows (wrapped) if the group does not exist.
func (r *PostgresRepository) AssignGroup(ctx context.Context, group, contextKey string) error {
	if err := r.requireGroup(ctx, group); err != nil {
		return err
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO group_members (group_name, context_key, position)
		VALUES ($1, $2, (
			SELECT COALESCE(MAX(position), 0) + 1
			FROM group_members
			WHERE context_key = $2
		))
		ON CONFLICT (group_name, context_key) DO NOTHING
	`, group, contextKey)
	if err != nil {
		return fmt.Errorf("assign group: %w", err)
	}
	return nil
}

// UnassignGroup removes a context from a group. Removing a missing
// membership is not an error.
func (r *PostgresRepository) UnassignGroup(ctx context.Context, group, contextKey string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM group_members WHERE group_name = $1 AND context_key = $2
	`, group, contextKey)
	if err != nil {
		return fmt.Errorf("unassign group: %w", err)
	}
	return nil
}

// Members returns the context keys assigned to a group, in assignment order.
func (r *PostgresRepository) Members(ctx context.Context, group string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT context_key
		FROM group_members
		WHERE group_name = $1
		ORDER BY position, id
	`, group)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, member)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group members rows: %w", err)
	}

	return members, nil
}

// GroupsFor returns the groups a context belongs to, in assignment order.
// Implements core.GroupStore. Names of since-deleted groups still appear;
// there is deliberately no foreign key from group_members to groups, so
// GroupValue reports those as stale.
func (r *PostgresRepository) GroupsFor(ctx context.Context, contextKey string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT group_name
		FROM group_members
		WHERE context_key = $1
		ORDER BY position, id
	`, contextKey)
	if err != nil {
		return nil, fmt.Errorf("list groups for context: %w", err)
	}
	defer rows.Close()

	groups := make([]string, 0)
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, fmt.Errorf("scan group name: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups for context rows: %w", err)
	}

	return groups, nil
}

// GroupValue returns the group's activated value for a feature, if any.
// Returns core.ErrGroupNotFound when the group's backing row is gone.
func (r *PostgresRepository) GroupValue(ctx context.Context, group, feature string) (any, bool, error) {
	var payload json.RawMessage
	err := r.pool.QueryRow(ctx, `
		SELECT gf.value
		FROM groups g
		LEFT JOIN group_features gf ON gf.group_name = g.name AND gf.feature = $2
		WHERE g.name = $1
	`, group, feature).Scan(&payload)
	if err != nil {
		if isNoRows(err) {
			return nil, false, core.ErrGroupNotFound
		}
		return nil, false, fmt.Errorf("group value: %w", err)
	}
	if payload == nil {
		return nil, false, nil
	}

	value, err := decodeValue(payload)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *PostgresRepository) requireGroup(ctx context.Context, group string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM groups WHERE name = $1)
	`, group).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check group: %w", err)
	}
	if !exists {
		return fmt.Errorf("group %q: %w", group, pgx.ErrNoRows)
	}
	return nil
}
