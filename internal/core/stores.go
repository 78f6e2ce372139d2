package core

import (
	"context"
	"errors"
)

// ErrGroupNotFound is returned by a [GroupStore] when a group's backing
// record has been deleted. The engine treats it as a stale membership and
// skips the group rather than failing resolution.
var ErrGroupNotFound = errors.New("group not found")

// StateStore persists explicit activations: exact per-context values written
// by Set, variant assignments, and feature-wide values written by
// SetForAllContexts.
type StateStore interface {
	// Lookup returns the stored value for the exact context, if any.
	Lookup(ctx context.Context, feature, contextKey string) (any, bool, error)

	// LookupEveryone returns the feature-wide value, if any.
	LookupEveryone(ctx context.Context, feature string) (any, bool, error)

	Store(ctx context.Context, feature, contextKey string, value any) error
	StoreEveryone(ctx context.Context, feature string, value any) error

	// Remove deletes the exact activation for the context.
	Remove(ctx context.Context, feature, contextKey string) error

	// Purge deletes all stored state for the named features, or for every
	// feature when none are named.
	Purge(ctx context.Context, features ...string) error
}

// ScopeStore provides the scoped activation records for a feature and
// context kind.
type ScopeStore interface {
	ScopedRecords(ctx context.Context, feature, kind string) ([]ScopeRecord, error)
}

// GroupStore resolves group membership and group-level feature values.
type GroupStore interface {
	// GroupsFor returns the groups a context belongs to, in assignment
	// order. Names of since-deleted groups may still appear; GroupValue
	// reports those with ErrGroupNotFound.
	GroupsFor(ctx context.Context, contextKey string) ([]string, error)

	// GroupValue returns the group's globally activated value for the
	// feature, if one is set. Returns ErrGroupNotFound if the group no
	// longer exists.
	GroupValue(ctx context.Context, group, feature string) (any, bool, error)
}

// ActivationEvent describes a feature being activated for a context.
type ActivationEvent struct {
	Feature    string `json:"feature"`
	ContextKey string `json:"context_key"`
	Value      any    `json:"value"`
}

// DeactivationEvent describes a feature being deactivated for a context.
type DeactivationEvent struct {
	Feature    string `json:"feature"`
	ContextKey string `json:"context_key"`
	OldValue   any    `json:"old_value,omitempty"`
}

// Notifier receives fire-and-forget activation notifications from the
// engine's mutating operations. Implementations must not block resolution;
// errors are the notifier's own concern.
type Notifier interface {
	FeatureActivated(ctx context.Context, event ActivationEvent)
	FeatureDeactivated(ctx context.Context, event DeactivationEvent)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) FeatureActivated(context.Context, ActivationEvent)     {}
func (NopNotifier) FeatureDeactivated(context.Context, DeactivationEvent) {}
