// Package pennon provides client interfaces and domain types for the pennon
// feature resolution service.
//
// Use the http sub-package to create a transport client:
//
//	import pennonhttp "github.com/pennonhq/pennon/clients/go/http"
package pennon

import (
	"context"
	"encoding/json"
	"time"
)

// FeatureManager covers CRUD operations on feature definitions.
type FeatureManager interface {
	DefineFeature(ctx context.Context, feature Feature) (Feature, error)
	GetFeature(ctx context.Context, name string) (Feature, error)
	ListFeatures(ctx context.Context) ([]Feature, error)
	DeleteFeature(ctx context.Context, name string) error
}

// Resolver covers feature resolution for a given resolution context.
type Resolver interface {
	Resolve(ctx context.Context, feature string, rctx *ResolutionContext) (ResolveResult, error)
	ResolveBatch(ctx context.Context, reqs []ResolveRequest) ([]ResolveResult, error)
}

// StateManager covers explicit activations: per-context values, feature-wide
// values, and scoped records.
type StateManager interface {
	SetState(ctx context.Context, feature string, rctx *ResolutionContext, value any) error
	DeleteState(ctx context.Context, feature string, rctx *ResolutionContext) error
	SetForAllContexts(ctx context.Context, feature string, value any) error
	AddScopedRecord(ctx context.Context, feature, kind string, scope map[string]*string, value any) error
}

// GroupManager covers groups and their memberships.
type GroupManager interface {
	DefineGroup(ctx context.Context, name, description string) error
	DeleteGroup(ctx context.Context, name string) error
	SetGroupFeature(ctx context.Context, group, feature string, value any) error
	AssignGroup(ctx context.Context, group, contextKey string) error
	UnassignGroup(ctx context.Context, group, contextKey string) error
	GroupMembers(ctx context.Context, group string) ([]string, error)
}

// Streamer delivers real-time feature change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan FeatureEvent, error)
}

// Feature is the domain representation of a feature definition.
type Feature struct {
	Name         string
	Description  string
	DefaultValue any             // nil means the server default (true)
	Dependencies []string        // may be nil
	Variants     []VariantWeight // may be nil
	ExpiresAt    *time.Time      // nil means never expires
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VariantWeight is one variant of a feature together with its assignment
// weight. Weights for a feature sum to 100.
type VariantWeight struct {
	Name   string
	Weight uint
}

// ResolutionContext identifies who a feature is resolved for. A nil
// *ResolutionContext means the global context. A context with only ID set is
// sent as a bare scalar identity.
type ResolutionContext struct {
	Kind  string
	ID    any
	Scope map[string]string // may be nil
}

// ResolveRequest is a single feature resolution request.
type ResolveRequest struct {
	Feature string
	Context *ResolutionContext
}

// ResolveResult is the outcome of a single feature resolution.
type ResolveResult struct {
	Feature string
	Value   any
	Active  bool
}

// FeatureEvent is a real-time notification of a feature change.
type FeatureEvent struct {
	Type       string // "defined" | "deleted" | "activated" | "deactivated" | "error"
	Feature    string
	ContextKey string
	EventID    int64
	Payload    json.RawMessage // raw event payload; nil on error events
}
