package server

import (
	"context"

	"github.com/pennonhq/pennon/internal/core"
	"github.com/pennonhq/pennon/internal/repository"
	"github.com/pennonhq/pennon/internal/service"
)

// Service is the application surface the HTTP layer needs.
type Service interface {
	DefineFeature(ctx context.Context, input service.FeatureInput) (repository.FeatureRow, error)
	GetFeature(ctx context.Context, name string) (repository.FeatureRow, error)
	ListFeatures(ctx context.Context) ([]repository.FeatureRow, error)
	DeleteFeature(ctx context.Context, name string) error

	Resolve(ctx context.Context, feature string, scope any) (service.ResolveResult, error)
	ResolveBatch(ctx context.Context, requests []service.ResolveRequest) ([]service.ResolveResult, error)

	SetState(ctx context.Context, feature string, scope any, value any) error
	DeleteState(ctx context.Context, feature string, scope any) error
	SetForAllContexts(ctx context.Context, feature string, value any) error
	AddScopedRecord(ctx context.Context, record core.ScopeRecord) error

	DefineGroup(ctx context.Context, name, description string) error
	DeleteGroup(ctx context.Context, name string) error
	SetGroupFeature(ctx context.Context, group, feature string, value any) error
	AssignGroup(ctx context.Context, group, contextKey string) error
	UnassignGroup(ctx context.Context, group, contextKey string) error
	GroupMembers(ctx context.Context, group string) ([]string, error)

	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FeatureEvent, error)
	ListEventsSinceForFeature(ctx context.Context, eventID int64, feature string) ([]repository.FeatureEvent, error)
}

var _ Service = (*service.Service)(nil)
