// Package service ties the resolution engine to its persistence: it loads
// feature definitions out of PostgreSQL into the engine, keeps them fresh via
// LISTEN/NOTIFY invalidation with a periodic resync, and publishes activation
// events back as feature_events rows.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pennonhq/pennon/internal/core"
	"github.com/pennonhq/pennon/internal/repository"
)

const (
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	definitionReloadTimeout    = 5 * time.Second
)

var (
	ErrFeatureNotFound   = errors.New("feature not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrInvalidDefinition = errors.New("invalid feature definition")
)

// Repository is the PostgreSQL persistence the service needs for feature
// definitions and events. The state Driver is a separate collaborator.
type Repository interface {
	DefineFeature(ctx context.Context, feature repository.FeatureRow) (repository.FeatureRow, error)
	GetFeature(ctx context.Context, name string) (repository.FeatureRow, error)
	ListFeatures(ctx context.Context) ([]repository.FeatureRow, error)
	DeleteFeature(ctx context.Context, name string) error
	PublishFeatureEvent(ctx context.Context, event repository.FeatureEvent) (repository.FeatureEvent, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.FeatureEvent, error)
	ListEventsSinceForFeature(ctx context.Context, eventID int64, feature string) ([]repository.FeatureEvent, error)
}

type invalidationSubscriber interface {
	SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// FeatureInput is a feature definition as submitted by a client.
type FeatureInput struct {
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	DefaultValue any                  `json:"default_value"`
	Dependencies []string             `json:"dependencies"`
	Variants     []core.VariantWeight `json:"variants"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
}

// ResolveRequest asks for one feature's value for one context.
type ResolveRequest struct {
	Feature string
	Scope   any
}

// ResolveResult is the resolved value for one request.
type ResolveResult struct {
	Feature string `json:"feature"`
	Value   any    `json:"value"`
	Active  bool   `json:"active"`
}

// Service is the application layer over the resolution engine. All state
// flows through the engine; the service adds persistence of definitions,
// event publication, and cache invalidation across processes.
type Service struct {
	repo   Repository
	driver Driver
	engine *core.Engine

	resyncInterval time.Duration

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithResyncInterval overrides how often definitions are reloaded even
// without an invalidation signal.
func WithResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// New builds a Service, loads the definition index, and starts the
// invalidation listener when the repository supports one. The engine is wired
// to the driver's stores; engineOpts come last so callers can attach hooks.
func New(ctx context.Context, repo Repository, driver Driver, opts []Option, engineOpts ...core.Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if driver == nil {
		return nil, errors.New("driver is nil")
	}

	s := &Service{
		repo:           repo,
		driver:         driver,
		resyncInterval: defaultCacheResyncInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	baseOpts := []core.Option{
		core.WithStateStore(driver),
		core.WithScopeStore(driver),
		core.WithGroupStore(driver),
		core.WithNotifier(s),
	}
	s.engine = core.NewEngine(append(baseOpts, engineOpts...)...)

	if err := s.LoadDefinitions(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(invalidationSubscriber); ok {
		if err := s.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Engine exposes the underlying resolution engine, mainly for tests and the
// admin portal's direct reads.
func (s *Service) Engine() *core.Engine {
	return s.engine
}

// LoadDefinitions replaces the engine's definition index from the repository.
func (s *Service) LoadDefinitions(ctx context.Context) error {
	rows, err := s.repo.ListFeatures(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}

	defs := make([]core.Definition, 0, len(rows))
	for _, row := range rows {
		def, err := rowToDefinition(row)
		if err != nil {
			return fmt.Errorf("definition %q: %w", row.Name, err)
		}
		defs = append(defs, def)
	}

	if err := s.engine.ReplaceDefinitions(defs); err != nil {
		return fmt.Errorf("replace definitions: %w", err)
	}
	return nil
}

// DefineFeature validates and persists a feature definition, registers it
// with the engine, and publishes a defined event. Redefinition is last write
// wins.
func (s *Service) DefineFeature(ctx context.Context, input FeatureInput) (repository.FeatureRow, error) {
	if strings.TrimSpace(input.Name) == "" {
		return repository.FeatureRow{}, fmt.Errorf("%w: feature name is required", ErrInvalidDefinition)
	}

	def := inputToDefinition(input)
	if err := def.Validate(); err != nil {
		return repository.FeatureRow{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	row, err := inputToRow(input)
	if err != nil {
		return repository.FeatureRow{}, err
	}

	defined, err := s.repo.DefineFeature(ctx, row)
	if err != nil {
		return repository.FeatureRow{}, fmt.Errorf("define feature: %w", err)
	}

	if err := s.engine.Define(def); err != nil {
		return repository.FeatureRow{}, fmt.Errorf("register definition: %w", err)
	}

	s.publishEventBestEffort(ctx, repository.FeatureEvent{
		Feature:   defined.Name,
		EventType: repository.EventTypeDefined,
		Payload:   mustJSON(defined),
	})

	return defined, nil
}

// GetFeature returns a stored feature definition.
func (s *Service) GetFeature(ctx context.Context, name string) (repository.FeatureRow, error) {
	row, err := s.repo.GetFeature(ctx, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.FeatureRow{}, ErrFeatureNotFound
		}
		return repository.FeatureRow{}, fmt.Errorf("get feature: %w", err)
	}
	return row, nil
}

// ListFeatures returns all stored feature definitions ordered by name.
func (s *Service) ListFeatures(ctx context.Context) ([]repository.FeatureRow, error) {
	return s.repo.ListFeatures(ctx)
}

// DeleteFeature removes a feature definition together with all of its stored
// state and publishes a deleted event.
func (s *Service) DeleteFeature(ctx context.Context, name string) error {
	if err := s.repo.DeleteFeature(ctx, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFeatureNotFound
		}
		return fmt.Errorf("delete feature: %w", err)
	}

	if err := s.engine.Purge(ctx, name); err != nil {
		return fmt.Errorf("purge feature state: %w", err)
	}
	if err := s.LoadDefinitions(ctx); err != nil {
		return err
	}

	s.publishEventBestEffort(ctx, repository.FeatureEvent{
		Feature:   name,
		EventType: repository.EventTypeDeleted,
	})

	return nil
}

// Resolve resolves one feature for one context.
func (s *Service) Resolve(ctx context.Context, feature string, scope any) (ResolveResult, error) {
	value, err := s.engine.Get(ctx, feature, scope)
	if err != nil {
		if errors.Is(err, core.ErrFeatureNotFound) {
			return ResolveResult{}, ErrFeatureNotFound
		}
		return ResolveResult{}, err
	}

	return ResolveResult{
		Feature: feature,
		Value:   value,
		Active:  value != nil && value != false,
	}, nil
}

// ResolveBatch resolves each request in order. A single unknown feature fails
// the batch.
func (s *Service) ResolveBatch(ctx context.Context, requests []ResolveRequest) ([]ResolveResult, error) {
	results := make([]ResolveResult, 0, len(requests))
	for _, request := range requests {
		result, err := s.Resolve(ctx, request.Feature, request.Scope)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// SetState stores an explicit activation for a context.
func (s *Service) SetState(ctx context.Context, feature string, scope any, value any) error {
	return s.engine.Set(ctx, feature, scope, value)
}

// DeleteState removes the explicit activation for a context.
func (s *Service) DeleteState(ctx context.Context, feature string, scope any) error {
	return s.engine.Delete(ctx, feature, scope)
}

// SetForAllContexts stores a feature-wide value.
func (s *Service) SetForAllContexts(ctx context.Context, feature string, value any) error {
	return s.engine.SetForAllContexts(ctx, feature, value)
}

// AddScopedRecord stores a scoped activation and invalidates the feature's
// cached results so the record takes effect on the next read.
func (s *Service) AddScopedRecord(ctx context.Context, record core.ScopeRecord) error {
	if record.Feature == "" || record.Kind == "" {
		return errors.New("scoped record needs a feature and a kind")
	}
	if err := s.driver.AddScopedRecord(ctx, record); err != nil {
		return fmt.Errorf("add scoped record: %w", err)
	}
	s.engine.Invalidate(record.Feature)
	return nil
}

// DefineGroup creates or updates a group.
func (s *Service) DefineGroup(ctx context.Context, name, description string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("group name is required")
	}
	if err := s.driver.DefineGroup(ctx, name, description); err != nil {
		return fmt.Errorf("define group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group. Memberships are left behind; resolution skips
// them as stale. The whole result cache goes because any cached value may
// have come through the group.
func (s *Service) DeleteGroup(ctx context.Context, name string) error {
	if err := s.driver.DeleteGroup(ctx, name); err != nil {
		return s.mapGroupErr(err, "delete group")
	}
	s.engine.Invalidate()
	return nil
}

// SetGroupFeature activates a feature value for every member of a group.
func (s *Service) SetGroupFeature(ctx context.Context, group, feature string, value any) error {
	if err := s.driver.SetGroupFeature(ctx, group, feature, value); err != nil {
		return s.mapGroupErr(err, "set group feature")
	}
	s.engine.Invalidate(feature)
	return nil
}

// AssignGroup adds a context to a group.
func (s *Service) AssignGroup(ctx context.Context, group, contextKey string) error {
	if err := s.driver.AssignGroup(ctx, group, contextKey); err != nil {
		return s.mapGroupErr(err, "assign group")
	}
	s.engine.Invalidate()
	return nil
}

// UnassignGroup removes a context from a group.
func (s *Service) UnassignGroup(ctx context.Context, group, contextKey string) error {
	if err := s.driver.UnassignGroup(ctx, group, contextKey); err != nil {
		return s.mapGroupErr(err, "unassign group")
	}
	s.engine.Invalidate()
	return nil
}

// GroupMembers returns the context keys assigned to a group.
func (s *Service) GroupMembers(ctx context.Context, group string) ([]string, error) {
	members, err := s.driver.Members(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	return members, nil
}

// ListEventsSince returns feature events with IDs greater than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.FeatureEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}
	return events, nil
}

// ListEventsSinceForFeature returns events for a single feature with IDs
// greater than eventID.
func (s *Service) ListEventsSinceForFeature(ctx context.Context, eventID int64, feature string) ([]repository.FeatureEvent, error) {
	if strings.TrimSpace(feature) == "" {
		return nil, errors.New("feature name is required")
	}
	events, err := s.repo.ListEventsSinceForFeature(ctx, eventID, feature)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for %q: %w", eventID, feature, err)
	}
	return events, nil
}

// Wait blocks until background event publications drain. Used in tests and
// during shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// FeatureActivated implements core.Notifier by recording an activated event.
// The engine calls notifiers with its lock held, so publication happens on a
// separate goroutine and never stalls resolution.
func (s *Service) FeatureActivated(ctx context.Context, event core.ActivationEvent) {
	s.publishEventBestEffort(ctx, repository.FeatureEvent{
		Feature:    event.Feature,
		ContextKey: event.ContextKey,
		EventType:  repository.EventTypeActivated,
		Payload:    mustJSON(event),
	})
}

// FeatureDeactivated implements core.Notifier by recording a deactivated
// event.
func (s *Service) FeatureDeactivated(ctx context.Context, event core.DeactivationEvent) {
	s.publishEventBestEffort(ctx, repository.FeatureEvent{
		Feature:    event.Feature,
		ContextKey: event.ContextKey,
		EventType:  repository.EventTypeDeactivated,
		Payload:    mustJSON(event),
	})
}

func (s *Service) publishEventBestEffort(ctx context.Context, event repository.FeatureEvent) {
	detached := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		publishCtx, cancel := context.WithTimeout(detached, bestEffortTimeout)
		defer cancel()
		_, _ = s.repo.PublishFeatureEvent(publishCtx, event)
	}()
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber invalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadDefinitions(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.reloadDefinitions(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadDefinitions(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, definitionReloadTimeout)
	defer cancel()
	_ = s.LoadDefinitions(reloadCtx)
}

func (s *Service) mapGroupErr(err error, op string) error {
	if errors.Is(err, core.ErrGroupNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return ErrGroupNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func inputToDefinition(input FeatureInput) core.Definition {
	def := core.Definition{
		Name:         input.Name,
		Dependencies: input.Dependencies,
		ExpiresAt:    input.ExpiresAt,
		Variants:     input.Variants,
	}
	if len(input.Variants) == 0 {
		value := input.DefaultValue
		if value == nil {
			value = true
		}
		def.Resolver = core.Static(value)
	}
	return def
}

func inputToRow(input FeatureInput) (repository.FeatureRow, error) {
	defaultValue := input.DefaultValue
	if defaultValue == nil {
		defaultValue = true
	}
	defaultPayload, err := json.Marshal(defaultValue)
	if err != nil {
		return repository.FeatureRow{}, fmt.Errorf("%w: default value: %v", ErrInvalidDefinition, err)
	}
	variantsPayload, err := json.Marshal(variantsOrEmpty(input.Variants))
	if err != nil {
		return repository.FeatureRow{}, fmt.Errorf("%w: variants: %v", ErrInvalidDefinition, err)
	}

	return repository.FeatureRow{
		Name:         input.Name,
		Description:  input.Description,
		DefaultValue: defaultPayload,
		Dependencies: dependenciesOrEmpty(input.Dependencies),
		Variants:     variantsPayload,
		ExpiresAt:    input.ExpiresAt,
	}, nil
}

func rowToDefinition(row repository.FeatureRow) (core.Definition, error) {
	def := core.Definition{
		Name:         row.Name,
		Dependencies: row.Dependencies,
		ExpiresAt:    row.ExpiresAt,
	}

	if len(row.Variants) > 0 {
		if err := json.Unmarshal(row.Variants, &def.Variants); err != nil {
			return core.Definition{}, fmt.Errorf("%w: variants: %v", ErrInvalidDefinition, err)
		}
	}

	if len(def.Variants) == 0 {
		var value any = true
		if len(row.DefaultValue) > 0 {
			if err := json.Unmarshal(row.DefaultValue, &value); err != nil {
				return core.Definition{}, fmt.Errorf("%w: default value: %v", ErrInvalidDefinition, err)
			}
		}
		def.Resolver = core.Static(value)
	}

	return def, nil
}

func variantsOrEmpty(variants []core.VariantWeight) []core.VariantWeight {
	if variants == nil {
		return []core.VariantWeight{}
	}
	return variants
}

func dependenciesOrEmpty(dependencies []string) []string {
	if dependencies == nil {
		return []string{}
	}
	return dependencies
}

func mustJSON(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return payload
}
