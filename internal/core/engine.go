package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Hooks are optional observation callbacks the engine invokes during
// resolution. All fields may be nil.
type Hooks struct {
	CacheHit        func()
	CacheMiss       func()
	CycleDetected   func(feature string)
	VariantAssigned func(feature, variant string)
	Resolved        func(feature string, value any)
}

// Engine is the resolution orchestrator. It owns the result cache and the
// definition index; explicit activations, scoped records, and groups live in
// the collaborator stores. One engine per unit of work is the reference
// shape; a deliberately shared engine is safe because all state is guarded
// by an internal mutex.
type Engine struct {
	mu          sync.Mutex
	definitions map[string]Definition
	cache       resultCache
	global      any
	globalKey   string
	states      StateStore
	scopes      ScopeStore
	groups      GroupStore
	notifier    Notifier
	hooks       Hooks
	now         func() time.Time
}

// Option configures an [Engine].
type Option func(*Engine)

// WithStateStore sets the store for explicit activations.
func WithStateStore(s StateStore) Option { return func(e *Engine) { e.states = s } }

// WithScopeStore sets the store for scoped activation records.
func WithScopeStore(s ScopeStore) Option { return func(e *Engine) { e.scopes = s } }

// WithGroupStore sets the store for group membership and group values.
func WithGroupStore(s GroupStore) Option { return func(e *Engine) { e.groups = s } }

// WithNotifier sets the activation event notifier.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithHooks sets observation callbacks.
func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }

// WithClock overrides the engine's clock, used for expiration checks.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine. With no options all three stores default to a
// single shared [MemoryStore] and events are discarded.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		definitions: make(map[string]Definition),
		globalKey:   NilContextKey,
		notifier:    NopNotifier{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.states == nil || e.scopes == nil || e.groups == nil {
		memory := NewMemoryStore()
		if e.states == nil {
			e.states = memory
		}
		if e.scopes == nil {
			e.scopes = memory
		}
		if e.groups == nil {
			e.groups = memory
		}
	}

	return e
}

// Define registers or redefines a feature. Last write wins; cached results
// for the feature are evicted so the new definition takes effect.
func (e *Engine) Define(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.definitions[def.Name] = def
	e.cache.evictFeature(def.Name)
	return nil
}

// ReplaceDefinitions swaps the entire definition index and flushes the
// result cache. Used when the backing definition source reloads.
func (e *Engine) ReplaceDefinitions(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if err := def.validate(); err != nil {
			return err
		}
		next[def.Name] = def
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.definitions = next
	e.cache.flush()
	return nil
}

// Defined returns the names of all defined features, sorted.
func (e *Engine) Defined() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.definitions))
	for name := range e.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition returns the definition for a feature, if defined.
func (e *Engine) Definition(name string) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.definitions[name]
	return def, ok
}

// SetGlobalContext replaces the engine's global context. The entire result
// cache is flushed: every cached value may depend on the old global axis.
func (e *Engine) SetGlobalContext(global any) error {
	key, err := Serialize(global)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.global = global
	e.globalKey = key
	e.cache.flush()
	return nil
}

// GlobalContext returns the current global context.
func (e *Engine) GlobalContext() any {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.global
}

// Flush clears the result cache. Hosts call this at unit-of-work
// boundaries; cache lifetime is one logical unit of work, never longer.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cache.flush()
}

// Invalidate evicts cached results for the named features, or the whole
// cache when none are named. Stored state is untouched.
func (e *Engine) Invalidate(features ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(features) == 0 {
		e.cache.flush()
		return
	}
	for _, feature := range features {
		e.cache.evictFeature(feature)
	}
}

// CacheLen returns the number of cached results.
func (e *Engine) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cache.len()
}

// Get resolves a feature for a context. Resolution is cached per (feature,
// context, global context); see the package documentation for the
// precedence order.
func (e *Engine) Get(ctx context.Context, feature string, scope any) (any, error) {
	contextKey, err := Serialize(scope)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.resolveLocked(ctx, feature, scope, contextKey, make(map[string]bool))
}

// GetAll resolves each feature against each of its contexts and returns the
// values in input order.
func (e *Engine) GetAll(ctx context.Context, requests map[string][]any) (map[string][]any, error) {
	results := make(map[string][]any, len(requests))
	for feature, scopes := range requests {
		values := make([]any, 0, len(scopes))
		for _, scope := range scopes {
			value, err := e.Get(ctx, feature, scope)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		results[feature] = values
	}
	return results, nil
}

// Active reports whether the feature resolves to an active value (neither
// false nor nil) for the context.
func (e *Engine) Active(ctx context.Context, feature string, scope any) (bool, error) {
	value, err := e.Get(ctx, feature, scope)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

// Set stores an explicit activation for the context and updates the cache
// entry in place. A false value is a deactivation; anything else is an
// activation. The corresponding notification is dispatched fire-and-forget.
func (e *Engine) Set(ctx context.Context, feature string, scope any, value any) error {
	contextKey, err := Serialize(scope)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	oldValue, _, err := e.states.Lookup(ctx, feature, contextKey)
	if err != nil {
		return fmt.Errorf("lookup previous state: %w", err)
	}
	if err := e.states.Store(ctx, feature, contextKey, value); err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	e.cache.set(feature, contextKey, e.globalKey, value)

	e.notifyLocked(ctx, feature, contextKey, value, oldValue)
	return nil
}

// Delete removes the explicit activation for the context along with its
// cache entries, and dispatches a deactivation notification carrying the old
// value.
func (e *Engine) Delete(ctx context.Context, feature string, scope any) error {
	contextKey, err := Serialize(scope)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	oldValue, _, err := e.states.Lookup(ctx, feature, contextKey)
	if err != nil {
		return fmt.Errorf("lookup previous state: %w", err)
	}
	if err := e.states.Remove(ctx, feature, contextKey); err != nil {
		return fmt.Errorf("remove state: %w", err)
	}
	e.cache.delete(feature, contextKey)

	e.notifier.FeatureDeactivated(ctx, DeactivationEvent{
		Feature:    feature,
		ContextKey: contextKey,
		OldValue:   oldValue,
	})
	return nil
}

// SetForAllContexts stores a feature-wide value and evicts every cached
// entry for the feature, forcing re-resolution against the new value on the
// next read.
func (e *Engine) SetForAllContexts(ctx context.Context, feature string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.states.StoreEveryone(ctx, feature, value); err != nil {
		return fmt.Errorf("store feature-wide state: %w", err)
	}
	e.cache.evictFeature(feature)

	e.notifyLocked(ctx, feature, EveryoneKey, value, nil)
	return nil
}

// Purge removes all stored state for the named features (or for every
// feature when none are named) and flushes the cache.
func (e *Engine) Purge(ctx context.Context, features ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.states.Purge(ctx, features...); err != nil {
		return fmt.Errorf("purge state: %w", err)
	}
	if len(features) == 0 {
		e.cache.flush()
		return nil
	}
	for _, feature := range features {
		e.cache.evictFeature(feature)
	}
	return nil
}

// DependenciesMet reports whether every dependency of the feature resolves
// active for the context. Circular chains report false rather than erroring.
func (e *Engine) DependenciesMet(ctx context.Context, feature string, scope any) (bool, error) {
	contextKey, err := Serialize(scope)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.definitions[feature]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrFeatureNotFound, feature)
	}
	return e.dependenciesMetLocked(ctx, def, scope, contextKey, make(map[string]bool))
}

// Dependencies returns the declared dependency list for a feature.
func (e *Engine) Dependencies(feature string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.definitions[feature]
	if !ok {
		return nil
	}
	deps := make([]string, len(def.Dependencies))
	copy(deps, def.Dependencies)
	return deps
}

// resolveLocked runs the full resolution order for one feature. The caller
// holds e.mu. The visiting set is scoped to one top-level Get so concurrent
// resolutions can never observe each other's traversal.
func (e *Engine) resolveLocked(ctx context.Context, feature string, scope any, contextKey string, visiting map[string]bool) (any, error) {
	def, ok := e.definitions[feature]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotFound, feature)
	}

	if value, ok := e.cache.get(feature, contextKey, e.globalKey); ok {
		e.hook(e.hooks.CacheHit)
		return value, nil
	}
	e.hook(e.hooks.CacheMiss)

	if def.expired(e.now()) {
		return e.finishLocked(feature, contextKey, false), nil
	}

	met, err := e.dependenciesMetLocked(ctx, def, scope, contextKey, visiting)
	if err != nil {
		return nil, err
	}
	if !met {
		return e.finishLocked(feature, contextKey, false), nil
	}

	if value, ok, err := e.groupValueLocked(ctx, contextKey, feature); err != nil {
		return nil, err
	} else if ok {
		return e.finishLocked(feature, contextKey, value), nil
	}

	if value, ok, err := e.states.Lookup(ctx, feature, contextKey); err != nil {
		return nil, fmt.Errorf("lookup state: %w", err)
	} else if ok {
		return e.finishLocked(feature, contextKey, value), nil
	}

	if value, ok, err := e.states.LookupEveryone(ctx, feature); err != nil {
		return nil, fmt.Errorf("lookup feature-wide state: %w", err)
	} else if ok {
		return e.finishLocked(feature, contextKey, value), nil
	}

	if sc, isContext := asContext(scope); isContext {
		records, err := e.scopes.ScopedRecords(ctx, feature, sc.Kind)
		if err != nil {
			return nil, fmt.Errorf("load scoped records: %w", err)
		}
		if value, found := ResolveScoped(records, sc.Kind, sc.Scope); found {
			return e.finishLocked(feature, contextKey, value), nil
		}
	}

	if len(def.Variants) > 0 {
		variant, err := CalculateVariant(feature, contextKey, def.Variants)
		if err != nil {
			return nil, err
		}
		// Persist so the assignment stays stable across calls and processes.
		if err := e.states.Store(ctx, feature, contextKey, variant); err != nil {
			return nil, fmt.Errorf("store variant assignment: %w", err)
		}
		if e.hooks.VariantAssigned != nil {
			e.hooks.VariantAssigned(feature, variant)
		}
		return e.finishLocked(feature, contextKey, variant), nil
	}

	sc, _ := asContext(scope)
	value := def.Resolver.Resolve(sc, e.global)
	return e.finishLocked(feature, contextKey, value), nil
}

// dependenciesMetLocked walks the dependency list depth first. Revisiting a
// feature already on the path means the chain is circular: the whole cycle
// reports unmet rather than recursing forever.
func (e *Engine) dependenciesMetLocked(ctx context.Context, def Definition, scope any, contextKey string, visiting map[string]bool) (bool, error) {
	if len(def.Dependencies) == 0 {
		return true, nil
	}

	visiting[def.Name] = true
	defer delete(visiting, def.Name)

	for _, dep := range def.Dependencies {
		if visiting[dep] {
			if e.hooks.CycleDetected != nil {
				e.hooks.CycleDetected(def.Name)
			}
			return false, nil
		}

		value, err := e.resolveLocked(ctx, dep, scope, contextKey, visiting)
		if err != nil {
			if errors.Is(err, ErrFeatureNotFound) {
				return false, nil
			}
			return false, err
		}
		if !truthy(value) {
			return false, nil
		}
	}

	return true, nil
}

// groupValueLocked walks the context's groups in assignment order and
// returns the first globally activated value that is neither false nor nil.
// Groups deleted out from under a stale membership are skipped.
func (e *Engine) groupValueLocked(ctx context.Context, contextKey, feature string) (any, bool, error) {
	groups, err := e.groups.GroupsFor(ctx, contextKey)
	if err != nil {
		return nil, false, fmt.Errorf("load groups: %w", err)
	}

	for _, group := range groups {
		value, ok, err := e.groups.GroupValue(ctx, group, feature)
		if err != nil {
			if errors.Is(err, ErrGroupNotFound) {
				continue
			}
			return nil, false, fmt.Errorf("group %q value: %w", group, err)
		}
		if ok && truthy(value) {
			return value, true, nil
		}
	}

	return nil, false, nil
}

func (e *Engine) finishLocked(feature, contextKey string, value any) any {
	e.cache.set(feature, contextKey, e.globalKey, value)
	if e.hooks.Resolved != nil {
		e.hooks.Resolved(feature, value)
	}
	return value
}

func (e *Engine) notifyLocked(ctx context.Context, feature, contextKey string, value, oldValue any) {
	if value == false || value == nil {
		e.notifier.FeatureDeactivated(ctx, DeactivationEvent{
			Feature:    feature,
			ContextKey: contextKey,
			OldValue:   oldValue,
		})
		return
	}
	e.notifier.FeatureActivated(ctx, ActivationEvent{
		Feature:    feature,
		ContextKey: contextKey,
		Value:      value,
	})
}

func (e *Engine) hook(fn func()) {
	if fn != nil {
		fn()
	}
}

// truthy implements the engine's notion of an active value: anything other
// than false and nil.
func truthy(value any) bool {
	return value != nil && value != false
}
