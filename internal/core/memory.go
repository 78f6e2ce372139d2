package core

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of [StateStore], [ScopeStore],
// and [GroupStore]. It backs the "memory" driver and the engine's tests.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]map[string]any // feature -> context key -> value
	everyone map[string]any
	scoped   []ScopeRecord
	groups   map[string]*memoryGroup
	members  map[string][]string // context key -> group names, assignment order
	now      func() time.Time
}

type memoryGroup struct {
	features map[string]any
	metadata map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]map[string]any),
		everyone: make(map[string]any),
		groups:   make(map[string]*memoryGroup),
		members:  make(map[string][]string),
		now:      time.Now,
	}
}

func (s *MemoryStore) Lookup(_ context.Context, feature, contextKey string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.states[feature][contextKey]
	return value, ok, nil
}

func (s *MemoryStore) LookupEveryone(_ context.Context, feature string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.everyone[feature]
	return value, ok, nil
}

func (s *MemoryStore) Store(_ context.Context, feature, contextKey string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[feature] == nil {
		s.states[feature] = make(map[string]any)
	}
	s.states[feature][contextKey] = value
	return nil
}

func (s *MemoryStore) StoreEveryone(_ context.Context, feature string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.everyone[feature] = value
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, feature, contextKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states[feature], contextKey)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, features ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(features) == 0 {
		s.states = make(map[string]map[string]any)
		s.everyone = make(map[string]any)
		s.scoped = nil
		return nil
	}

	for _, feature := range features {
		delete(s.states, feature)
		delete(s.everyone, feature)
		s.scoped = slices.DeleteFunc(s.scoped, func(r ScopeRecord) bool {
			return r.Feature == feature
		})
	}
	return nil
}

// AddScopedRecord appends a scoped activation record, stamping WrittenAt if
// unset so tie-breaking by recency works.
func (s *MemoryStore) AddScopedRecord(record ScopeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.WrittenAt.IsZero() {
		record.WrittenAt = s.now()
	}
	s.scoped = append(s.scoped, record)
}

func (s *MemoryStore) ScopedRecords(_ context.Context, feature, kind string) ([]ScopeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]ScopeRecord, 0)
	for _, record := range s.scoped {
		if record.Feature == feature && record.Kind == kind {
			records = append(records, record)
		}
	}
	return records, nil
}

// DefineGroup creates or replaces a group with its globally activated
// feature values and optional metadata.
func (s *MemoryStore) DefineGroup(name string, features map[string]any, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if features == nil {
		features = make(map[string]any)
	}
	s.groups[name] = &memoryGroup{features: features, metadata: metadata}
}

// DeleteGroup removes a group. Membership rows are left in place on purpose:
// stale memberships must be skipped during resolution, not break it.
func (s *MemoryStore) DeleteGroup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, name)
}

// GroupExists reports whether the group is defined.
func (s *MemoryStore) GroupExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.groups[name]
	return ok
}

// SetGroupFeature globally activates a feature value for a group.
func (s *MemoryStore) SetGroupFeature(group, feature string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return ErrGroupNotFound
	}
	g.features[feature] = value
	return nil
}

// AssignGroup adds a context to a group. Assignment order is preserved and
// re-assignment is a no-op.
func (s *MemoryStore) AssignGroup(group, contextKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.members[contextKey], group) {
		return
	}
	s.members[contextKey] = append(s.members[contextKey], group)
}

// UnassignGroup removes a context from a group.
func (s *MemoryStore) UnassignGroup(group, contextKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members[contextKey] = slices.DeleteFunc(s.members[contextKey], func(g string) bool {
		return g == group
	})
}

// Members returns the context keys assigned to a group.
func (s *MemoryStore) Members(group string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]string, 0)
	for contextKey, groups := range s.members {
		if slices.Contains(groups, group) {
			members = append(members, contextKey)
		}
	}
	slices.Sort(members)
	return members
}

func (s *MemoryStore) GroupsFor(_ context.Context, contextKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.members[contextKey]), nil
}

func (s *MemoryStore) GroupValue(_ context.Context, group, feature string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, false, ErrGroupNotFound
	}
	value, ok := g.features[feature]
	return value, ok, nil
}
