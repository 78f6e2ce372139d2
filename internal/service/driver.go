package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/pennonhq/pennon/internal/core"
	"github.com/pennonhq/pennon/internal/repository"
)

// Driver names accepted by OpenDriver. The driver holds activation state,
// scoped records, and group data; feature definitions and events stay in
// PostgreSQL regardless.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// ErrUnknownDriver is returned by OpenDriver for an unrecognized driver name.
var ErrUnknownDriver = errors.New("unknown driver")

// Driver is the state backend behind the engine. It serves the engine's read
// paths directly and adds the mutating operations the service exposes.
type Driver interface {
	core.StateStore
	core.ScopeStore
	core.GroupStore

	AddScopedRecord(ctx context.Context, record core.ScopeRecord) error
	DefineGroup(ctx context.Context, name, description string) error
	DeleteGroup(ctx context.Context, name string) error
	SetGroupFeature(ctx context.Context, group, feature string, value any) error
	AssignGroup(ctx context.Context, group, contextKey string) error
	UnassignGroup(ctx context.Context, group, contextKey string) error
	Members(ctx context.Context, group string) ([]string, error)
}

// OpenDriver builds the state driver named by name. The postgres driver
// reuses repo; the redis driver dials redisURL; the memory driver keeps
// everything in process and loses it on restart.
func OpenDriver(ctx context.Context, name string, repo *repository.PostgresRepository, redisURL string) (Driver, error) {
	switch name {
	case DriverPostgres, "":
		if repo == nil {
			return nil, errors.New("postgres driver requires a repository")
		}
		return postgresDriver{repo}, nil
	case DriverRedis:
		store, err := repository.NewRedisStore(ctx, redisURL)
		if err != nil {
			return nil, err
		}
		return redisDriver{store}, nil
	case DriverMemory:
		return &memoryDriver{MemoryStore: core.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
}

// postgresDriver adapts the repository to the Driver surface. Only
// DefineGroup needs reshaping; the row it returns is of no use here.
type postgresDriver struct {
	*repository.PostgresRepository
}

func (d postgresDriver) DefineGroup(ctx context.Context, name, description string) error {
	_, err := d.PostgresRepository.DefineGroup(ctx, name, description)
	return err
}

// redisDriver adds the group-existence checks the relational schema gets
// from requireGroup, so unknown groups fail the same way on both backends.
type redisDriver struct {
	*repository.RedisStore
}

func (d redisDriver) SetGroupFeature(ctx context.Context, group, feature string, value any) error {
	if err := d.requireGroup(ctx, group); err != nil {
		return err
	}
	return d.RedisStore.SetGroupFeature(ctx, group, feature, value)
}

func (d redisDriver) AssignGroup(ctx context.Context, group, contextKey string) error {
	if err := d.requireGroup(ctx, group); err != nil {
		return err
	}
	return d.RedisStore.AssignGroup(ctx, group, contextKey)
}

func (d redisDriver) requireGroup(ctx context.Context, group string) error {
	exists, err := d.GroupExists(ctx, group)
	if err != nil {
		return err
	}
	if !exists {
		return core.ErrGroupNotFound
	}
	return nil
}

// memoryDriver wraps the in-process store with the context-taking signatures
// the Driver surface uses. Group descriptions go into the group's metadata.
type memoryDriver struct {
	*core.MemoryStore
}

func (d *memoryDriver) AddScopedRecord(_ context.Context, record core.ScopeRecord) error {
	d.MemoryStore.AddScopedRecord(record)
	return nil
}

func (d *memoryDriver) DefineGroup(_ context.Context, name, description string) error {
	d.MemoryStore.DefineGroup(name, nil, map[string]any{"description": description})
	return nil
}

func (d *memoryDriver) DeleteGroup(_ context.Context, name string) error {
	d.MemoryStore.DeleteGroup(name)
	return nil
}

func (d *memoryDriver) SetGroupFeature(_ context.Context, group, feature string, value any) error {
	return d.MemoryStore.SetGroupFeature(group, feature, value)
}

func (d *memoryDriver) AssignGroup(_ context.Context, group, contextKey string) error {
	if !d.GroupExists(group) {
		return core.ErrGroupNotFound
	}
	d.MemoryStore.AssignGroup(group, contextKey)
	return nil
}

func (d *memoryDriver) UnassignGroup(_ context.Context, group, contextKey string) error {
	d.MemoryStore.UnassignGroup(group, contextKey)
	return nil
}

func (d *memoryDriver) Members(_ context.Context, group string) ([]string, error) {
	return d.MemoryStore.Members(group), nil
}
