//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"
	"golang.org/x/crypto/bcrypt"

	"github.com/pennonhq/pennon/internal/core"
	"github.com/pennonhq/pennon/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "pennon_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/pennon_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/pennon_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	// Run goose migrations.
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	// Create pgxpool for repository usage.
	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func featureName(suffix string) string {
	return fmt.Sprintf("test-%s-%s", suffix, randID())
}

// ---------------------------------------------------------------------------
// Feature definition CRUD
// ---------------------------------------------------------------------------

func TestFeatureCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("define and get", func(t *testing.T) {
		name := featureName("define-get")

		defined, err := repo.DefineFeature(ctx, repository.FeatureRow{
			Name:         name,
			Description:  "test feature",
			DefaultValue: json.RawMessage(`true`),
		})
		if err != nil {
			t.Fatalf("DefineFeature: %v", err)
		}
		if defined.Name != name {
			t.Errorf("Name = %q, want %q", defined.Name, name)
		}
		if defined.Description != "test feature" {
			t.Errorf("Description = %q, want %q", defined.Description, "test feature")
		}
		if defined.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		got, err := repo.GetFeature(ctx, name)
		if err != nil {
			t.Fatalf("GetFeature: %v", err)
		}
		if got.Name != defined.Name {
			t.Errorf("got Name = %q, want %q", got.Name, defined.Name)
		}
		if string(got.DefaultValue) != "true" {
			t.Errorf("DefaultValue = %s, want true", got.DefaultValue)
		}
	})

	t.Run("define with variants and dependencies", func(t *testing.T) {
		name := featureName("variants")

		_, err := repo.DefineFeature(ctx, repository.FeatureRow{
			Name:         name,
			Dependencies: []string{"base-feature"},
			Variants:     json.RawMessage(`[{"name":"control","weight":50},{"name":"treatment","weight":50}]`),
		})
		if err != nil {
			t.Fatalf("DefineFeature: %v", err)
		}

		got, err := repo.GetFeature(ctx, name)
		if err != nil {
			t.Fatalf("GetFeature: %v", err)
		}
		if len(got.Dependencies) != 1 || got.Dependencies[0] != "base-feature" {
			t.Errorf("Dependencies = %v, want [base-feature]", got.Dependencies)
		}

		var variants []core.VariantWeight
		if err := json.Unmarshal(got.Variants, &variants); err != nil {
			t.Fatalf("unmarshal Variants: %v (raw: %s)", err, got.Variants)
		}
		if len(variants) != 2 || variants[0].Name != "control" || variants[1].Weight != 50 {
			t.Errorf("Variants = %s", got.Variants)
		}
	})

	t.Run("redefinition is last write wins", func(t *testing.T) {
		name := featureName("redefine")

		first, err := repo.DefineFeature(ctx, repository.FeatureRow{
			Name:        name,
			Description: "original",
		})
		if err != nil {
			t.Fatalf("DefineFeature first: %v", err)
		}

		second, err := repo.DefineFeature(ctx, repository.FeatureRow{
			Name:         name,
			Description:  "updated",
			DefaultValue: json.RawMessage(`false`),
		})
		if err != nil {
			t.Fatalf("DefineFeature second: %v", err)
		}
		if second.Description != "updated" {
			t.Errorf("Description = %q, want %q", second.Description, "updated")
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("CreatedAt changed on redefinition: %v -> %v", first.CreatedAt, second.CreatedAt)
		}
	})

	t.Run("get nonexistent returns ErrNoRows", func(t *testing.T) {
		_, err := repo.GetFeature(ctx, featureName("missing"))
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("delete purges state", func(t *testing.T) {
		name := featureName("delete")

		if _, err := repo.DefineFeature(ctx, repository.FeatureRow{Name: name}); err != nil {
			t.Fatalf("DefineFeature: %v", err)
		}
		if err := repo.Store(ctx, name, "user|1", true); err != nil {
			t.Fatalf("Store: %v", err)
		}

		if err := repo.DeleteFeature(ctx, name); err != nil {
			t.Fatalf("DeleteFeature: %v", err)
		}

		if _, err := repo.GetFeature(ctx, name); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("GetFeature after delete = %v, want wrapping pgx.ErrNoRows", err)
		}
		if _, found, err := repo.Lookup(ctx, name, "user|1"); err != nil || found {
			t.Errorf("Lookup after delete = (found %v, err %v), want not found", found, err)
		}
	})

	t.Run("delete nonexistent returns ErrNoRows", func(t *testing.T) {
		err := repo.DeleteFeature(ctx, featureName("delete-missing"))
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Activation state
// ---------------------------------------------------------------------------

func TestStateStore(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("store and lookup", func(t *testing.T) {
		name := featureName("state")

		if err := repo.Store(ctx, name, "user|1", true); err != nil {
			t.Fatalf("Store: %v", err)
		}

		value, found, err := repo.Lookup(ctx, name, "user|1")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if !found || value != true {
			t.Errorf("Lookup = (%v, %v), want (true, true)", value, found)
		}

		if _, found, _ := repo.Lookup(ctx, name, "user|2"); found {
			t.Error("Lookup for other context should not find a value")
		}
	})

	t.Run("store overwrites", func(t *testing.T) {
		name := featureName("state-overwrite")

		if err := repo.Store(ctx, name, "user|1", "v1"); err != nil {
			t.Fatalf("Store v1: %v", err)
		}
		if err := repo.Store(ctx, name, "user|1", "v2"); err != nil {
			t.Fatalf("Store v2: %v", err)
		}

		value, _, err := repo.Lookup(ctx, name, "user|1")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if value != "v2" {
			t.Errorf("value = %v, want v2", value)
		}
	})

	t.Run("everyone value", func(t *testing.T) {
		name := featureName("everyone")

		if err := repo.StoreEveryone(ctx, name, 42.0); err != nil {
			t.Fatalf("StoreEveryone: %v", err)
		}

		value, found, err := repo.LookupEveryone(ctx, name)
		if err != nil {
			t.Fatalf("LookupEveryone: %v", err)
		}
		if !found || value != 42.0 {
			t.Errorf("LookupEveryone = (%v, %v), want (42, true)", value, found)
		}
	})

	t.Run("remove", func(t *testing.T) {
		name := featureName("remove")

		if err := repo.Store(ctx, name, "user|1", true); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := repo.Remove(ctx, name, "user|1"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, found, _ := repo.Lookup(ctx, name, "user|1"); found {
			t.Error("value still present after Remove")
		}

		// Removing a missing row is not an error.
		if err := repo.Remove(ctx, name, "user|1"); err != nil {
			t.Fatalf("Remove again: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Scoped records
// ---------------------------------------------------------------------------

func TestScopedRecords(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	name := featureName("scoped")
	region := "eu"

	if err := repo.AddScopedRecord(ctx, core.ScopeRecord{
		Feature: name,
		Kind:    "user",
		Scope:   map[string]*string{"region": &region},
		Value:   true,
	}); err != nil {
		t.Fatalf("AddScopedRecord: %v", err)
	}
	if err := repo.AddScopedRecord(ctx, core.ScopeRecord{
		Feature: name,
		Kind:    "user",
		Scope:   map[string]*string{"region": nil},
		Value:   false,
	}); err != nil {
		t.Fatalf("AddScopedRecord wildcard: %v", err)
	}

	records, err := repo.ScopedRecords(ctx, name, "user")
	if err != nil {
		t.Fatalf("ScopedRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if got := records[0].Scope["region"]; got == nil || *got != "eu" {
		t.Errorf("records[0].Scope[region] = %v, want eu", got)
	}
	if records[0].Value != true || records[1].Value != false {
		t.Errorf("values = %v, %v, want true, false", records[0].Value, records[1].Value)
	}
	if records[0].WrittenAt.IsZero() {
		t.Error("WrittenAt is zero")
	}

	// Records for another kind stay invisible.
	other, err := repo.ScopedRecords(ctx, name, "org")
	if err != nil {
		t.Fatalf("ScopedRecords other kind: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("got %d records for other kind, want 0", len(other))
	}
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

func TestGroupLifecycle(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("define assign and resolve value", func(t *testing.T) {
		group := featureName("group")
		feature := featureName("group-feature")

		if _, err := repo.DefineGroup(ctx, group, "early access"); err != nil {
			t.Fatalf("DefineGroup: %v", err)
		}
		if err := repo.SetGroupFeature(ctx, group, feature, true); err != nil {
			t.Fatalf("SetGroupFeature: %v", err)
		}
		if err := repo.AssignGroup(ctx, group, "user|1"); err != nil {
			t.Fatalf("AssignGroup: %v", err)
		}

		groups, err := repo.GroupsFor(ctx, "user|1")
		if err != nil {
			t.Fatalf("GroupsFor: %v", err)
		}
		found := false
		for _, g := range groups {
			if g == group {
				found = true
			}
		}
		if !found {
			t.Fatalf("GroupsFor = %v, want to contain %q", groups, group)
		}

		value, ok, err := repo.GroupValue(ctx, group, feature)
		if err != nil {
			t.Fatalf("GroupValue: %v", err)
		}
		if !ok || value != true {
			t.Errorf("GroupValue = (%v, %v), want (true, true)", value, ok)
		}

		members, err := repo.Members(ctx, group)
		if err != nil {
			t.Fatalf("Members: %v", err)
		}
		if len(members) != 1 || members[0] != "user|1" {
			t.Errorf("Members = %v, want [user|1]", members)
		}
	})

	t.Run("assignment order is preserved", func(t *testing.T) {
		groupA := featureName("order-a")
		groupB := featureName("order-b")
		contextKey := "user|" + randID()

		for _, g := range []string{groupA, groupB} {
			if _, err := repo.DefineGroup(ctx, g, ""); err != nil {
				t.Fatalf("DefineGroup %q: %v", g, err)
			}
		}
		if err := repo.AssignGroup(ctx, groupA, contextKey); err != nil {
			t.Fatalf("AssignGroup A: %v", err)
		}
		if err := repo.AssignGroup(ctx, groupB, contextKey); err != nil {
			t.Fatalf("AssignGroup B: %v", err)
		}
		// Re-assignment keeps the original position.
		if err := repo.AssignGroup(ctx, groupA, contextKey); err != nil {
			t.Fatalf("AssignGroup A again: %v", err)
		}

		groups, err := repo.GroupsFor(ctx, contextKey)
		if err != nil {
			t.Fatalf("GroupsFor: %v", err)
		}
		if len(groups) != 2 || groups[0] != groupA || groups[1] != groupB {
			t.Errorf("GroupsFor = %v, want [%s %s]", groups, groupA, groupB)
		}
	})

	t.Run("deleted group leaves stale membership", func(t *testing.T) {
		group := featureName("stale")
		contextKey := "user|" + randID()

		if _, err := repo.DefineGroup(ctx, group, ""); err != nil {
			t.Fatalf("DefineGroup: %v", err)
		}
		if err := repo.AssignGroup(ctx, group, contextKey); err != nil {
			t.Fatalf("AssignGroup: %v", err)
		}
		if err := repo.DeleteGroup(ctx, group); err != nil {
			t.Fatalf("DeleteGroup: %v", err)
		}

		// Membership row survives; the value lookup reports the group gone.
		groups, err := repo.GroupsFor(ctx, contextKey)
		if err != nil {
			t.Fatalf("GroupsFor: %v", err)
		}
		if len(groups) != 1 {
			t.Fatalf("GroupsFor = %v, want the stale membership", groups)
		}

		_, _, err = repo.GroupValue(ctx, group, "anything")
		if !errors.Is(err, core.ErrGroupNotFound) {
			t.Errorf("GroupValue error = %v, want core.ErrGroupNotFound", err)
		}
	})

	t.Run("mutations on unknown group return ErrNoRows", func(t *testing.T) {
		group := featureName("ghost")

		if err := repo.SetGroupFeature(ctx, group, "f", true); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("SetGroupFeature error = %v, want wrapping pgx.ErrNoRows", err)
		}
		if err := repo.AssignGroup(ctx, group, "user|1"); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("AssignGroup error = %v, want wrapping pgx.ErrNoRows", err)
		}
		if err := repo.DeleteGroup(ctx, group); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("DeleteGroup error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Feature events
// ---------------------------------------------------------------------------

func TestFeatureEvents(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("publish and list events", func(t *testing.T) {
		name := featureName("events")

		published, err := repo.PublishFeatureEvent(ctx, repository.FeatureEvent{
			Feature:    name,
			ContextKey: "user|1",
			EventType:  repository.EventTypeActivated,
			Payload:    json.RawMessage(`{"value": true}`),
		})
		if err != nil {
			t.Fatalf("PublishFeatureEvent: %v", err)
		}
		if published.EventID == 0 {
			t.Error("EventID = 0, want nonzero")
		}
		if published.Feature != name {
			t.Errorf("Feature = %q, want %q", published.Feature, name)
		}

		events, err := repo.ListEventsSince(ctx, published.EventID-1)
		if err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}

		found := false
		for _, e := range events {
			if e.EventID == published.EventID {
				found = true
				if e.EventType != repository.EventTypeActivated {
					t.Errorf("EventType = %q, want %q", e.EventType, repository.EventTypeActivated)
				}
			}
		}
		if !found {
			t.Error("published event not found in ListEventsSince results")
		}
	})

	t.Run("list events since filters by event ID", func(t *testing.T) {
		name := featureName("events-filter")

		first, err := repo.PublishFeatureEvent(ctx, repository.FeatureEvent{
			Feature:   name,
			EventType: repository.EventTypeDefined,
		})
		if err != nil {
			t.Fatalf("PublishFeatureEvent first: %v", err)
		}

		second, err := repo.PublishFeatureEvent(ctx, repository.FeatureEvent{
			Feature:   name,
			EventType: repository.EventTypeDeleted,
		})
		if err != nil {
			t.Fatalf("PublishFeatureEvent second: %v", err)
		}

		events, err := repo.ListEventsSinceForFeature(ctx, first.EventID, name)
		if err != nil {
			t.Fatalf("ListEventsSinceForFeature: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		if events[0].EventID != second.EventID {
			t.Errorf("EventID = %d, want %d", events[0].EventID, second.EventID)
		}
	})

	t.Run("list events since for feature isolates features", func(t *testing.T) {
		nameA := featureName("events-a")
		nameB := featureName("events-b")

		if _, err := repo.PublishFeatureEvent(ctx, repository.FeatureEvent{
			Feature:   nameA,
			EventType: repository.EventTypeActivated,
		}); err != nil {
			t.Fatalf("PublishFeatureEvent A: %v", err)
		}

		eventB, err := repo.PublishFeatureEvent(ctx, repository.FeatureEvent{
			Feature:   nameB,
			EventType: repository.EventTypeActivated,
		})
		if err != nil {
			t.Fatalf("PublishFeatureEvent B: %v", err)
		}

		events, err := repo.ListEventsSinceForFeature(ctx, 0, nameB)
		if err != nil {
			t.Fatalf("ListEventsSinceForFeature: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		if events[0].EventID != eventB.EventID {
			t.Errorf("EventID = %d, want %d", events[0].EventID, eventB.EventID)
		}
	})

	t.Run("invalidation signal arrives after publish", func(t *testing.T) {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		invalidations, err := repo.SubscribeInvalidation(subCtx)
		if err != nil {
			t.Fatalf("SubscribeInvalidation: %v", err)
		}

		// Give the listener a moment to attach before publishing.
		time.Sleep(500 * time.Millisecond)

		if _, err := repo.PublishFeatureEvent(ctx, repository.FeatureEvent{
			Feature:   featureName("notify"),
			EventType: repository.EventTypeDefined,
		}); err != nil {
			t.Fatalf("PublishFeatureEvent: %v", err)
		}

		select {
		case <-invalidations:
		case <-time.After(5 * time.Second):
			t.Fatal("no invalidation signal within 5s of publishing an event")
		}
	})
}

// ---------------------------------------------------------------------------
// API key validation
// ---------------------------------------------------------------------------

func TestAPIKeyValidation(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("validate correct secret", func(t *testing.T) {
		keyID, rawSecret, err := repo.CreateAPIKey(ctx, "integration-test")
		if err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}

		keyHash, err := repo.ValidateAPIKey(ctx, keyID)
		if err != nil {
			t.Fatalf("ValidateAPIKey: %v", err)
		}

		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(rawSecret)); err != nil {
			t.Errorf("bcrypt hash mismatch: %v", err)
		}
	})

	t.Run("validate nonexistent key returns error", func(t *testing.T) {
		_, err := repo.ValidateAPIKey(ctx, "nonexistent-key-id")
		if err == nil {
			t.Fatal("expected error for nonexistent key, got nil")
		}
	})

	t.Run("revoked key fails validation", func(t *testing.T) {
		keyID, _, err := repo.CreateAPIKey(ctx, "to-revoke")
		if err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}

		if err := repo.DeleteAPIKey(ctx, keyID); err != nil {
			t.Fatalf("DeleteAPIKey: %v", err)
		}

		if _, err := repo.ValidateAPIKey(ctx, keyID); err == nil {
			t.Fatal("expected error for revoked key, got nil")
		}

		// Double revocation reports the key as gone.
		if err := repo.DeleteAPIKey(ctx, keyID); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("second DeleteAPIKey error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func TestAuditLog(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	user, err := repo.CreateAdminUser(ctx, "auditor-"+randID(), "not-a-real-hash", "admin")
	if err != nil {
		t.Fatalf("CreateAdminUser: %v", err)
	}

	feature := featureName("audited")
	if err := repo.InsertAuditLog(ctx, repository.AuditLogEntry{
		AdminUserID: user.ID,
		Action:      "feature_toggle",
		Feature:     feature,
		Details:     json.RawMessage(`{"enabled":true}`),
	}); err != nil {
		t.Fatalf("InsertAuditLog: %v", err)
	}

	entries, err := repo.ListAuditLog(ctx, 10)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}

	found := false
	for _, e := range entries {
		if e.Feature == feature {
			found = true
			if e.Action != "feature_toggle" {
				t.Errorf("Action = %q, want feature_toggle", e.Action)
			}
			if e.AdminUserID != user.ID {
				t.Errorf("AdminUserID = %q, want %q", e.AdminUserID, user.ID)
			}
		}
	}
	if !found {
		t.Error("inserted audit entry not returned by ListAuditLog")
	}
}
