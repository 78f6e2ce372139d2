package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pennon "github.com/pennonhq/pennon/clients/go"
	pennonhttp "github.com/pennonhq/pennon/clients/go/http"
)

// helpers

func featureJSON(name string) string {
	return fmt.Sprintf(`{"name":%q,"description":"desc","default_value":true,"dependencies":[],"variants":[],"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}`, name)
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *pennonhttp.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := pennonhttp.NewHTTPClient(pennonhttp.Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
	return srv, c
}

func assertAuth(t *testing.T, r *http.Request) {
	t.Helper()
	got := r.Header.Get("Authorization")
	if got != "Bearer test-key" {
		t.Errorf("auth header: got %q, want %q", got, "Bearer test-key")
	}
}

// -- CRUD tests --------------------------------------------------------------

func TestDefineFeature(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/features" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["name"] != "dark-mode" {
			t.Errorf("unexpected name: %v", body["name"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, featureJSON("dark-mode"))
	})
	f, err := c.DefineFeature(context.Background(), pennon.Feature{Name: "dark-mode", DefaultValue: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "dark-mode" || f.DefaultValue != true {
		t.Errorf("unexpected feature: %+v", f)
	}
	if f.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestGetFeature(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/v1/features/dark-mode" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, featureJSON("dark-mode"))
	})
	f, err := c.GetFeature(context.Background(), "dark-mode")
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "dark-mode" {
		t.Errorf("got name %q", f.Name)
	}
}

func TestGetFeatureNotFound(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	_, err := c.GetFeature(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var apiErr *pennonhttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestGetFeatureUnauthorized(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	_, err := c.GetFeature(context.Background(), "x")
	var apiErr *pennonhttp.APIError
	if !isAPIError(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestListFeatures(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s,%s]", featureJSON("a"), featureJSON("b"))
	})
	features, err := c.ListFeatures(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(features) != 2 || features[0].Name != "a" || features[1].Name != "b" {
		t.Fatalf("unexpected features: %+v", features)
	}
}

func TestDeleteFeature(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/features/dark-mode" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.DeleteFeature(context.Background(), "dark-mode"); err != nil {
		t.Fatal(err)
	}
}

// -- Resolve tests ----------------------------------------------------------

func TestResolve(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/resolve" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["feature"] != "dark-mode" {
			t.Errorf("unexpected feature: %v", body["feature"])
		}
		rctx, ok := body["context"].(map[string]any)
		if !ok || rctx["kind"] != "user" {
			t.Errorf("unexpected context: %v", body["context"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"feature":"dark-mode","value":true,"active":true}]}`)
	})
	result, err := c.Resolve(context.Background(), "dark-mode", &pennon.ResolutionContext{
		Kind:  "user",
		ID:    7,
		Scope: map[string]string{"region": "eu"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Value != true || !result.Active {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestResolveGlobalContext(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if _, present := body["context"]; present {
			t.Errorf("global context should be omitted, got %v", body["context"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"feature":"dark-mode","value":false,"active":false}]}`)
	})
	result, err := c.Resolve(context.Background(), "dark-mode", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Active {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestResolveBatch(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		reqs, ok := body["requests"].([]any)
		if !ok || len(reqs) != 2 {
			t.Errorf("expected 2 requests, got %v", body["requests"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"feature":"a","value":true,"active":true},{"feature":"b","value":null,"active":false}]}`)
	})
	results, err := c.ResolveBatch(context.Background(), []pennon.ResolveRequest{
		{Feature: "a", Context: &pennon.ResolutionContext{ID: "user|1"}},
		{Feature: "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Feature != "a" || !results[0].Active {
		t.Errorf("unexpected results: %+v", results)
	}
	if results[1].Active || results[1].Value != nil {
		t.Errorf("unexpected inactive result: %+v", results[1])
	}
}

// -- State tests --------------------------------------------------------------

func TestSetState(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodPut || r.URL.Path != "/v1/features/beta/state" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["context"] != "user|1" {
			t.Errorf("unexpected context: %v", body["context"])
		}
		if body["value"] != true {
			t.Errorf("unexpected value: %v", body["value"])
		}
		w.WriteHeader(http.StatusNoContent)
	})
	err := c.SetState(context.Background(), "beta", &pennon.ResolutionContext{ID: "user|1"}, true)
	if err != nil {
		t.Fatal(err)
	}
}

func TestAddScopedRecord(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/features/rollout/scopes" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["kind"] != "user" {
			t.Errorf("unexpected kind: %v", body["kind"])
		}
		scope, ok := body["scope"].(map[string]any)
		if !ok || scope["region"] != "eu" || scope["plan"] != nil {
			t.Errorf("unexpected scope: %v", body["scope"])
		}
		w.WriteHeader(http.StatusCreated)
	})
	region := "eu"
	err := c.AddScopedRecord(context.Background(), "rollout", "user", map[string]*string{
		"region": &region,
		"plan":   nil,
	}, true)
	if err != nil {
		t.Fatal(err)
	}
}

// -- Group tests --------------------------------------------------------------

func TestGroupMembers(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assertAuth(t, r)
		if r.Method != http.MethodGet || r.URL.Path != "/v1/groups/beta-testers/members" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"members":["user|1","user|2"]}`)
	})
	members, err := c.GroupMembers(context.Background(), "beta-testers")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0] != "user|1" {
		t.Errorf("unexpected members: %v", members)
	}
}

func TestAssignGroup(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/groups/beta-testers/members" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["context_key"] != "user|1" {
			t.Errorf("unexpected context_key: %v", body["context_key"])
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.AssignGroup(context.Background(), "beta-testers", "user|1"); err != nil {
		t.Fatal(err)
	}
}

// -- SSE streaming tests -----------------------------------------------------

func TestStream(t *testing.T) {
	events := []string{
		"id: 1\nevent: activated\ndata: {\"feature\":\"dark-mode\",\"context_key\":\"user|1\",\"value\":true}\n\n",
		"id: 2\nevent: deleted\ndata: {}\n\n",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauth", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := pennonhttp.NewHTTPClient(pennonhttp.Config{BaseURL: srv.URL, APIKey: "test-key"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	var received []pennon.FeatureEvent
	for ev := range ch {
		received = append(received, ev)
	}

	if len(received) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(received), received)
	}
	if received[0].Type != "activated" || received[0].EventID != 1 {
		t.Errorf("event 0: %+v", received[0])
	}
	if received[0].Feature != "dark-mode" || received[0].ContextKey != "user|1" {
		t.Errorf("event 0 identity: %+v", received[0])
	}
	if received[1].Type != "deleted" || received[1].EventID != 2 {
		t.Errorf("event 1: %+v", received[1])
	}
}

func TestStreamLastEventIDHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Last-Event-ID")
		if got != "42" {
			t.Errorf("Last-Event-ID: got %q, want %q", got, "42")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		// No events; just close.
	}))
	defer srv.Close()

	c := pennonhttp.NewHTTPClient(pennonhttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := c.Stream(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
}

func TestStreamContextCancellation(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		// Hold open until the request context is cancelled.
		<-r.Context().Done()
		close(done)
	}))
	defer srv.Close()

	c := pennonhttp.NewHTTPClient(pennonhttp.Config{BaseURL: srv.URL, APIKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := c.Stream(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Cancel after a brief moment.
	time.AfterFunc(100*time.Millisecond, cancel)

	// Channel should close without hanging.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed as expected
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream channel to close")
		}
	}
}

// -- helpers -----------------------------------------------------------------

func isAPIError(err error, target **pennonhttp.APIError) bool {
	return errors.As(err, target)
}

// Ensure Client satisfies interfaces at compile time.
var _ pennon.FeatureManager = (*pennonhttp.Client)(nil)
var _ pennon.Resolver = (*pennonhttp.Client)(nil)
var _ pennon.StateManager = (*pennonhttp.Client)(nil)
var _ pennon.GroupManager = (*pennonhttp.Client)(nil)
var _ pennon.Streamer = (*pennonhttp.Client)(nil)
