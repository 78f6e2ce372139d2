package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pennonhq/pennon/internal/repository"
)

func TestRenderDashboardTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard.html", map[string]any{
		"User": repository.AdminUser{Username: "admin", Role: "admin"},
		"Features": []repository.FeatureRow{
			{Name: "dark-mode", Description: "Dark mode rollout", UpdatedAt: time.Now()},
		},
		"Active":    map[string]bool{"dark-mode": true},
		"Groups":    []repository.GroupRow{{Name: "beta-testers", CreatedAt: time.Now()}},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "dark-mode") {
		t.Error("expected feature name in output")
	}
	if !strings.Contains(out, "Enabled") {
		t.Error("expected enabled state in output")
	}
	if !strings.Contains(out, "beta-testers") {
		t.Error("expected group name in output")
	}
}

func TestRenderDashboardTemplate_ViewerRole(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard.html", map[string]any{
		"User":      repository.AdminUser{Username: "viewer", Role: "viewer"},
		"Features":  []repository.FeatureRow{{Name: "dark-mode", UpdatedAt: time.Now()}},
		"Active":    map[string]bool{"dark-mode": false},
		"Groups":    []repository.GroupRow{},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if strings.Contains(out, `action="/features"`) {
		t.Error("viewer should NOT see the create feature form")
	}
	if strings.Contains(out, "Delete") {
		t.Error("viewer should NOT see delete buttons")
	}
}

func TestRenderAPIKeysTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "api_keys.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin", Role: "admin"},
		"APIKeys":   []repository.APIKeyMeta{{ID: "key-1", Name: "ci", CreatedAt: time.Now()}},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "key-1") {
		t.Error("expected key ID in output")
	}
	if !strings.Contains(out, "Create key") {
		t.Error("admin should see create button")
	}
}

func TestRenderAPIKeysTemplate_ViewerRole(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "api_keys.html", map[string]any{
		"User":      repository.AdminUser{Username: "viewer", Role: "viewer"},
		"APIKeys":   []repository.APIKeyMeta{},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if strings.Contains(buf.String(), "Create key") {
		t.Error("viewer should NOT see create button")
	}
}

func TestRenderAPIKeysTemplate_NewSecret(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "api_keys.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin", Role: "admin"},
		"APIKeys":   []repository.APIKeyMeta{},
		"NewKeyID":  "abc123",
		"NewSecret": "secret456",
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "abc123.secret456") {
		t.Error("expected full token in output")
	}
	if !strings.Contains(out, "not shown again") {
		t.Error("expected warning about secret visibility")
	}
}

func TestRenderAuditLogTemplate(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "audit_log.html", map[string]any{
		"User": repository.AdminUser{Username: "admin", Role: "admin"},
		"Entries": []repository.AuditLogEntry{
			{ID: 1, Action: "feature_toggle", Feature: "dark-mode", AdminUserID: "user-1", Details: json.RawMessage(`{"enabled":true}`), CreatedAt: time.Now()},
			{ID: 2, Action: "feature_delete", Feature: "dark-mode", AdminUserID: "user-1", CreatedAt: time.Now()},
		},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Audit log") {
		t.Error("expected 'Audit log' in output")
	}
	if !strings.Contains(out, "dark-mode") {
		t.Error("expected feature name in output")
	}
	if !strings.Contains(out, "feature_toggle") {
		t.Error("expected action in output")
	}
}

func TestRenderAuditLogTemplate_Empty(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "audit_log.html", map[string]any{
		"User":      repository.AdminUser{Username: "admin", Role: "admin"},
		"Entries":   []repository.AuditLogEntry{},
		"CSRFToken": "token123",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No entries") {
		t.Error("expected empty state message")
	}
}

func TestRoleChecks(t *testing.T) {
	if !canMutateFeatures(http.MethodGet, "viewer") {
		t.Error("viewer should be able to read")
	}
	if canMutateFeatures(http.MethodPost, "viewer") {
		t.Error("viewer should not mutate features")
	}
	if !canMutateFeatures(http.MethodPost, "admin") {
		t.Error("admin should mutate features")
	}
	if canManageAPIKeys(http.MethodPost, "viewer") {
		t.Error("viewer should not create API keys")
	}
	if !canManageAPIKeys(http.MethodGet, "viewer") {
		t.Error("viewer should list API keys")
	}
}

func TestValidateDoubleSubmitCSRF(t *testing.T) {
	h := &Handler{}

	newRequest := func(cookieValue, formValue string) *http.Request {
		form := url.Values{}
		if formValue != "" {
			form.Set("csrf_token", formValue)
		}
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if cookieValue != "" {
			req.AddCookie(&http.Cookie{Name: "pennon_csrf", Value: cookieValue})
		}
		return req
	}

	if !h.validateDoubleSubmitCSRF(newRequest("tok", "tok")) {
		t.Error("matching cookie and form token should validate")
	}
	if h.validateDoubleSubmitCSRF(newRequest("tok", "other")) {
		t.Error("mismatched tokens should fail")
	}
	if h.validateDoubleSubmitCSRF(newRequest("", "tok")) {
		t.Error("missing cookie should fail")
	}
	if h.validateDoubleSubmitCSRF(newRequest("tok", "")) {
		t.Error("missing form token should fail")
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("expected argon2id hash, got %q", hash)
	}

	match, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !match {
		t.Fatal("expected password to match")
	}

	match, err = VerifyPassword("wrong password", hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if match {
		t.Fatal("expected password mismatch")
	}
}

func TestVerifyPassword_InvalidFormat(t *testing.T) {
	if _, err := VerifyPassword("pw", "not-a-hash"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
	if _, err := VerifyPassword("pw", "$bcrypt$v=19$m=1,t=1,p=1$a$b"); err == nil {
		t.Fatal("expected error for incompatible variant")
	}
}
