package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pennonhq/pennon/internal/repository"
	"github.com/pennonhq/pennon/internal/service"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"
const adminUserContextKey adminContextKey = "admin_user"

const adminAuditWriteTimeout = 2 * time.Second

type Handler struct {
	Repo          *repository.PostgresRepository
	Service       *service.Service
	SessionMgr    *SessionManager
	AdminHostname string
	log           *slog.Logger
	mux           *http.ServeMux
}

func NewHandler(repo *repository.PostgresRepository, svc *service.Service, sessionMgr *SessionManager, adminHostname string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		Repo:          repo,
		Service:       svc,
		SessionMgr:    sessionMgr,
		AdminHostname: adminHostname,
		log:           log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/setup", h.handleSetup)
	mux.HandleFunc("/logout", h.handleLogout)

	// Protected routes
	mux.HandleFunc("/", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("/features", h.requireAuth(h.requireAdmin(h.handleCreateFeature)))
	mux.HandleFunc("/features/", h.requireAuth(h.handleFeatureAction))
	mux.HandleFunc("/groups", h.requireAuth(h.requireAdmin(h.handleCreateGroup)))
	mux.HandleFunc("/groups/", h.requireAuth(h.requireAdmin(h.handleGroupAction)))
	mux.HandleFunc("/api-keys", h.requireAuth(h.handleAPIKeys))
	mux.HandleFunc("/api-keys/delete", h.requireAuth(h.requireAdmin(h.handleDeleteAPIKey)))
	mux.HandleFunc("/audit-log", h.requireAuth(h.handleAuditLog))

	// Static assets
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(content))))

	return mux
}

// requireAuth middleware ensures a valid session exists and validates
// CSRF tokens on state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.SessionMgr.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		// Validate CSRF token on state-changing requests
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin blocks write operations for viewer-role users.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !isAdminRole(user.Role) {
			http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), adminUserContextKey, user)
		next(w, r.WithContext(ctx))
	}
}

func isAdminRole(role string) bool {
	return role == "admin"
}

func canManageAPIKeys(method, role string) bool {
	if method == http.MethodPost {
		return isAdminRole(role)
	}

	return true
}

func canMutateFeatures(method, role string) bool {
	if method == http.MethodPost || method == http.MethodDelete || method == http.MethodPut || method == http.MethodPatch {
		return isAdminRole(role)
	}

	return true
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	// Check if admin user exists
	exists, err := h.Repo.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if r.Method == "GET" {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		if err := Render(w, "setup.html", map[string]any{
			"CSRFToken": csrfToken,
		}); err != nil {
			h.log.Error("render error", "error", err)
		}
		return
	}

	if r.Method == "POST" {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		confirm := r.FormValue("confirm_password")

		if len(username) < 3 || len(username) > 50 {
			if err := Render(w, "setup.html", map[string]any{"Error": "Username must be between 3 and 50 characters"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}
		for _, c := range username {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
				if err := Render(w, "setup.html", map[string]any{"Error": "Username may only contain letters, digits, underscores, hyphens, and dots"}); err != nil {
					h.log.Error("render error", "error", err)
				}
				return
			}
		}

		if password != confirm {
			if err := Render(w, "setup.html", map[string]any{"Error": "Passwords do not match"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		if len(password) < 12 {
			if err := Render(w, "setup.html", map[string]any{"Error": "Password must be at least 12 characters"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		hash, err := HashPassword(password)
		if err != nil {
			http.Error(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}

		user, err := h.Repo.CreateAdminUser(r.Context(), username, hash, "admin")
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			h.log.Error("failed to create admin user", "error", err)
			if err := Render(w, "setup.html", map[string]any{"Error": "Failed to create user"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		h.logAudit(r.Context(), user.ID, "admin_setup", "", map[string]string{"username": username})

		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" {
		csrfToken := h.generateCSRFToken()
		h.setCSRFCookie(w, r, csrfToken)
		if err := Render(w, "login.html", map[string]any{
			"CSRFToken": csrfToken,
		}); err != nil {
			h.log.Error("render error", "error", err)
		}
		return
	}

	if r.Method == "POST" {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := r.FormValue("username")
		password := r.FormValue("password")

		// Only trust proxy headers when the request comes from a
		// loopback or private address (i.e., a trusted reverse proxy).
		remoteAddr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			remoteAddr = host
		}
		if ip := net.ParseIP(remoteAddr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
			if xri := r.Header.Get("X-Real-IP"); xri != "" {
				remoteAddr = xri
			} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				remoteAddr = strings.TrimSpace(first)
			}
		}

		if allowed := h.SessionMgr.CheckLoginRateLimit(remoteAddr); !allowed {
			if err := Render(w, "login.html", map[string]any{"Error": "Too many attempts. Please try again later."}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		user, err := h.Repo.GetAdminUserByUsername(r.Context(), username)
		if err != nil {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			if err := Render(w, "login.html", map[string]any{"Error": "Invalid credentials"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		match, err := VerifyPassword(password, user.PasswordHash)
		if err != nil || !match {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			if err := Render(w, "login.html", map[string]any{"Error": "Invalid credentials"}); err != nil {
				h.log.Error("render error", "error", err)
			}
			return
		}

		token, err := h.SessionMgr.GenerateSession(r.Context(), user.ID)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		h.SessionMgr.SetSessionCookie(w, token)

		h.logAudit(r.Context(), user.ID, "admin_login", "", nil)

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method == "POST" {
		cookie, err := r.Cookie(sessionCookieName)
		if err == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		if cookie, cerr := r.Cookie(sessionCookieName); cerr == nil {
			h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	features, err := h.Service.ListFeatures(r.Context())
	if err != nil {
		http.Error(w, "Failed to list features", http.StatusInternalServerError)
		return
	}

	groups, err := h.Repo.ListGroups(r.Context())
	if err != nil {
		http.Error(w, "Failed to list groups", http.StatusInternalServerError)
		return
	}

	// Resolve each feature with no context so the dashboard shows the
	// effective global state, not just the stored default.
	active := make(map[string]bool, len(features))
	for _, f := range features {
		res, resolveErr := h.Service.Resolve(r.Context(), f.Name, nil)
		if resolveErr != nil {
			continue
		}
		active[f.Name] = res.Active
	}

	if err := Render(w, "dashboard.html", map[string]any{
		"User":      user,
		"Features":  features,
		"Active":    active,
		"Groups":    groups,
		"CSRFToken": session.CSRFToken,
	}); err != nil {
		h.log.Error("render error", "error", err)
	}
}

func (h *Handler) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	desc := r.FormValue("description")

	_, err := h.Service.DefineFeature(r.Context(), service.FeatureInput{
		Name:        name,
		Description: desc,
	})
	if err != nil {
		http.Error(w, "Failed to create feature: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "feature_create", name, map[string]string{"description": desc})

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleFeatureAction dispatches /features/{name}/toggle and
// /features/{name}/delete.
func (h *Handler) handleFeatureAction(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/features/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" {
		http.NotFound(w, r)
		return
	}
	feature := pathParts[0]
	action := pathParts[1]

	if r.Method != http.MethodGet {
		user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
		if err != nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}
		if !canMutateFeatures(r.Method, user.Role) {
			http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
			return
		}
	}

	switch {
	case action == "toggle" && r.Method == "POST":
		res, err := h.Service.Resolve(r.Context(), feature, nil)
		if err != nil {
			if errors.Is(err, service.ErrFeatureNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "Failed to resolve feature", http.StatusInternalServerError)
			return
		}

		enabled := !res.Active
		if err := h.Service.SetForAllContexts(r.Context(), feature, enabled); err != nil {
			http.Error(w, "Failed to update feature", http.StatusInternalServerError)
			return
		}

		h.logAudit(r.Context(), session.AdminUserID, "feature_toggle", feature, map[string]bool{"enabled": enabled})

		// Render just the button if HTMX request
		if r.Header.Get("HX-Request") == "true" {
			colorClass := "bg-red-100 text-red-800"
			text := "Disabled"
			if enabled {
				colorClass = "bg-green-100 text-green-800"
				text = "Enabled"
			}

			tmpl := template.Must(template.New("toggle").Parse(
				`<button hx-post="/features/{{.Feature}}/toggle" ` +
					`hx-vals='{"csrf_token": "{{.CSRFToken}}"}' hx-target="this" hx-swap="outerHTML" ` +
					`class="{{.ColorClass}} px-2 inline-flex text-xs leading-5 font-semibold rounded-full cursor-pointer">{{.Text}}</button>`))

			w.Header().Set("Content-Type", "text/html")
			tmpl.Execute(w, map[string]string{
				"Feature":    feature,
				"CSRFToken":  r.FormValue("csrf_token"),
				"ColorClass": colorClass,
				"Text":       text,
			})
			return
		}

		http.Redirect(w, r, "/", http.StatusFound)

	case action == "delete" && r.Method == "POST":
		if err := h.Service.DeleteFeature(r.Context(), feature); err != nil {
			if errors.Is(err, service.ErrFeatureNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "Failed to delete feature", http.StatusInternalServerError)
			return
		}

		h.logAudit(r.Context(), session.AdminUserID, "feature_delete", feature, nil)

		if r.Header.Get("HX-Request") == "true" {
			w.WriteHeader(http.StatusOK) // Empty response removes the element
			return
		}
		http.Redirect(w, r, "/", http.StatusFound)

	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	desc := r.FormValue("description")
	if name == "" {
		http.Error(w, "Missing group name", http.StatusBadRequest)
		return
	}

	if err := h.Service.DefineGroup(r.Context(), name, desc); err != nil {
		http.Error(w, "Failed to create group", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "group_create", "", map[string]string{"group": name})

	http.Redirect(w, r, "/", http.StatusFound)
}

// handleGroupAction dispatches /groups/{name}/delete.
func (h *Handler) handleGroupAction(w http.ResponseWriter, r *http.Request) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/groups/"), "/")
	if len(pathParts) != 2 || pathParts[0] == "" || pathParts[1] != "delete" || r.Method != "POST" {
		http.NotFound(w, r)
		return
	}
	group := pathParts[0]

	if err := h.Service.DeleteGroup(r.Context(), group); err != nil {
		if errors.Is(err, service.ErrGroupNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to delete group", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, "group_delete", "", map[string]string{"group": group})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	if !canManageAPIKeys(r.Method, user.Role) {
		http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
		return
	}

	if r.Method == "POST" {
		name := strings.TrimSpace(r.FormValue("name"))
		keyID, rawSecret, createErr := h.Repo.CreateAPIKey(r.Context(), name)
		if createErr != nil {
			http.Error(w, "Failed to create API key", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, "api_key_create", "", map[string]string{"api_key_id": keyID})

		keys, listErr := h.Repo.ListAPIKeys(r.Context())
		if listErr != nil {
			h.log.Error("failed to list API keys", "error", listErr)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		if renderErr := Render(w, "api_keys.html", map[string]any{
			"User":      user,
			"APIKeys":   keys,
			"NewKeyID":  keyID,
			"NewSecret": rawSecret,
			"CSRFToken": session.CSRFToken,
		}); renderErr != nil {
			h.log.Error("render error", "error", renderErr)
		}
		return
	}

	keys, err := h.Repo.ListAPIKeys(r.Context())
	if err != nil {
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	if renderErr := Render(w, "api_keys.html", map[string]any{
		"User":      user,
		"APIKeys":   keys,
		"CSRFToken": session.CSRFToken,
	}); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keyID := r.FormValue("key_id")
	if keyID == "" {
		http.Error(w, "Missing key_id", http.StatusBadRequest)
		return
	}

	if err := h.Repo.DeleteAPIKey(r.Context(), keyID); err != nil {
		http.Error(w, "Failed to delete API key", http.StatusInternalServerError)
		return
	}
	adminUser := r.Context().Value(adminUserContextKey).(repository.AdminUser)
	h.logAudit(r.Context(), adminUser.ID, "api_key_delete", "", map[string]string{"api_key_id": keyID})

	http.Redirect(w, r, "/api-keys", http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	entries, err := h.Repo.ListAuditLog(r.Context(), 100)
	if err != nil {
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	if renderErr := Render(w, "audit_log.html", map[string]any{
		"User":      user,
		"Entries":   entries,
		"CSRFToken": session.CSRFToken,
	}); renderErr != nil {
		h.log.Error("render error", "error", renderErr)
	}
}

func (h *Handler) generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter, r *http.Request, token string) {
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     "pennon_csrf",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
}

// validateDoubleSubmitCSRF checks that the CSRF form value matches the
// pennon_csrf cookie, implementing the double-submit cookie pattern for
// pre-authentication forms (login, setup).
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie("pennon_csrf")
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// logAudit writes an audit log entry on a best-effort basis.
// Failures are logged but never propagated to the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, feature string, details any) {
	entry, err := buildAuditEntry(adminUserID, action, feature, details)
	if err != nil {
		h.log.Error("audit log: marshal details",
			"error", err,
			"action", action,
			"feature", feature,
			"admin_user_id", adminUserID,
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.Repo.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed",
			"error", err,
			"action", action,
			"feature", feature,
			"admin_user_id", adminUserID,
		)
	}
}
