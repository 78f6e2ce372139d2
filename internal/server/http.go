package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pennonhq/pennon/internal/core"
	"github.com/pennonhq/pennon/internal/repository"
	"github.com/pennonhq/pennon/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the resolution and administration API.
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/stream polls for new events.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithMaxJSONBodySize caps accepted JSON request bodies.
func WithMaxJSONBodySize(bytes int64) HTTPOption {
	return func(s *HTTPServer) {
		if bytes > 0 {
			s.maxJSONBodyBytes = bytes
		}
	}
}

// scopeJSON decodes a resolution context from JSON: null for the global
// context, a scalar for bare identities, or an object with kind/id/scope for
// structured contexts.
type scopeJSON struct {
	value any
}

func (s *scopeJSON) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		s.value = nil
		return nil
	}

	if trimmed[0] == '{' {
		var structured struct {
			Kind  string     `json:"kind"`
			ID    any        `json:"id"`
			Scope core.Scope `json:"scope"`
		}
		if err := json.Unmarshal(data, &structured); err != nil {
			return err
		}
		if strings.TrimSpace(structured.Kind) == "" {
			return errors.New("context kind is required")
		}
		s.value = core.Context{ID: structured.ID, Kind: structured.Kind, Scope: structured.Scope}
		return nil
	}

	var scalar any
	if err := json.Unmarshal(data, &scalar); err != nil {
		return err
	}
	s.value = scalar
	return nil
}

type resolveJSONRequest struct {
	Feature  string                 `json:"feature,omitempty"`
	Context  scopeJSON              `json:"context,omitempty"`
	Requests []resolveJSONBatchItem `json:"requests,omitempty"`
}

type resolveJSONBatchItem struct {
	Feature string    `json:"feature"`
	Context scopeJSON `json:"context"`
}

type resolveJSONResponse struct {
	Results []service.ResolveResult `json:"results"`
}

type stateJSONRequest struct {
	Context scopeJSON `json:"context"`
	Value   any       `json:"value"`
}

type everyoneJSONRequest struct {
	Value any `json:"value"`
}

type scopedJSONRequest struct {
	Kind  string             `json:"kind"`
	Scope map[string]*string `json:"scope"`
	Value any                `json:"value"`
}

type groupJSONRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type groupFeatureJSONRequest struct {
	Value any `json:"value"`
}

type memberJSONRequest struct {
	ContextKey string `json:"context_key"`
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/features", server.handleDefineFeature)
	mux.HandleFunc("GET /v1/features", server.handleListFeatures)
	mux.HandleFunc("GET /v1/features/{name}", server.handleGetFeature)
	mux.HandleFunc("DELETE /v1/features/{name}", server.handleDeleteFeature)
	mux.HandleFunc("PUT /v1/features/{name}/state", server.handleSetState)
	mux.HandleFunc("DELETE /v1/features/{name}/state", server.handleDeleteState)
	mux.HandleFunc("PUT /v1/features/{name}/everyone", server.handleSetForAllContexts)
	mux.HandleFunc("POST /v1/features/{name}/scopes", server.handleAddScopedRecord)
	mux.HandleFunc("POST /v1/resolve", server.handleResolve)
	mux.HandleFunc("POST /v1/groups", server.handleDefineGroup)
	mux.HandleFunc("DELETE /v1/groups/{name}", server.handleDeleteGroup)
	mux.HandleFunc("PUT /v1/groups/{name}/features/{feature}", server.handleSetGroupFeature)
	mux.HandleFunc("GET /v1/groups/{name}/members", server.handleGroupMembers)
	mux.HandleFunc("POST /v1/groups/{name}/members", server.handleAssignGroup)
	mux.HandleFunc("DELETE /v1/groups/{name}/members", server.handleUnassignGroup)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	return mux
}

func (s *HTTPServer) handleDefineFeature(w http.ResponseWriter, r *http.Request) {
	var input service.FeatureInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(input.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	defined, err := s.service.DefineFeature(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, defined)
}

func (s *HTTPServer) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.service.ListFeatures(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, features)
}

func (s *HTTPServer) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	feature, err := s.service.GetFeature(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, feature)
}

func (s *HTTPServer) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.service.DeleteFeature(r.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetState(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	var request stateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	value := request.Value
	if value == nil {
		value = true
	}

	if err := s.service.SetState(r.Context(), name, request.Context.value, value); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	var request stateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.DeleteState(r.Context(), name, request.Context.value); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetForAllContexts(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	var request everyoneJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	value := request.Value
	if value == nil {
		value = true
	}

	if err := s.service.SetForAllContexts(r.Context(), name, value); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAddScopedRecord(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	var request scopedJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Kind) == "" {
		writeJSONError(w, http.StatusBadRequest, "kind is required")
		return
	}

	value := request.Value
	if value == nil {
		value = true
	}

	if err := s.service.AddScopedRecord(r.Context(), core.ScopeRecord{
		Feature: name,
		Kind:    request.Kind,
		Scope:   request.Scope,
		Value:   value,
	}); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	var request resolveJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	requests := make([]service.ResolveRequest, 0)
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Feature) != "":
		writeJSONError(w, http.StatusBadRequest, "use either feature or requests")
		return
	case len(request.Requests) > 0:
		requests = make([]service.ResolveRequest, 0, len(request.Requests))
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.Feature) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].feature is required", idx))
				return
			}
			requests = append(requests, service.ResolveRequest{
				Feature: item.Feature,
				Scope:   item.Context.value,
			})
		}
	case strings.TrimSpace(request.Feature) != "":
		requests = append(requests, service.ResolveRequest{
			Feature: request.Feature,
			Scope:   request.Context.value,
		})
	default:
		writeJSONError(w, http.StatusBadRequest, "feature or requests is required")
		return
	}

	results, err := s.service.ResolveBatch(r.Context(), requests)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveJSONResponse{Results: results})
}

func (s *HTTPServer) handleDefineGroup(w http.ResponseWriter, r *http.Request) {
	var request groupJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.service.DefineGroup(r.Context(), request.Name, request.Description); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *HTTPServer) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if err := s.service.DeleteGroup(r.Context(), name); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetGroupFeature(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	feature := strings.TrimSpace(r.PathValue("feature"))

	var request groupFeatureJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	value := request.Value
	if value == nil {
		value = true
	}

	if err := s.service.SetGroupFeature(r.Context(), name, feature, value); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	members, err := s.service.GroupMembers(r.Context(), name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{"members": members})
}

func (s *HTTPServer) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	var request memberJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.ContextKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "context_key is required")
		return
	}

	if err := s.service.AssignGroup(r.Context(), name, request.ContextKey); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleUnassignGroup(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	var request memberJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.ContextKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "context_key is required")
		return
	}

	if err := s.service.UnassignGroup(r.Context(), name, request.ContextKey); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}
	feature := strings.TrimSpace(r.URL.Query().Get("feature"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	listEvents := func(since int64) ([]repository.FeatureEvent, error) {
		if feature != "" {
			return s.service.ListEventsSinceForFeature(r.Context(), since, feature)
		}
		return s.service.ListEventsSince(r.Context(), since)
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.FeatureEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := listEvents(currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := listEvents(currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case repository.EventTypeDefined:
		return "defined"
	case repository.EventTypeDeleted:
		return "deleted"
	case repository.EventTypeActivated:
		return "activated"
	case repository.EventTypeDeactivated:
		return "deactivated"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDefinition), errors.Is(err, core.ErrCannotSerialize):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFeatureNotFound), errors.Is(err, service.ErrGroupNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidDefinition):
		return "invalid feature definition"
	case errors.Is(err, core.ErrCannotSerialize):
		return "context cannot be serialized"
	case errors.Is(err, service.ErrFeatureNotFound):
		return "feature not found"
	case errors.Is(err, service.ErrGroupNotFound):
		return "group not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 {
		return []string{""}
	}

	return lines
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
