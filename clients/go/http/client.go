// Package http provides an HTTP client for the pennon feature resolution
// service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pennon "github.com/pennonhq/pennon/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the pennon server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements pennon.FeatureManager, pennon.Resolver,
// pennon.StateManager, pennon.GroupManager, and pennon.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the pennon service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireFeature struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	DefaultValue json.RawMessage `json:"default_value,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Variants     []wireVariant   `json:"variants,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
}

type wireVariant struct {
	Name   string `json:"name"`
	Weight uint   `json:"weight"`
}

type wireResolveReq struct {
	Feature  string         `json:"feature,omitempty"`
	Context  any            `json:"context,omitempty"`
	Requests []wireReqItem  `json:"requests,omitempty"`
}

type wireReqItem struct {
	Feature string `json:"feature"`
	Context any    `json:"context,omitempty"`
}

type wireResolveResp struct {
	Results []struct {
		Feature string `json:"feature"`
		Value   any    `json:"value"`
		Active  bool   `json:"active"`
	} `json:"results"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pennon: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("pennon: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pennon: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pennon: HTTP %d: %s", e.StatusCode, e.Message)
}

// encodeContext maps a resolution context onto the wire: nil for the global
// context, a bare scalar for plain identities, an object otherwise.
func encodeContext(rctx *pennon.ResolutionContext) any {
	if rctx == nil {
		return nil
	}
	if rctx.Kind == "" && rctx.Scope == nil {
		return rctx.ID
	}
	obj := map[string]any{"kind": rctx.Kind}
	if rctx.ID != nil {
		obj["id"] = rctx.ID
	}
	if rctx.Scope != nil {
		obj["scope"] = rctx.Scope
	}
	return obj
}

func decodeFeature(wf wireFeature) (pennon.Feature, error) {
	f := pennon.Feature{
		Name:         wf.Name,
		Description:  wf.Description,
		Dependencies: wf.Dependencies,
		ExpiresAt:    wf.ExpiresAt,
	}
	if wf.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, wf.CreatedAt); err == nil {
			f.CreatedAt = t
		}
	}
	if wf.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, wf.UpdatedAt); err == nil {
			f.UpdatedAt = t
		}
	}
	if len(wf.DefaultValue) > 0 && string(wf.DefaultValue) != "null" {
		if err := json.Unmarshal(wf.DefaultValue, &f.DefaultValue); err != nil {
			return f, fmt.Errorf("pennon: decode default value: %w", err)
		}
	}
	if len(wf.Variants) > 0 {
		f.Variants = make([]pennon.VariantWeight, len(wf.Variants))
		for i, v := range wf.Variants {
			f.Variants[i] = pennon.VariantWeight{Name: v.Name, Weight: v.Weight}
		}
	}
	return f, nil
}

func encodeFeature(f pennon.Feature) (wireFeature, error) {
	wf := wireFeature{
		Name:         f.Name,
		Description:  f.Description,
		Dependencies: f.Dependencies,
		ExpiresAt:    f.ExpiresAt,
	}
	if f.DefaultValue != nil {
		b, err := json.Marshal(f.DefaultValue)
		if err != nil {
			return wf, fmt.Errorf("pennon: encode default value: %w", err)
		}
		wf.DefaultValue = b
	}
	if len(f.Variants) > 0 {
		wf.Variants = make([]wireVariant, len(f.Variants))
		for i, v := range f.Variants {
			wf.Variants[i] = wireVariant{Name: v.Name, Weight: v.Weight}
		}
	}
	return wf, nil
}

// -- FeatureManager ------------------------------------------------------------

func (c *Client) DefineFeature(ctx context.Context, feature pennon.Feature) (pennon.Feature, error) {
	wf, err := encodeFeature(feature)
	if err != nil {
		return pennon.Feature{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/features", wf)
	if err != nil {
		return pennon.Feature{}, err
	}
	defer resp.Body.Close()
	var out wireFeature
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pennon.Feature{}, fmt.Errorf("pennon: decode response: %w", err)
	}
	return decodeFeature(out)
}

func (c *Client) GetFeature(ctx context.Context, name string) (pennon.Feature, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/features/"+url.PathEscape(name), nil)
	if err != nil {
		return pennon.Feature{}, err
	}
	defer resp.Body.Close()
	var out wireFeature
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pennon.Feature{}, fmt.Errorf("pennon: decode response: %w", err)
	}
	return decodeFeature(out)
}

func (c *Client) ListFeatures(ctx context.Context) ([]pennon.Feature, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/features", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireFeature
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pennon: decode response: %w", err)
	}
	features := make([]pennon.Feature, 0, len(out))
	for _, wf := range out {
		f, err := decodeFeature(wf)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

func (c *Client) DeleteFeature(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/features/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Resolver ------------------------------------------------------------------

func (c *Client) Resolve(ctx context.Context, feature string, rctx *pennon.ResolutionContext) (pennon.ResolveResult, error) {
	body := wireResolveReq{
		Feature: feature,
		Context: encodeContext(rctx),
	}
	results, err := c.resolve(ctx, body)
	if err != nil {
		return pennon.ResolveResult{}, err
	}
	if len(results) != 1 {
		return pennon.ResolveResult{}, fmt.Errorf("pennon: expected 1 result, got %d", len(results))
	}
	return results[0], nil
}

func (c *Client) ResolveBatch(ctx context.Context, reqs []pennon.ResolveRequest) ([]pennon.ResolveResult, error) {
	items := make([]wireReqItem, len(reqs))
	for i, r := range reqs {
		items[i] = wireReqItem{Feature: r.Feature, Context: encodeContext(r.Context)}
	}
	return c.resolve(ctx, wireResolveReq{Requests: items})
}

func (c *Client) resolve(ctx context.Context, body wireResolveReq) ([]pennon.ResolveResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/resolve", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out wireResolveResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pennon: decode response: %w", err)
	}
	results := make([]pennon.ResolveResult, len(out.Results))
	for i, r := range out.Results {
		results[i] = pennon.ResolveResult{Feature: r.Feature, Value: r.Value, Active: r.Active}
	}
	return results, nil
}

// -- StateManager ----------------------------------------------------------------

func (c *Client) SetState(ctx context.Context, feature string, rctx *pennon.ResolutionContext, value any) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/features/"+url.PathEscape(feature)+"/state", map[string]any{
		"context": encodeContext(rctx),
		"value":   value,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) DeleteState(ctx context.Context, feature string, rctx *pennon.ResolutionContext) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/features/"+url.PathEscape(feature)+"/state", map[string]any{
		"context": encodeContext(rctx),
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) SetForAllContexts(ctx context.Context, feature string, value any) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/features/"+url.PathEscape(feature)+"/everyone", map[string]any{
		"value": value,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) AddScopedRecord(ctx context.Context, feature, kind string, scope map[string]*string, value any) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/features/"+url.PathEscape(feature)+"/scopes", map[string]any{
		"kind":  kind,
		"scope": scope,
		"value": value,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- GroupManager ----------------------------------------------------------------

func (c *Client) DefineGroup(ctx context.Context, name, description string) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/groups", map[string]any{
		"name":        name,
		"description": description,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) DeleteGroup(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/groups/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) SetGroupFeature(ctx context.Context, group, feature string, value any) error {
	path := "/v1/groups/" + url.PathEscape(group) + "/features/" + url.PathEscape(feature)
	resp, err := c.do(ctx, http.MethodPut, path, map[string]any{"value": value})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) AssignGroup(ctx context.Context, group, contextKey string) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(group)+"/members", map[string]any{
		"context_key": contextKey,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) UnassignGroup(ctx context.Context, group, contextKey string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/groups/"+url.PathEscape(group)+"/members", map[string]any{
		"context_key": contextKey,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) GroupMembers(ctx context.Context, group string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(group)+"/members", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pennon: decode response: %w", err)
	}
	return out.Members, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits FeatureEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan pennon.FeatureEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("pennon: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pennon: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan pennon.FeatureEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed FeatureEvents to ch.
// It implements the subset of the SSE spec used by the pennon server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- pennon.FeatureEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := pennon.FeatureEvent{Type: eventType, EventID: eventID}
				if payload := json.RawMessage(data); json.Valid(payload) {
					ev.Payload = payload
					ev.Feature, ev.ContextKey = payloadIdentity(payload)
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

// payloadIdentity pulls the feature name and context key out of an event
// payload. Defined events carry the feature row ("name"); activation events
// carry "feature" and "context_key".
func payloadIdentity(payload json.RawMessage) (feature, contextKey string) {
	var identity struct {
		Feature    string `json:"feature"`
		Name       string `json:"name"`
		ContextKey string `json:"context_key"`
	}
	if err := json.Unmarshal(payload, &identity); err != nil {
		return "", ""
	}
	if identity.Feature != "" {
		return identity.Feature, identity.ContextKey
	}
	return identity.Name, identity.ContextKey
}
