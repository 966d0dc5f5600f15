// Package remote is the HTTP gateway to the assistant's backend API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/models"
	"golang.org/x/oauth2"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// StatusError is a non-2xx response without a more specific mapping.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// ConflictError is a 409 response carrying the server's current record.
type ConflictError struct {
	Current *models.RemoteRecord
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return "conflict"
	}
	return fmt.Sprintf("conflict: server has %s at %d", e.Current.ID, e.Current.UpdatedAt)
}

// Gateway is an HTTP client for the remote entity API.
type Gateway struct {
	baseURL    string
	healthPath string
	http       *http.Client // authenticated
	plain      *http.Client // health probe
}

// Options configures a Gateway.
type Options struct {
	BaseURL    string
	HealthPath string
	Timeout    time.Duration
	// TokenSource supplies bearer tokens; nil sends no Authorization header.
	TokenSource oauth2.TokenSource
	// Transport overrides the base round tripper.
	Transport http.RoundTripper
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/api/health"
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	authed := base
	if opts.TokenSource != nil {
		authed = &oauth2.Transport{Source: opts.TokenSource, Base: base}
	}
	return &Gateway{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		healthPath: opts.HealthPath,
		http:       &http.Client{Timeout: opts.Timeout, Transport: authed},
		plain:      &http.Client{Timeout: opts.Timeout, Transport: base},
	}
}

// Health hits the health endpoint to verify server reachability.
func (g *Gateway) Health(ctx context.Context) error {
	return g.doRequest(ctx, g.plain, http.MethodGet, g.healthPath, nil, nil, nil)
}

// Probe implements connectivity.Prober.
func (g *Gateway) Probe(ctx context.Context) error {
	return g.Health(ctx)
}

func entityPath(t models.EntityType, id string) string {
	p := "/entities/" + url.PathEscape(string(t))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

// Create posts a new entity. The idempotency key lets the server return the
// original record when a create is replayed.
func (g *Gateway) Create(ctx context.Context, t models.EntityType, idempotencyKey string, p models.Payload) (*models.RemoteRecord, error) {
	var rec models.RemoteRecord
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	if err := g.doRequest(ctx, g.http, http.MethodPost, entityPath(t, ""), header, p, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("create %s: response carries no id", t)
	}
	return &rec, nil
}

// Update replaces an entity with a full snapshot. force overrides the
// server's conflict check.
func (g *Gateway) Update(ctx context.Context, t models.EntityType, id string, p models.Payload, force bool) (*models.RemoteRecord, error) {
	path := entityPath(t, id)
	if force {
		path += "?force=true"
	}
	var rec models.RemoteRecord
	if err := g.doRequest(ctx, g.http, http.MethodPut, path, nil, p, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes an entity. force overrides the server's conflict check.
func (g *Gateway) Delete(ctx context.Context, t models.EntityType, id string, force bool) error {
	path := entityPath(t, id)
	if force {
		path += "?force=true"
	}
	return g.doRequest(ctx, g.http, http.MethodDelete, path, nil, nil, nil)
}

// List returns every entity of a family.
func (g *Gateway) List(ctx context.Context, t models.EntityType) ([]models.RemoteRecord, error) {
	var resp struct {
		Items []models.RemoteRecord `json:"items"`
	}
	if err := g.doRequest(ctx, g.http, http.MethodGet, entityPath(t, ""), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (g *Gateway) doRequest(ctx context.Context, client *http.Client, method, path string, header http.Header, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		var rec models.RemoteRecord
		if err := json.Unmarshal(body, &rec); err != nil || rec.ID == "" {
			return &ConflictError{}
		}
		return &ConflictError{Current: &rec}
	}
	return &StatusError{Code: code, Body: msg}
}
