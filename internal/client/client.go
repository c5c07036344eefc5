// Package client talks to the hitch daemon control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/hitch/internal/interceptor"
	"github.com/strongdm/hitch/internal/session"
)

const defaultTimeout = 30 * time.Second

// Client is a control API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for the daemon at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// InterceptorInfo mirrors one entry of GET /api/interceptors.
type InterceptorInfo struct {
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Activable    bool     `json:"activable"`
	ActivePorts  []uint16 `json:"active_ports"`
	PendingPorts []uint16 `json:"pending_ports"`
}

type activateRequest struct {
	Port    int               `json:"port"`
	Options map[string]string `json:"options,omitempty"`
}

type portStatus struct {
	Active bool `json:"active"`
}

// APIError is a non-2xx control API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Health checks that the daemon answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// List returns every registered interceptor.
func (c *Client) List(ctx context.Context) ([]InterceptorInfo, error) {
	var out []InterceptorInfo
	if err := c.do(ctx, http.MethodGet, "/api/interceptors", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Activate starts or returns the session of kind for port.
func (c *Client) Activate(ctx context.Context, kind string, port uint16, opts map[string]string) (interceptor.Activation, error) {
	var act interceptor.Activation
	err := c.do(ctx, http.MethodPost, kindPath(kind)+"/activate", activateRequest{Port: int(port), Options: opts}, &act)
	return act, err
}

// IsActive reports whether kind has a confirmed session on port.
func (c *Client) IsActive(ctx context.Context, kind string, port uint16) (bool, error) {
	var st portStatus
	if err := c.do(ctx, http.MethodGet, portPath(kind, port), nil, &st); err != nil {
		return false, err
	}
	return st.Active, nil
}

// Deactivate ends the session of kind on port. Unknown ports succeed.
func (c *Client) Deactivate(ctx context.Context, kind string, port uint16) error {
	return c.do(ctx, http.MethodDelete, portPath(kind, port), nil, nil)
}

// Sessions returns every tracked session.
func (c *Client) Sessions(ctx context.Context) ([]session.Session, error) {
	var out []session.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivateAll ends every session of every interceptor.
func (c *Client) DeactivateAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/deactivate-all", nil, nil)
}

// EventsURL returns the websocket URL of the event stream.
func (c *Client) EventsURL() string {
	u := c.baseURL + "/api/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func kindPath(kind string) string {
	return "/api/interceptors/" + url.PathEscape(kind)
}

func portPath(kind string, port uint16) string {
	return kindPath(kind) + "/ports/" + strconv.Itoa(int(port))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
