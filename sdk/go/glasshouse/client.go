package glasshouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glasshouse-dev/glasshouse/internal/model"
)

// Config holds the settings needed to construct an agent Client.
type Config struct {
	// BaseURL is the root URL of the Glasshouse server
	// (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies this agent for authentication.
	AgentID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is the agent-side HTTP client: it registers sessions, drives their
// lifecycle, and appends activity events. All methods are safe for
// concurrent use.
type Client struct {
	baseURL  string
	agentID  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, AgentID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("glasshouse: BaseURL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("glasshouse: AgentID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("glasshouse: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		agentID:  cfg.AgentID,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.AgentID, cfg.APIKey, httpClient),
	}, nil
}

// CreateSession registers a new streaming session in "starting" status.
func (c *Client) CreateSession(ctx context.Context, title string) (*model.Session, error) {
	var resp model.Session
	if err := c.post(ctx, "/v1/sessions", model.CreateSessionRequest{Title: title}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateSessionStatus transitions a session's lifecycle status
// (live, paused, ended, error).
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) (*model.Session, error) {
	var resp model.Session
	path := "/v1/sessions/" + sessionID.String() + "/status"
	if err := c.post(ctx, path, model.UpdateSessionStatusRequest{Status: status}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendEvents appends one or more events to a session. The returned events
// carry the server-assigned sequence numbers and timestamps; a shorter slice
// than was sent means the append failed partway and the remainder should be
// retried.
func (c *Client) AppendEvents(ctx context.Context, sessionID uuid.UUID, events []model.EventInput) ([]model.Event, error) {
	var resp model.AppendEventsResponse
	path := "/v1/sessions/" + sessionID.String() + "/events"
	if err := c.post(ctx, path, model.AppendEventsRequest{Events: events}, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetSession retrieves session metadata.
func (c *Client) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.Session, error) {
	var resp model.Session
	if err := c.get(ctx, "/v1/sessions/"+sessionID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health. Works without valid credentials.
func (c *Client) Health(ctx context.Context) (*model.HealthResponse, error) {
	var resp model.HealthResponse
	if err := getJSON(ctx, c.client, c.baseURL+"/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("glasshouse: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("glasshouse: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("glasshouse: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("glasshouse: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

// getJSON performs an unauthenticated GET.
func getJSON(ctx context.Context, client *http.Client, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("glasshouse: create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("glasshouse: GET %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("glasshouse: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("glasshouse: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
