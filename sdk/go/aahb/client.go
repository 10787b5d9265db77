// Package aahb is a Go client for the AAHB message bus HTTP ingress.
package aahb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"AAHB-Assistant/internal/mcp"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the bus REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Receipt is returned when the bus accepts an envelope.
type Receipt struct {
	MessageID string `json:"message_id"`
	ContextID string `json:"context_id"`
}

// History is the envelope history of one conversation.
type History struct {
	ContextID string
	State     string
	Archived  bool
	Envelopes []mcp.Envelope
}

// Health reports the orchestrator state.
type Health struct {
	State        string   `json:"state"`
	Pending      int      `json:"pending"`
	Destinations []string `json:"destinations"`
}

// APIError represents a non-2xx answer from the bus.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("aahb api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aahb api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the bus API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit posts an envelope to the bus.
func (c *Client) Submit(ctx context.Context, env mcp.Envelope) (Receipt, error) {
	body, err := mcp.Encode(env)
	if err != nil {
		return Receipt{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/messages", nil, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var receipt Receipt
	if err := c.do(req, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Send builds a request envelope and submits it.
func (c *Client) Send(ctx context.Context, source, destination, contextID string, payload mcp.Payload) (Receipt, error) {
	env, err := mcp.New(source, destination, contextID, payload)
	if err != nil {
		return Receipt{}, err
	}
	return c.Submit(ctx, env)
}

// Context fetches the history of a conversation. A positive limit keeps only
// the most recent envelopes.
func (c *Client) Context(ctx context.Context, contextID string, limit int) (History, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/contexts/"+contextID, query, nil)
	if err != nil {
		return History{}, err
	}

	var raw struct {
		ContextID string            `json:"context_id"`
		State     string            `json:"state"`
		Archived  bool              `json:"archived"`
		History   []json.RawMessage `json:"history"`
	}
	if err := c.do(req, &raw); err != nil {
		return History{}, err
	}
	out := History{ContextID: raw.ContextID, State: raw.State, Archived: raw.Archived}
	out.Envelopes = make([]mcp.Envelope, 0, len(raw.History))
	for _, item := range raw.History {
		env, err := mcp.Decode(item)
		if err != nil {
			return History{}, err
		}
		out.Envelopes = append(out.Envelopes, env)
	}
	return out, nil
}

// Health queries /healthz. A stopped or idle bus answers with an APIError
// carrying status 503 together with the decoded Health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return Health{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return health, &APIError{StatusCode: resp.StatusCode, Message: "bus is " + health.State}
	}
	return health, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
