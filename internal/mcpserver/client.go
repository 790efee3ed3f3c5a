package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the honeypot service.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Shared API key sent as X-API-Key (optional in development)
}

// LureClient is a pure HTTP client for the honeypot API.
type LureClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewLureClient creates a new client for the honeypot service.
func NewLureClient(cfg Config) *LureClient {
	return &LureClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *LureClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Message != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
			}
			if apiErr.Error != "" {
				return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
			}
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// SubmitMessage feeds an inbound message into a session and returns the
// honeypot's reply and detection state.
func (c *LureClient) SubmitMessage(ctx context.Context, sessionID, sender, text string) (json.RawMessage, error) {
	body := map[string]any{
		"sessionId": sessionID,
		"message": map[string]string{
			"sender": sender,
			"text":   text,
		},
	}
	return c.doRequest(ctx, http.MethodPost, "/api/honeypot", nil, body)
}

// GetSession returns the full transcript and state of a session.
func (c *LureClient) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/honeypot/session/"+url.PathEscape(sessionID), nil, nil)
}

// ListSessions returns summaries of all sessions.
func (c *LureClient) ListSessions(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/honeypot/sessions", nil, nil)
}

// FinalizeSession triggers report dispatch for a session.
func (c *LureClient) FinalizeSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	return c.doRequest(ctx, http.MethodPost, "/api/honeypot/finalize", q, nil)
}
