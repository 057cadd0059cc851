package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"chatview/internal/types"
)

const defaultBaseURL = "http://127.0.0.1:8900"

// Client talks to the chat gateway over its JSON HTTP API. It is the
// concrete transport behind the sync engine's RemoteChannel.
type Client struct {
	baseURL   string
	tokenPath string
	token     string
	http      *http.Client
}

func New(baseURL, tokenPath string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:   baseURL,
		tokenPath: tokenPath,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	_ = c.loadToken()
	return c
}

func NewWithToken(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh asks the gateway to pull the latest log data for a session into
// its own cache. Best-effort: the response carries no data.
func (c *Client) Refresh(ctx context.Context, sessionKey string, limit int) error {
	path := "/v1/sessions/" + url.PathEscape(sessionKey) + "/refresh"
	body := refreshRequest{Limit: limit}
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// QueryDelta is the sole read path for session messages. With AfterTS set
// it returns items at or after that timestamp (overlap-tolerant; callers
// dedupe). With BeforeID set it returns items strictly older than that id.
func (c *Client) QueryDelta(ctx context.Context, sessionKey string, q DeltaQuery) (*DeltaResult, error) {
	values := url.Values{}
	if q.AfterTS != "" {
		values.Set("after_ts", q.AfterTS)
	}
	if q.BeforeID != "" {
		values.Set("before_id", q.BeforeID)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/v1/sessions/" + url.PathEscape(sessionKey) + "/messages"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp deltaResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &DeltaResult{Items: resp.Items, HasOlder: resp.HasOlder}, nil
}

// Append persists one message to a session log and returns the stored
// copy when the gateway echoes it (id and server timestamp assigned).
// Backends that respond with an empty body yield a nil message. The
// gateway does not guarantee idempotency, so callers must not blindly
// retry.
func (c *Client) Append(ctx context.Context, sessionKey string, role types.MessageRole, text string) (*types.Message, error) {
	path := "/v1/sessions/" + url.PathEscape(sessionKey) + "/messages"
	body := appendRequest{Role: string(role), Text: text}
	var msg types.Message
	if err := c.doJSON(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" && msg.TS == "" {
		return nil, nil
	}
	return &msg, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]*types.Session, error) {
	var resp sessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, label string) (*types.Session, error) {
	var session types.Session
	body := createSessionRequest{Label: strings.TrimSpace(label)}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", body, &session); err != nil {
		return nil, err
	}
	if session.Key == "" {
		return nil, errors.New("gateway returned a session without a key")
	}
	return &session, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(c.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			// 204-style empty body; the caller's zero value stands.
			return nil
		}
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) loadToken() error {
	if c.tokenPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.token = ""
			return nil
		}
		return err
	}
	c.token = strings.TrimSpace(string(data))
	return nil
}

func decodeAPIError(resp *http.Response) error {
	type errorPayload struct {
		Error string `json:"error"`
	}
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("gateway error (%d): %s", e.StatusCode, e.Message)
}

func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
