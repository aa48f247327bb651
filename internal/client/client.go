// Package client talks to a running meetbot server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/meetbot/internal/api"
	"github.com/user/meetbot/internal/retry"
	"github.com/user/meetbot/internal/types"
)

// kinds maps server error codes back to the shared error kinds.
var kinds = map[string]error{
	"invalid_spec":           types.ErrInvalidSpec,
	"invalid_query":          types.ErrInvalidSpec,
	"duplicate_session":      types.ErrDuplicateSession,
	"session_not_found":      types.ErrSessionNotFound,
	"handle_not_found":       types.ErrHandleNotFound,
	"transcript_unavailable": types.ErrTranscriptUnavailable,
	"runtime_unavailable":    types.ErrRuntimeUnavailable,
	"resource_exhausted":     types.ErrResourceExhausted,
	"invalid_transition":     types.ErrInvalidTransition,
	"session_active":         types.ErrSessionActive,
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Unwrap lets callers match the server's error kind with errors.Is.
func (e *APIError) Unwrap() error {
	return kinds[e.Code]
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusGatewayTimeout
}

type Client struct {
	baseURL string
	http    *http.Client
	policy  *retry.Policy
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 90s.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy replaces retry.Default().
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New returns a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
		policy:  retry.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURLFromListen turns a listen address like ":8080" into a URL the
// CLI can dial.
func BaseURLFromListen(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen
}

// RequestBot asks the server to send a bot into a meeting.
func (c *Client) RequestBot(ctx context.Context, req types.JoinRequest) (*api.BotResponse, error) {
	var out api.BotResponse
	if err := c.do(ctx, http.MethodPost, "/bots", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopBot asks the server to remove the bot from a meeting.
func (c *Client) StopBot(ctx context.Context, meetingID string) (*api.StopResponse, error) {
	var out api.StopResponse
	if err := c.do(ctx, http.MethodDelete, "/bots/"+url.PathEscape(meetingID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBot returns the session record for a meeting.
func (c *Client) GetBot(ctx context.Context, meetingID string) (*types.SessionRecord, error) {
	var out types.SessionRecord
	if err := c.do(ctx, http.MethodGet, "/bots/"+url.PathEscape(meetingID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBots returns every session, optionally filtered by status.
func (c *Client) ListBots(ctx context.Context, statuses ...types.SessionStatus) ([]*types.SessionRecord, error) {
	return c.ListBotsPage(ctx, 0, 0, statuses...)
}

// ListBotsPage returns at most limit sessions after skipping offset. A zero
// limit leaves the page size to the server.
func (c *Client) ListBotsPage(ctx context.Context, offset, limit int, statuses ...types.SessionStatus) ([]*types.SessionRecord, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, st := range statuses {
			parts[i] = string(st)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*types.SessionRecord
	if err := c.do(ctx, http.MethodGet, withQuery("/bots", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTranscript fetches the whole transcript of a meeting.
func (c *Client) GetTranscript(ctx context.Context, meetingID string) (*api.TranscriptResponse, error) {
	return c.GetTranscriptPage(ctx, meetingID, 0, 0)
}

// GetTranscriptPage fetches the utterances after seq since, at most limit of
// them when limit is positive.
func (c *Client) GetTranscriptPage(ctx context.Context, meetingID string, since int64, limit int) (*api.TranscriptResponse, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out api.TranscriptResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/transcripts/"+url.PathEscape(meetingID), q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// Health reports whether the server answers /health.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	attempt := 0
	return c.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := c.send(ctx, method, path, payload, out)
		if err != nil && attempt > 1 {
			slog.Debug("request retry failed", "method", method, "path", path, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Code = er.Code
		}
		if apiErr.retryable() {
			return apiErr
		}
		return retry.Permanent(apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
