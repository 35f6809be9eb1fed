package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/logging"
	"github.com/kimhsiao/judgesync/internal/models"
)

const maxErrorBody = 4096

// HTTPClient implements Client over the JSON HTTP binding.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) { h.http.Timeout = d }
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logging.Get().With(map[string]interface{}{"component": "remote_client"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

// StartSession opens a session for deviceID.
func (c *HTTPClient) StartSession(ctx context.Context, deviceID string) (string, error) {
	var resp StartSessionResponse
	if err := c.do(ctx, http.MethodPost, PathSessions, StartSessionRequest{DeviceID: deviceID}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errs.Transient("server returned an empty session id", nil)
	}
	return resp.SessionID, nil
}

// AddAction attaches an action to an open session.
func (c *HTTPClient) AddAction(ctx context.Context, sessionID string, action *models.PendingAction) (*Ack, error) {
	var ack Ack
	path := strings.Replace(PathActions, "{id}", sessionID, 1)
	if err := c.do(ctx, http.MethodPost, path, EnvelopeOf(action), &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// ProcessSession asks the server to apply every attached action.
func (c *HTTPClient) ProcessSession(ctx context.Context, sessionID string) (*SessionResult, error) {
	var res SessionResult
	path := strings.Replace(PathProcess, "{id}", sessionID, 1)
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkSynced acknowledges that the device recorded ids as synced.
func (c *HTTPClient) MarkSynced(ctx context.Context, ids []models.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, PathAck, AckRequest{ActionIDs: ids}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.ErrInternal, "failed to encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Transient("request canceled", ctx.Err())
		}
		return errs.Transient(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errs.Transient("failed to decode response", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.Transient("failed to decode response data", err)
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var env Envelope
	if json.Unmarshal(raw, &env) == nil && env.Error != "" {
		msg = env.Error
	}
	msg = fmt.Sprintf("server returned %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errs.New(errs.ErrTransientNetwork, msg)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return errs.New(errs.ErrValidation, msg)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		return errs.New(errs.ErrPermission, msg)
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.ErrNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return errs.New(errs.ErrSessionState, msg)
	default:
		return errs.New(errs.ErrInternal, msg)
	}
}
