package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

// Client is the lampd SDK client. It implements lamp.Store over HTTP, so
// the contribution flow and the reconciler run unchanged against a remote
// daemon.
type Client struct {
	endpoint string
	http     *http.Client
	dialer   *websocket.Dialer
	backoff  BackoffStrategy
	logger   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithBackoff sets the change-stream reconnect strategy.
func WithBackoff(b BackoffStrategy) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a new lampd client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: DefaultBackoff(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the daemon base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, http.StatusOK, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

func (c *Client) CreateLamp(ctx context.Context, in lamp.NewLamp) (lamp.Lamp, error) {
	var l lamp.Lamp
	if err := c.do(ctx, http.MethodPost, "/v1/lamps", in, http.StatusCreated, &l); err != nil {
		return lamp.Lamp{}, err
	}
	// The daemon never echoes the fingerprint; keep what we sent.
	l.Origin = strings.TrimSpace(in.Origin)
	l.DeviceID = strings.TrimSpace(in.DeviceID)
	return l, nil
}

func (c *Client) CreateEdge(ctx context.Context, parentID, childID string) (lamp.Edge, error) {
	var e lamp.Edge
	body := createEdgeRequest{ParentID: parentID, ChildID: childID}
	if err := c.do(ctx, http.MethodPost, "/v1/edges", body, http.StatusCreated, &e); err != nil {
		return lamp.Edge{}, err
	}
	return e, nil
}

func (c *Client) ListLamps(ctx context.Context) ([]lamp.Lamp, error) {
	lamps := []lamp.Lamp{}
	if err := c.do(ctx, http.MethodGet, "/v1/lamps", nil, http.StatusOK, &lamps); err != nil {
		return nil, err
	}
	return lamps, nil
}

func (c *Client) ListEdges(ctx context.Context) ([]lamp.Edge, error) {
	edges := []lamp.Edge{}
	if err := c.do(ctx, http.MethodGet, "/v1/edges", nil, http.StatusOK, &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

func (c *Client) HasOrigin(ctx context.Context, origin string) (bool, error) {
	var resp originResponse
	if err := c.do(ctx, http.MethodGet, "/v1/origins/"+url.PathEscape(origin), nil, http.StatusOK, &resp); err != nil {
		return false, err
	}
	return resp.Contributed, nil
}

func (c *Client) LookupLamp(ctx context.Context, id, token string) (lamp.Lamp, error) {
	var ref lamp.ParentRef
	body := resolveRequest{LampID: id, Token: token}
	if err := c.do(ctx, http.MethodPost, "/v1/invites/resolve", body, http.StatusOK, &ref); err != nil {
		return lamp.Lamp{}, err
	}
	return lamp.Lamp{ID: ref.ID, Coordinates: ref.Coordinates}, nil
}

func (c *Client) CountLamps(ctx context.Context) (int, error) {
	var resp countResponse
	if err := c.do(ctx, http.MethodGet, "/v1/lamps/count", nil, http.StatusOK, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// do sends a JSON request and decodes a JSON response. Transport failures
// and 5xx map to lamp.ErrStoreUnavailable; the caller fails closed.
func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return lamp.Unavailable(fmt.Errorf("daemon unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return lamp.Unavailable(fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// decodeError maps a daemon error response back to the lamp sentinels.
func decodeError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)

	switch resp.StatusCode {
	case http.StatusBadRequest:
		field := eb.Field
		if field == "" {
			field = "request"
		}
		reason := eb.Reason
		if reason == "" {
			reason = eb.Error
		}
		return &lamp.ValidationError{Field: field, Reason: reason}
	case http.StatusNotFound:
		return lamp.ErrNotFound
	case http.StatusConflict:
		return lamp.ErrDuplicateOrigin
	case http.StatusTooManyRequests:
		return lamp.Unavailable(ErrRateLimited)
	}

	if eb.Error != "" {
		return lamp.Unavailable(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, eb.Error))
	}
	return lamp.Unavailable(fmt.Errorf("unexpected status %d", resp.StatusCode))
}

var _ lamp.Store = (*Client)(nil)
