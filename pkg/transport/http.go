package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relves/kerilog/pkg/types"
)

// ErrRejected is returned when an endpoint answers with a client error.
var ErrRejected = errors.New("rejected by endpoint")

// Routes served by a node.
const (
	PathProcess = "/process"
	PathQuery   = "/query"
	PathOOBI    = "/oobi"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Client  *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPClient is a Network speaking JSON over HTTP.
type HTTPClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPClient{client: cfg.Client, logger: cfg.Logger}
}

// Send implements Network.
func (c *HTTPClient) Send(ctx context.Context, loc types.LocationScheme, msgs ...types.Message) error {
	if err := c.do(ctx, loc, "send", http.MethodPost, PathProcess, msgs, nil); err != nil {
		return err
	}
	c.logger.Debug("sent messages", "peer", loc.EID, "url", loc.URL, "count", len(msgs))
	return nil
}

// Poll implements Network.
func (c *HTTPClient) Poll(ctx context.Context, loc types.LocationScheme, q types.SignedQuery) ([]types.Envelope, error) {
	var envs []types.Envelope
	if err := c.do(ctx, loc, "poll", http.MethodPost, PathQuery, q, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// Introduce implements Network.
func (c *HTTPClient) Introduce(ctx context.Context, loc types.LocationScheme, role types.Role) (types.OOBIRecord, error) {
	var rec types.OOBIRecord
	path := PathOOBI + "/" + url.PathEscape(loc.EID) + "/" + url.PathEscape(string(role))
	if err := c.do(ctx, loc, "introduce", http.MethodGet, path, nil, &rec); err != nil {
		return types.OOBIRecord{}, err
	}
	return rec, nil
}

func (c *HTTPClient) do(ctx context.Context, loc types.LocationScheme, op, method, path string, in, out any) error {
	wrap := func(err error) error {
		return &PeerError{Peer: loc.EID, Op: op, Err: err}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return wrap(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(loc.URL, "/")+path, body)
	if err != nil {
		return wrap(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return wrap(fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return wrap(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
		}
		return wrap(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return wrap(fmt.Errorf("%w: decode response: %v", types.ErrMalformed, err))
	}
	return nil
}
