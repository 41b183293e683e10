package mcpgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by calls on a closed client or a dead connection.
var ErrClosed = errors.New("mcp connection closed")

// RPCError is a JSON-RPC error returned by the remote side.
type RPCError struct {
	Method string
	models.MCPError
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s: %s (%d): %v", e.Method, e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

// ToolError is a tools/call result flagged isError by the remote side.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Text) }

// conn moves JSON-RPC messages over one transport.
type conn interface {
	call(ctx context.Context, req *models.MCPRequest) (*models.MCPResponse, error)
	notify(ctx context.Context, req *models.MCPRequest) error
	close() error
}

// ServerInfo is what the remote side announced during initialize.
type ServerInfo struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// Client is an established MCP channel to one sub-agent.
type Client struct {
	name      string
	transport models.Transport
	conn      conn

	nextID atomic.Int64
	closed atomic.Bool
	once   sync.Once

	info ServerInfo
}

var _ contracts.Channel = (*Client)(nil)

func newClient(name string, transport models.Transport, c conn) *Client {
	return &Client{name: name, transport: transport, conn: c}
}

// Name returns the sub-agent name this client was opened for.
func (c *Client) Name() string { return c.name }

// Transport returns the transport kind.
func (c *Client) Transport() models.Transport { return c.transport }

// Info returns the server info from the handshake.
func (c *Client) Info() ServerInfo { return c.info }

// Initialize performs the MCP handshake: initialize followed by the
// notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	raw, err := c.request(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "cardmate-dispatcher", "version": "1.0"},
	})
	if err != nil {
		return err
	}
	var info ServerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	c.info = info

	return c.conn.notify(ctx, &models.MCPRequest{Jsonrpc: "2.0", Method: "notifications/initialized"})
}

// ListTools returns the remote tool list.
func (c *Client) ListTools(ctx context.Context) ([]models.MCPToolInfo, error) {
	raw, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []models.MCPToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return out.Tools, nil
}

// CallTool invokes a remote tool and returns the concatenated text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	argBytes, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}
	raw, err := c.request(ctx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: argBytes})
	if err != nil {
		return "", err
	}
	var res models.MCPToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode tools/call result: %w", err)
	}
	if res.IsError {
		return "", &ToolError{Tool: name, Text: res.Text()}
	}
	return res.Text(), nil
}

// Ping checks that the remote side answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, "ping", nil)
	return err
}

// Close releases the transport. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.close()
	})
	return err
}

func (c *Client) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	req := &models.MCPRequest{Jsonrpc: "2.0", Method: method, ID: c.nextID.Add(1)}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = p
	}

	resp, err := c.conn.call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.name, method, err)
	}
	if resp.Error != nil {
		return nil, &RPCError{Method: method, MCPError: *resp.Error}
	}
	return resp.Result, nil
}

// idKey normalises a decoded JSON-RPC id to the int64 the client issued.
func idKey(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// ── Dial options ────────────────────────────────────────────

type dialOptions struct {
	retryFor       time.Duration
	requestTimeout time.Duration
	httpClient     *http.Client
}

// DialOption configures the network dialers.
type DialOption func(*dialOptions)

// WithRetryFor bounds how long the handshake is retried while the remote
// side is starting up.
func WithRetryFor(d time.Duration) DialOption {
	return func(o *dialOptions) { o.retryFor = d }
}

// WithRequestTimeout sets the per-request timeout applied when the caller's
// context has no deadline.
func WithRequestTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.requestTimeout = d }
}

// WithHTTPClient overrides the HTTP client of the http transport.
func WithHTTPClient(hc *http.Client) DialOption {
	return func(o *dialOptions) { o.httpClient = hc }
}

func applyDialOptions(opts []DialOption) dialOptions {
	o := dialOptions{retryFor: 15 * time.Second, requestTimeout: 120 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// handshake initializes c, retrying transport failures with exponential
// backoff. Errors answered by the remote side are not retried.
func handshake(ctx context.Context, c *Client, retryFor time.Duration) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(retryFor),
	)
	attempt := 0
	op := func() error {
		attempt++
		err := c.Initialize(ctx)
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Debug().Err(err).Str("agent", c.name).Int("attempt", attempt).Msg("MCP handshake retry")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("handshake with %s over %s: %w", c.name, c.transport, err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
