package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix roots the request subjects of every sub-agent.
const SubjectPrefix = "cardmate.agents."

// Subject returns the request subject a sub-agent listens on.
func Subject(name string) string { return SubjectPrefix + name }

// ServeNATS answers requests on subject using a queue group, so several
// replicas of one sub-agent share the load. It blocks until ctx is
// cancelled, then drains the subscription.
func ServeNATS(ctx context.Context, nc *nats.Conn, subject string, gw *Gateway) error {
	if subject == "" {
		subject = Subject(gw.Name())
	}

	var (
		mu      sync.Mutex
		stopped bool
		wg      sync.WaitGroup
	)
	sub, err := nc.QueueSubscribe(subject, gw.Name(), func(msg *nats.Msg) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		wg.Add(1)
		mu.Unlock()
		go func() {
			defer wg.Done()
			out := gw.handleRaw(ctx, msg.Data)
			if out == nil || msg.Reply == "" {
				return
			}
			if err := msg.Respond(out); err != nil {
				log.Warn().Err(err).Str("subject", subject).Msg("NATS respond failed")
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	log.Info().Str("agent", gw.Name()).Str("subject", subject).Msg("📡 MCP NATS responder ready")

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("NATS drain failed")
	}
	mu.Lock()
	stopped = true
	mu.Unlock()
	wg.Wait()
	return nil
}

// ── Client side ─────────────────────────────────────────────

type natsConn struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	owned   bool
}

func (c *natsConn) call(ctx context.Context, req *models.MCPRequest) (*models.MCPResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return nil, err
	}
	var resp models.MCPResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (c *natsConn) notify(_ context.Context, req *models.MCPRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return c.nc.Publish(c.subject, data)
}

func (c *natsConn) close() error {
	if c.owned {
		c.nc.Close()
	}
	return nil
}

// DialNATS connects to natsURL and opens a client for the sub-agent
// listening on subject (Subject(name) when empty). The handshake is
// retried while no responder is subscribed yet.
func DialNATS(ctx context.Context, name, natsURL, subject string, opts ...DialOption) (*Client, error) {
	nc, err := nats.Connect(natsURL, nats.Name("cardmate-dispatcher/"+name))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}
	return newNATSClient(ctx, name, nc, subject, true, opts)
}

// NewNATSClient opens a client on an existing connection. Closing the
// client leaves nc open.
func NewNATSClient(ctx context.Context, name string, nc *nats.Conn, subject string, opts ...DialOption) (*Client, error) {
	return newNATSClient(ctx, name, nc, subject, false, opts)
}

func newNATSClient(ctx context.Context, name string, nc *nats.Conn, subject string, owned bool, opts []DialOption) (*Client, error) {
	o := applyDialOptions(opts)
	if subject == "" {
		subject = Subject(name)
	}
	c := newClient(name, models.TransportNATS, &natsConn{nc: nc, subject: subject, timeout: o.requestTimeout, owned: owned})
	if err := handshake(ctx, c, o.retryFor); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
