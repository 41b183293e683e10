// Package sessions provides the registry of established sub-agent
// channels the dispatcher routes tool calls through.
//
// The registry is filled once at startup by ConnectAll and is read-only
// afterwards: lookups load an immutable map and never take a lock.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/internal/mcpgw"
	"github.com/cardmate/advisor/internal/process"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownTransport is returned for a spec naming no registered dialer.
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrSealed is returned by Connect after ConnectAll has completed.
	ErrSealed = errors.New("session registry is sealed")
)

// Session is one established sub-agent channel.
type Session struct {
	contracts.Channel

	Name        string
	Transport   models.Transport
	Tool        models.MCPToolInfo
	ConnectedAt time.Time
}

// Dialer opens a channel for one agent spec.
type Dialer func(ctx context.Context, spec config.AgentSpec) (contracts.Channel, error)

// Registry maps sub-agent names to their sessions.
type Registry struct {
	sessions atomic.Pointer[map[string]*Session]
	order    atomic.Pointer[[]string]
	sealed   atomic.Bool

	mu             sync.Mutex // serialises writers before sealing
	dialers        map[models.Transport]Dialer
	procs          *process.Manager
	dialOpts       []mcpgw.DialOption
	natsURL        string
	connectTimeout time.Duration
}

var _ contracts.Router = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithDialer registers or replaces the dialer for a transport.
func WithDialer(t models.Transport, d Dialer) Option {
	return func(r *Registry) { r.dialers[t] = d }
}

// WithProcessManager sets the manager stdio subprocesses are spawned by.
func WithProcessManager(m *process.Manager) Option {
	return func(r *Registry) { r.procs = m }
}

// WithNATSURL sets the server the nats transport connects to.
func WithNATSURL(url string) Option {
	return func(r *Registry) { r.natsURL = url }
}

// WithDialOptions passes options to the network transports.
func WithDialOptions(opts ...mcpgw.DialOption) Option {
	return func(r *Registry) { r.dialOpts = append(r.dialOpts, opts...) }
}

// WithConnectTimeout bounds each Connect, handshake included.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Registry) { r.connectTimeout = d }
}

// NewRegistry creates an empty registry with the stdio, http and nats
// dialers installed.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		dialers:        make(map[models.Transport]Dialer),
		natsURL:        "nats://127.0.0.1:4222",
		connectTimeout: 30 * time.Second,
	}
	r.dialers[models.TransportStdio] = r.dialStdio
	r.dialers[models.TransportHTTP] = r.dialHTTP
	r.dialers[models.TransportNATS] = r.dialNATS
	for _, o := range opts {
		o(r)
	}
	if r.procs == nil {
		r.procs = process.NewManager()
	}
	empty := map[string]*Session{}
	r.sessions.Store(&empty)
	r.order.Store(&[]string{})
	return r
}

// Processes returns the manager owning stdio subprocesses.
func (r *Registry) Processes() *process.Manager { return r.procs }

// Connect dials one agent, performs the handshake and checks that the agent
// exposes a tool named after itself.
func (r *Registry) Connect(ctx context.Context, spec config.AgentSpec) (*Session, error) {
	if r.sealed.Load() {
		return nil, ErrSealed
	}
	s, err := r.open(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := r.add(s); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (r *Registry) open(ctx context.Context, spec config.AgentSpec) (*Session, error) {
	transport := models.Transport(spec.Transport)
	dial, ok := r.dialers[transport]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w %q", spec.Name, ErrUnknownTransport, spec.Transport)
	}

	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	start := time.Now()
	ch, err := dial(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("connect %s over %s: %w", spec.Name, transport, err)
	}

	tools, err := ch.ListTools(ctx)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("list tools of %s: %w", spec.Name, err)
	}
	var (
		tool  models.MCPToolInfo
		found bool
	)
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
		if t.Name == spec.Name {
			tool, found = t, true
		}
	}
	if !found {
		_ = ch.Close()
		return nil, fmt.Errorf("agent %s does not expose a tool named after itself (has: %s)",
			spec.Name, strings.Join(names, ", "))
	}

	log.Info().
		Str("agent", spec.Name).
		Str("transport", string(transport)).
		Dur("latency", time.Since(start)).
		Msg("🔗 Sub-agent connected")

	return &Session{
		Channel:     ch,
		Name:        spec.Name,
		Transport:   transport,
		Tool:        tool,
		ConnectedAt: time.Now().UTC(),
	}, nil
}

// add publishes s in a copy of the session map.
func (r *Registry) add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.sessions.Load()
	if _, dup := cur[s.Name]; dup {
		return fmt.Errorf("agent %s is already connected", s.Name)
	}
	next := make(map[string]*Session, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[s.Name] = s
	order := append(append([]string(nil), *r.order.Load()...), s.Name)

	r.sessions.Store(&next)
	r.order.Store(&order)
	return nil
}

// ConnectAll connects every spec concurrently and seals the registry. Any
// failure closes whatever was opened and is returned; callers treat it as
// fatal.
func (r *Registry) ConnectAll(ctx context.Context, specs []config.AgentSpec) error {
	if r.sealed.Load() {
		return ErrSealed
	}

	before, beforeOrder := r.sessions.Load(), r.order.Load()
	opened := make([]*Session, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			s, err := r.open(gctx, spec)
			if err != nil {
				return err
			}
			opened[i] = s
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		for _, s := range opened {
			if err = r.add(s); err != nil {
				break
			}
		}
	}
	if err != nil {
		for _, s := range opened {
			if s != nil {
				_ = s.Close()
			}
		}
		r.sessions.Store(before)
		r.order.Store(beforeOrder)
		return err
	}

	r.sealed.Store(true)
	log.Info().Int("agents", len(specs)).Msg("✅ All sub-agents connected")
	return nil
}

// Route resolves an agent name to its channel by exact match.
func (r *Registry) Route(name string) (contracts.Channel, bool) {
	s, ok := r.Session(name)
	if !ok {
		return nil, false
	}
	return s, true
}

// Session returns the session registered under name.
func (r *Registry) Session(name string) (*Session, bool) {
	s, ok := (*r.sessions.Load())[name]
	return s, ok
}

// Names returns the connected agent names in connection order.
func (r *Registry) Names() []string {
	return append([]string(nil), *r.order.Load()...)
}

// Info describes every connected agent, in connection order.
func (r *Registry) Info() []models.AgentInfo {
	sessions := *r.sessions.Load()
	out := make([]models.AgentInfo, 0, len(sessions))
	for _, name := range *r.order.Load() {
		s := sessions[name]
		out = append(out, models.AgentInfo{
			Name:        s.Name,
			Transport:   s.Transport,
			Description: s.Tool.Description,
			InputSchema: s.Tool.InputSchema,
			ConnectedAt: s.ConnectedAt,
		})
	}
	return out
}

// Close tears down every channel and stops the subprocesses.
func (r *Registry) Close() error {
	var firstErr error
	for _, s := range *r.sessions.Load() {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", s.Name, err)
		}
	}
	if err := r.procs.StopAll(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ── Dialers ─────────────────────────────────────────────────

func (r *Registry) dialStdio(ctx context.Context, spec config.AgentSpec) (contracts.Channel, error) {
	p, err := r.procs.Start(ctx, process.Spec{
		Name:    spec.Name,
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
	})
	if err != nil {
		return nil, err
	}
	stop := func() error { return p.Stop(context.Background()) }

	c, err := mcpgw.NewStdioClient(ctx, spec.Name, p.Stdout, p.Stdin, stop)
	if err != nil {
		if tail := p.Logs().Recent(5); len(tail) > 0 {
			lines := make([]string, len(tail))
			for i, e := range tail {
				lines[i] = e.Line
			}
			err = fmt.Errorf("%w; stderr: %s", err, strings.Join(lines, " | "))
		}
		return nil, err
	}
	return c, nil
}

func (r *Registry) dialHTTP(ctx context.Context, spec config.AgentSpec) (contracts.Channel, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("http transport needs a url")
	}
	c, err := mcpgw.DialHTTP(ctx, spec.Name, spec.URL, r.dialOpts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Registry) dialNATS(ctx context.Context, spec config.AgentSpec) (contracts.Channel, error) {
	url := spec.URL
	if url == "" {
		url = r.natsURL
	}
	c, err := mcpgw.DialNATS(ctx, spec.Name, url, spec.Subject, r.dialOpts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}
