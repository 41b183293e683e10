// Package server provides the public entry points that assemble cardmate:
// the dispatcher runtime (LLM router, retrieval engine, sub-agent sessions),
// the HTTP API on top of it, and the gateway a sub-agent process serves.
//
// Usage (HTTP):
//
//	srv, err := server.New(ctx, cfg)
//	defer srv.Close(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// Usage (terminal chat):
//
//	rt, err := server.Start(ctx, cfg)
//	defer rt.Close(ctx)
//	reply := rt.Dispatcher.HandleTurn(ctx, text, history)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cardmate/advisor/internal/agents"
	"github.com/cardmate/advisor/internal/api"
	"github.com/cardmate/advisor/internal/api/handlers"
	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/internal/dispatcher"
	"github.com/cardmate/advisor/internal/embeddings"
	"github.com/cardmate/advisor/internal/guardrails"
	"github.com/cardmate/advisor/internal/mcpgw"
	"github.com/cardmate/advisor/internal/process"
	"github.com/cardmate/advisor/internal/rag"
	modelrouter "github.com/cardmate/advisor/internal/router"
	"github.com/cardmate/advisor/internal/sessions"
	"github.com/cardmate/advisor/internal/store"
	"github.com/cardmate/advisor/internal/telemetry"
	"github.com/cardmate/advisor/internal/vectorstore"
	"github.com/cardmate/advisor/pkg/models"

	"github.com/rs/zerolog/log"
)

// Runtime is the dispatcher side of cardmate without any outer surface.
type Runtime struct {
	Config     *config.Config
	Models     *modelrouter.ModelRouter
	Engine     *rag.Engine
	Registry   *sessions.Registry
	Dispatcher *dispatcher.Dispatcher

	shutdown telemetry.ShutdownFunc
}

// Start initialises telemetry and the model router, opens the retrieval
// engine, connects every configured sub-agent and builds the dispatcher.
// A sub-agent that cannot be connected fails the whole start.
func Start(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version, "dispatcher")
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt := &Runtime{Config: cfg, shutdown: shutdown}

	if rt.Models, err = modelrouter.Open(ctx, cfg.LLM); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("init model router: %w", err)
	}
	log.Info().Msg("✅ Model Router initialized")

	if rt.Engine, err = OpenEngine(ctx, cfg); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	log.Info().Str("index", cfg.Index.Kind).Msg("✅ Retrieval engine initialized")

	rt.Registry = sessions.NewRegistry(
		sessions.WithProcessManager(process.NewManager()),
		sessions.WithNATSURL(cfg.NATS.URL),
		sessions.WithDialOptions(mcpgw.WithRequestTimeout(cfg.NATS.RequestTimeout)),
	)
	if err := rt.Registry.ConnectAll(ctx, cfg.Agents); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("connect sub-agents: %w", err)
	}

	rt.Dispatcher = dispatcher.New(rt.Models, rt.Registry,
		dispatcher.WithMaxRounds(cfg.Reasoning.MaxRounds),
		dispatcher.WithDescriptors(advertised(rt.Registry.Names())),
	)
	log.Info().Strs("agents", rt.Registry.Names()).Msg("✅ Dispatcher initialized")
	return rt, nil
}

// advertised returns the descriptors of the connected agents, in connection
// order. Agents with no known descriptor cannot be offered to the model.
func advertised(names []string) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(names))
	for _, name := range names {
		d, ok := agents.Descriptor(name)
		if !ok {
			log.Warn().Str("agent", name).Msg("Connected agent has no descriptor, not advertised")
			continue
		}
		out = append(out, d)
	}
	return out
}

// Close stops the sub-agents, releases the index and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.Registry != nil {
		keep(rt.Registry.Close())
	}
	if rt.Engine != nil {
		keep(rt.Engine.Close())
	}
	if rt.shutdown != nil {
		keep(rt.shutdown(ctx))
	}
	return firstErr
}

// OpenEngine builds the retrieval engine selected by cfg. The index is
// loaded lazily on first search.
func OpenEngine(ctx context.Context, cfg *config.Config) (*rag.Engine, error) {
	emb, err := embeddings.Open(ctx, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("init embeddings: %w", err)
	}
	index, err := vectorstore.Open(cfg.Index, emb.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return rag.NewEngine(emb, index), nil
}

// Server is the HTTP API over a Runtime.
type Server struct {
	*Runtime

	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store keeps conversations between turns.
	Store store.Store

	// Port is the port the server should listen on.
	Port int
}

// New starts a Runtime and builds the HTTP API around it.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	rt, err := Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithRuntime(cfg, rt), nil
}

// NewWithRuntime builds the HTTP API around an existing runtime.
func NewWithRuntime(cfg *config.Config, rt *Runtime) *Server {
	dataStore := store.NewMemoryStore()
	log.Info().Msg("✅ In-memory conversation store initialized")

	h := handlers.New(dataStore, rt.Dispatcher, rt.Registry)
	h.Processes = rt.Registry.Processes()
	h.Search = rt.Engine
	h.Models = rt.Models
	h.TurnTimeout = cfg.Turn
	h.Guard = guardrails.FromConfig(cfg.Guard)

	return &Server{
		Runtime: rt,
		Handler: api.NewRouter(cfg, h),
		Store:   dataStore,
		Port:    cfg.Port,
	}
}

// Close shuts the store and the runtime down.
func (s *Server) Close(ctx context.Context) error {
	s.Store.Close()
	return s.Runtime.Close(ctx)
}
