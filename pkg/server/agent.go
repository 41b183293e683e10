package server

import (
	"context"
	"fmt"
	"io"

	"github.com/cardmate/advisor/internal/agents"
	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/internal/mcpgw"
	modelrouter "github.com/cardmate/advisor/internal/router"
	"github.com/cardmate/advisor/internal/telemetry"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Agent is one sub-agent assembled for serving.
type Agent struct {
	Name    string
	Tool    executor.Tool
	Tools   *executor.Toolbox
	Gateway *mcpgw.Gateway

	closers []func(context.Context) error
}

// NewAgent builds the named sub-agent with its own model router and
// retrieval engine.
func NewAgent(ctx context.Context, cfg *config.Config, name string) (*Agent, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version, name)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a := &Agent{Name: name, closers: []func(context.Context) error{shutdown}}

	mr, err := modelrouter.Open(ctx, cfg.LLM)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init model router: %w", err)
	}
	engine, err := OpenEngine(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return engine.Close() })

	a.Tool, err = agents.Build(name, agents.Deps{
		Completer:          mr,
		Retriever:          engine,
		Cards:              engine,
		MaxRounds:          cfg.Reasoning.MaxRounds,
		TopK:               cfg.Reasoning.TopK,
		EligibilityWorkers: cfg.Reasoning.EligibilityWorkers,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if a.Tools, err = executor.NewToolbox(a.Tool); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Gateway = mcpgw.NewGateway(name, cfg.Version, a.Tools)
	return a, nil
}

// Serve exposes the agent over transport until ctx is cancelled or, for
// stdio, until the parent closes stdin.
func (a *Agent) Serve(ctx context.Context, cfg *config.Config, transport string, addr string, stdin io.Reader, stdout io.Writer) error {
	log.Info().Str("agent", a.Name).Str("transport", transport).Msg("🃏 Sub-agent serving")

	switch transport {
	case "stdio":
		return mcpgw.ServeStdio(ctx, a.Gateway, stdin, stdout)
	case "http":
		return mcpgw.ServeHTTP(ctx, addr, a.Gateway)
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("cardmate-agent/"+a.Name))
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		subject := ""
		if spec, ok := cfg.Agent(a.Name); ok {
			subject = spec.Subject
		}
		return mcpgw.ServeNATS(ctx, nc, subject, a.Gateway)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

// Close releases everything NewAgent opened.
func (a *Agent) Close(ctx context.Context) error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
