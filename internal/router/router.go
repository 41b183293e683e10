// Package router implements the cardmate model router.
//
// The router holds an ordered list of chat-completion drivers, sends each
// request to the first healthy one, falls over to the next on error, and
// keeps per-provider latency and token usage.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
)

// ModelRouter routes completion requests to configured providers.
type ModelRouter struct {
	drivers []contracts.ProviderDriver

	// Latency tracking: provider kind → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64

	usageMu sync.Mutex
	usage   map[string]*models.TokenUsage
}

// NewModelRouter creates a router over drivers, in fallback order.
func NewModelRouter(drivers ...contracts.ProviderDriver) *ModelRouter {
	return &ModelRouter{
		drivers:   drivers,
		latencies: make(map[string]int64),
		usage:     make(map[string]*models.TokenUsage),
	}
}

// Open builds the drivers named in cfg.Providers.
func Open(ctx context.Context, cfg config.LLMConfig) (*ModelRouter, error) {
	var drivers []contracts.ProviderDriver
	for _, kind := range cfg.Providers {
		switch kind {
		case "openai":
			drivers = append(drivers, NewOpenAIDriver(cfg.BaseURL, cfg.APIKey, cfg.Model,
				WithTemperature(cfg.Temperature),
				WithTimeout(cfg.Timeout)))
		case "genai":
			d, err := NewGenAIDriver(ctx, cfg.APIKey, cfg.Model, WithGenAITemperature(cfg.Temperature))
			if err != nil {
				return nil, err
			}
			drivers = append(drivers, d)
		default:
			return nil, fmt.Errorf("unknown LLM provider %q", kind)
		}
	}
	if len(drivers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, d := range drivers {
		log.Info().Str("provider", d.Kind()).Str("model", cfg.Model).Msg("LLM provider registered")
	}
	return NewModelRouter(drivers...), nil
}

// Complete sends req to each provider in order until one succeeds.
func (mr *ModelRouter) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	if len(mr.drivers) == 0 {
		return nil, fmt.Errorf("no model providers configured")
	}

	var lastErr error
	for _, d := range mr.drivers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := mr.callProvider(ctx, d, req)
		if err != nil {
			log.Warn().
				Str("provider", d.Kind()).
				Err(err).
				Msg("Provider call failed, trying next")
			lastErr = err
			continue
		}
		mr.trackUsage(resp)
		return resp, nil
	}
	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

func (mr *ModelRouter) callProvider(ctx context.Context, d contracts.ProviderDriver, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	start := time.Now()
	resp, err := d.Call(ctx, req)
	if err != nil {
		return nil, err
	}

	latencyMs := time.Since(start).Milliseconds()
	resp.LatencyMs = latencyMs
	if resp.Provider == "" {
		resp.Provider = d.Kind()
	}

	mr.latencyMu.Lock()
	prev := mr.latencies[d.Kind()]
	if prev == 0 {
		mr.latencies[d.Kind()] = latencyMs
	} else {
		// Exponential moving average
		mr.latencies[d.Kind()] = (prev*7 + latencyMs*3) / 10
	}
	mr.latencyMu.Unlock()

	return resp, nil
}

// ── Usage Tracking ──────────────────────────────────────────

func (mr *ModelRouter) trackUsage(resp *models.CompletionResponse) {
	mr.usageMu.Lock()
	defer mr.usageMu.Unlock()
	u, ok := mr.usage[resp.Provider]
	if !ok {
		u = &models.TokenUsage{}
		mr.usage[resp.Provider] = u
	}
	u.Add(resp.Usage)
}

// Usage returns accumulated token usage per provider.
func (mr *ModelRouter) Usage() map[string]models.TokenUsage {
	mr.usageMu.Lock()
	defer mr.usageMu.Unlock()
	out := make(map[string]models.TokenUsage, len(mr.usage))
	for k, v := range mr.usage {
		out[k] = *v
	}
	return out
}

// Latency returns the rolling average latency of a provider in ms.
func (mr *ModelRouter) Latency(kind string) int64 {
	mr.latencyMu.RLock()
	defer mr.latencyMu.RUnlock()
	return mr.latencies[kind]
}

// HealthCheck pings all configured providers and returns their status.
func (mr *ModelRouter) HealthCheck(ctx context.Context) map[string]string {
	out := make(map[string]string, len(mr.drivers))
	for _, d := range mr.drivers {
		if err := d.HealthCheck(ctx); err != nil {
			out[d.Kind()] = err.Error()
			continue
		}
		out[d.Kind()] = "ok"
	}
	return out
}
