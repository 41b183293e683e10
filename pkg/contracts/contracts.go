// Package contracts defines the service interfaces between the cardmate
// components and their external collaborators.
//
// The dispatcher, the sub-agent reasoning loops and the retrieval engine only
// depend on these interfaces, so a provider, transport or index backend can
// be swapped in the wiring code (pkg/server, cmd/cardmate) without touching
// the core.
package contracts

import (
	"context"

	"github.com/cardmate/advisor/pkg/models"
)

// ── Chat Completion ─────────────────────────────────────────

// Completer produces the next assistant message for a history.
// Implementation: internal/router.ModelRouter
type Completer interface {
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

// ProviderDriver is one concrete chat-completion backend.
// Ships: OpenAI-compatible HTTP (Gemini compat endpoint by default), Google GenAI.
type ProviderDriver interface {
	// Kind returns the provider identifier (e.g., "openai", "genai").
	Kind() string

	// Call sends a chat completion request to the provider.
	Call(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Embeddings ──────────────────────────────────────────────

// EmbeddingDriver turns text into dense vectors.
// Ships: Ollama, OpenAI-compatible, Google GenAI.
type EmbeddingDriver interface {
	Kind() string

	// Dimensions returns the vector width, 0 when unknown until first call.
	Dimensions() int

	// MaxBatchSize bounds the number of texts per Embed call.
	MaxBatchSize() int

	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	HealthCheck(ctx context.Context) error
}

// ── Vector Index ────────────────────────────────────────────

// VectorIndex holds embedded chunks and scores them against a query vector.
// Ships: internal/vectorstore.EmbeddedIndex (JSONL file), PgvectorIndex.
type VectorIndex interface {
	Kind() string

	// Load prepares the index for queries. Implementations must make it
	// safe to call repeatedly; the retrieval engine calls it at most once
	// successfully.
	Load(ctx context.Context) error

	// Search returns every chunk matching filter, scored against vector,
	// in descending score order with ties kept in insertion order. A topK
	// below 1 means no limit. Returned chunks are copies.
	Search(ctx context.Context, vector []float64, topK int, filter models.Filter) ([]models.SearchResult, error)

	// CardNames lists the distinct card_name values in insertion order.
	CardNames(ctx context.Context) ([]string, error)

	Count(ctx context.Context) (int, error)

	Close() error
}

// Retriever is the read side the sub-agents use. It never fails; retrieval
// problems degrade to an empty result.
// Implementation: internal/rag.Engine
type Retriever interface {
	Search(ctx context.Context, query string, topK int, filter models.Filter) []models.SearchResult
}

// ── Inter-agent Channel ─────────────────────────────────────

// Channel is an established connection to one sub-agent process.
// Ships: stdio subprocess, HTTP and NATS clients in internal/mcpgw.
type Channel interface {
	// ListTools returns the tools the remote side exposes.
	ListTools(ctx context.Context) ([]models.MCPToolInfo, error)

	// CallTool invokes a remote tool and returns its text payload.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)

	Close() error
}

// Router resolves a sub-agent name to its channel.
// Implementation: internal/sessions.Registry
type Router interface {
	Route(name string) (Channel, bool)
}
