// Package embeddings provides the embedding drivers used to vectorise card
// chunks and user queries.
// Ships: Ollama (bge-m3, the default), OpenAI-compatible, Google GenAI.
package embeddings

import (
	"context"
	"fmt"

	"github.com/cardmate/advisor/internal/config"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Open builds the embedding driver selected by cfg.
func Open(ctx context.Context, cfg config.EmbeddingConfig) (contracts.EmbeddingDriver, error) {
	var (
		driver contracts.EmbeddingDriver
		err    error
	)
	switch cfg.Provider {
	case "", "ollama":
		driver = NewOllamaDriver(cfg.Endpoint, cfg.Model, WithOllamaDimensions(cfg.Dimensions))
	case "openai":
		driver = NewOpenAIDriver(cfg.APIKey, cfg.Model,
			WithOpenAIEndpoint(cfg.Endpoint),
			WithOpenAIDimensions(cfg.Dimensions))
	case "genai":
		driver, err = NewGenAIDriver(ctx, cfg.APIKey, cfg.Model, WithGenAIDimensions(cfg.Dimensions))
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("Embedding driver ready")
	return driver, nil
}

// EmbedAll embeds texts in batches no larger than the driver allows.
func EmbedAll(ctx context.Context, driver contracts.EmbeddingDriver, texts []string) ([][]float64, error) {
	batch := driver.MaxBatchSize()
	if batch <= 0 {
		batch = 1
	}
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := driver.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
