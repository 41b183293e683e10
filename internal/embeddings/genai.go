package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultGenAIModel is Google's general-purpose embedding model.
const DefaultGenAIModel = "gemini-embedding-001"

// GenAIDriver implements EmbeddingDriver on the Google Gen AI SDK.
type GenAIDriver struct {
	client     *genai.Client
	model      string
	taskType   string
	dimensions int
	batchSize  int
}

// GenAIOption configures the GenAI driver.
type GenAIOption func(*GenAIDriver)

// WithGenAITaskType sets the embedding task type (e.g. RETRIEVAL_QUERY).
func WithGenAITaskType(taskType string) GenAIOption {
	return func(d *GenAIDriver) { d.taskType = taskType }
}

// WithGenAIDimensions requests a reduced output dimensionality.
func WithGenAIDimensions(dims int) GenAIOption {
	return func(d *GenAIDriver) {
		if dims > 0 {
			d.dimensions = dims
		}
	}
}

// NewGenAIDriver creates a Gemini API embedding driver.
func NewGenAIDriver(ctx context.Context, apiKey, model string, opts ...GenAIOption) (*GenAIDriver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai embeddings: API key is required")
	}
	if model == "" {
		model = DefaultGenAIModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embeddings: create client: %w", err)
	}

	d := &GenAIDriver{
		client:     client,
		model:      model,
		taskType:   "SEMANTIC_SIMILARITY",
		dimensions: 768,
		batchSize:  100,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *GenAIDriver) Kind() string      { return "genai" }
func (d *GenAIDriver) Dimensions() int   { return d.dimensions }
func (d *GenAIDriver) MaxBatchSize() int { return d.batchSize }

// Embed sends one batched EmbedContent request.
func (d *GenAIDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > d.batchSize {
		return nil, fmt.Errorf("batch size %d exceeds max %d", len(texts), d.batchSize)
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	dims := int32(d.dimensions)
	result, err := d.client.Models.EmbedContent(ctx, d.model, contents, &genai.EmbedContentConfig{
		TaskType:             d.taskType,
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float64, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		v := make([]float64, len(emb.Values))
		for j, f := range emb.Values {
			v[j] = float64(f)
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (d *GenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
