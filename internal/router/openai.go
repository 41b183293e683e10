package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/uuid"
)

// OpenAIDriver talks to any OpenAI-compatible /chat/completions endpoint.
// The default base URL is Gemini's OpenAI compatibility layer.
type OpenAIDriver struct {
	baseURL     string
	apiKey      string
	model       string
	temperature *float64
	client      *http.Client
}

// OpenAIOption configures the OpenAI-compatible driver.
type OpenAIOption func(*OpenAIDriver)

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(d *OpenAIDriver) { d.temperature = &t }
}

// WithTimeout bounds a single HTTP call.
func WithTimeout(timeout time.Duration) OpenAIOption {
	return func(d *OpenAIDriver) {
		if timeout > 0 {
			d.client.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(d *OpenAIDriver) { d.client = c }
}

// NewOpenAIDriver creates an OpenAI-compatible chat driver.
func NewOpenAIDriver(baseURL, apiKey, model string, opts ...OpenAIOption) *OpenAIDriver {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	d := &OpenAIDriver{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string { return "openai" }

// ── Wire types ──────────────────────────────────────────────

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"` // null for tool-call-only turns
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON string
	} `json:"function"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Tools          []openAITool    `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call sends one chat completion request.
func (d *OpenAIDriver) Call(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("openai: api key not configured")
	}
	model := req.Model
	if model == "" {
		model = d.model
	}

	body := openAIRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: d.temperature,
	}
	if req.Temperature != nil {
		body.Temperature = req.Temperature
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.JSONSchema(),
			},
		})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}
	if req.JSONMode {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if oaiResp.Error != nil {
		return nil, fmt.Errorf("openai: %s", oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	msg := fromOpenAIMessage(oaiResp.Choices[0].Message)
	if oaiResp.Model != "" {
		model = oaiResp.Model
	}
	return &models.CompletionResponse{
		Message:  msg,
		Provider: d.Kind(),
		Model:    model,
		Usage: models.TokenUsage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:  oaiResp.Usage.TotalTokens,
		},
	}, nil
}

// HealthCheck sends a one-message completion.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Call(ctx, &models.CompletionRequest{Messages: []models.Message{models.UserMessage("ping")}})
	return err
}

// ── Conversion ──────────────────────────────────────────────

func toOpenAIMessages(msgs []models.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openAIMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
		content := m.Content
		if m.Role != models.RoleAssistant || content != "" || len(m.ToolCalls) == 0 {
			om.Content = &content
		}
		if m.Role == models.RoleTool {
			om.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = argumentsString(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIMessage(om openAIMessage) models.Message {
	msg := models.Message{Role: models.RoleAssistant}
	if om.Content != nil {
		msg.Content = *om.Content
	}
	for _, tc := range om.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	return msg
}

// rawArguments keeps valid JSON as-is and wraps anything else in a JSON
// string, so the history stays serialisable and decoding into an object
// fails downstream.
func rawArguments(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func argumentsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
