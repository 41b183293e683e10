package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GenAIDriver calls Gemini through the native Google Gen AI SDK.
type GenAIDriver struct {
	client      *genai.Client
	model       string
	temperature *float32
}

// GenAIOption configures the GenAI driver.
type GenAIOption func(*GenAIDriver)

// WithGenAITemperature sets the default sampling temperature.
func WithGenAITemperature(t float64) GenAIOption {
	return func(d *GenAIDriver) {
		f := float32(t)
		d.temperature = &f
	}
}

// NewGenAIDriver creates a Gemini API chat driver.
func NewGenAIDriver(ctx context.Context, apiKey, model string, opts ...GenAIOption) (*GenAIDriver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai: API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	d := &GenAIDriver{client: client, model: model}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *GenAIDriver) Kind() string { return "genai" }

// Call converts the history to Gemini contents and generates one reply.
func (d *GenAIDriver) Call(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = d.model
	}

	system, contents := toGenAIContents(req.Messages)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       d.temperature,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenAISchema(t),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := d.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai: generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("genai: response has no candidates")
	}

	msg := models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			if part.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}
	msg.Content = text.String()

	out := &models.CompletionResponse{Message: msg, Provider: d.Kind(), Model: model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = models.TokenUsage{
			InputTokens:  int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
			TotalTokens:  int64(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (d *GenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Call(ctx, &models.CompletionRequest{Messages: []models.Message{models.UserMessage("ping")}})
	return err
}

// ── Conversion ──────────────────────────────────────────────

// toGenAIContents splits out system messages and folds consecutive tool
// results into a single user turn, as Gemini expects.
func toGenAIContents(msgs []models.Message) (*genai.Content, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, m.Content)
		case models.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case models.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal(tc.Arguments, &args)
				p := genai.NewPartFromFunctionCall(tc.Name, args)
				p.FunctionCall.ID = tc.ID
				parts = append(parts, p)
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case models.RoleTool:
			p := genai.NewPartFromFunctionResponse(m.Name, map[string]any{"result": m.Content})
			p.FunctionResponse.ID = m.ToolCallID
			if n := len(contents); n > 0 && isFunctionResponseTurn(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, p)
				continue
			}
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{p}, genai.RoleUser))
		}
	}
	var sys *genai.Content
	if len(system) > 0 {
		sys = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return sys, contents
}

func isFunctionResponseTurn(c *genai.Content) bool {
	if c.Role != genai.RoleUser || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

func toGenAISchema(d models.ToolDescriptor) *genai.Schema {
	s := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(d.Parameters)),
		Required:   d.RequiredParams(),
	}
	for _, p := range d.Parameters {
		prop := &genai.Schema{Type: genaiType(p.Type), Description: p.Description}
		if p.Type == models.ParamArray {
			items := p.Items
			if items == "" {
				items = models.ParamString
			}
			prop.Items = &genai.Schema{Type: genaiType(items)}
		}
		s.Properties[p.Name] = prop
		s.PropertyOrdering = append(s.PropertyOrdering, p.Name)
	}
	return s
}

func genaiType(t models.ParamType) genai.Type {
	switch t {
	case models.ParamInteger:
		return genai.TypeInteger
	case models.ParamNumber:
		return genai.TypeNumber
	case models.ParamArray:
		return genai.TypeArray
	case models.ParamObject:
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
