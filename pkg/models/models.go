package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ── Conversation ─────────────────────────────────────────────

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation history. Content may be empty for
// assistant messages that only carry tool calls; drivers send it as null.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool messages only
	Name       string     `json:"name,omitempty"`         // tool name for tool messages
}

// ToolCall is a model's request to invoke a named tool. Arguments holds the
// raw JSON object produced by the model and may be malformed.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// DecodeArguments unmarshals the call's arguments into a generic map.
// Empty arguments decode to an empty map.
func (c ToolCall) DecodeArguments() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(c.Arguments) == 0 || string(c.Arguments) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(c.Arguments, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: text} }
func UserMessage(text string) Message   { return Message{Role: RoleUser, Content: text} }

// ToolMessage builds the tool-result message answering call.
func ToolMessage(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}

// History is an append-only conversation log.
type History []Message

// Append adds messages to the end of the history.
func (h *History) Append(msgs ...Message) {
	*h = append(*h, msgs...)
}

// Len returns the number of messages recorded.
func (h *History) Len() int { return len(*h) }

// Last returns the most recent message, or false when the history is empty.
func (h *History) Last() (Message, bool) {
	if len(*h) == 0 {
		return Message{}, false
	}
	return (*h)[len(*h)-1], true
}

// Conversation is a dispatcher history kept by the API between turns.
type Conversation struct {
	ID        string    `json:"id"`
	History   History   `json:"history"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transcript returns the user and assistant text messages, skipping the
// system prompt, tool traffic and tool-call-only assistant messages.
func (c *Conversation) Transcript() []Message {
	out := make([]Message, 0, len(c.History))
	for _, m := range c.History {
		switch {
		case m.Role == RoleUser:
			out = append(out, m)
		case m.Role == RoleAssistant && len(m.ToolCalls) == 0:
			out = append(out, m)
		}
	}
	return out
}

// ── Tool Descriptors ─────────────────────────────────────────

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

// ToolParam is one named parameter of a tool.
type ToolParam struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Items       ParamType `json:"items,omitempty"` // element type for arrays
}

// ToolDescriptor advertises a callable tool to a model.
type ToolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []ToolParam `json:"parameters"`
}

// JSONSchema renders the parameter list as a JSON Schema object.
func (d ToolDescriptor) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Parameters))
	required := []string{}
	for _, p := range d.Parameters {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == ParamArray {
			items := p.Items
			if items == "" {
				items = ParamString
			}
			prop["items"] = map[string]interface{}{"type": string(items)}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// RequiredParams lists the names of the required parameters.
func (d ToolDescriptor) RequiredParams() []string {
	var out []string
	for _, p := range d.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// ── Completion ───────────────────────────────────────────────

// CompletionRequest is what a reasoning loop sends to the chat-completion
// collaborator.
type CompletionRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDescriptor `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	JSONMode    bool             `json:"json_mode,omitempty"` // ask for a JSON object reply
	Temperature *float64         `json:"temperature,omitempty"`
}

// CompletionResponse wraps the assistant message returned by a provider.
type CompletionResponse struct {
	Message   Message    `json:"message"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Usage     TokenUsage `json:"usage"`
	LatencyMs int64      `json:"latency_ms"`
}

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

// ── Retrieval ────────────────────────────────────────────────

const (
	MetaCardName = "card_name"
	MetaDocType  = "doc_type"
)

// Document kinds found in the card knowledge base.
const (
	DocCardProfile   = "credit_card_profile"
	DocBenefitScheme = "benefit_scheme"
	DocBenefitRule   = "benefit_rule"
	DocWelcomeOffer  = "welcome_offer"
)

// Chunk is a retrievable unit of text with its embedding and metadata.
type Chunk struct {
	ID        string            `json:"id,omitempty"`
	Text      string            `json:"text"`
	Embedding []float64         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the chunk.
func (c Chunk) Clone() Chunk {
	out := Chunk{ID: c.ID, Text: c.Text}
	if c.Embedding != nil {
		out.Embedding = append([]float64(nil), c.Embedding...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CardName is a shorthand for the card_name metadata value.
func (c Chunk) CardName() string { return c.Metadata[MetaCardName] }

// DocType is a shorthand for the doc_type metadata value.
func (c Chunk) DocType() string { return c.Metadata[MetaDocType] }

// SearchResult is a single scored retrieval hit.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Filter is a metadata predicate. Keys with blank values are wildcards.
type Filter map[string]string

// Active returns the trimmed, non-blank entries of the filter.
func (f Filter) Active() map[string]string {
	out := map[string]string{}
	for k, v := range f {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}

// IsEmpty reports whether the filter constrains nothing.
func (f Filter) IsEmpty() bool { return len(f.Active()) == 0 }

// Matches reports whether metadata satisfies every active filter entry. A
// value matches when, after trimming, it equals the filter value or one
// contains the other. Matching is case-sensitive. A missing or blank value
// is contained in every filter value, so chunks not tied to a card (bank
// wide rules) survive a card filter.
func (f Filter) Matches(meta map[string]string) bool {
	for k, want := range f.Active() {
		got := strings.TrimSpace(meta[k])
		if got != want && !strings.Contains(got, want) && !strings.Contains(want, got) {
			return false
		}
	}
	return true
}

// String renders the active entries deterministically for logs.
func (f Filter) String() string {
	active := f.Active()
	keys := make([]string, 0, len(active))
	for k := range active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+active[k])
	}
	return strings.Join(parts, ",")
}

// ── User Profile ─────────────────────────────────────────────

// UserProfile is the structured result of needs analysis.
type UserProfile struct {
	Age            *int     `json:"age"`
	Occupation     string   `json:"occupation,omitempty"`
	AnnualIncome   *int64   `json:"annual_income"`
	IdentityType   string   `json:"identity_type,omitempty"`
	SpendingHabits []string `json:"spending_habits"`
	Purpose        string   `json:"purpose,omitempty"`
	RiskFlags      []string `json:"risk_flags"`
	SystemTags     []string `json:"system_tags"`
	Error          string   `json:"error,omitempty"`
	Raw            string   `json:"raw,omitempty"` // parse failure detail
}

// EligibilityVerdict is the per-card outcome of an eligibility check.
type EligibilityVerdict struct {
	CardName  string   `json:"card_name"`
	Status    string   `json:"status"` // eligible, ineligible, uncertain
	Reasons   []string `json:"reasons"`
	RuleNotes []string `json:"rule_notes,omitempty"`
}

const (
	VerdictEligible   = "eligible"
	VerdictIneligible = "ineligible"
	VerdictUncertain  = "uncertain"
)

// ── Agents ───────────────────────────────────────────────────

type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportNATS  Transport = "nats"
)

// AgentInfo describes a connected sub-agent for the API.
type AgentInfo struct {
	Name        string                 `json:"name"`
	Transport   Transport              `json:"transport"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	ConnectedAt time.Time              `json:"connected_at"`
}

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

type MCPResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"` // text
	Text string `json:"text,omitempty"`
}

// Text joins the text parts of a tool result.
func (r MCPToolResult) Text() string {
	var b strings.Builder
	for i, c := range r.Content {
		if c.Type != "" && c.Type != "text" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(c.Text)
	}
	return b.String()
}
