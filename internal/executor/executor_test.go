package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/go-cmp/cmp"
)

// scriptedCompleter replays canned replies and records every request.
type scriptedCompleter struct {
	mu       sync.Mutex
	replies  []models.Message
	err      error
	requests []*models.CompletionRequest
}

func (c *scriptedCompleter) Complete(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := *req
	snapshot.Messages = append([]models.Message(nil), req.Messages...)
	c.requests = append(c.requests, &snapshot)
	if c.err != nil {
		return nil, c.err
	}
	i := len(c.requests) - 1
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return &models.CompletionResponse{Message: c.replies[i], Usage: models.TokenUsage{TotalTokens: 1}}, nil
}

func toolCall(id, name, args string) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
	}
}

func echoToolbox(t *testing.T) *executor.Toolbox {
	t.Helper()
	type echoArgs struct {
		Text string `json:"text"`
	}
	tb, err := executor.NewToolbox(executor.Tool{
		Descriptor: models.ToolDescriptor{
			Name:       "echo",
			Parameters: []models.ToolParam{{Name: "text", Type: models.ParamString, Required: true}},
		},
		Handler: executor.Typed(func(_ context.Context, a echoArgs) (interface{}, error) {
			return "echo:" + a.Text, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewToolbox() error = %v", err)
	}
	return tb
}

func TestRespond_DirectAnswer(t *testing.T) {
	c := &scriptedCompleter{replies: []models.Message{{Role: models.RoleAssistant, Content: "年費 1800 元"}}}
	loop := executor.New("product_agent", "你是產品專家", c, echoToolbox(t))

	out, trace := loop.RespondWithTrace(context.Background(), "CUBE卡年費多少？", "")
	if out != "年費 1800 元" {
		t.Errorf("Respond() = %q, want %q", out, "年費 1800 元")
	}
	if trace.State != executor.StateDone || len(trace.Rounds) != 1 {
		t.Errorf("trace = %s with %d rounds, want DONE with 1", trace.State, len(trace.Rounds))
	}
	req := c.requests[0]
	if len(req.Tools) != 1 || req.Tools[0].Name != "echo" {
		t.Errorf("request tools = %+v, want [echo]", req.Tools)
	}
	want := []models.Message{models.SystemMessage("你是產品專家"), models.UserMessage("CUBE卡年費多少？")}
	if diff := cmp.Diff(want, req.Messages); diff != "" {
		t.Errorf("initial history mismatch (-want +got):\n%s", diff)
	}
}

func TestRespond_ContextPrefix(t *testing.T) {
	c := &scriptedCompleter{replies: []models.Message{{Role: models.RoleAssistant, Content: "ok"}}}
	executor.New("comparing_agent", "", c, nil).Respond(context.Background(), "推薦哪張卡", `{"identity_type":"學生"}`)

	got := c.requests[0].Messages[0].Content
	want := "使用者背景：{\"identity_type\":\"學生\"}\n使用者問題：推薦哪張卡"
	if got != want {
		t.Errorf("user turn = %q, want %q", got, want)
	}
}

func TestRespond_ToolRoundThenAnswer(t *testing.T) {
	c := &scriptedCompleter{replies: []models.Message{
		toolCall("c1", "echo", `{"text":"hi"}`),
		{Role: models.RoleAssistant, Content: "done"},
	}}
	out, trace := executor.New("a", "sys", c, echoToolbox(t)).RespondWithTrace(context.Background(), "q", "")
	if out != "done" {
		t.Fatalf("Respond() = %q, want done", out)
	}
	if len(trace.Rounds) != 2 || trace.Usage.TotalTokens != 2 {
		t.Errorf("trace rounds = %d usage = %d, want 2 and 2", len(trace.Rounds), trace.Usage.TotalTokens)
	}

	second := c.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != models.RoleTool || last.ToolCallID != "c1" || last.Content != "echo:hi" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestRespond_AlwaysToolCallsExhaustsInFiveRounds(t *testing.T) {
	c := &scriptedCompleter{replies: []models.Message{toolCall("c", "echo", `{"text":"again"}`)}}
	loop := executor.New("a", "sys", c, echoToolbox(t))

	for i := 0; i < 2; i++ {
		c.requests = nil
		out, trace := loop.RespondWithTrace(context.Background(), "q", "")
		if out != executor.ExhaustedMessage {
			t.Errorf("Respond() = %q, want %q", out, executor.ExhaustedMessage)
		}
		if len(c.requests) != executor.DefaultMaxRounds {
			t.Errorf("completions = %d, want %d", len(c.requests), executor.DefaultMaxRounds)
		}
		if trace.State != executor.StateExhausted {
			t.Errorf("state = %s, want EXHAUSTED", trace.State)
		}
	}
}

func TestRespond_WithMaxRounds(t *testing.T) {
	c := &scriptedCompleter{replies: []models.Message{toolCall("c", "echo", `{}`)}}
	executor.New("a", "", c, echoToolbox(t), executor.WithMaxRounds(2)).Respond(context.Background(), "q", "")
	if len(c.requests) != 2 {
		t.Errorf("completions = %d, want 2", len(c.requests))
	}
}

func TestRespond_CompletionFailure(t *testing.T) {
	c := &scriptedCompleter{err: errors.New("503 unavailable")}
	out, trace := executor.New("a", "", c, nil).RespondWithTrace(context.Background(), "q", "")
	if out != executor.ErrorPrefix+"503 unavailable" {
		t.Errorf("Respond() = %q", out)
	}
	if trace.State != executor.StateFailed {
		t.Errorf("state = %s, want FAILED", trace.State)
	}
}

func TestRespond_UnknownAndMalformedCalls(t *testing.T) {
	c := &scriptedCompleter{replies: []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "1", Name: "nope", Arguments: json.RawMessage(`{}`)},
			{ID: "2", Name: "echo", Arguments: json.RawMessage(`"{broken"`)},
			{ID: "3", Name: "echo", Arguments: json.RawMessage(`{"text":5}`)},
			{ID: "4", Name: "echo", Arguments: json.RawMessage(`{"text":"ok"}`)},
		}},
		{Role: models.RoleAssistant, Content: "final"},
	}}
	if out := executor.New("a", "", c, echoToolbox(t)).Respond(context.Background(), "q", ""); out != "final" {
		t.Fatalf("Respond() = %q, want final", out)
	}

	msgs := c.requests[1].Messages
	tools := msgs[len(msgs)-4:]
	wantIDs := []string{"1", "2", "3", "4"}
	for i, m := range tools {
		if m.ToolCallID != wantIDs[i] {
			t.Errorf("tool message %d id = %q, want %q", i, m.ToolCallID, wantIDs[i])
		}
	}
	if !strings.Contains(tools[0].Content, "unknown tool") {
		t.Errorf("unknown tool payload = %q", tools[0].Content)
	}
	for _, m := range tools[1:3] {
		if !strings.Contains(m.Content, "invalid arguments") {
			t.Errorf("malformed payload = %q, want invalid arguments", m.Content)
		}
	}
	if tools[3].Content != "echo:ok" {
		t.Errorf("valid call payload = %q", tools[3].Content)
	}
}

func TestRespond_ToolsOfOneRoundRunConcurrently(t *testing.T) {
	var running, peak int32
	release := make(chan struct{})
	slow := executor.Tool{
		Descriptor: models.ToolDescriptor{Name: "slow"},
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			if n == 3 {
				close(release)
			}
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			atomic.AddInt32(&running, -1)
			return map[string]string{"status": "完成"}, nil
		},
	}
	c := &scriptedCompleter{replies: []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "a", Name: "slow"}, {ID: "b", Name: "slow"}, {ID: "c", Name: "slow"},
		}},
		{Role: models.RoleAssistant, Content: "ok"},
	}}
	executor.New("a", "", c, executor.MustToolbox(slow)).Respond(context.Background(), "q", "")

	if atomic.LoadInt32(&peak) != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak)
	}
	msgs := c.requests[1].Messages
	if got := msgs[len(msgs)-1].Content; got != `{"status":"完成"}` {
		t.Errorf("tool payload = %q, want unescaped JSON", got)
	}
}

func TestNewToolbox_Validation(t *testing.T) {
	noop := func(context.Context, json.RawMessage) (interface{}, error) { return "", nil }
	tests := []struct {
		name  string
		tools []executor.Tool
	}{
		{"missing handler", []executor.Tool{{Descriptor: models.ToolDescriptor{Name: "x"}}}},
		{"missing name", []executor.Tool{{Handler: noop}}},
		{"duplicate", []executor.Tool{
			{Descriptor: models.ToolDescriptor{Name: "x"}, Handler: noop},
			{Descriptor: models.ToolDescriptor{Name: "x"}, Handler: noop},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := executor.NewToolbox(tt.tools...); err == nil {
				t.Error("NewToolbox() error = nil, want configuration error")
			}
		})
	}
}

func TestToolbox_HandlerError(t *testing.T) {
	tb := executor.MustToolbox(executor.Tool{
		Descriptor: models.ToolDescriptor{Name: "fail"},
		Handler: func(context.Context, json.RawMessage) (interface{}, error) {
			return nil, errors.New("分期期數必須大於 0")
		},
	})
	got := tb.Invoke(context.Background(), models.ToolCall{ID: "1", Name: "fail"})
	if got != `{"error":"分期期數必須大於 0"}` {
		t.Errorf("Invoke() = %q", got)
	}
}

func TestRespond_BlankAnswer(t *testing.T) {
	c := &scriptedCompleter{replies: []models.Message{{Role: models.RoleAssistant, Content: "  \n "}}}
	out, trace := executor.New("a", "sys", c, echoToolbox(t)).RespondWithTrace(context.Background(), "q", "")
	if out != executor.ExhaustedMessage {
		t.Errorf("Respond() = %q, want %q", out, executor.ExhaustedMessage)
	}
	if trace.State != executor.StateDone {
		t.Errorf("state = %s, want DONE", trace.State)
	}
}

func TestRespond_PanickingToolBecomesErrorPayload(t *testing.T) {
	tb := executor.MustToolbox(executor.Tool{
		Descriptor: models.ToolDescriptor{Name: "lookup"},
		Handler: func(context.Context, json.RawMessage) (interface{}, error) {
			var cache map[string]int
			cache["CUBE卡"]++
			return cache, nil
		},
	})
	c := &scriptedCompleter{replies: []models.Message{
		toolCall("c1", "lookup", `{}`),
		{Role: models.RoleAssistant, Content: "查不到資料"},
	}}

	out, trace := executor.New("a", "sys", c, tb).RespondWithTrace(context.Background(), "q", "")
	if out != "查不到資料" {
		t.Fatalf("Respond() = %q, want the loop to continue after the panic", out)
	}
	if trace.State != executor.StateDone || len(c.requests) != 2 {
		t.Fatalf("state = %s after %d completions, want DONE after 2", trace.State, len(c.requests))
	}

	second := c.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != models.RoleTool || last.ToolCallID != "c1" {
		t.Fatalf("last message = %+v, want the lookup tool result", last)
	}
	if !strings.Contains(last.Content, `"error"`) || !strings.Contains(last.Content, "panicked") {
		t.Errorf("tool message = %q, want an error payload naming the panic", last.Content)
	}
}

func TestToolbox_CallRecoversPanic(t *testing.T) {
	tb := executor.MustToolbox(executor.Tool{
		Descriptor: models.ToolDescriptor{Name: "explode"},
		Handler: func(context.Context, json.RawMessage) (interface{}, error) {
			panic("index out of range")
		},
	})
	_, err := tb.Call(context.Background(), "explode", nil)
	if !errors.Is(err, executor.ErrToolPanic) {
		t.Fatalf("Call() error = %v, want ErrToolPanic", err)
	}
	if !strings.Contains(err.Error(), "explode") || !strings.Contains(err.Error(), "index out of range") {
		t.Errorf("Call() error = %q, want tool name and panic value", err)
	}
}
