package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ── Fakes ───────────────────────────────────────────────────

// scriptCompleter decides each reply from the history it is given.
type scriptCompleter struct {
	mu    sync.Mutex
	calls int
	next  func(round int, history []models.Message) (models.Message, error)
}

func (c *scriptCompleter) Complete(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	c.mu.Lock()
	c.calls++
	round := c.calls
	c.mu.Unlock()
	msg, err := c.next(round, append([]models.Message(nil), req.Messages...))
	if err != nil {
		return nil, err
	}
	return &models.CompletionResponse{Message: msg}, nil
}

type agentFunc func(ctx context.Context, args map[string]interface{}) (string, error)

type fakeAgent struct {
	mu    sync.Mutex
	fn    agentFunc
	calls []map[string]interface{}
}

func (a *fakeAgent) ListTools(context.Context) ([]models.MCPToolInfo, error) { return nil, nil }
func (a *fakeAgent) Close() error                                           { return nil }

func (a *fakeAgent) CallTool(ctx context.Context, _ string, args map[string]interface{}) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, args)
	a.mu.Unlock()
	return a.fn(ctx, args)
}

func (a *fakeAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeRouter map[string]*fakeAgent

func (r fakeRouter) Route(name string) (contracts.Channel, bool) {
	a, ok := r[name]
	if !ok {
		return nil, false
	}
	return a, true
}

func reply(text string) agentFunc {
	return func(context.Context, map[string]interface{}) (string, error) { return text, nil }
}

func text(s string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: s}
}

func calls(pairs ...string) models.Message {
	msg := models.Message{Role: models.RoleAssistant}
	for i := 0; i+2 < len(pairs); i += 3 {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID: pairs[i], Name: pairs[i+1], Arguments: json.RawMessage(pairs[i+2]),
		})
	}
	return msg
}

func toolMessages(h models.History) []models.Message {
	var out []models.Message
	for _, m := range h {
		if m.Role == models.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatalf("payload %q is not a JSON object: %v", s, err)
	}
	return out
}

// ── Tests ───────────────────────────────────────────────────

func TestHandleTurn_TextAnswer(t *testing.T) {
	c := &scriptCompleter{next: func(int, []models.Message) (models.Message, error) {
		return text("您好，請問想了解哪張卡？"), nil
	}}
	d := New(c, fakeRouter{})
	h := d.NewHistory()

	got := d.HandleTurn(context.Background(), "你好", h)
	if got != "您好，請問想了解哪張卡？" {
		t.Errorf("HandleTurn() = %q", got)
	}

	roles := make([]models.Role, 0, h.Len())
	for _, m := range *h {
		roles = append(roles, m.Role)
	}
	want := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant}
	if diff := cmp.Diff(want, roles); diff != "" {
		t.Errorf("history roles mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleTurn_PartialFailureFanOut(t *testing.T) {
	// Every call waits until all three have started, so the test only
	// passes when the batch is issued before any result is awaited.
	var started sync.WaitGroup
	started.Add(3)
	barrier := func(fn agentFunc) agentFunc {
		return func(ctx context.Context, args map[string]interface{}) (string, error) {
			started.Done()
			done := make(chan struct{})
			go func() { started.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				return "", errors.New("calls were not issued concurrently")
			}
			return fn(ctx, args)
		}
	}
	router := fakeRouter{
		"product_agent":     {fn: barrier(reply(`{"fee":"NT$1,800"}`))},
		"comparing_agent":   {fn: barrier(func(context.Context, map[string]interface{}) (string, error) { return "", errors.New("transport closed") })},
		"eligibility_agent": {fn: barrier(reply("可以申辦"))},
	}

	c := &scriptCompleter{next: func(round int, hist []models.Message) (models.Message, error) {
		if round == 1 {
			return calls(
				"c1", "product_agent", `{"user_query":"CUBE年費"}`,
				"c2", "comparing_agent", `{"user_query":"比較"}`,
				"c3", "eligibility_agent", `{"user_query":"能辦嗎"}`,
			), nil
		}
		return text("整理完成"), nil
	}}
	d := New(c, router)
	h := d.NewHistory()

	if got := d.HandleTurn(context.Background(), "問三件事", h); got != "整理完成" {
		t.Fatalf("HandleTurn() = %q, want the second-round answer", got)
	}
	if c.calls != 2 {
		t.Errorf("completer called %d times, want 2", c.calls)
	}

	tools := toolMessages(*h)
	if len(tools) != 3 {
		t.Fatalf("got %d tool messages, want 3", len(tools))
	}
	wantIDs := []string{"c1", "c2", "c3"}
	for i, m := range tools {
		if m.ToolCallID != wantIDs[i] {
			t.Errorf("tool message %d id = %q, want %q", i, m.ToolCallID, wantIDs[i])
		}
	}
	if tools[0].Content != `{"fee":"NT$1,800"}` || tools[2].Content != "可以申辦" {
		t.Errorf("successful results = %q, %q", tools[0].Content, tools[2].Content)
	}
	failed := decode(t, tools[1].Content)
	if failed["agent"] != "comparing_agent" || !strings.Contains(failed["error"].(string), "transport closed") {
		t.Errorf("failure payload = %v", failed)
	}
}

func TestHandleTurn_StudentScenario(t *testing.T) {
	const profile = `{"identity_type":"學生","age":null,"occupation":"學生","annual_income":null,"spending_habits":[]}`
	demand := &fakeAgent{fn: reply(profile)}
	comparing := &fakeAgent{fn: reply("推薦 CUBE 卡")}
	router := fakeRouter{"demand_agent": demand, "comparing_agent": comparing}

	c := &scriptCompleter{next: func(round int, hist []models.Message) (models.Message, error) {
		last := hist[len(hist)-1]
		switch {
		case round == 1:
			return calls("d1", "demand_agent", `{"user_input":"我是學生"}`), nil
		case round == 2 && last.Role == models.RoleTool && last.Name == "demand_agent":
			args, _ := json.Marshal(map[string]string{"user_query": "我是學生", "user_profile": last.Content})
			// A model that forgets the rule also asks demand_agent again.
			return calls(
				"c1", "comparing_agent", string(args),
				"d2", "demand_agent", `{"user_input":"我是學生"}`,
			), nil
		default:
			return text("建議你申辦 CUBE 卡"), nil
		}
	}}
	d := New(c, router)
	h := d.NewHistory()

	if got := d.HandleTurn(context.Background(), "我是學生", h); got != "建議你申辦 CUBE 卡" {
		t.Fatalf("HandleTurn() = %q", got)
	}
	if demand.count() != 1 {
		t.Errorf("demand_agent called %d times, want 1", demand.count())
	}
	if comparing.count() != 1 {
		t.Fatalf("comparing_agent called %d times, want 1", comparing.count())
	}
	if got := comparing.calls[0]["user_profile"]; got != profile {
		t.Errorf("comparing_agent user_profile = %v, want %s", got, profile)
	}

	tools := toolMessages(*h)
	refused := decode(t, tools[len(tools)-1].Content)
	if refused["error"] != "already consulted in this turn" {
		t.Errorf("repeat call payload = %v", refused)
	}
	prev, ok := refused["previous_result"].(map[string]interface{})
	if !ok || prev["identity_type"] != "學生" {
		t.Errorf("previous_result = %v, want the demand profile", refused["previous_result"])
	}
}

func TestHandleTurn_GuardResetsEachTurn(t *testing.T) {
	demand := &fakeAgent{fn: reply(`{"identity_type":"上班族"}`)}
	c := &scriptCompleter{next: func(_ int, hist []models.Message) (models.Message, error) {
		if hist[len(hist)-1].Role == models.RoleUser {
			return calls("", "demand_agent", `{"user_input":"x"}`), nil
		}
		return text("ok"), nil
	}}
	d := New(c, fakeRouter{"demand_agent": demand})
	h := d.NewHistory()

	d.HandleTurn(context.Background(), "第一輪", h)
	d.HandleTurn(context.Background(), "第二輪", h)
	if demand.count() != 2 {
		t.Errorf("demand_agent called %d times across two turns, want 2", demand.count())
	}
	for _, m := range toolMessages(*h) {
		if !strings.HasPrefix(m.ToolCallID, "call_") {
			t.Errorf("generated tool call id = %q, want call_ prefix", m.ToolCallID)
		}
	}
}

func TestHandleTurn_RoutingAndArgumentErrors(t *testing.T) {
	product := &fakeAgent{fn: reply("ok")}
	c := &scriptCompleter{next: func(round int, _ []models.Message) (models.Message, error) {
		if round == 1 {
			return calls(
				"a", "travel_agent", `{}`,
				"b", "product_agent", `{not json`,
			), nil
		}
		return text("done"), nil
	}}
	d := New(c, fakeRouter{"product_agent": product})
	h := d.NewHistory()
	d.HandleTurn(context.Background(), "q", h)

	tools := toolMessages(*h)
	if len(tools) != 2 {
		t.Fatalf("got %d tool messages, want 2", len(tools))
	}
	missing := decode(t, tools[0].Content)
	if diff := cmp.Diff(map[string]interface{}{"error": "agent connection not found", "agent": "travel_agent"}, missing); diff != "" {
		t.Errorf("routing payload mismatch (-want +got):\n%s", diff)
	}
	bad := decode(t, tools[1].Content)
	if !strings.HasPrefix(bad["error"].(string), "invalid arguments") {
		t.Errorf("argument payload = %v", bad)
	}
	if product.count() != 0 {
		t.Error("malformed arguments must not reach the agent")
	}
}

func TestHandleTurn_DuplicateInOneBatch(t *testing.T) {
	product := &fakeAgent{fn: reply(`{"fee":"免年費"}`)}
	c := &scriptCompleter{next: func(round int, _ []models.Message) (models.Message, error) {
		if round == 1 {
			return calls(
				"p1", "product_agent", `{"user_query":"a"}`,
				"p2", "product_agent", `{"user_query":"b"}`,
			), nil
		}
		return text("done"), nil
	}}
	d := New(c, fakeRouter{"product_agent": product})
	h := d.NewHistory()
	d.HandleTurn(context.Background(), "q", h)

	if product.count() != 1 {
		t.Errorf("product_agent called %d times, want 1", product.count())
	}
	tools := toolMessages(*h)
	if len(tools) != 2 || tools[1].ToolCallID != "p2" {
		t.Fatalf("tool messages = %+v", tools)
	}
	dup := decode(t, tools[1].Content)
	if dup["error"] != "already consulted in this turn" {
		t.Errorf("duplicate payload = %v", dup)
	}
}

func TestHandleTurn_Exhausted(t *testing.T) {
	n := 0
	router := fakeRouter{}
	c := &scriptCompleter{next: func(int, []models.Message) (models.Message, error) {
		n++
		return calls("x", "missing_agent", `{}`), nil
	}}
	d := New(c, router)

	got := d.HandleTurn(context.Background(), "loop", d.NewHistory())
	if got != UnableMessage {
		t.Errorf("HandleTurn() = %q, want UnableMessage", got)
	}
	if n != 5 {
		t.Errorf("completer called %d times, want 5", n)
	}
}

func TestHandleTurn_CompletionError(t *testing.T) {
	c := &scriptCompleter{next: func(int, []models.Message) (models.Message, error) {
		return models.Message{}, errors.New("quota exceeded")
	}}
	d := New(c, fakeRouter{})

	got := d.HandleTurn(context.Background(), "hi", &models.History{})
	if !strings.Contains(got, "LLM 呼叫錯誤") || !strings.Contains(got, "quota exceeded") {
		t.Errorf("HandleTurn() = %q, want an apology naming the error", got)
	}
}

func TestHandleTurn_SeedsEmptyHistory(t *testing.T) {
	c := &scriptCompleter{next: func(int, []models.Message) (models.Message, error) { return text("hi"), nil }}
	d := New(c, fakeRouter{})
	h := &models.History{}
	d.HandleTurn(context.Background(), "hello", h)

	if last, _ := h.Last(); last.Role != models.RoleAssistant {
		t.Errorf("last message role = %s, want assistant", last.Role)
	}
	if (*h)[0].Role != models.RoleSystem {
		t.Errorf("first message role = %s, want system", (*h)[0].Role)
	}
}
