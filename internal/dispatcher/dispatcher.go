// Package dispatcher runs the top-level conversation loop: it lets the
// model pick sub-agents, fans the calls out over their channels, and feeds
// the results back until the model answers in text.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cardmate/advisor/internal/agents"
	"github.com/cardmate/advisor/internal/executor"
	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// UnableMessage ends a turn that hit the round ceiling without an answer.
const UnableMessage = "抱歉，這個問題需要的步驟太多，我暫時無法完成，請換個方式再問一次。"

// apologyFormat ends a turn whose completion call failed.
const apologyFormat = "抱歉，系統暫時無法回應（LLM 呼叫錯誤: %v），請稍後再試。"

// Error payload texts.
const (
	errNoSession        = "agent connection not found"
	errAlreadyConsulted = "already consulted in this turn"
)

// SystemPrompt steers the dispatcher model through the sub-agent workflow.
const SystemPrompt = `你是信用卡服務的總管（Main Dispatcher），負責協調下列專家 Agent 回答使用者的問題。

# 專家 Agent
1. demand_agent：分析使用者背景（年齡、職業、年收、消費習慣）。
2. comparing_agent：比較或推薦卡片，需要 user_profile 時請提供。
3. product_agent：查詢單張卡片的年費、權益、回饋與分期。
4. eligibility_agent：判斷申辦門檻與資格，並說明缺少哪些資料。

# 原則
1. 同一次回答中，同一個 Agent 只呼叫一次。已經拿到結果的 Agent 不要再呼叫。
2. 每次行動前先檢查對話歷史。若 demand_agent 已經回傳 JSON，就不要再分析背景。
3. 互不相依的問題可以在同一輪同時呼叫多個 Agent。
4. 工具回傳 {"error": ...} 時，用現有資訊盡量回答，並告訴使用者哪一部分暫時查不到。

# 標準流程：使用者求推薦（例如「我是學生，想辦卡」）
STEP 1：呼叫 demand_agent，user_input 填使用者原話。
STEP 2：收到 demand_agent 的 JSON 後，立刻呼叫 comparing_agent：
  - user_query：使用者的原始問題
  - user_profile：demand_agent 回傳的 JSON 字串
STEP 3：收到 comparing_agent 的回覆後，整合資訊並回答使用者。

請使用繁體中文回答。`

var tracer = otel.Tracer("cardmate/dispatcher")

// Dispatcher owns the top-level decision loop.
type Dispatcher struct {
	completer   contracts.Completer
	router      contracts.Router
	tools       []models.ToolDescriptor
	system      string
	maxRounds   int
	callTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRounds overrides executor.DefaultMaxRounds.
func WithMaxRounds(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRounds = n
		}
	}
}

// WithDescriptors replaces the global sub-agent descriptor set.
func WithDescriptors(descs []models.ToolDescriptor) Option {
	return func(d *Dispatcher) { d.tools = descs }
}

// WithSystemPrompt replaces SystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(d *Dispatcher) { d.system = p }
}

// WithCallTimeout bounds each sub-agent call. Zero leaves it to the
// transport.
func WithCallTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.callTimeout = t }
}

// New creates a dispatcher routing through router.
func New(completer contracts.Completer, router contracts.Router, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		completer: completer,
		router:    router,
		tools:     agents.Descriptors(),
		system:    SystemPrompt,
		maxRounds: executor.DefaultMaxRounds,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Descriptors returns the sub-agent descriptors advertised to the model.
func (d *Dispatcher) Descriptors() []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, len(d.tools))
	copy(out, d.tools)
	return out
}

// NewHistory returns a conversation history seeded with the system prompt.
func (d *Dispatcher) NewHistory() *models.History {
	h := &models.History{}
	if d.system != "" {
		h.Append(models.SystemMessage(d.system))
	}
	return h
}

// turn is the per-turn state: sub-agents already answered in this turn.
type turn struct {
	consulted map[string]string
}

// HandleTurn runs one user turn, appending every message it produces to
// history. It always returns text. Turns on one history must not overlap.
func (d *Dispatcher) HandleTurn(ctx context.Context, text string, history *models.History) string {
	ctx, span := tracer.Start(ctx, "dispatcher.turn")
	defer span.End()

	if history.Len() == 0 && d.system != "" {
		history.Append(models.SystemMessage(d.system))
	}
	history.Append(models.UserMessage(text))

	t := &turn{consulted: map[string]string{}}
	start := time.Now()

	for round := 1; round <= d.maxRounds; round++ {
		resp, err := d.completer.Complete(ctx, &models.CompletionRequest{
			Messages: *history,
			Tools:    d.tools,
		})
		if err != nil {
			log.Error().Err(err).Int("round", round).Msg("Dispatcher completion failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Sprintf(apologyFormat, err)
		}

		msg := resp.Message
		msg.Role = models.RoleAssistant
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
		}
		history.Append(msg)

		if len(msg.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("rounds", round))
			log.Info().
				Int("rounds", round).
				Dur("latency", time.Since(start)).
				Msg("💬 Turn answered")
			if strings.TrimSpace(msg.Content) == "" {
				return UnableMessage
			}
			return msg.Content
		}

		log.Info().
			Int("round", round).
			Strs("agents", callNames(msg.ToolCalls)).
			Msg("⚡ Dispatching sub-agent calls")

		for _, m := range d.resolve(ctx, t, msg.ToolCalls) {
			history.Append(m)
		}
	}

	span.SetAttributes(attribute.Int("rounds", d.maxRounds), attribute.Bool("exhausted", true))
	log.Warn().Int("max_rounds", d.maxRounds).Msg("Dispatcher hit max rounds")
	return UnableMessage
}

// resolve turns one batch of tool calls into exactly one tool message per
// call, in call order. Calls that reach a sub-agent are all issued before
// any is awaited; each failure stays local to its own message.
func (d *Dispatcher) resolve(ctx context.Context, t *turn, calls []models.ToolCall) []models.Message {
	results := make([]string, len(calls))
	ok := make([]bool, len(calls))
	dupOf := map[int]int{}
	inBatch := map[string]int{}

	type job struct {
		idx  int
		ch   contracts.Channel
		args map[string]interface{}
	}
	var jobs []job

	for i, call := range calls {
		ch, found := d.router.Route(call.Name)
		if !found {
			log.Warn().Str("agent", call.Name).Msg("No session for requested agent")
			results[i] = errorPayload(call.Name, errNoSession, nil)
			continue
		}
		args, err := call.DecodeArguments()
		if err != nil {
			results[i] = errorPayload(call.Name, "invalid arguments: "+err.Error(), nil)
			continue
		}
		if prev, seen := t.consulted[call.Name]; seen {
			log.Warn().Str("agent", call.Name).Msg("Refusing repeat call within turn")
			results[i] = errorPayload(call.Name, errAlreadyConsulted, prev)
			continue
		}
		if j, seen := inBatch[call.Name]; seen {
			dupOf[i] = j
			continue
		}
		inBatch[call.Name] = i
		jobs = append(jobs, job{idx: i, ch: ch, args: args})
	}

	var g errgroup.Group
	for _, j := range jobs {
		call := calls[j.idx]
		g.Go(func() error {
			out, err := d.call(ctx, j.ch, call, j.args)
			if err != nil {
				log.Warn().Err(err).Str("agent", call.Name).Msg("Sub-agent call failed")
				results[j.idx] = errorPayload(call.Name, err.Error(), nil)
				return nil
			}
			results[j.idx], ok[j.idx] = out, true
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range dupOf {
		var prev interface{}
		if ok[j] {
			prev = results[j]
		}
		results[i] = errorPayload(calls[i].Name, errAlreadyConsulted, prev)
	}
	for name, i := range inBatch {
		if ok[i] {
			t.consulted[name] = results[i]
		}
	}

	msgs := make([]models.Message, len(calls))
	for i, call := range calls {
		msgs[i] = models.ToolMessage(call, results[i])
	}
	return msgs
}

func (d *Dispatcher) call(ctx context.Context, ch contracts.Channel, call models.ToolCall, args map[string]interface{}) (string, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent", call.Name),
		attribute.String("tool_call_id", call.ID),
	)

	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := ch.CallTool(ctx, call.Name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	log.Debug().
		Str("agent", call.Name).
		Dur("latency", time.Since(start)).
		Int("bytes", len(out)).
		Msg("Sub-agent replied")
	return out, nil
}

// errorPayload renders a structured tool-result error. prev, when set, is
// embedded as JSON if it parses and as a string otherwise.
func errorPayload(agent, msg string, prev interface{}) string {
	p := struct {
		Error          string      `json:"error"`
		Agent          string      `json:"agent"`
		PreviousResult interface{} `json:"previous_result,omitempty"`
	}{Error: msg, Agent: agent}
	if s, isStr := prev.(string); isStr {
		if json.Valid([]byte(s)) {
			p.PreviousResult = json.RawMessage(s)
		} else {
			p.PreviousResult = s
		}
	}
	return executor.EncodeJSON(p)
}

func callNames(calls []models.ToolCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Name
	}
	return out
}
