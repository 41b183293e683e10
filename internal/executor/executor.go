// Package executor implements the bounded reasoning loop each sub-agent runs.
//
// A loop is an explicit state machine:
//
//	THINKING → (text)       → DONE (blank text answers ExhaustedMessage)
//	THINKING → (tool calls) → TOOL_EXECUTING → THINKING
//	round ceiling reached   → EXHAUSTED
//
// Every tool call of a round is dispatched through the loop's Toolbox on its
// own goroutine; results are appended to the history in call order.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cardmate/advisor/pkg/contracts"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxRounds is the maximum number of completion rounds per request.
const DefaultMaxRounds = 5

// ExhaustedMessage is returned when the round ceiling is hit without a reply.
const ExhaustedMessage = "思考次數過多，無法產生完整回答。"

// ErrorPrefix starts the reply returned when the completer fails.
const ErrorPrefix = "Agent 執行發生錯誤: "

var tracer = otel.Tracer("cardmate/executor")

// State is a reasoning loop state.
type State int

const (
	StateThinking State = iota
	StateToolExecuting
	StateDone
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateThinking:
		return "THINKING"
	case StateToolExecuting:
		return "TOOL_EXECUTING"
	case StateDone:
		return "DONE"
	case StateExhausted:
		return "EXHAUSTED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ToolResult is the outcome of one dispatched tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// Round is one THINKING (+ TOOL_EXECUTING) iteration.
type Round struct {
	Number      int               `json:"number"`
	Response    string            `json:"response,omitempty"`
	ToolCalls   []models.ToolCall `json:"tool_calls,omitempty"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`
	LatencyMs   int64             `json:"latency_ms"`
	Usage       models.TokenUsage `json:"usage"`
}

// Trace records the full execution history of one Respond call.
type Trace struct {
	TraceID string            `json:"trace_id"`
	Agent   string            `json:"agent"`
	State   State             `json:"state"`
	Rounds  []Round           `json:"rounds"`
	TotalMs int64             `json:"total_ms"`
	Usage   models.TokenUsage `json:"usage"`
	Err     string            `json:"error,omitempty"`
}

// Loop runs one sub-agent's tool-use loop.
type Loop struct {
	name      string
	system    string
	completer contracts.Completer
	tools     *Toolbox
	maxRounds int
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxRounds overrides DefaultMaxRounds.
func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// New creates a reasoning loop. tools may be nil for a tool-less agent.
func New(name, systemPrompt string, completer contracts.Completer, tools *Toolbox, opts ...Option) *Loop {
	if tools == nil {
		tools = MustToolbox()
	}
	l := &Loop{
		name:      name,
		system:    systemPrompt,
		completer: completer,
		tools:     tools,
		maxRounds: DefaultMaxRounds,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the agent name the loop was created for.
func (l *Loop) Name() string { return l.name }

// Tools returns the loop's dispatch table.
func (l *Loop) Tools() *Toolbox { return l.tools }

// Respond answers query, optionally prefixed with background context.
// It always returns text.
func (l *Loop) Respond(ctx context.Context, query, background string) string {
	out, _ := l.RespondWithTrace(ctx, query, background)
	return out
}

// UserTurn builds the first user message of a loop.
func UserTurn(query, background string) string {
	if background == "" {
		return query
	}
	return fmt.Sprintf("使用者背景：%s\n使用者問題：%s", background, query)
}

// RespondWithTrace is Respond plus the execution trace.
func (l *Loop) RespondWithTrace(ctx context.Context, query, background string) (string, *Trace) {
	ctx, span := tracer.Start(ctx, "executor.respond")
	defer span.End()
	span.SetAttributes(attribute.String("agent", l.name))

	trace := &Trace{TraceID: uuid.NewString(), Agent: l.name, State: StateThinking}
	start := time.Now()
	finish := func(state State, out string) (string, *Trace) {
		trace.State = state
		trace.TotalMs = time.Since(start).Milliseconds()
		span.SetAttributes(
			attribute.String("state", state.String()),
			attribute.Int("rounds", len(trace.Rounds)),
		)
		return out, trace
	}

	history := models.History{}
	if l.system != "" {
		history.Append(models.SystemMessage(l.system))
	}
	history.Append(models.UserMessage(UserTurn(query, background)))

	for round := 1; round <= l.maxRounds; round++ {
		roundStart := time.Now()
		resp, err := l.completer.Complete(ctx, &models.CompletionRequest{
			Messages: history,
			Tools:    l.tools.Descriptors(),
		})
		if err != nil {
			trace.Err = err.Error()
			log.Error().Err(err).Str("agent", l.name).Int("round", round).Msg("Completion failed")
			return finish(StateFailed, ErrorPrefix+err.Error())
		}
		trace.Usage.Add(resp.Usage)

		msg := resp.Message
		msg.Role = models.RoleAssistant
		history.Append(msg)

		rec := Round{Number: round, Usage: resp.Usage}
		if len(msg.ToolCalls) == 0 {
			rec.Response = msg.Content
			rec.LatencyMs = time.Since(roundStart).Milliseconds()
			trace.Rounds = append(trace.Rounds, rec)
			if strings.TrimSpace(msg.Content) == "" {
				log.Warn().Str("agent", l.name).Int("round", round).Msg("Model returned a blank answer")
				return finish(StateDone, ExhaustedMessage)
			}
			log.Debug().
				Str("agent", l.name).
				Int("rounds", round).
				Msg("Reasoning loop complete")
			return finish(StateDone, msg.Content)
		}

		trace.State = StateToolExecuting
		rec.ToolCalls = msg.ToolCalls
		rec.ToolResults = l.executeRound(ctx, msg.ToolCalls)
		for i, res := range rec.ToolResults {
			history.Append(models.ToolMessage(msg.ToolCalls[i], res.Content))
		}
		rec.LatencyMs = time.Since(roundStart).Milliseconds()
		trace.Rounds = append(trace.Rounds, rec)
		trace.State = StateThinking

		log.Debug().
			Str("agent", l.name).
			Int("round", round).
			Int("tool_calls", len(msg.ToolCalls)).
			Msg("Reasoning loop continuing")
	}

	log.Warn().
		Str("agent", l.name).
		Int("max_rounds", l.maxRounds).
		Msg("Reasoning loop hit max rounds")
	return finish(StateExhausted, ExhaustedMessage)
}

// executeRound runs every call concurrently and returns results in call order.
func (l *Loop) executeRound(ctx context.Context, calls []models.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    l.tools.Invoke(ctx, call),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
