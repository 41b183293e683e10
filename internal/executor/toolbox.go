package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/cardmate/advisor/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownTool is returned when a call names a tool the toolbox does not hold.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolPanic wraps a panic raised inside a tool handler.
	ErrToolPanic = errors.New("tool panicked")
)

// Handler executes one tool call. A string result is used verbatim as the
// tool message; any other value is encoded as JSON.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Typed adapts a function taking a decoded argument struct into a Handler.
// Arguments that do not decode into T are reported as invalid arguments.
func Typed[T any](fn func(ctx context.Context, args T) (interface{}, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, &argumentError{err: err}
			}
		}
		return fn(ctx, args)
	}
}

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor models.ToolDescriptor
	Handler    Handler
}

// Toolbox is the closed dispatch table of one reasoning loop.
type Toolbox struct {
	descriptors []models.ToolDescriptor
	handlers    map[string]Handler
}

// NewToolbox validates that every descriptor has exactly one handler.
func NewToolbox(tools ...Tool) (*Toolbox, error) {
	tb := &Toolbox{handlers: make(map[string]Handler, len(tools))}
	for _, t := range tools {
		name := t.Descriptor.Name
		switch {
		case name == "":
			return nil, fmt.Errorf("toolbox: descriptor without a name")
		case t.Handler == nil:
			return nil, fmt.Errorf("toolbox: tool %q has no handler", name)
		}
		if _, dup := tb.handlers[name]; dup {
			return nil, fmt.Errorf("toolbox: tool %q registered twice", name)
		}
		tb.handlers[name] = t.Handler
		tb.descriptors = append(tb.descriptors, t.Descriptor)
	}
	return tb, nil
}

// MustToolbox is NewToolbox for statically defined tool sets.
func MustToolbox(tools ...Tool) *Toolbox {
	tb, err := NewToolbox(tools...)
	if err != nil {
		panic(err)
	}
	return tb
}

// Descriptors returns the advertised tools in registration order.
func (tb *Toolbox) Descriptors() []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, len(tb.descriptors))
	copy(out, tb.descriptors)
	return out
}

// Names returns the sorted tool names.
func (tb *Toolbox) Names() []string {
	names := make([]string, 0, len(tb.handlers))
	for n := range tb.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the toolbox holds a tool named name.
func (tb *Toolbox) Has(name string) bool {
	_, ok := tb.handlers[name]
	return ok
}

// Call runs the named tool with raw JSON object arguments. Unknown names
// wrap ErrUnknownTool; unusable arguments are reported by IsArgumentError.
func (tb *Toolbox) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	h, ok := tb.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	raw := bytes.TrimSpace(args)
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}
	if raw[0] != '{' || !json.Valid(raw) {
		return "", &argumentError{err: fmt.Errorf("expected a JSON object")}
	}

	out, err := runHandler(ctx, name, h, raw)
	if err != nil {
		return "", err
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	return EncodeJSON(out), nil
}

// runHandler turns a handler panic into an ErrToolPanic error so one bad
// tool cannot take the agent process down.
func runHandler(ctx context.Context, name string, h Handler, raw json.RawMessage) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("tool", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Tool handler panicked")
			out, err = nil, fmt.Errorf("%w: %s: %v", ErrToolPanic, name, r)
		}
	}()
	return h(ctx, raw)
}

// Invoke runs a single call and always returns the tool message content.
// Failures become {"error": ...} payloads.
func (tb *Toolbox) Invoke(ctx context.Context, call models.ToolCall) string {
	out, err := tb.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		return ErrorPayload(err)
	}
	return out
}

// IsArgumentError reports whether err came from undecodable tool arguments.
func IsArgumentError(err error) bool {
	var ae *argumentError
	return errors.As(err, &ae)
}

type argumentError struct{ err error }

func (e *argumentError) Error() string { return "invalid arguments: " + e.err.Error() }
func (e *argumentError) Unwrap() error { return e.err }

// ── JSON payloads ───────────────────────────────────────────

// EncodeJSON renders v as compact JSON with UTF-8 text left unescaped.
func EncodeJSON(v interface{}) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ErrorPayload(fmt.Errorf("encode result: %w", err))
	}
	return strings.TrimRight(buf.String(), "\n")
}

// ErrorPayload renders err as {"error": "..."}.
func ErrorPayload(err error) string {
	return EncodeJSON(map[string]string{"error": err.Error()})
}
