// Package guardrails screens conversation text before it reaches the
// dispatcher model and before a reply leaves the service.
//
// Checks, in order:
//   - max_length: rune limit on user input
//   - prompt_injection: heuristic detection of instruction overrides
//   - pii_redaction: card numbers, national ids, mobile numbers and e-mail
//     addresses replaced by placeholders (input and output)
package guardrails

import (
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/cardmate/advisor/internal/config"
)

type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

type Kind string

const (
	KindMaxLength       Kind = "max_length"
	KindPromptInjection Kind = "prompt_injection"
	KindPIIRedaction    Kind = "pii_redaction"
)

// Result is the outcome of screening one text.
type Result struct {
	Text     string   `json:"text"`
	Blocked  bool     `json:"blocked"`
	Kind     Kind     `json:"kind,omitempty"`
	Message  string   `json:"message,omitempty"`
	Redacted []string `json:"redacted,omitempty"` // PII pattern names replaced
}

// Guard applies the configured checks. The zero value passes everything.
type Guard struct {
	maxRunes       int
	blockInjection bool
	redactPII      bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxRunes blocks input longer than n runes. Zero disables the check.
func WithMaxRunes(n int) Option {
	return func(g *Guard) { g.maxRunes = n }
}

// WithInjectionBlocking blocks input that looks like a prompt injection.
func WithInjectionBlocking(on bool) Option {
	return func(g *Guard) { g.blockInjection = on }
}

// WithPIIRedaction replaces PII with placeholders in both stages.
func WithPIIRedaction(on bool) Option {
	return func(g *Guard) { g.redactPII = on }
}

// New creates a guard.
func New(opts ...Option) *Guard {
	g := &Guard{}
	for _, o := range opts {
		o(g)
	}
	return g
}

// FromConfig builds the guard described by cfg.
func FromConfig(cfg config.GuardConfig) *Guard {
	return New(
		WithMaxRunes(cfg.MaxInputChars),
		WithInjectionBlocking(cfg.BlockInjection),
		WithPIIRedaction(cfg.RedactPII),
	)
}

// Screen runs the checks that apply to stage. A blocked result keeps the
// original text; a passing result carries the possibly redacted text.
func (g *Guard) Screen(stage Stage, text string) Result {
	if g == nil {
		return Result{Text: text}
	}
	if stage == StageInput {
		if g.maxRunes > 0 && utf8.RuneCountInString(text) > g.maxRunes {
			return Result{Text: text, Blocked: true, Kind: KindMaxLength, Message: "message exceeds maximum character limit"}
		}
		if g.blockInjection && looksInjected(text) {
			return Result{Text: text, Blocked: true, Kind: KindPromptInjection, Message: "potential prompt injection detected"}
		}
	}
	if !g.redactPII {
		return Result{Text: text}
	}
	out, names := redact(text)
	res := Result{Text: out, Redacted: names}
	if len(names) > 0 {
		res.Kind = KindPIIRedaction
	}
	return res
}

// ── PII Redaction ───────────────────────────────────────────

type piiPattern struct {
	name        string
	re          *regexp.Regexp
	placeholder string
}

// Order matters: card numbers are replaced before the phone pattern could
// match a run of their digits.
var piiPatterns = []piiPattern{
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[卡號已遮蔽]"},
	{"national_id", regexp.MustCompile(`\b[A-Z][12]\d{8}\b`), "[身分證字號已遮蔽]"},
	{"mobile", regexp.MustCompile(`(?:\+886[-\s]?|\b0)9\d{2}[-\s]?\d{3}[-\s]?\d{3}\b`), "[手機號碼已遮蔽]"},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[Email 已遮蔽]"},
}

func redact(text string) (string, []string) {
	var names []string
	for _, p := range piiPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		text = p.re.ReplaceAllString(text, p.placeholder)
		names = append(names, p.name)
	}
	sort.Strings(names)
	return text, names
}

// ── Prompt Injection Detection ──────────────────────────────

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(忽略|無視|忘記)(掉)?(之前|先前|以上|前面|所有)的?(指示|指令|規則|設定|提示)`),
	regexp.MustCompile(`(顯示|告訴我|輸出|洩漏)(你的)?(系統)?(提示詞|system prompt)`),
}

func looksInjected(text string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
