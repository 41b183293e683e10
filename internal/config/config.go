package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the cardmate dispatcher and its
// sub-agent processes.
type Config struct {
	Port      int             `yaml:"port"`
	Version   string          `yaml:"version"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // console or json
	Turn      time.Duration   `yaml:"turn_timeout"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	NATS      NATSConfig      `yaml:"nats"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Guard     GuardConfig     `yaml:"guardrails"`
	Agents    []AgentSpec     `yaml:"agents"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LLMConfig selects chat-completion providers. Providers are tried in
// order; later entries are fallbacks.
type LLMConfig struct {
	Providers   []string      `yaml:"providers"` // openai, genai
	BaseURL     string        `yaml:"base_url"`  // OpenAI-compatible endpoint
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama, openai, genai
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type IndexConfig struct {
	Kind  string `yaml:"kind"` // embedded or pgvector
	Path  string `yaml:"path"`
	PGURL string `yaml:"pg_url"`
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ReasoningConfig bounds the dispatcher and sub-agent loops.
type ReasoningConfig struct {
	MaxRounds          int `yaml:"max_rounds"`
	TopK               int `yaml:"top_k"`
	EligibilityWorkers int `yaml:"eligibility_workers"`
}

// GuardConfig controls the input and output screens on chat text.
type GuardConfig struct {
	MaxInputChars  int  `yaml:"max_input_chars"` // 0 disables
	RedactPII      bool `yaml:"redact_pii"`
	BlockInjection bool `yaml:"block_injection"`
}

// AgentSpec tells the dispatcher how to reach one sub-agent. An empty
// Command on a stdio spec means "this binary".
type AgentSpec struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"` // stdio, http, nats
	Command   string   `yaml:"command,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	Env       []string `yaml:"env,omitempty"`
	URL       string   `yaml:"url,omitempty"`     // http transport
	Subject   string   `yaml:"subject,omitempty"` // nats transport
}

// Default sub-agent names, in the order the dispatcher advertises them.
var DefaultAgentNames = []string{"product_agent", "comparing_agent", "demand_agent", "eligibility_agent"}

// Load reads configuration from environment variables with sensible
// defaults, then overlays the YAML file named by CARDMATE_CONFIG if set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      envInt("CARDMATE_PORT", 8080),
		Version:   envStr("CARDMATE_VERSION", "0.1.0"),
		LogLevel:  envStr("CARDMATE_LOG_LEVEL", "info"),
		LogFormat: envStr("CARDMATE_LOG_FORMAT", "console"),
		Turn:      envDuration("CARDMATE_TURN_TIMEOUT", 5*time.Minute),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "cardmate"),
		},
		LLM: LLMConfig{
			Providers:   envList("CARDMATE_LLM_PROVIDERS", []string{"openai"}),
			BaseURL:     envStr("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
			APIKey:      envStr("GEMINI_API_KEY", ""),
			Model:       envStr("GEMINI_MODEL", "gemini-2.5-flash"),
			Temperature: envFloat("CARDMATE_LLM_TEMPERATURE", 0.7),
			Timeout:     envDuration("CARDMATE_LLM_TIMEOUT", 60*time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider:   envStr("CARDMATE_EMBED_PROVIDER", "ollama"),
			Endpoint:   envStr("CARDMATE_EMBED_ENDPOINT", ""),
			APIKey:     envStr("CARDMATE_EMBED_API_KEY", ""),
			Model:      envStr("CARDMATE_EMBED_MODEL", ""),
			Dimensions: envInt("CARDMATE_EMBED_DIMENSIONS", 0),
		},
		Index: IndexConfig{
			Kind:  envStr("CARDMATE_INDEX_KIND", "embedded"),
			Path:  envStr("CARDMATE_INDEX_PATH", "cards_rag_embedded.jsonl"),
			PGURL: envStr("CARDMATE_PGVECTOR_URL", ""),
		},
		NATS: NATSConfig{
			URL:            envStr("CARDMATE_NATS_URL", "nats://127.0.0.1:4222"),
			RequestTimeout: envDuration("CARDMATE_NATS_TIMEOUT", 120*time.Second),
		},
		Reasoning: ReasoningConfig{
			MaxRounds:          envInt("CARDMATE_MAX_ROUNDS", 5),
			TopK:               envInt("CARDMATE_TOP_K", 5),
			EligibilityWorkers: envInt("CARDMATE_ELIGIBILITY_WORKERS", 4),
		},
		Guard: GuardConfig{
			MaxInputChars:  envInt("CARDMATE_MAX_INPUT_CHARS", 2000),
			RedactPII:      envBool("CARDMATE_REDACT_PII", true),
			BlockInjection: envBool("CARDMATE_BLOCK_INJECTION", true),
		},
	}

	if path := os.Getenv("CARDMATE_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = DefaultAgents()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultAgents launches every sub-agent as a stdio subprocess of this binary.
func DefaultAgents() []AgentSpec {
	specs := make([]AgentSpec, 0, len(DefaultAgentNames))
	for _, name := range DefaultAgentNames {
		specs = append(specs, AgentSpec{
			Name:      name,
			Transport: "stdio",
			Args:      []string{"agent", "serve", "--name", name, "--transport", "stdio"},
		})
	}
	return specs
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Reasoning.MaxRounds < 1 {
		return fmt.Errorf("reasoning.max_rounds must be >= 1, got %d", c.Reasoning.MaxRounds)
	}
	if c.Guard.MaxInputChars < 0 {
		return fmt.Errorf("guardrails.max_input_chars must be >= 0, got %d", c.Guard.MaxInputChars)
	}
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent spec without name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent %q", a.Name)
		}
		seen[a.Name] = true
		switch a.Transport {
		case "stdio":
		case "http":
			if a.URL == "" {
				return fmt.Errorf("agent %q: http transport needs url", a.Name)
			}
		case "nats":
		default:
			return fmt.Errorf("agent %q: unknown transport %q", a.Name, a.Transport)
		}
	}
	return nil
}

// Agent returns the spec for name.
func (c *Config) Agent(name string) (AgentSpec, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
