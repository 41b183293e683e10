// Package process manages sub-agent subprocesses.
//
// With the default stdio transport the dispatcher spawns each sub-agent as
// a child process of its own binary (`cardmate agent serve --transport
// stdio`). The Manager owns those children: it wires their stdin/stdout to
// the MCP channel, captures stderr into a per-agent LogBuffer, and stops
// them on shutdown.
//
// Architecture:
//
//	sessions.Registry.Connect(spec)
//	    └─► Manager.Start(spec)
//	            └─► Process{Stdin, Stdout, Logs}
//	                    └─► mcpgw.NewStdioClient(Stdout, Stdin, Process.Stop)
package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultLogLines is the per-agent stderr retention.
const DefaultLogLines = 500

// Info is the status snapshot of one managed process.
type Info struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
	ExitError string    `json:"exit_error,omitempty"`
	LogLines  int       `json:"log_lines"`
}

// Manager tracks sub-agent processes by name.
type Manager struct {
	mu        sync.RWMutex
	processes map[string]*Process
	logLines  int
	env       []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogLines sets how many stderr lines are kept per agent.
func WithLogLines(n int) Option {
	return func(m *Manager) { m.logLines = n }
}

// WithEnv adds KEY=VALUE pairs to every child's environment.
func WithEnv(env ...string) Option {
	return func(m *Manager) { m.env = append(m.env, env...) }
}

// NewManager creates an empty process manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		processes: make(map[string]*Process),
		logLines:  DefaultLogLines,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start spawns the sub-agent described by spec. A process already running
// under the same name is returned as is.
func (m *Manager) Start(_ context.Context, spec Spec) (*Process, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("process spec without name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.processes[spec.Name]; ok && existing.Running() {
		return existing, nil
	}

	p, err := spawn(spec, m.buildEnvironment(spec), m.logLines)
	if err != nil {
		return nil, fmt.Errorf("failed to start agent process %s: %w", spec.Name, err)
	}
	m.processes[spec.Name] = p
	return p, nil
}

// Stop terminates the named process. Unknown names are a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.RLock()
	p, ok := m.processes[name]
	m.mu.RUnlock()
	if !ok || !p.Running() {
		return nil
	}
	log.Info().Str("agent", name).Int("pid", p.PID).Msg("Stopping agent process")
	return p.Stop(ctx)
}

// StopAll terminates every running process concurrently. Called on
// shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	running := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		if p.Running() {
			running = append(running, p)
		}
	}
	m.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		lastErr error
	)
	for _, p := range running {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				log.Warn().Err(err).Str("agent", p.Name).Msg("Failed to stop agent process during shutdown")
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(running) > 0 {
		log.Info().Int("count", len(running)).Msg("All agent processes stopped")
	}
	return lastErr
}

// Logs returns the last n stderr lines of the named agent.
func (m *Manager) Logs(name string, n int) ([]LogEntry, bool) {
	m.mu.RLock()
	p, ok := m.processes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.Logs().Recent(n), true
}

// List returns a status snapshot of every tracked process, by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.processes))
	for _, p := range m.processes {
		info := Info{
			Name:      p.Name,
			PID:       p.PID,
			StartedAt: p.StartedAt,
			Running:   p.Running(),
			LogLines:  p.Logs().Total(),
		}
		if err := p.ExitErr(); err != nil {
			info.ExitError = err.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// buildEnvironment creates the env vars for the agent process. Children
// log JSON to stderr so relog can keep their levels and fields.
func (m *Manager) buildEnvironment(spec Spec) []string {
	env := []string{
		"CARDMATE_AGENT_NAME=" + spec.Name,
		"CARDMATE_LOG_FORMAT=json",
	}
	return append(env, m.env...)
}
