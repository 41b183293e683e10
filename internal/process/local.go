package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Spec describes one sub-agent subprocess.
type Spec struct {
	Name    string
	Command string   // empty means this binary
	Args    []string
	Env     []string // KEY=VALUE, added to the inherited environment
}

// Process is a running sub-agent subprocess. Its stdin and stdout carry
// the stdio channel; stderr is captured into Logs.
type Process struct {
	Name      string
	PID       int
	StartedAt time.Time

	Stdin  io.WriteCloser
	Stdout io.Reader

	logs   *LogBuffer
	cmd    *exec.Cmd
	cancel context.CancelFunc

	done    chan struct{}
	waitErr error
	once    sync.Once
}

// spawn starts the subprocess. env is applied before spec.Env so the
// spec can override it.
func spawn(spec Spec, env []string, logLines int) (*Process, error) {
	bin := spec.Command
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}
		bin = self
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, bin, spec.Args...)
	cmd.Env = append(append(os.Environ(), env...), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// io.Pipe rather than StdoutPipe: Wait must not close the read side
	// while the channel is still draining it.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}

	p := &Process{
		Name:      spec.Name,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
		Stdin:     stdin,
		Stdout:    stdoutR,
		logs:      NewLogBuffer(logLines),
		cmd:       cmd,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		_ = p.logs.Capture(stderrR, func(line string) { relog(spec.Name, line) })
	}()
	go func() {
		p.waitErr = cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		close(p.done)
		ev := log.Info()
		if p.waitErr != nil {
			ev = log.Warn().Err(p.waitErr)
		}
		ev.Str("agent", spec.Name).Int("pid", p.PID).Msg("Agent process exited")
	}()

	log.Info().
		Str("agent", spec.Name).
		Int("pid", p.PID).
		Str("command", bin).
		Msg("Agent process started")
	return p, nil
}

// Logs returns the captured stderr buffer.
func (p *Process) Logs() *LogBuffer { return p.logs }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the wait error after exit, nil while running.
func (p *Process) ExitErr() error {
	if p.Running() {
		return nil
	}
	return p.waitErr
}

// Stop closes stdin so the agent can finish in-flight requests and exit,
// escalating to SIGINT and then SIGKILL when it does not.
func (p *Process) Stop(ctx context.Context) error {
	p.once.Do(func() {
		_ = p.Stdin.Close()
		if p.waitFor(ctx, 3*time.Second) {
			return
		}
		log.Warn().Str("agent", p.Name).Int("pid", p.PID).Msg("Agent did not exit on EOF, interrupting")
		_ = p.cmd.Process.Signal(os.Interrupt)
		if p.waitFor(ctx, 2*time.Second) {
			return
		}
		p.cancel()
		<-p.done
	})
	p.cancel()
	return nil
}

func (p *Process) waitFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// relog forwards one stderr line of a sub-agent into this process's log,
// keeping the level and fields of JSON log records.
func relog(agent, line string) {
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		log.Info().Str("agent", agent).Msg(line)
		return
	}
	level, err := zerolog.ParseLevel(fmt.Sprint(rec[zerolog.LevelFieldName]))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)
	delete(rec, "agent")
	log.WithLevel(level).Str("agent", agent).Fields(rec).Msg(msg)
}
