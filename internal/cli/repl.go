package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
)

// quitWords end an interactive session, compared case-insensitively.
var quitWords = map[string]bool{"q": true, "quit": true, "exit": true}

// replTurn answers one non-blank input line.
type replTurn func(ctx context.Context, line string) (string, error)

// repl reads lines from in until EOF, a quit word or ctx cancellation.
// Blank lines are skipped; every other line is answered by turn.
type repl struct {
	in     io.Reader
	out    io.Writer
	prompt string
	render func(string) string
}

func (r *repl) run(ctx context.Context, turn replTurn) error {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(r.out, r.prompt)
		if !sc.Scan() {
			fmt.Fprintln(r.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if quitWords[strings.ToLower(line)] {
			fmt.Fprintln(r.out, "Bye!")
			return nil
		}

		reply, err := turn(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n\n", err)
			continue
		}
		if r.render != nil {
			reply = r.render(reply)
		}
		fmt.Fprintf(r.out, "%s\n\n", strings.TrimRight(reply, "\n"))
	}
}

// markdownRenderer renders replies for the terminal. Plain mode, or a
// renderer that cannot be built, leaves text untouched.
func markdownRenderer(plain bool, width int) func(string) string {
	if plain {
		return nil
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return func(s string) string {
		out, err := tr.Render(s)
		if err != nil {
			return s
		}
		return out
	}
}
