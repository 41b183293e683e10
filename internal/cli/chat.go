package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cardmate/advisor/internal/guardrails"
	"github.com/cardmate/advisor/pkg/server"
	"github.com/spf13/cobra"
)

func newChatCommand() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the dispatcher in the terminal",
		Long: `Starts the sub-agents, then reads questions from stdin until EOF or one
of q, quit, exit. Replies are rendered as markdown unless --plain is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := server.Start(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cardmate %s · agents: %s\n", cfg.Version, strings.Join(rt.Registry.Names(), ", "))
			fmt.Fprintln(out, "輸入問題開始對話，輸入 q / quit / exit 離開。")
			fmt.Fprintln(out)

			guard := guardrails.FromConfig(cfg.Guard)
			history := rt.Dispatcher.NewHistory()
			r := &repl{
				in:     cmd.InOrStdin(),
				out:    out,
				prompt: "> ",
				render: markdownRenderer(plain || !stdinIsTerminal(), 100),
			}
			return r.run(ctx, func(ctx context.Context, line string) (string, error) {
				in := guard.Screen(guardrails.StageInput, line)
				if in.Blocked {
					return "", fmt.Errorf("message rejected (%s): %s", in.Kind, in.Message)
				}
				reply := rt.Dispatcher.HandleTurn(ctx, in.Text, history)
				return guard.Screen(guardrails.StageOutput, reply).Text, nil
			})
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "print replies without markdown rendering")
	return cmd
}
