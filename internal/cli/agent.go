package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cardmate/advisor/internal/agents"
	"github.com/cardmate/advisor/pkg/models"
	"github.com/cardmate/advisor/pkg/server"
	"github.com/spf13/cobra"
)

func newAgentCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a single sub-agent",
	}
	cmd.AddCommand(newAgentServeCommand(root), newAgentLocalCommand(root))
	return cmd
}

func newAgentServeCommand(root *rootOptions) *cobra.Command {
	var name, transport, addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one sub-agent over an MCP channel",
		Long: `Serves the named sub-agent as an MCP tool server.

  stdio  JSON-RPC lines on stdin/stdout (how the dispatcher spawns agents)
  http   POST /mcp on --addr
  nats   request/reply on cardmate.agents.<name> via $CARDMATE_NATS_URL

Logs go to stderr in every mode.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			root.agent = name
			return cmd.Root().PersistentPreRunE(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := server.NewAgent(ctx, cfg, name)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return a.Serve(ctx, cfg, transport, addr, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "sub-agent name ("+agentList()+")")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "channel transport (stdio, http, nats)")
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address for the http transport")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAgentLocalCommand(root *rootOptions) *cobra.Command {
	var name, profile string
	var plain bool

	cmd := &cobra.Command{
		Use:   "local",
		Short: "Talk to one sub-agent directly, without the dispatcher",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			root.agent = name
			return cmd.Root().PersistentPreRunE(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := server.NewAgent(ctx, cfg, name)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s · 輸入 q / quit / exit 離開。\n\n", name)
			r := &repl{
				in:     cmd.InOrStdin(),
				out:    out,
				prompt: name + "> ",
				render: markdownRenderer(plain || !stdinIsTerminal(), 100),
			}
			return r.run(ctx, func(ctx context.Context, line string) (string, error) {
				raw, err := localArguments(a.Tool.Descriptor, line, profile)
				if err != nil {
					return "", err
				}
				return a.Tools.Call(ctx, name, raw)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "sub-agent name ("+agentList()+")")
	cmd.Flags().StringVar(&profile, "profile", "", "user profile JSON passed to agents that accept one")
	cmd.Flags().BoolVar(&plain, "plain", false, "print replies without markdown rendering")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// localArguments maps one typed line onto the agent's arguments: its first
// required parameter receives the line, a profile parameter the profile.
func localArguments(d models.ToolDescriptor, line, profile string) (json.RawMessage, error) {
	args := map[string]interface{}{}
	placed := false
	for _, p := range d.Parameters {
		switch {
		case p.Name == "user_profile" || p.Name == "user_profile_json":
			if profile != "" {
				args[p.Name] = profile
			}
		case p.Required && !placed:
			args[p.Name] = line
			placed = true
		}
	}
	if !placed {
		return nil, fmt.Errorf("agent %s takes no text parameter", d.Name)
	}
	return json.Marshal(args)
}

func agentList() string {
	return strings.Join(agents.Names(), ", ")
}
