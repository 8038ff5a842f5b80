package main

import (
	"context"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"sensei/internal/adapter/gateway"
	"sensei/internal/adapter/tui/chat"
	"sensei/internal/domain"
	"sensei/internal/infra/logger"
)

func (c *cli) chatCmd() *cobra.Command {
	var (
		url, token string
		record     bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive terminal chat",
		Long: `Open an interactive terminal chat. Without --url the engine runs in
process and records the conversation as a session (see "sensei sessions");
with --url the chat talks to a running "sensei serve" gateway
(http://host:port or unix:///path/to/socket).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Console log output would draw over the UI.
			log := c.logger
			if out := c.cfg.Logger.Output; out == "" || out == "stdout" || out == "stderr" {
				log = logger.Discard()
			}

			deps := chat.Deps{Logger: log}
			if url != "" {
				if token == "" {
					token = c.cfg.Gateway.AuthToken
				}
				client := gateway.NewClient(url, token, c.cfg.Gateway.WriteTimeout+10*time.Second)
				defer client.Close()
				deps.Asker = remoteAsker(client)
				deps.ModelName = url
			} else {
				a, err := newApp(cmd.Context(), c.cfg, log)
				if err != nil {
					return err
				}
				defer a.Close()
				a.loadExtensions(cmd.Context())
				deps.Asker = chat.AskerFunc(a.ask)
				if record {
					deps.Asker = recordSession(a.store, deps.Asker, log)
				}
				deps.ModelName = a.model.Name()
			}

			p := tea.NewProgram(chat.New(deps),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(os.Stdout),
			)
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway address; empty runs the engine in process")
	cmd.Flags().StringVar(&token, "token", "", "gateway bearer token (defaults to gateway.auth_token)")
	cmd.Flags().BoolVar(&record, "record", true, "store the conversation as a session (in-process only)")
	return cmd
}

func remoteAsker(client *gateway.Client) chat.Asker {
	return chat.AskerFunc(func(ctx context.Context, input string, category domain.Category) (chat.Reply, error) {
		resp, err := client.Ask(ctx, input, category)
		if err != nil {
			return chat.Reply{}, err
		}
		return chat.Reply{Category: resp.Category, Tier: string(resp.Tier), Text: resp.Content}, nil
	})
}
