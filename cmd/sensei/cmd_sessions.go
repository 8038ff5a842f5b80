package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sensei/internal/adapter/memory/vector"
	"sensei/internal/adapter/tui/chat"
	"sensei/internal/domain"
)

// sessionTitleLen bounds titles taken from a conversation's first message.
const sessionTitleLen = 60

// recordSession wraps asker so each answered turn is stored in a session.
// The session is created on the first turn and titled after it. Storage
// failures are logged and never fail the turn.
func recordSession(store domain.SessionStore, asker chat.Asker, log *slog.Logger) chat.Asker {
	var (
		mu        sync.Mutex
		sessionID string
	)
	return chat.AskerFunc(func(ctx context.Context, input string, category domain.Category) (chat.Reply, error) {
		reply, err := asker.Ask(ctx, input, category)
		if err != nil {
			return reply, err
		}
		// Storage must not inherit a cancelled request context.
		sctx := context.WithoutCancel(ctx)
		mu.Lock()
		defer mu.Unlock()
		if sessionID == "" {
			sess, serr := store.CreateSession(sctx, titleFrom(input))
			if serr != nil {
				log.Warn("session not recorded", "error", serr)
				return reply, nil
			}
			sessionID = sess.ID
		}
		for _, m := range [][2]string{{"user", input}, {"assistant", reply.Text}} {
			if _, serr := store.AddMessage(sctx, sessionID, m[0], m[1]); serr != nil {
				log.Warn("session message not recorded", "session", sessionID, "error", serr)
			}
		}
		return reply, nil
	})
}

func titleFrom(input string) string {
	title := strings.Join(strings.Fields(input), " ")
	if r := []rune(title); len(r) > sessionTitleLen {
		title = string(r[:sessionTitleLen]) + "..."
	}
	return title
}

func (c *cli) sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage recorded chat sessions",
	}
	withStore := func(run func(cmd *cobra.Command, store *vector.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, err := vector.Open(c.cfg.Memory.DatabasePath, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return run(cmd, store, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, most recent first",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, store *vector.Store, _ []string) error {
				sessions, err := store.ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUPDATED\tTITLE")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.UpdatedAt.Local().Format(time.DateTime), s.Title)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "show ID",
			Short: "Print the messages of a session",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, store *vector.Store, args []string) error {
				msgs, err := store.Messages(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n%s\n\n", m.Role, m.CreatedAt.Local().Format(time.DateTime), m.Content)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rename ID TITLE",
			Short: "Change a session's title",
			Args:  cobra.MinimumNArgs(2),
			RunE: withStore(func(cmd *cobra.Command, store *vector.Store, args []string) error {
				return store.RenameSession(cmd.Context(), args[0], strings.Join(args[1:], " "))
			}),
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "Delete a session and its messages",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, store *vector.Store, args []string) error {
				return store.DeleteSession(cmd.Context(), args[0])
			}),
		},
	)
	return cmd
}
