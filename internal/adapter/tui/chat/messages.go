// Package chat implements an interactive Bubble Tea chat against the
// routing and dispatch engine.
package chat

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"sensei/internal/domain"
)

// Reply is one answered turn.
type Reply struct {
	Category domain.Category
	Tier     string
	Text     string
}

// Asker answers a chat turn. A non-empty category skips routing.
type Asker interface {
	Ask(ctx context.Context, input string, category domain.Category) (Reply, error)
}

// AskerFunc adapts a function to Asker.
type AskerFunc func(ctx context.Context, input string, category domain.Category) (Reply, error)

func (f AskerFunc) Ask(ctx context.Context, input string, category domain.Category) (Reply, error) {
	return f(ctx, input, category)
}

// replyMsg carries the result of an Ask. gen identifies the request so a
// reply to a cancelled request can be dropped.
type replyMsg struct {
	reply Reply
	err   error
	gen   uint64
}

func askCmd(ctx context.Context, asker Asker, input string, category domain.Category, gen uint64) tea.Cmd {
	return func() tea.Msg {
		r, err := asker.Ask(ctx, input, category)
		return replyMsg{reply: r, err: err, gen: gen}
	}
}
