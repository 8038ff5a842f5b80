package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensei/internal/adapter/memory/vector"
	"sensei/internal/adapter/tui/chat"
	"sensei/internal/domain"
	"sensei/internal/infra/logger"
)

func TestRecordSession(t *testing.T) {
	store, err := vector.Open(filepath.Join(t.TempDir(), "sessions.db"), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	asker := chat.AskerFunc(func(_ context.Context, input string, _ domain.Category) (chat.Reply, error) {
		if input == "fail" {
			return chat.Reply{}, errors.New("model down")
		}
		return chat.Reply{Text: "re: " + input}, nil
	})
	rec := recordSession(store, asker, logger.Discard())

	_, err = rec.Ask(ctx, "fail", "")
	require.Error(t, err)
	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "failed turns are not recorded")

	long := "  how   does " + strings.Repeat("x", 80)
	_, err = rec.Ask(ctx, long, "")
	require.NoError(t, err)
	_, err = rec.Ask(ctx, "thanks", domain.CategoryCasual)
	require.NoError(t, err)

	sessions, err = store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, strings.HasPrefix(sessions[0].Title, "how does xxx"), sessions[0].Title)
	assert.True(t, strings.HasSuffix(sessions[0].Title, "..."))
	assert.Len(t, []rune(sessions[0].Title), sessionTitleLen+3)

	msgs, err := store.Messages(ctx, sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, long, msgs[0].Content)
	assert.Equal(t, "assistant", msgs[3].Role)
	assert.Equal(t, "re: thanks", msgs[3].Content)
}

func TestCLI_Sessions(t *testing.T) {
	cfgPath := writeConfig(t, fakeOllama(t).URL)
	ctx := context.Background()

	store, err := vector.Open(filepath.Join(filepath.Dir(cfgPath), "sensei.db"), logger.Discard())
	require.NoError(t, err)
	sess, err := store.CreateSession(ctx, "port scan review")
	require.NoError(t, err)
	_, err = store.AddMessage(ctx, sess.ID, "user", "what is open on 10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := runCLI(t, cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, sess.ID)
	assert.Contains(t, out, "port scan review")

	out, err = runCLI(t, cfgPath, "sessions", "show", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "[user]")
	assert.Contains(t, out, "what is open on 10.0.0.5")

	_, err = runCLI(t, cfgPath, "sessions", "rename", sess.ID, "nmap", "follow-up")
	require.NoError(t, err)
	out, err = runCLI(t, cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "nmap follow-up")

	_, err = runCLI(t, cfgPath, "sessions", "delete", sess.ID)
	require.NoError(t, err)
	_, err = runCLI(t, cfgPath, "sessions", "show", sess.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
