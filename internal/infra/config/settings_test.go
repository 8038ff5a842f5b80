package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensei/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadPrompts(t *testing.T) {
	path := writeFile(t, "prompts.yaml", `
agents:
  red_team:
    prompt: "SYSTEM: You are a Red Team Operator."
  router:
    prompt: |
      Classify. ACTIVE EXTENSIONS: {EXTENSIONS}
  blank:
    prompt: "   "
`)
	p, err := LoadPrompts(path)
	require.NoError(t, err)

	assert.Equal(t, "SYSTEM: You are a Red Team Operator.", p.Get("red_team", "x"))
	assert.Contains(t, p.Get("router", ""), "{EXTENSIONS}")
	assert.Equal(t, "default", p.Get("blank", "default"))
	assert.Equal(t, "default", p.Get("missing", "default"))

	var nilPrompts *Prompts
	assert.Equal(t, "d", nilPrompts.Get("red_team", "d"))
}

func TestLoadPrompts_Errors(t *testing.T) {
	_, err := LoadPrompts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))

	_, err = LoadPrompts(writeFile(t, "bad.yaml", "agents: [unclosed"))
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))
}

func TestLoadMCPSettings(t *testing.T) {
	path := writeFile(t, "mcp.json", `{
  "mcpServers": {
    "loopback": {"command": "sensei-mcp", "args": ["--stdio"], "env": {"A": "1"}},
    "github": {"command": "npx", "args": ["-y", "server-github"], "disabled": true}
  }
}`)
	s, err := LoadMCPSettings(path)
	require.NoError(t, err)
	require.Len(t, s.Servers, 2)
	assert.Equal(t, "sensei-mcp", s.Servers["loopback"].Command)
	assert.Equal(t, map[string]string{"A": "1"}, s.Servers["loopback"].Env)
	assert.Equal(t, []string{"loopback"}, s.Enabled())
}

func TestLoadMCPSettings_Errors(t *testing.T) {
	_, err := LoadMCPSettings(writeFile(t, "bad.json", `{"mcpServers": `))
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))

	_, err = LoadMCPSettings(writeFile(t, "nocmd.json", `{"mcpServers": {"x": {"args": []}}}`))
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))

	s, err := LoadMCPSettings(writeFile(t, "empty.json", `{}`))
	require.NoError(t, err)
	assert.Empty(t, s.Enabled())
}
