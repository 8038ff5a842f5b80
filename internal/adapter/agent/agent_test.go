package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensei/internal/domain"
	"sensei/internal/usecase/multiagent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedModel returns reply (or err) and remembers every prompt.
type scriptedModel struct {
	mu         sync.Mutex
	reply      string
	err        error
	prompts    []string
	unfiltered int
}

func (m *scriptedModel) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	return m.reply, m.err
}

func (m *scriptedModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// unfilteredModel also implements domain.UnfilteredGenerator.
type unfilteredModel struct {
	scriptedModel
}

func (m *unfilteredModel) GenerateUnfiltered(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.unfiltered++
	m.mu.Unlock()
	return m.Generate(ctx, prompt)
}

func TestSpecialist_PromptShape(t *testing.T) {
	m := &scriptedModel{reply: "use nmap -sV"}
	s := NewSpecialist(m, SpecialistConfig{Category: domain.CategoryRed, Prompt: "You are RED."}, testLogger())

	assert.Equal(t, domain.CategoryRed, s.Category())
	assert.Equal(t, "use nmap -sV", s.Process(context.Background(), "how do I enumerate services"))
	assert.Equal(t, "You are RED.\n\nUser Query: how do I enumerate services", m.lastPrompt())
}

func TestSpecialist_RawFlag(t *testing.T) {
	tests := []struct {
		name           string
		cfg            SpecialistConfig
		input          string
		wantPrefix     string
		wantUnfiltered int
	}{
		{
			name:       "master prompt without unfiltered",
			cfg:        SpecialistConfig{Category: domain.CategoryBlue, Prompt: "BLUE", MasterPrompt: "MASTER"},
			input:      "explain --raw",
			wantPrefix: "MASTER\n\n",
		},
		{
			name:           "unfiltered red",
			cfg:            SpecialistConfig{Category: domain.CategoryRed, Prompt: "RED", MasterPrompt: "MASTER", Unfiltered: true},
			input:          "--raw payload",
			wantPrefix:     "MASTER\n\n",
			wantUnfiltered: 1,
		},
		{
			name:       "no master prompt keeps system prompt",
			cfg:        SpecialistConfig{Category: domain.CategoryRed, Prompt: "RED", Unfiltered: true},
			input:      "plain question",
			wantPrefix: "RED\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &unfilteredModel{scriptedModel{reply: "ok"}}
			s := NewSpecialist(m, tt.cfg, testLogger())
			assert.Equal(t, "ok", s.Process(context.Background(), tt.input))
			assert.True(t, strings.HasPrefix(m.lastPrompt(), tt.wantPrefix), m.lastPrompt())
			assert.Equal(t, tt.wantUnfiltered, m.unfiltered)
		})
	}
}

func TestSpecialist_ModelError(t *testing.T) {
	m := &scriptedModel{err: errors.New("quota")}
	s := NewSpecialist(m, SpecialistConfig{Category: domain.CategoryCasual, Prompt: "hi"}, nil)
	assert.Equal(t, ErrorReply, s.Process(context.Background(), "hello"))
}

type stubTool struct {
	name string
	out  string
	err  error
	got  []string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Execute(_ context.Context, arg string) (string, error) {
	s.got = append(s.got, arg)
	return s.out, s.err
}

type stubTools map[string]domain.Tool

func (s stubTools) Get(name string) (domain.Tool, error) {
	if t, ok := s[name]; ok {
		return t, nil
	}
	return nil, domain.ErrToolNotFound
}

func (s stubTools) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	return names
}

func TestToolExecutor(t *testing.T) {
	diag := &stubTool{name: "system_diagnostic", out: " 10:00 up 3 days"}
	broken := &stubTool{name: "nmap", err: errors.New("nmap missing")}
	tools := stubTools{diag.name: diag, broken.name: broken}

	tests := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{
			name:  "runs the chosen tool",
			reply: "Sure!\n```json\n{\"tool_name\": \"system_diagnostic\", \"argument\": \"uptime\"}\n```",
			want:  "Action executed successfully.\n\n**Tool Output:**\n```\n 10:00 up 3 days\n```",
		},
		{
			name:  "model declines",
			reply: `{"tool_name": "none", "argument": "no tool can order pizza"}`,
			want:  "I cannot perform this action: no tool can order pizza",
		},
		{
			name:  "unknown tool",
			reply: `{"tool_name": "rm", "argument": "-rf /"}`,
			want:  "Error: Tool 'rm' selected by AI is not found in registry.",
		},
		{
			name:  "tool failure",
			reply: `{"tool_name": "nmap", "argument": "10.0.0.1"}`,
			want:  "Tool execution failed: nmap missing",
		},
		{
			name:  "garbage decision",
			reply: "I think you should run uptime",
			want:  "Error: Failed to process action request (LLM Decision Failed).",
		},
		{
			name:  "missing tool name",
			reply: `{"argument": "uptime"}`,
			want:  "Error: Failed to process action request (LLM Decision Failed).",
		},
		{
			name: "model error",
			err:  errors.New("503"),
			want: "Error: Failed to process action request (LLM Decision Failed).",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &scriptedModel{reply: tt.reply, err: tt.err}
			e := NewToolExecutor(domain.CategoryAction, m, tools, testLogger())
			assert.Equal(t, tt.want, e.Process(context.Background(), "check uptime please"))
			assert.Contains(t, m.lastPrompt(), `User Request: "check uptime please"`)
		})
	}
	assert.Equal(t, []string{"uptime"}, diag.got)
}

type fakeProvider struct {
	initErr error
	listErr error
	tools   []mcp.Tool
	callOut string
	callErr error
	calls   []map[string]any
	closed  int
	names   []string
}

func (f *fakeProvider) Initialize(context.Context) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{ServerInfo: mcp.Implementation{Name: "fake"}}, nil
}

func (f *fakeProvider) ListTools(context.Context) ([]mcp.Tool, error) {
	return f.tools, f.listErr
}

func (f *fakeProvider) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	f.names = append(f.names, name)
	f.calls = append(f.calls, args)
	return f.callOut, f.callErr
}

func (f *fakeProvider) Close() error {
	f.closed++
	return nil
}

func TestMCPProxy_Process(t *testing.T) {
	tool := mcp.NewTool("system_diagnostic",
		mcp.WithDescription("Run system checks."),
		mcp.WithString("command", mcp.Required()))

	tests := []struct {
		name    string
		reply   string
		callErr error
		want    string
	}{
		{
			name:  "calls the chosen tool",
			reply: `{"tool_name": "system_diagnostic", "arguments": {"command": "uptime"}}`,
			want:  "Tool 'system_diagnostic' on Loopback executed successfully:\n\nup 1 day",
		},
		{
			name:  "declines",
			reply: `{"tool_name": "none", "arguments": {}}`,
			want:  "I cannot process this request with the available tools on Loopback.",
		},
		{
			name:    "call fails",
			reply:   `{"tool_name": "system_diagnostic", "arguments": {"command": "uptime"}}`,
			callErr: errors.New("boom"),
			want:    "MCP Tool execution failed: boom",
		},
		{
			name:  "undecodable decision",
			reply: "no json here",
			want:  "Error: Failed to decide on MCP tool execution.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &fakeProvider{tools: []mcp.Tool{tool}, callOut: "up 1 day", callErr: tt.callErr}
			m := &scriptedModel{reply: tt.reply}
			p, err := NewMCPProxy(context.Background(), "Loopback", prov, m, testLogger())
			require.NoError(t, err)

			assert.Equal(t, domain.Category("loopback"), p.Category())
			assert.True(t, p.Category().IsDynamic())
			assert.Equal(t, tt.want, p.Process(context.Background(), "how long has the box been up"))

			prompt := m.lastPrompt()
			assert.Contains(t, prompt, "MCP Server named 'Loopback'")
			assert.Contains(t, prompt, `"name": "system_diagnostic"`)
			assert.Contains(t, prompt, `User Request: "how long has the box been up"`)
		})
	}
}

func TestMCPProxy_PassesArguments(t *testing.T) {
	prov := &fakeProvider{callOut: "ok"}
	m := &scriptedModel{reply: `{"tool_name": "scan", "arguments": {"target": "10.0.0.1", "ports": 3}}`}
	p, err := NewMCPProxy(context.Background(), "kali", prov, m, nil)
	require.NoError(t, err)

	p.Process(context.Background(), "scan it")
	require.Len(t, prov.calls, 1)
	assert.Equal(t, "scan", prov.names[0])
	assert.Equal(t, map[string]any{"target": "10.0.0.1", "ports": float64(3)}, prov.calls[0])
	assert.Empty(t, p.Tools())

	require.NoError(t, p.Close())
	assert.Equal(t, 1, prov.closed)
}

func TestMCPProxy_RejectsArgumentsOutsideSchema(t *testing.T) {
	tool := mcp.NewTool("system_diagnostic",
		mcp.WithString("command", mcp.Required()))
	prov := &fakeProvider{tools: []mcp.Tool{tool}, callOut: "up"}

	for _, reply := range []string{
		`{"tool_name": "system_diagnostic", "arguments": {"command": 7}}`,
		`{"tool_name": "system_diagnostic"}`,
	} {
		p, err := NewMCPProxy(context.Background(), "loopback", prov, &scriptedModel{reply: reply}, nil)
		require.NoError(t, err)
		out := p.Process(context.Background(), "uptime please")
		assert.True(t, strings.HasPrefix(out, "MCP Tool arguments rejected for 'system_diagnostic':"), out)
	}
	assert.Empty(t, prov.calls)
}

func TestNewMCPProxy_HandshakeErrors(t *testing.T) {
	_, err := NewMCPProxy(context.Background(), "x", &fakeProvider{initErr: domain.ErrConnectionClosed}, &scriptedModel{}, nil)
	assert.True(t, errors.Is(err, domain.ErrConnectionClosed))

	_, err = NewMCPProxy(context.Background(), "x", &fakeProvider{listErr: domain.ErrCallTimeout}, &scriptedModel{}, nil)
	assert.True(t, errors.Is(err, domain.ErrCallTimeout))
}

func TestMCPLauncher_MissingBinary(t *testing.T) {
	launch := NewMCPLauncher(&scriptedModel{}, 0, nil)
	_, err := launch(context.Background(), multiagentSpec("ghost", "/nonexistent/provider"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProviderError))
}

func multiagentSpec(name, command string) multiagent.ExtensionSpec {
	return multiagent.ExtensionSpec{Name: name, Command: command}
}
