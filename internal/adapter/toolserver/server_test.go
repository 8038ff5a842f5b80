package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensei/internal/adapter/tool"
	"sensei/internal/domain"
)

type echoTool struct {
	fail bool
}

func (echoTool) Name() string        { return "system_diagnostic" }
func (echoTool) Description() string { return "Run system checks (uptime, df, free)." }
func (echoTool) Parameter() tool.Parameter {
	return tool.Parameter{Name: "command", Description: "check to run", Enum: []string{"uptime", "disk"}}
}
func (e echoTool) Execute(_ context.Context, arg string) (string, error) {
	if e.fail {
		return "", errors.New("backend exploded")
	}
	return "ran " + arg, nil
}

type memDocs struct {
	docs []domain.Document
}

func (m *memDocs) AddDocument(_ context.Context, content string, _ []float32) (domain.Document, error) {
	d := domain.Document{ID: fmt.Sprintf("doc%d", len(m.docs)+1), Content: content, CreatedAt: time.Now()}
	m.docs = append(m.docs, d)
	return d, nil
}

func (m *memDocs) SearchDocuments(context.Context, []float32, int) ([]domain.Document, error) {
	return nil, nil
}

func (m *memDocs) GetDocument(_ context.Context, id string) (domain.Document, error) {
	for _, d := range m.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Document{}, domain.NewSubSystemError("knowledge", "memDocs.GetDocument", domain.ErrNotFound, id)
}

func (m *memDocs) ListDocuments(_ context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 || limit > len(m.docs) {
		limit = len(m.docs)
	}
	return m.docs[:limit], nil
}

type rpcReply struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func call(t *testing.T, s *Server, id int, method string, params any) rpcReply {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)
	msg := s.MCPServer().HandleMessage(context.Background(), body)
	require.NotNil(t, msg)
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	var reply rpcReply
	require.NoError(t, json.Unmarshal(out, &reply))
	return reply
}

func newTestServer(t *testing.T, tools []domain.Tool, docs *memDocs) *Server {
	t.Helper()
	opts := []Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	if docs != nil {
		opts = append(opts, WithKnowledge(docs))
	}
	s := New("sensei-mcp", "0.1.0", tools, opts...)
	reply := call(t, s, 1, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "test", "version": "1"},
		"capabilities":    map[string]any{},
	})
	require.Nil(t, reply.Error)
	return s
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t, []domain.Tool{echoTool{}}, nil)

	reply := call(t, s, 2, "tools/list", map[string]any{})
	require.Nil(t, reply.Error)

	var res struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			InputSchema struct {
				Properties map[string]struct {
					Enum []string `json:"enum"`
				} `json:"properties"`
				Required []string `json:"required"`
			} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	require.Len(t, res.Tools, 1)
	got := res.Tools[0]
	assert.Equal(t, "system_diagnostic", got.Name)
	assert.Equal(t, "Run system checks (uptime, df, free).", got.Description)
	assert.Equal(t, []string{"command"}, got.InputSchema.Required)
	assert.Equal(t, []string{"uptime", "disk"}, got.InputSchema.Properties["command"].Enum)
}

type toolResult struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func TestToolsCall(t *testing.T) {
	tests := []struct {
		name      string
		tool      echoTool
		args      map[string]any
		wantText  string
		wantError bool
	}{
		{"success", echoTool{}, map[string]any{"command": "uptime"}, "ran uptime", false},
		{"missing argument", echoTool{}, map[string]any{}, `Missing required argument "command"`, true},
		{"tool failure", echoTool{fail: true}, map[string]any{"command": "uptime"}, "backend exploded", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, []domain.Tool{tt.tool}, nil)
			reply := call(t, s, 3, "tools/call", map[string]any{"name": "system_diagnostic", "arguments": tt.args})
			require.Nil(t, reply.Error)

			var res toolResult
			require.NoError(t, json.Unmarshal(reply.Result, &res))
			require.Len(t, res.Content, 1)
			assert.Equal(t, tt.wantText, res.Content[0].Text)
			assert.Equal(t, tt.wantError, res.IsError)
		})
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	s := newTestServer(t, []domain.Tool{echoTool{}}, nil)
	reply := call(t, s, 4, "tools/call", map[string]any{"name": "rm", "arguments": map[string]any{}})
	require.NotNil(t, reply.Error)
}

func TestKnowledgeResources(t *testing.T) {
	docs := &memDocs{}
	ctx := context.Background()
	_, _ = docs.AddDocument(ctx, "Kerberoasting targets service accounts with weak passwords", nil)
	_, _ = docs.AddDocument(ctx, "short note", nil)

	s := newTestServer(t, nil, docs)
	n, err := s.SyncResources(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reply := call(t, s, 5, "resources/list", map[string]any{})
	require.Nil(t, reply.Error)
	var list struct {
		Resources []struct {
			URI      string `json:"uri"`
			Name     string `json:"name"`
			MIMEType string `json:"mimeType"`
		} `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &list))
	require.Len(t, list.Resources, 2)
	sort.Slice(list.Resources, func(i, j int) bool { return list.Resources[i].URI < list.Resources[j].URI })
	assert.Equal(t, "sensei://knowledge/doc1", list.Resources[0].URI)
	assert.Equal(t, "Document #doc1 - Kerberoasting targets service ...", list.Resources[0].Name)
	assert.Equal(t, "text/plain", list.Resources[0].MIMEType)
	assert.Equal(t, "Document #doc2 - short note...", list.Resources[1].Name)

	reply = call(t, s, 6, "resources/read", map[string]any{"uri": "sensei://knowledge/doc2"})
	require.Nil(t, reply.Error)
	var read struct {
		Contents []struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &read))
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "short note", read.Contents[0].Text)
}

func TestKnowledgeReadMissing(t *testing.T) {
	s := newTestServer(t, nil, &memDocs{})
	reply := call(t, s, 7, "resources/read", map[string]any{"uri": "sensei://knowledge/nope"})
	require.NotNil(t, reply.Error)
}

func TestSyncResourcesWithoutKnowledge(t *testing.T) {
	s := newTestServer(t, []domain.Tool{echoTool{}}, nil)
	n, err := s.SyncResources(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
