// Package toolserver exposes local tools and knowledge documents as a
// line-delimited JSON-RPC tool provider, so one sensei process can be
// mounted as an extension of another.
package toolserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"sensei/internal/adapter/tool"
	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// KnowledgeURIPrefix is the URI scheme for knowledge documents.
const KnowledgeURIPrefix = "sensei://knowledge/"

const snippetLen = 30

// Server wraps an MCP server publishing tools and documents.
type Server struct {
	mcp    *server.MCPServer
	docs   domain.KnowledgeStore
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithKnowledge publishes documents from store as resources.
func WithKnowledge(store domain.KnowledgeStore) Option {
	return func(s *Server) { s.docs = store }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server named name publishing every tool in tools.
func New(name, version string, tools []domain.Tool, opts ...Option) *Server {
	s := &Server{}
	for _, o := range opts {
		o(s)
	}
	s.logger = logger.OrDiscard(s.logger)

	serverOpts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	}
	if s.docs != nil {
		serverOpts = append(serverOpts, server.WithResourceCapabilities(false, false))
	}
	s.mcp = server.NewMCPServer(name, version, serverOpts...)

	for _, t := range tools {
		s.mcp.AddTool(toolDefinition(t), s.toolHandler(t))
	}
	if s.docs != nil {
		s.mcp.AddResourceTemplate(
			mcp.NewResourceTemplate(KnowledgeURIPrefix+"{id}", "Knowledge document",
				mcp.WithTemplateDescription("A document from the sensei knowledge base."),
				mcp.WithTemplateMIMEType("text/plain")),
			s.readDocument)
	}
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// SyncResources publishes the newest limit documents in resources/list.
// limit <= 0 publishes all of them.
func (s *Server) SyncResources(ctx context.Context, limit int) (int, error) {
	if s.docs == nil {
		return 0, nil
	}
	docs, err := s.docs.ListDocuments(ctx, limit)
	if err != nil {
		return 0, domain.WrapOp("toolserver.SyncResources", err)
	}
	for _, d := range docs {
		s.mcp.AddResource(
			mcp.NewResource(KnowledgeURIPrefix+d.ID, resourceName(d),
				mcp.WithMIMEType("text/plain")),
			s.readDocument)
	}
	s.logger.Debug("knowledge resources published", "count", len(docs))
	return len(docs), nil
}

// Serve speaks the protocol over r and w until ctx is done or r closes.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	return stdio.Listen(ctx, r, w)
}

func resourceName(d domain.Document) string {
	snippet := d.Content
	if r := []rune(snippet); len(r) > snippetLen {
		snippet = string(r[:snippetLen])
	}
	return fmt.Sprintf("Document #%s - %s...", d.ID, strings.ReplaceAll(snippet, "\n", " "))
}

func toolDefinition(t domain.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description())}
	if p, ok := t.(tool.Parameterized); ok {
		param := p.Parameter()
		propOpts := []mcp.PropertyOption{mcp.Required(), mcp.Description(param.Description)}
		if len(param.Enum) > 0 {
			propOpts = append(propOpts, mcp.Enum(param.Enum...))
		}
		opts = append(opts, mcp.WithString(param.Name, propOpts...))
	}
	return mcp.NewTool(t.Name(), opts...)
}

func (s *Server) toolHandler(t domain.Tool) server.ToolHandlerFunc {
	param := ""
	if p, ok := t.(tool.Parameterized); ok {
		param = p.Parameter().Name
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := tracer.StartSpan(ctx, "toolserver.call")
		defer span.End()
		span.SetAttributes(tracer.StringAttr("tool.name", t.Name()))

		arg := ""
		if param != "" {
			v, err := req.RequireString(param)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Missing required argument %q", param)), nil
			}
			arg = v
		}

		out, err := t.Execute(ctx, arg)
		if err != nil {
			tracer.RecordError(span, err)
			s.logger.Warn("tool call failed", "tool", t.Name(), "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

func (s *Server) readDocument(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	id, ok := strings.CutPrefix(uri, KnowledgeURIPrefix)
	if !ok || id == "" {
		return nil, domain.NewDomainError("toolserver.readDocument", domain.ErrInvalidInput, uri)
	}
	doc, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "text/plain", Text: doc.Content},
	}, nil
}
