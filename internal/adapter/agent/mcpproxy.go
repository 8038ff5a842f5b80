package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"

	mcpclient "sensei/internal/adapter/mcp"
	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
	"sensei/internal/usecase/multiagent"
)

// ToolProvider is the protocol surface an MCPProxy drives.
type ToolProvider interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (string, error)
	Close() error
}

const mcpDecisionPrompt = `You are an autonomous Agent controlling an MCP Server named '%s'.
Available Tools (JSON Schema):
%s

User Request: "%s"

Task: Select the best tool and arguments to satisfy the request.
Output JSON: {"tool_name": "name", "arguments": { ... }}
If no tool fits, output: {"tool_name": "none", "arguments": {}}

Output strictly JSON.`

type mcpDecision struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// MCPProxy exposes an external tool provider as a dynamic category. The
// model picks one of the provider's tools per request.
type MCPProxy struct {
	name     string
	category domain.Category
	provider ToolProvider
	model    domain.Generator
	tools    []mcp.Tool
	schemas  map[string]*jsonschema.Schema
	catalog  string
	logger   *slog.Logger
}

// NewMCPProxy performs the initialize handshake and caches the provider's
// tool list. The provider is not closed on failure.
func NewMCPProxy(ctx context.Context, name string, provider ToolProvider, model domain.Generator, log *slog.Logger) (*MCPProxy, error) {
	if _, err := provider.Initialize(ctx); err != nil {
		return nil, domain.WrapOp("agent.NewMCPProxy", err)
	}
	tools, err := provider.ListTools(ctx)
	if err != nil {
		return nil, domain.WrapOp("agent.NewMCPProxy", err)
	}
	catalog, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return nil, domain.WrapOp("agent.NewMCPProxy", err)
	}
	l := logger.OrDiscard(log).With("extension", name)
	l.Info("extension ready", "tools", len(tools))
	return &MCPProxy{
		name:     name,
		category: domain.NewCategory(name),
		provider: provider,
		model:    model,
		tools:    tools,
		schemas:  compileInputSchemas(tools, l),
		catalog:  string(catalog),
		logger:   l,
	}, nil
}

func (p *MCPProxy) Category() domain.Category { return p.category }

// Tools returns the tool list captured at construction.
func (p *MCPProxy) Tools() []mcp.Tool {
	return append([]mcp.Tool(nil), p.tools...)
}

// Close shuts the underlying provider down.
func (p *MCPProxy) Close() error { return p.provider.Close() }

func (p *MCPProxy) Process(ctx context.Context, input string) string {
	ctx, span := tracer.StartSpan(ctx, "agent.mcp_proxy")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("extension.name", p.name))

	d, err := p.decide(ctx, input)
	if err != nil {
		tracer.RecordError(span, err)
		p.logger.Warn("mcp tool decision failed", "error", err)
		return "Error: Failed to decide on MCP tool execution."
	}
	if d.ToolName == NoTool {
		return fmt.Sprintf("I cannot process this request with the available tools on %s.", p.name)
	}
	span.SetAttributes(tracer.StringAttr("tool.name", d.ToolName))

	if s, ok := p.schemas[d.ToolName]; ok {
		if err := validateArguments(s, d.Arguments); err != nil {
			p.logger.Warn("mcp tool arguments rejected", "tool", d.ToolName, "error", err)
			return fmt.Sprintf("MCP Tool arguments rejected for '%s': %v", d.ToolName, err)
		}
	}

	out, err := p.provider.CallTool(ctx, d.ToolName, d.Arguments)
	if err != nil {
		tracer.RecordError(span, err)
		p.logger.Warn("mcp tool call failed", "tool", d.ToolName, "error", err)
		return "MCP Tool execution failed: " + err.Error()
	}
	return fmt.Sprintf("Tool '%s' on %s executed successfully:\n\n%s", d.ToolName, p.name, out)
}

func (p *MCPProxy) decide(ctx context.Context, input string) (mcpDecision, error) {
	raw, err := p.model.Generate(ctx, fmt.Sprintf(mcpDecisionPrompt, p.name, p.catalog, input))
	if err != nil {
		return mcpDecision{}, err
	}
	var d mcpDecision
	if err := json.Unmarshal([]byte(domain.ExtractJSONObject(raw)), &d); err != nil {
		return mcpDecision{}, domain.NewDomainError("MCPProxy.decide", domain.ErrInvalidInput, err.Error())
	}
	if d.ToolName == "" {
		return mcpDecision{}, domain.NewDomainError("MCPProxy.decide", domain.ErrInvalidInput, "missing tool_name")
	}
	if d.Arguments == nil {
		d.Arguments = map[string]any{}
	}
	return d, nil
}

// NewMCPLauncher returns an ExtensionLauncher that spawns the provider
// process and wraps it in an MCPProxy.
func NewMCPLauncher(model domain.Generator, callTimeout time.Duration, log *slog.Logger) multiagent.ExtensionLauncher {
	log = logger.OrDiscard(log)
	opts := []mcpclient.Option{mcpclient.WithLogger(log)}
	if callTimeout > 0 {
		opts = append(opts, mcpclient.WithCallTimeout(callTimeout))
	}
	return func(ctx context.Context, spec multiagent.ExtensionSpec) (multiagent.Extension, error) {
		client, err := mcpclient.Spawn(ctx, mcpclient.ServerConfig{
			Name:    spec.Name,
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
		}, opts...)
		if err != nil {
			return nil, err
		}
		proxy, err := NewMCPProxy(ctx, spec.Name, client, model, log)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return proxy, nil
	}
}
