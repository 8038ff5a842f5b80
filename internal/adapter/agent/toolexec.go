package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// ToolSet is the lookup a ToolExecutor needs.
type ToolSet interface {
	Get(name string) (domain.Tool, error)
	Names() []string
}

// NoTool is the tool name a model uses to decline.
const NoTool = "none"

const toolDecisionPrompt = `You are an autonomous Action Agent.
Available Tools: [%s]
Task: Analyze the user request and decide which tool to execute.
User Request: "%s"
Rules:
- If the request matches a tool capability, output JSON: {"tool_name": "name", "argument": "value"}
- Tool "nmap": argument must be a target (IP/Host) e.g. "127.0.0.1".
- Tool "system_diagnostic": argument must be one of: "uptime", "disk", "memory", "whoami", "date".
- If NO tool matches or arguments are ambiguous, return JSON: {"tool_name": "none", "argument": "reason"}

Output strictly JSON.`

type toolDecision struct {
	ToolName string `json:"tool_name"`
	Argument string `json:"argument"`
}

// ToolExecutor asks the model which local tool to run and runs it.
type ToolExecutor struct {
	category domain.Category
	model    domain.Generator
	tools    ToolSet
	logger   *slog.Logger
}

// NewToolExecutor creates a tool-running handler for category.
func NewToolExecutor(category domain.Category, model domain.Generator, tools ToolSet, log *slog.Logger) *ToolExecutor {
	return &ToolExecutor{category: category, model: model, tools: tools, logger: logger.OrDiscard(log)}
}

func (e *ToolExecutor) Category() domain.Category { return e.category }

func (e *ToolExecutor) Process(ctx context.Context, input string) string {
	ctx, span := tracer.StartSpan(ctx, "agent.tool_executor")
	defer span.End()

	d, err := e.decide(ctx, input)
	if err != nil {
		tracer.RecordError(span, err)
		e.logger.Warn("tool decision failed", "category", e.category.Display(), "error", err)
		return "Error: Failed to process action request (LLM Decision Failed)."
	}
	if d.ToolName == NoTool {
		return "I cannot perform this action: " + d.Argument
	}

	t, err := e.tools.Get(d.ToolName)
	if err != nil {
		return fmt.Sprintf("Error: Tool '%s' selected by AI is not found in registry.", d.ToolName)
	}
	span.SetAttributes(tracer.StringAttr("tool.name", d.ToolName))

	out, err := t.Execute(ctx, d.Argument)
	if err != nil {
		tracer.RecordError(span, err)
		e.logger.Warn("tool execution failed", "tool", d.ToolName, "error", err)
		return "Tool execution failed: " + err.Error()
	}
	return "Action executed successfully.\n\n**Tool Output:**\n```\n" + out + "\n```"
}

func (e *ToolExecutor) decide(ctx context.Context, input string) (toolDecision, error) {
	prompt := fmt.Sprintf(toolDecisionPrompt, strings.Join(e.tools.Names(), ", "), input)
	raw, err := e.model.Generate(ctx, prompt)
	if err != nil {
		return toolDecision{}, err
	}
	var d toolDecision
	if err := json.Unmarshal([]byte(domain.ExtractJSONObject(raw)), &d); err != nil {
		return toolDecision{}, domain.NewDomainError("ToolExecutor.decide", domain.ErrInvalidInput, err.Error())
	}
	if d.ToolName == "" {
		return toolDecision{}, domain.NewDomainError("ToolExecutor.decide", domain.ErrInvalidInput, "missing tool_name")
	}
	return d, nil
}
