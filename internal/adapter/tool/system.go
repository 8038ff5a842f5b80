package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// DefaultMaxOutput caps diagnostic output handed back to a model.
const DefaultMaxOutput = 4000

// TruncationNote is appended to output cut at the size cap.
const TruncationNote = "\n\n...[Output truncated by Sensei Safety Layer]..."

type diagnostic struct {
	command string
	args    []string
}

// diagnostics is the complete allowlist; the key is the tool argument.
var diagnostics = map[string]diagnostic{
	"uptime": {command: "uptime"},
	"disk":   {command: "df", args: []string{"-h"}},
	"memory": {command: "free", args: []string{"-h"}},
	"whoami": {command: "whoami"},
	"date":   {command: "date"},
}

// DiagnosticKeys lists the accepted arguments in a stable order.
var DiagnosticKeys = []string{"uptime", "disk", "memory", "whoami", "date"}

// SystemTool runs one of a fixed set of read-only host diagnostics.
type SystemTool struct {
	backend   ShellBackend
	maxOutput int
	logger    *slog.Logger
}

// NewSystemTool creates the diagnostic tool. maxOutput <= 0 uses DefaultMaxOutput.
func NewSystemTool(backend ShellBackend, maxOutput int, log *slog.Logger) *SystemTool {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &SystemTool{backend: backend, maxOutput: maxOutput, logger: logger.OrDiscard(log)}
}

func (t *SystemTool) Name() string { return "system_diagnostic" }

func (t *SystemTool) Description() string {
	return "Run system checks (uptime, df, free)."
}

func (t *SystemTool) Parameter() Parameter {
	return Parameter{Name: "command", Description: "Diagnostic command to run", Enum: DiagnosticKeys}
}

func (t *SystemTool) Execute(ctx context.Context, argument string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.system_diagnostic")
	defer span.End()

	key := strings.TrimSpace(argument)
	d, ok := diagnostics[key]
	if !ok {
		err := domain.NewDomainError("SystemTool.Execute", domain.ErrCommandNotAllowed,
			fmt.Sprintf("Unknown or disallowed diagnostic command: '%s'. Allowed: %s", argument, strings.Join(DiagnosticKeys, ", ")))
		tracer.RecordError(span, err)
		return "", err
	}
	span.SetAttributes(tracer.StringAttr("tool.command", d.command))

	stdout, stderr, err := t.backend.Execute(ctx, d.command, d.args...)
	if err != nil {
		t.logger.Debug("diagnostic failed", "command", d.command, "error", err)
		err = domain.NewDomainError("SystemTool.Execute", domain.ErrToolFailure,
			fmt.Sprintf("command '%s' failed: %v %s", d.command, err, strings.TrimSpace(stderr)))
		tracer.RecordError(span, err)
		return "", err
	}

	t.logger.Debug("diagnostic completed", "command", d.command, "bytes", len(stdout))
	return truncateOutput(stdout, t.maxOutput, TruncationNote), nil
}
