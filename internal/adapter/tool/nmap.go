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

// NmapTool runs a fast nmap scan against a single target.
type NmapTool struct {
	backend ShellBackend
	path    string
	logger  *slog.Logger
}

// NewNmapTool creates the scanner. An empty path means "nmap" from PATH.
func NewNmapTool(backend ShellBackend, path string, log *slog.Logger) *NmapTool {
	if path == "" {
		path = "nmap"
	}
	return &NmapTool{backend: backend, path: path, logger: logger.OrDiscard(log)}
}

func (t *NmapTool) Name() string { return "nmap" }

func (t *NmapTool) Description() string { return "Run a network scan on a target." }

func (t *NmapTool) Parameter() Parameter {
	return Parameter{Name: "target", Description: "IP or Hostname"}
}

func (t *NmapTool) Execute(ctx context.Context, argument string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "tool.nmap")
	defer span.End()

	target := strings.TrimSpace(argument)
	if err := RequireField("target", target); err != nil {
		return "", domain.NewDomainError("NmapTool.Execute", domain.ErrInvalidInput, err.Error())
	}
	if err := ValidateNoShellMeta("target", target); err != nil {
		tracer.RecordError(span, err)
		return "", domain.NewDomainError("NmapTool.Execute", domain.ErrInvalidInput,
			"Invalid characters in target name. Please provide a valid hostname or IP address.")
	}
	if strings.HasPrefix(target, "-") || strings.ContainsAny(target, " \t") {
		return "", domain.NewDomainError("NmapTool.Execute", domain.ErrInvalidInput,
			"target must be a single hostname or IP address")
	}

	t.logger.Info("running nmap", "target", target)
	stdout, stderr, err := t.backend.Execute(ctx, t.path, "-F", target)
	if err != nil {
		err = domain.NewDomainError("NmapTool.Execute", domain.ErrToolFailure,
			fmt.Sprintf("Nmap command failed: %v %s", err, strings.TrimSpace(stderr)))
		tracer.RecordError(span, err)
		return "", err
	}
	return stdout, nil
}
