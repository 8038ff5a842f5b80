// Package agent holds the Handler implementations registered with the
// dispatcher: prompt-driven specialists, a local tool executor and a proxy
// for external tool providers.
package agent

import (
	"context"
	"log/slog"
	"strings"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// ErrorReply is returned to the user when the model call fails.
const ErrorReply = "I encountered an error processing your request."

// RawFlag in the input selects the master prompt and, where allowed, the
// unfiltered generation path.
const RawFlag = "--raw"

// SpecialistConfig describes one prompt-driven specialist.
type SpecialistConfig struct {
	Category domain.Category
	Prompt   string
	// MasterPrompt replaces Prompt when the input carries RawFlag.
	MasterPrompt string
	// Unfiltered allows RawFlag to use the model's unfiltered variant.
	Unfiltered bool
}

// Specialist answers with a single model call under a fixed system prompt.
type Specialist struct {
	config SpecialistConfig
	model  domain.Generator
	logger *slog.Logger
}

// NewSpecialist creates a specialist backed by model.
func NewSpecialist(model domain.Generator, cfg SpecialistConfig, log *slog.Logger) *Specialist {
	return &Specialist{config: cfg, model: model, logger: logger.OrDiscard(log)}
}

func (s *Specialist) Category() domain.Category { return s.config.Category }

func (s *Specialist) Process(ctx context.Context, input string) string {
	ctx, span := tracer.StartSpan(ctx, "agent.specialist")
	defer span.End()
	span.SetAttributes(tracer.CategoryAttr("agent.category", s.config.Category))

	raw := strings.Contains(input, RawFlag)
	prompt := s.config.Prompt
	if raw && s.config.MasterPrompt != "" {
		prompt = s.config.MasterPrompt
	}
	full := prompt + "\n\nUser Query: " + input

	var (
		out string
		err error
	)
	if raw && s.config.Unfiltered {
		out, err = domain.GenerateUnfiltered(ctx, s.model, full)
	} else {
		out, err = s.model.Generate(ctx, full)
	}
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Error("specialist generation failed", "category", s.config.Category.Display(), "error", err)
		return ErrorReply
	}
	return out
}
