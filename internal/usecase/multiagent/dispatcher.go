package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// RecursionLimitMessage is returned when a delegation chain runs out of depth.
const RecursionLimitMessage = "Error: Agent recursion limit reached (A2A loop detected)."

// DispatcherConfig controls delegation behavior.
type DispatcherConfig struct {
	// MaxDepth bounds nested delegation. Each delegate call and each
	// re-invocation with an observation consumes one level.
	MaxDepth int
	// HandlerTimeout bounds a single Process call.
	HandlerTimeout time.Duration
	// DefaultCategory serves requests for categories with no handler.
	DefaultCategory domain.Category
	// StrictDelegation turns a delegation to an unregistered category into
	// an error message instead of falling back to DefaultCategory.
	StrictDelegation bool
}

// DefaultDispatcherConfig returns the reference settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxDepth:        3,
		HandlerTimeout:  120 * time.Second,
		DefaultCategory: domain.CategoryCasual,
	}
}

// Dispatcher runs a handler and follows its delegation directives. It keeps
// no state between calls.
type Dispatcher struct {
	registry *Registry
	config   DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig, log *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = def.DefaultCategory
	}
	return &Dispatcher{registry: registry, config: cfg, logger: logger.OrDiscard(log)}
}

// frame is one pending dispatch on the explicit stack.
type frame struct {
	category domain.Category
	input    string
	depth    int
	// waiting holds the directive token while a delegated child runs.
	waiting string
}

// Dispatch sends input to the handler for category and returns the final
// text. Failures are reported as text, never as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, category domain.Category, input string) string {
	return d.DispatchDepth(ctx, category, input, d.config.MaxDepth)
}

// DispatchDepth is Dispatch with an explicit depth budget. Every pushed
// frame and every re-invocation carries a strictly smaller depth, and a frame
// at depth 0 returns RecursionLimitMessage without running a handler.
func (d *Dispatcher) DispatchDepth(ctx context.Context, category domain.Category, input string, depth int) string {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.dispatch")
	defer span.End()
	span.SetAttributes(tracer.CategoryAttr("dispatch.category", category), tracer.IntAttr("dispatch.depth", depth))

	stack := []frame{{category: category, input: input, depth: depth}}
	var result string
	invocations := 0

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.waiting != "" {
			top.input = top.input + "\n\n[OBSERVATION from " + top.waiting + "]\n" + result
			top.depth--
			top.waiting = ""
		}

		if top.depth <= 0 {
			d.logger.Warn("delegation depth exhausted", "category", top.category.Display())
			result = RecursionLimitMessage
			stack = stack[:len(stack)-1]
			continue
		}

		h, msg := d.resolve(top.category)
		if h == nil {
			result = msg
			stack = stack[:len(stack)-1]
			continue
		}

		invocations++
		response := d.invoke(ctx, h, top.input)

		dir := ParseDirective(response)
		if dir.Kind == Final {
			result = response
			stack = stack[:len(stack)-1]
			continue
		}

		if d.config.StrictDelegation {
			if _, ok := d.registry.Lookup(dir.Target); !ok {
				result = fmt.Sprintf("Error: Agent attempted to delegate to unknown category '%s'", dir.Token)
				stack = stack[:len(stack)-1]
				continue
			}
		}

		d.logger.Info("delegating",
			"from", top.category.Display(),
			"to", dir.Target.Display(),
			"depth", top.depth,
		)
		top.waiting = dir.Token
		child := frame{category: dir.Target, input: dir.Payload, depth: top.depth - 1}
		stack = append(stack, child)
	}

	span.SetAttributes(tracer.IntAttr("dispatch.invocations", invocations))
	return result
}

// resolve returns the handler for c, the default handler, or a message
// explaining why neither exists.
func (d *Dispatcher) resolve(c domain.Category) (domain.Handler, string) {
	if h, ok := d.registry.Lookup(c); ok {
		return h, ""
	}
	if h, ok := d.registry.Lookup(d.config.DefaultCategory); ok {
		d.logger.Debug("no handler, using default", "category", c.Display(), "default", d.config.DefaultCategory.Display())
		return h, ""
	}
	return nil, fmt.Sprintf("No agent found for category %s and %s fallback missing",
		c.Display(), d.config.DefaultCategory.Display())
}

func (d *Dispatcher) invoke(ctx context.Context, h domain.Handler, input string) string {
	ctx, cancel := context.WithTimeout(ctx, d.config.HandlerTimeout)
	defer cancel()

	start := time.Now()
	out := h.Process(ctx, input)
	d.logger.Debug("handler finished",
		"category", h.Category().Display(),
		"duration", time.Since(start),
		"output_len", len(out),
	)
	return out
}
