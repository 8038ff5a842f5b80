package llm

import (
	"context"
	"fmt"
	"log/slog"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
)

// TieredModel serves generation from primary and falls back to secondary on
// failure. Embeddings always come from primary so cached vectors stay
// comparable.
type TieredModel struct {
	primary   domain.LanguageModel
	secondary domain.Generator
	logger    *slog.Logger
}

var (
	_ domain.LanguageModel       = (*TieredModel)(nil)
	_ domain.UnfilteredGenerator = (*TieredModel)(nil)
)

// NewTieredModel creates a failover model. secondary may be nil.
func NewTieredModel(primary domain.LanguageModel, secondary domain.Generator, log *slog.Logger) *TieredModel {
	return &TieredModel{primary: primary, secondary: secondary, logger: logger.OrDiscard(log)}
}

// Name returns a composite name.
func (t *TieredModel) Name() string {
	if t.secondary == nil {
		return t.primary.Name()
	}
	return t.primary.Name() + "+failover"
}

func (t *TieredModel) Generate(ctx context.Context, prompt string) (string, error) {
	return t.failover(ctx, "generate", func(g domain.Generator) (string, error) {
		return g.Generate(ctx, prompt)
	})
}

func (t *TieredModel) GenerateUnfiltered(ctx context.Context, prompt string) (string, error) {
	return t.failover(ctx, "generate_unfiltered", func(g domain.Generator) (string, error) {
		return domain.GenerateUnfiltered(ctx, g, prompt)
	})
}

func (t *TieredModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return t.primary.Embed(ctx, text)
}

func (t *TieredModel) failover(ctx context.Context, op string, call func(domain.Generator) (string, error)) (string, error) {
	out, err := call(t.primary)
	if err == nil {
		return out, nil
	}
	if t.secondary == nil || ctx.Err() != nil {
		return "", err
	}
	t.logger.Warn("primary model failed, trying fallback", "op", op, "primary", t.primary.Name(), "error", err)

	out, fbErr := call(t.secondary)
	if fbErr != nil {
		return "", fmt.Errorf("all models failed: [%s: %v; fallback: %w]", t.primary.Name(), err, fbErr)
	}
	t.logger.Info("fallback succeeded", "op", op)
	return out, nil
}
