package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"sensei/internal/domain"
)

// RateLimitedModel caps outbound requests to a backend. Callers wait for a
// token until their context is done.
type RateLimitedModel struct {
	inner   domain.LanguageModel
	limiter *rate.Limiter
}

var (
	_ domain.LanguageModel       = (*RateLimitedModel)(nil)
	_ domain.UnfilteredGenerator = (*RateLimitedModel)(nil)
)

// NewRateLimitedModel allows rps requests per second with the given burst.
func NewRateLimitedModel(inner domain.LanguageModel, rps float64, burst int) *RateLimitedModel {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedModel{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (m *RateLimitedModel) Name() string { return m.inner.Name() }

func (m *RateLimitedModel) wait(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: backend %q: %v", domain.ErrRateLimit, m.inner.Name(), err)
	}
	return nil
}

func (m *RateLimitedModel) Generate(ctx context.Context, prompt string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	return m.inner.Generate(ctx, prompt)
}

func (m *RateLimitedModel) GenerateUnfiltered(ctx context.Context, prompt string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	return domain.GenerateUnfiltered(ctx, m.inner, prompt)
}

func (m *RateLimitedModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.inner.Embed(ctx, text)
}
