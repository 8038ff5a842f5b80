package llm

import (
	"context"
	"fmt"
	"log/slog"

	"sensei/internal/domain"
	"sensei/internal/infra/config"
	"sensei/internal/infra/logger"
)

// NewBackend creates the backend described by cfg.
func NewBackend(ctx context.Context, cfg config.ProviderConfig, log *slog.Logger) (domain.LanguageModel, error) {
	switch cfg.Type {
	case "gemini":
		return NewGeminiModel(ctx, cfg, log)
	case "ollama":
		return NewOllamaModel(cfg, log), nil
	default:
		return nil, domain.NewDomainError("llm.NewBackend", domain.ErrConfigLoad,
			fmt.Sprintf("unsupported provider type %q", cfg.Type))
	}
}

// Build assembles the model stack from cfg: each backend wrapped in the
// configured rate limit and circuit breaker, primary in front of fallback.
func Build(ctx context.Context, cfg config.LLMConfig, log *slog.Logger) (domain.LanguageModel, error) {
	log = logger.OrDiscard(log)

	m, err := buildTiers(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedModel(m, cfg.EmbeddingCacheSize), nil
}

func buildTiers(ctx context.Context, cfg config.LLMConfig, log *slog.Logger) (domain.LanguageModel, error) {
	primary, err := buildOne(ctx, cfg, cfg.Primary, log)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" {
		return primary, nil
	}
	fallback, err := buildOne(ctx, cfg, cfg.Fallback, log)
	if err != nil {
		log.Warn("fallback model unavailable, continuing without it", "fallback", cfg.Fallback, "error", err)
		return primary, nil
	}
	return NewTieredModel(primary, fallback, log), nil
}

func buildOne(ctx context.Context, cfg config.LLMConfig, name string, log *slog.Logger) (domain.LanguageModel, error) {
	var pc *config.ProviderConfig
	for i := range cfg.Providers {
		if cfg.Providers[i].Name == name {
			pc = &cfg.Providers[i]
			break
		}
	}
	if pc == nil {
		return nil, domain.NewDomainError("llm.Build", domain.ErrConfigLoad,
			fmt.Sprintf("provider %q is not configured", name))
	}

	m, err := NewBackend(ctx, *pc, log)
	if err != nil {
		return nil, err
	}
	if rl := cfg.RateLimit; rl.Enabled {
		m = NewRateLimitedModel(m, rl.RequestsPerSecond, rl.Burst)
	}
	if cb := cfg.CircuitBreaker; cb.Enabled {
		m = NewCircuitBreakerModel(m, CircuitBreakerConfig{
			MaxFailures: cb.MaxFailures,
			Timeout:     cb.Timeout,
			Interval:    cb.Interval,
		}, log)
	}
	log.Info("model backend ready", "name", pc.Name, "type", pc.Type, "model", pc.Model)
	return m, nil
}
