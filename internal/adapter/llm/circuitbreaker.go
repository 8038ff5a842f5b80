package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// CircuitBreakerModel wraps a LanguageModel with circuit breaker protection.
// Generation and embedding share one breaker: both hit the same backend.
type CircuitBreakerModel struct {
	inner   domain.LanguageModel
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

var (
	_ domain.LanguageModel       = (*CircuitBreakerModel)(nil)
	_ domain.UnfilteredGenerator = (*CircuitBreakerModel)(nil)
)

// NewCircuitBreakerModel wraps inner with a circuit breaker. Zero config
// fields use defaults.
func NewCircuitBreakerModel(inner domain.LanguageModel, cfg CircuitBreakerConfig, log *slog.Logger) *CircuitBreakerModel {
	log = logger.OrDiscard(log)
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one trial request in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller cancellation says nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerModel{inner: inner, breaker: cb, logger: log}
}

func (m *CircuitBreakerModel) Name() string { return m.inner.Name() }

func (m *CircuitBreakerModel) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := m.breaker.Execute(func() (any, error) {
		return m.inner.Generate(ctx, prompt)
	})
	if err != nil {
		return "", m.wrap(err)
	}
	return out.(string), nil
}

func (m *CircuitBreakerModel) GenerateUnfiltered(ctx context.Context, prompt string) (string, error) {
	out, err := m.breaker.Execute(func() (any, error) {
		return domain.GenerateUnfiltered(ctx, m.inner, prompt)
	})
	if err != nil {
		return "", m.wrap(err)
	}
	return out.(string), nil
}

func (m *CircuitBreakerModel) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := m.breaker.Execute(func() (any, error) {
		return m.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, m.wrap(err)
	}
	return out.([]float32), nil
}

// State returns the current circuit breaker state for monitoring.
func (m *CircuitBreakerModel) State() gobreaker.State {
	return m.breaker.State()
}

func (m *CircuitBreakerModel) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: backend %q circuit open: %v", domain.ErrProviderError, m.inner.Name(), err)
	}
	return err
}
