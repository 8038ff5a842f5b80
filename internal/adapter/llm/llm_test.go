package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensei/internal/domain"
	"sensei/internal/infra/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockModel struct {
	name       string
	genFunc    func(ctx context.Context, prompt string) (string, error)
	embedFunc  func(ctx context.Context, text string) ([]float32, error)
	unfiltered atomic.Int32
}

func (m *mockModel) Name() string { return m.name }

func (m *mockModel) Generate(ctx context.Context, prompt string) (string, error) {
	if m.genFunc == nil {
		return "ok", nil
	}
	return m.genFunc(ctx, prompt)
}

func (m *mockModel) GenerateUnfiltered(ctx context.Context, prompt string) (string, error) {
	m.unfiltered.Add(1)
	return m.Generate(ctx, prompt)
}

func (m *mockModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedFunc == nil {
		return []float32{1, 2}, nil
	}
	return m.embedFunc(ctx, text)
}

// --- Circuit Breaker Tests ---

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockModel{name: "gemini"}
	cb := NewCircuitBreakerModel(inner, CircuitBreakerConfig{}, testLogger())

	out, err := cb.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	vec, err := cb.Embed(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)

	_, err = cb.GenerateUnfiltered(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.unfiltered.Load())
	assert.Equal(t, "gemini", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	inner := &mockModel{
		name: "flaky",
		genFunc: func(context.Context, string) (string, error) {
			calls.Add(1)
			return "", domain.ErrProviderError
		},
	}
	cb := NewCircuitBreakerModel(inner, CircuitBreakerConfig{MaxFailures: 3, Timeout: 5 * time.Second}, testLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Generate(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProviderError))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(3), calls.Load(), "open circuit must not reach the backend")

	// Embeddings share the breaker.
	_, err = cb.Embed(context.Background(), "x")
	assert.Contains(t, err.Error(), "circuit open")
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := &mockModel{
		name:    "slow",
		genFunc: func(ctx context.Context, _ string) (string, error) { return "", context.Canceled },
	}
	cb := NewCircuitBreakerModel(inner, CircuitBreakerConfig{MaxFailures: 1}, testLogger())
	for i := 0; i < 3; i++ {
		_, _ = cb.Generate(context.Background(), "x")
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

// --- Rate Limit Tests ---

func TestRateLimitedModel(t *testing.T) {
	inner := &mockModel{name: "ollama"}
	m := NewRateLimitedModel(inner, 0.001, 1)

	_, err := m.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Embed(ctx, "second")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimit))
	assert.Equal(t, "ollama", m.Name())
}

// --- Tiered Tests ---

func TestTieredModelFailover(t *testing.T) {
	primary := &mockModel{
		name:    "gemini",
		genFunc: func(context.Context, string) (string, error) { return "", domain.ErrRateLimit },
	}
	secondary := &mockModel{name: "ollama", genFunc: func(_ context.Context, p string) (string, error) { return "local:" + p, nil }}
	m := NewTieredModel(primary, secondary, testLogger())

	out, err := m.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "local:hi", out)

	out, err = m.GenerateUnfiltered(context.Background(), "raw")
	require.NoError(t, err)
	assert.Equal(t, "local:raw", out)
	assert.Equal(t, int32(1), secondary.unfiltered.Load())
	assert.Equal(t, "gemini+failover", m.Name())
}

func TestTieredModelEmbedsOnPrimaryOnly(t *testing.T) {
	primary := &mockModel{
		name:      "gemini",
		embedFunc: func(context.Context, string) ([]float32, error) { return nil, domain.ErrEmbeddingFailed },
	}
	m := NewTieredModel(primary, &mockModel{name: "ollama"}, nil)
	_, err := m.Embed(context.Background(), "x")
	assert.True(t, errors.Is(err, domain.ErrEmbeddingFailed))
}

func TestTieredModelBothFail(t *testing.T) {
	fail := func(context.Context, string) (string, error) { return "", domain.ErrProviderError }
	m := NewTieredModel(&mockModel{name: "a", genFunc: fail}, &mockModel{name: "b", genFunc: fail}, nil)
	_, err := m.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all models failed")
	assert.True(t, errors.Is(err, domain.ErrProviderError))
}

func TestTieredModelNoSecondary(t *testing.T) {
	m := NewTieredModel(&mockModel{name: "gemini"}, nil, nil)
	assert.Equal(t, "gemini", m.Name())
	out, err := m.Generate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

// --- Ollama Tests ---

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: "echo: " + req.Prompt, Done: true})
	}))
	defer server.Close()

	m := NewOllamaModel(config.ProviderConfig{Name: "ollama", BaseURL: server.URL + "/", Model: "llama3"}, testLogger())
	out, err := m.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
	assert.Equal(t, "ollama", m.Name())
}

func TestOllamaEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		_, _ = io.WriteString(w, `{"embeddings":[[0.5,0.25]]}`)
	}))
	defer server.Close()

	m := NewOllamaModel(config.ProviderConfig{
		Name: "ollama", BaseURL: server.URL, Model: "llama3", EmbeddingModel: "nomic-embed-text",
	}, nil)
	vec, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
}

func TestOllamaHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusBadGateway, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			m := NewOllamaModel(config.ProviderConfig{Name: "ollama", BaseURL: server.URL, Model: "llama3"}, nil)
			_, err := m.Generate(context.Background(), "x")
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			_, err = m.Embed(context.Background(), "x")
			assert.Equal(t, domain.CodeEmbeddingFailed, domain.ErrorCodeOf(err))
		})
	}
}

func TestOllamaEmptyEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"embeddings":[]}`)
	}))
	defer server.Close()

	m := NewOllamaModel(config.ProviderConfig{Name: "ollama", BaseURL: server.URL, Model: "llama3"}, nil)
	_, err := m.Embed(context.Background(), "x")
	assert.True(t, errors.Is(err, domain.ErrProviderError))
}

func TestOllamaIsHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "Ollama is running")
	}))
	m := NewOllamaModel(config.ProviderConfig{Name: "ollama", BaseURL: server.URL, Model: "llama3"}, nil)
	assert.True(t, m.IsHealthy(context.Background()))
	server.Close()
	assert.False(t, m.IsHealthy(context.Background()))
}

// --- Gemini Tests ---

func newGeminiServer(t *testing.T, paths *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*paths = append(*paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, ":generateContent"):
			_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"category\":\"RED\"}"}]}}]}`)
		case strings.Contains(strings.ToLower(r.URL.Path), "embedcontent"):
			_, _ = io.WriteString(w, `{"embeddings":[{"values":[0.1,0.2,0.3]}],"embedding":{"values":[0.1,0.2,0.3]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestGeminiGenerateAndEmbed(t *testing.T) {
	var paths []string
	server := newGeminiServer(t, &paths)
	defer server.Close()

	m, err := NewGeminiModel(context.Background(), config.ProviderConfig{
		Name: "gemini", APIKey: "test-key", BaseURL: server.URL, Model: "auto",
	}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, GeminiDefaultModel, m.Model())

	out, err := m.Generate(context.Background(), "classify me")
	require.NoError(t, err)
	assert.Equal(t, `{"category":"RED"}`, out)

	out, err = m.GenerateUnfiltered(context.Background(), "raw")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	vec, err := m.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	require.NotEmpty(t, paths)
	assert.Contains(t, paths[0], "gemini-2.5-flash")
}

func TestGeminiRequiresAPIKey(t *testing.T) {
	_, err := NewGeminiModel(context.Background(), config.ProviderConfig{Name: "gemini"}, nil)
	assert.True(t, errors.Is(err, domain.ErrAuthInvalid))
}

func TestUnfilteredSafety(t *testing.T) {
	s := unfilteredSafety()
	require.Len(t, s, 4)
	for _, setting := range s {
		assert.Equal(t, "BLOCK_NONE", string(setting.Threshold))
	}
}

// --- Build Tests ---

func TestBuild(t *testing.T) {
	cfg := config.LLMConfig{
		Primary:  "local",
		Fallback: "other",
		Providers: []config.ProviderConfig{
			{Name: "local", Type: "ollama", BaseURL: "http://127.0.0.1:1", Model: "llama3"},
			{Name: "other", Type: "ollama", BaseURL: "http://127.0.0.1:2", Model: "phi3"},
		},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2},
		RateLimit:      config.RateLimitConfig{Enabled: true, RequestsPerSecond: 10, Burst: 2},
	}
	m, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	tiered, ok := m.(*TieredModel)
	require.True(t, ok)
	_, ok = tiered.primary.(*CircuitBreakerModel)
	assert.True(t, ok)
	assert.Equal(t, "local+failover", m.Name())
}

func TestBuildWithEmbeddingCache(t *testing.T) {
	cfg := config.LLMConfig{
		Primary:            "local",
		EmbeddingCacheSize: 8,
		Providers: []config.ProviderConfig{
			{Name: "local", Type: "ollama", BaseURL: "http://127.0.0.1:1", Model: "llama3"},
		},
	}
	m, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	cached, ok := m.(*CachedEmbedModel)
	require.True(t, ok)
	_, ok = cached.inner.(*OllamaModel)
	assert.True(t, ok)
	assert.Equal(t, "local", m.Name())
}

func TestBuildFallbackUnavailable(t *testing.T) {
	cfg := config.LLMConfig{
		Primary:  "local",
		Fallback: "cloud",
		Providers: []config.ProviderConfig{
			{Name: "local", Type: "ollama", Model: "llama3"},
			{Name: "cloud", Type: "gemini", Model: "auto"},
		},
	}
	m, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	_, ok := m.(*OllamaModel)
	assert.True(t, ok, "missing API key drops the fallback")
}

func TestBuildUnknownPrimary(t *testing.T) {
	_, err := Build(context.Background(), config.LLMConfig{Primary: "ghost"}, nil)
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))

	_, err = NewBackend(context.Background(), config.ProviderConfig{Type: "openai"}, nil)
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))
}

func TestCachedEmbedModel(t *testing.T) {
	var calls atomic.Int32
	inner := &mockModel{name: "m", embedFunc: func(_ context.Context, text string) ([]float32, error) {
		calls.Add(1)
		if text == "bad" {
			return nil, domain.ErrEmbeddingFailed
		}
		return []float32{float32(len(text))}, nil
	}}
	m := NewCachedEmbedModel(inner, 2).(*CachedEmbedModel)
	ctx := context.Background()

	v, err := m.Embed(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, v)
	_, _ = m.Embed(ctx, "aa")
	assert.Equal(t, int32(1), calls.Load(), "second lookup is a hit")

	_, _ = m.Embed(ctx, "bbb")
	_, _ = m.Embed(ctx, "aa")   // aa becomes most recent
	_, _ = m.Embed(ctx, "cccc") // evicts bbb
	assert.Equal(t, 2, m.Len())
	_, _ = m.Embed(ctx, "aa")
	assert.Equal(t, int32(3), calls.Load())
	_, _ = m.Embed(ctx, "bbb")
	assert.Equal(t, int32(4), calls.Load())

	_, err = m.Embed(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrEmbeddingFailed)
	_, _ = m.Embed(ctx, "bad")
	assert.Equal(t, int32(6), calls.Load(), "failures are not cached")

	out, err := m.GenerateUnfiltered(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(1), inner.unfiltered.Load())

	assert.Same(t, inner, NewCachedEmbedModel(inner, 0))
}
