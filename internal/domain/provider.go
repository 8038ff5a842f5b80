package domain

import "context"

// Generator produces text completions.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// UnfilteredGenerator is implemented by models that can skip provider-side
// content filtering. Callers should go through GenerateUnfiltered.
type UnfilteredGenerator interface {
	GenerateUnfiltered(ctx context.Context, prompt string) (string, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LanguageModel is the model backend consumed by the router and handlers.
type LanguageModel interface {
	Generator
	Embedder
	// Name returns the backend identifier (e.g., "gemini", "ollama").
	Name() string
}

// GenerateUnfiltered uses the unfiltered variant when g supports it and
// falls back to Generate otherwise.
func GenerateUnfiltered(ctx context.Context, g Generator, prompt string) (string, error) {
	if u, ok := g.(UnfilteredGenerator); ok {
		return u.GenerateUnfiltered(ctx, prompt)
	}
	return g.Generate(ctx, prompt)
}
