package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"sensei/internal/domain"
	"sensei/internal/infra/config"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// Gemini model defaults. "auto" in the config resolves to the default
// generation model.
const (
	GeminiDefaultModel          = "gemini-2.5-flash"
	GeminiDefaultEmbeddingModel = "gemini-embedding-001"
)

var _ domain.LanguageModel = (*GeminiModel)(nil)
var _ domain.UnfilteredGenerator = (*GeminiModel)(nil)

// GeminiModel implements domain.LanguageModel over the Google GenAI SDK.
type GeminiModel struct {
	name           string
	model          string
	embeddingModel string
	temperature    float32
	client         *genai.Client
	logger         *slog.Logger
}

// NewGeminiModel creates a Gemini backend. BaseURL, when set, overrides the
// API endpoint.
func NewGeminiModel(ctx context.Context, cfg config.ProviderConfig, log *slog.Logger) (*GeminiModel, error) {
	if cfg.APIKey == "" {
		return nil, domain.NewDomainError("llm.NewGeminiModel", domain.ErrAuthInvalid, "GEMINI_API_KEY is not set")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/"}
	}
	if cfg.RespTimeout > 0 {
		cc.HTTPClient = NewHTTPClient(cfg.RespTimeout)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, domain.NewDomainError("llm.NewGeminiModel", domain.ErrProviderError, err.Error())
	}

	model := cfg.Model
	if model == "" || model == "auto" {
		model = GeminiDefaultModel
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = GeminiDefaultEmbeddingModel
	}
	return &GeminiModel{
		name:           cfg.Name,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    cfg.Temperature,
		client:         client,
		logger:         logger.OrDiscard(log),
	}, nil
}

func (g *GeminiModel) Name() string { return g.name }

// Model returns the resolved generation model.
func (g *GeminiModel) Model() string { return g.model }

func (g *GeminiModel) Generate(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, prompt, nil)
}

// GenerateUnfiltered disables the provider's safety filters for this call.
func (g *GeminiModel) GenerateUnfiltered(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, prompt, unfilteredSafety())
}

func (g *GeminiModel) generate(ctx context.Context, prompt string, safety []*genai.SafetySetting) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", g.name),
			tracer.StringAttr("llm.model", g.model),
		),
	)
	defer span.End()

	gc := &genai.GenerateContentConfig{
		Temperature:    genai.Ptr(g.temperature),
		SafetySettings: safety,
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), gc)
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("%w: gemini generate: %v", domain.ErrProviderError, err)
	}
	text := resp.Text()
	if text == "" {
		err := fmt.Errorf("%w: gemini returned no text", domain.ErrProviderError)
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	g.logger.Debug("llm generate completed", "provider", g.name, "model", g.model, "chars", len(text))
	return text, nil
}

func (g *GeminiModel) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.embed",
		trace.WithAttributes(tracer.StringAttr("llm.provider", g.name)))
	defer span.End()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.NewSubSystemError("embedding", "GeminiModel.Embed", domain.ErrProviderError, err.Error())
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, domain.NewSubSystemError("embedding", "GeminiModel.Embed", domain.ErrProviderError, "no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

func unfilteredSafety() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	out := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		out = append(out, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdBlockNone})
	}
	return out
}
