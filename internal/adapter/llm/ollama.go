package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sensei/internal/domain"
	"sensei/internal/infra/config"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

var _ domain.LanguageModel = (*OllamaModel)(nil)

// Ollama responds slowly while a model is loading.
const ollamaDefaultRespTimeout = 300 * time.Second

// OllamaModel implements domain.LanguageModel over the native Ollama API.
type OllamaModel struct {
	name           string
	model          string
	embeddingModel string
	temperature    float32
	baseURL        string
	client         *http.Client
	logger         *slog.Logger
}

// NewOllamaModel creates an Ollama backend.
func NewOllamaModel(cfg config.ProviderConfig, log *slog.Logger) *OllamaModel {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	respTimeout := cfg.RespTimeout
	if respTimeout <= 0 {
		respTimeout = ollamaDefaultRespTimeout
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = cfg.Model
	}
	return &OllamaModel{
		name:           cfg.Name,
		model:          cfg.Model,
		embeddingModel: embeddingModel,
		temperature:    cfg.Temperature,
		baseURL:        baseURL,
		client:         NewHTTPClient(respTimeout),
		logger:         logger.OrDiscard(log),
	}
}

func (o *OllamaModel) Name() string { return o.name }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *OllamaModel) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", o.name),
			tracer.StringAttr("llm.model", o.model),
		),
	)
	defer span.End()

	req := ollamaGenerateRequest{Model: o.model, Prompt: prompt}
	if o.temperature > 0 {
		req.Options = map[string]any{"temperature": o.temperature}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	respBody, err := doJSONRequest(ctx, o.client, o.baseURL+"/api/generate", body)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	var resp ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("%w: unmarshal response: %v", domain.ErrProviderError, err)
	}
	tracer.SetOK(span)
	o.logger.Debug("llm generate completed", "provider", o.name, "model", o.model, "chars", len(resp.Response))
	return resp.Response, nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *OllamaModel) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.embed",
		trace.WithAttributes(tracer.StringAttr("llm.provider", o.name)))
	defer span.End()

	body, err := json.Marshal(ollamaEmbedRequest{Model: o.embeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	respBody, err := doJSONRequest(ctx, o.client, o.baseURL+"/api/embed", body)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.NewSubSystemError("embedding", "OllamaModel.Embed", domain.ErrProviderError, err.Error())
	}
	var resp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, domain.NewSubSystemError("embedding", "OllamaModel.Embed", domain.ErrProviderError, err.Error())
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, domain.NewSubSystemError("embedding", "OllamaModel.Embed", domain.ErrProviderError, "no embeddings returned")
	}
	return resp.Embeddings[0], nil
}

// IsHealthy checks if the Ollama server is reachable.
func (o *OllamaModel) IsHealthy(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/", nil)
	if err != nil {
		return false
	}
	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return false
	}
	httpResp.Body.Close()
	return httpResp.StatusCode == http.StatusOK
}
