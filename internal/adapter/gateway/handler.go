package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sensei/internal/domain"
	"sensei/internal/usecase/routing"
)

const maxRequestBody = 1 << 20

// AskRequest is the body of /v1/ask and /v1/debug/classify. Category, when
// set on /v1/ask, skips routing.
type AskRequest struct {
	Prompt   string `json:"prompt"`
	Category string `json:"category,omitempty"`
}

// AskResponse is the body returned by /v1/ask.
type AskResponse struct {
	Content  string          `json:"content"`
	Category domain.Category `json:"category"`
	Tier     routing.Tier    `json:"tier,omitempty"`
	Context  int             `json:"context_documents"`
}

// ClassifyResponse is the body returned by /v1/debug/classify.
type ClassifyResponse struct {
	Category      domain.Category `json:"category"`
	EnhancedQuery string          `json:"enhanced_query"`
	Tier          routing.Tier    `json:"tier"`
	Rule          string          `json:"rule,omitempty"`
	Distance      *float32        `json:"distance,omitempty"`
	ElapsedMS     int64           `json:"elapsed_ms"`
}

// FeedbackRequest corrects the category for a prompt.
type FeedbackRequest struct {
	Prompt   string `json:"prompt"`
	Category string `json:"category"`
}

// AddDocumentRequest ingests a knowledge passage.
type AddDocumentRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty", domain.CodeInvalidInput)
		return
	}

	ctx := r.Context()
	var c routing.Classification
	if target := domain.NewCategory(req.Category); target != "" {
		c.Decision = domain.RoutingDecision{Category: target, Query: req.Prompt}
	} else {
		c = s.deps.Router.Explain(ctx, req.Prompt)
	}
	s.logger.Info("routing query",
		"category", c.Decision.Category.Display(),
		"tier", c.Tier,
		"enhanced_query", c.Decision.Query)

	docs := s.retrieve(ctx, c.Decision.Query)
	prompt := c.Decision.Query
	if len(docs) > 0 {
		prompt = buildKnowledgePrompt(docs, c.Decision.Query)
	}

	content := s.deps.Dispatcher.Dispatch(ctx, c.Decision.Category, prompt)
	writeJSON(w, http.StatusOK, AskResponse{
		Content:  content,
		Category: c.Decision.Category,
		Tier:     c.Tier,
		Context:  len(docs),
	})
}

// retrieve returns the top documents for query. Failures only cost context.
func (s *Server) retrieve(ctx context.Context, query string) []domain.Document {
	if s.deps.Knowledge == nil || s.deps.Embedder == nil {
		return nil
	}
	vec, err := s.deps.Embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("knowledge embedding failed", "error", err)
		return nil
	}
	docs, err := s.deps.Knowledge.SearchDocuments(ctx, vec, s.deps.RAGTopK)
	if err != nil {
		s.logger.Warn("knowledge search failed", "error", err)
		return nil
	}
	return docs
}

func buildKnowledgePrompt(docs []domain.Document, query string) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = d.Content
	}
	return "RELEVANT KNOWLEDGE:\n" + strings.Join(parts, "\n---\n") + "\n\nUSER QUERY:\n" + query
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c := s.deps.Router.Explain(r.Context(), req.Prompt)
	writeJSON(w, http.StatusOK, ClassifyResponse{
		Category:      c.Decision.Category,
		EnhancedQuery: c.Decision.Query,
		Tier:          c.Tier,
		Rule:          c.Rule,
		Distance:      c.Distance,
		ElapsedMS:     c.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty", domain.CodeInvalidInput)
		return
	}
	category := domain.NewCategory(req.Category)
	result, err := s.deps.Router.Correct(r.Context(), req.Prompt, category)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   string(result),
		"category": category,
	})
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Knowledge == nil || s.deps.Embedder == nil {
		writeError(w, http.StatusNotImplemented, "knowledge store is not configured", domain.CodeDisabled)
		return
	}
	var req AddDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content must not be empty", domain.CodeInvalidInput)
		return
	}
	vec, err := s.deps.Embedder.Embed(r.Context(), req.Content)
	if err != nil {
		s.logger.Error("document embedding failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate embedding", domain.CodeEmbeddingFailed)
		return
	}
	doc, err := s.deps.Knowledge.AddDocument(r.Context(), req.Content, vec)
	if err != nil {
		s.logger.Error("document store failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store document", domain.ErrorCodeOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "Document ingested successfully",
		"id":     doc.ID,
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDisabled):
		status = http.StatusNotImplemented
	case errors.Is(err, domain.ErrEmbeddingFailed), errors.Is(err, domain.ErrProviderError):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error(), code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err), domain.CodeInvalidInput)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code domain.ErrorCode) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
