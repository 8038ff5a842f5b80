package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
	"sensei/internal/infra/tracer"
)

// DefaultPrompt is the classification prompt used when none is configured.
// {EXTENSIONS} is replaced with the active dynamic categories.
const DefaultPrompt = `You are a Query Optimizer.
STANDARD CATEGORIES: RED, BLUE, OSINT, CLOUD, CRYPTO, SYSTEM, ACTION, CASUAL, NOVICE.
ACTIVE EXTENSIONS: {EXTENSIONS}
Classify user input into one of the above categories.
Output strictly JSON format: {"category": "CategoryName", "enhanced_query": "Query"}`

const extensionsPlaceholder = "{EXTENSIONS}"

// Reference distances for the semantic cache.
const (
	DefaultCacheThreshold      float32 = 0.1
	DefaultCorrectionThreshold float32 = 0.05
)

// Tier names which stage produced a decision.
type Tier string

const (
	TierFastPath Tier = "fast_path"
	TierCache    Tier = "cache"
	TierModel    Tier = "model"
	// TierFallback means every stage failed and the input was passed
	// through as unknown.
	TierFallback Tier = "fallback"
)

// Classification is a decision plus how it was reached.
type Classification struct {
	Decision domain.RoutingDecision `json:"decision"`
	Tier     Tier                   `json:"tier"`
	Rule     string                 `json:"rule,omitempty"`
	Distance *float32               `json:"distance,omitempty"`
	Cached   bool                   `json:"cached,omitempty"`
	Elapsed  time.Duration          `json:"elapsed_ns"`
}

// Correction reports what Correct did to the cache.
type Correction string

const (
	CorrectionUpdated  Correction = "updated"
	CorrectionInserted Correction = "inserted"
)

// ExtensionLister reports the dynamic categories currently available.
type ExtensionLister interface {
	Extensions() []domain.Category
}

// Config tunes the router.
type Config struct {
	Prompt              string
	CacheThreshold      float32
	CorrectionThreshold float32
	// DisableFastPath skips the rule tier.
	DisableFastPath bool
	// Rules overrides DefaultRules.
	Rules []Rule
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Prompt:              DefaultPrompt,
		CacheThreshold:      DefaultCacheThreshold,
		CorrectionThreshold: DefaultCorrectionThreshold,
	}
}

// Option configures a Router.
type Option func(*Router)

// WithCache enables the semantic cache tier and corrections.
func WithCache(c domain.RouteCache) Option { return func(r *Router) { r.cache = c } }

// WithExtensions makes the prompt advertise the lister's categories.
func WithExtensions(l ExtensionLister) Option { return func(r *Router) { r.extensions = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = logger.OrDiscard(l) } }

// Router turns free text into a RoutingDecision. It never fails: backend
// errors degrade to the unknown category with the input passed through.
type Router struct {
	model      domain.LanguageModel
	cache      domain.RouteCache
	extensions ExtensionLister
	config     Config
	logger     *slog.Logger
}

// NewRouter creates a Router. Zero thresholds and an empty prompt take the
// defaults.
func NewRouter(model domain.LanguageModel, cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.Prompt == "" {
		cfg.Prompt = def.Prompt
	}
	if cfg.CacheThreshold <= 0 {
		cfg.CacheThreshold = def.CacheThreshold
	}
	if cfg.CorrectionThreshold <= 0 {
		cfg.CorrectionThreshold = def.CorrectionThreshold
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	r := &Router{model: model, config: cfg, logger: logger.Discard()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Classify returns the routing decision for input.
func (r *Router) Classify(ctx context.Context, input string) domain.RoutingDecision {
	return r.Explain(ctx, input).Decision
}

// Explain classifies input and reports which tier decided.
func (r *Router) Explain(ctx context.Context, input string) Classification {
	ctx, span := tracer.StartSpan(ctx, "router.classify")
	defer span.End()

	start := time.Now()
	c := r.classify(ctx, input)
	c.Elapsed = time.Since(start)

	span.SetAttributes(
		tracer.StringAttr("router.tier", string(c.Tier)),
		tracer.CategoryAttr("router.category", c.Decision.Category),
	)
	r.logger.Info("routed",
		"tier", c.Tier,
		"category", c.Decision.Category.Display(),
		"elapsed", c.Elapsed,
	)
	return c
}

func (r *Router) classify(ctx context.Context, input string) Classification {
	if !r.config.DisableFastPath {
		if d, rule, ok := matchFastPath(r.config.Rules, input); ok {
			return Classification{Decision: d, Tier: TierFastPath, Rule: rule}
		}
	}

	var embedding []float32
	if r.cache != nil {
		vec, err := r.model.Embed(ctx, input)
		if err != nil {
			r.logger.Warn("embedding failed, skipping cache", "error", err)
		} else {
			embedding = vec
			if c, ok := r.lookupCache(ctx, input, vec); ok {
				return c
			}
		}
	}

	return r.classifyWithModel(ctx, input, embedding)
}

func (r *Router) lookupCache(ctx context.Context, input string, vec []float32) (Classification, bool) {
	m, err := r.cache.SearchRoute(ctx, vec, r.config.CacheThreshold)
	if err != nil {
		r.logger.Warn("route cache lookup failed", "error", err)
		return Classification{}, false
	}
	if m == nil || m.Entry.Category == "" {
		return Classification{}, false
	}
	query := m.Entry.EnhancedQuery
	if strings.TrimSpace(query) == "" {
		query = input
	}
	dist := m.Distance
	return Classification{
		Decision: domain.RoutingDecision{Category: m.Entry.Category, Query: query},
		Tier:     TierCache,
		Distance: &dist,
	}, true
}

type modelDecision struct {
	Category      *string `json:"category"`
	EnhancedQuery *string `json:"enhanced_query"`
}

func (r *Router) classifyWithModel(ctx context.Context, input string, embedding []float32) Classification {
	fallback := Classification{
		Decision: domain.RoutingDecision{Category: domain.CategoryUnknown, Query: input},
		Tier:     TierFallback,
	}

	raw, err := r.model.Generate(ctx, r.prompt()+"\n\nQuery: \""+input+"\"")
	if err != nil {
		r.logger.Warn("router model failed", "error", err)
		return fallback
	}

	candidate := domain.ExtractJSONObject(raw)
	var md modelDecision
	if err := json.Unmarshal([]byte(candidate), &md); err != nil || md.Category == nil || domain.NewCategory(*md.Category) == "" {
		r.logger.Warn("router model returned unparseable decision", "raw", truncate(raw, 200))
		return fallback
	}

	d := domain.RoutingDecision{Category: domain.NewCategory(*md.Category), Query: input}
	if md.EnhancedQuery != nil && strings.TrimSpace(*md.EnhancedQuery) != "" {
		d.Query = *md.EnhancedQuery
	}

	c := Classification{Decision: d, Tier: TierModel}
	if embedding != nil {
		_, err := r.cache.AddRoute(ctx, domain.RouteCacheEntry{
			QueryText:     input,
			Category:      d.Category,
			EnhancedQuery: d.Query,
			Embedding:     embedding,
		})
		if err != nil {
			r.logger.Warn("route cache write failed", "error", err)
		} else {
			c.Cached = true
		}
	}
	return c
}

// prompt renders the classification prompt with the current extensions.
func (r *Router) prompt() string {
	if !strings.Contains(r.config.Prompt, extensionsPlaceholder) {
		return r.config.Prompt
	}
	ext := "NONE"
	if r.extensions != nil {
		if cats := r.extensions.Extensions(); len(cats) > 0 {
			names := make([]string, len(cats))
			for i, c := range cats {
				names[i] = c.Display()
			}
			ext = strings.Join(names, ", ")
		}
	}
	return strings.ReplaceAll(r.config.Prompt, extensionsPlaceholder, ext)
}

// Correct teaches the cache that input belongs to category. The nearest
// entry within the correction threshold is rewritten in place; otherwise a
// new entry is added with input as its enhanced query.
func (r *Router) Correct(ctx context.Context, input string, category domain.Category) (Correction, error) {
	ctx, span := tracer.StartSpan(ctx, "router.correct")
	defer span.End()

	if r.cache == nil {
		return "", domain.NewDomainError("Router.Correct", domain.ErrDisabled, "semantic cache not configured")
	}
	if category == "" {
		return "", domain.NewDomainError("Router.Correct", domain.ErrInvalidInput, "empty category")
	}

	vec, err := r.model.Embed(ctx, input)
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.NewDomainError("Router.Correct", domain.ErrEmbeddingFailed, err.Error())
	}

	updated, err := r.cache.UpdateRouteCategory(ctx, vec, category, r.config.CorrectionThreshold)
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("Router.Correct", err)
	}
	if updated {
		r.logger.Info("route corrected", "category", category.Display())
		return CorrectionUpdated, nil
	}

	if _, err := r.cache.AddRoute(ctx, domain.RouteCacheEntry{
		QueryText:     input,
		Category:      category,
		EnhancedQuery: input,
		Embedding:     vec,
	}); err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("Router.Correct", err)
	}
	r.logger.Info("route learned", "category", category.Display())
	return CorrectionInserted, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
