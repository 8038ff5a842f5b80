package routing

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensei/internal/domain"
)

type fakeModel struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	embedErr error
	reply    string
	genErr   error
	prompts  []string
	embeds   int
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Generate(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	return m.reply, m.genErr
}

func (m *fakeModel) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeds++
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{float32(len(text)), 0}, nil
}

func (m *fakeModel) generateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// memCache is a linear-scan RouteCache using Euclidean distance.
type memCache struct {
	mu        sync.Mutex
	entries   []domain.RouteCacheEntry
	addErr    error
	searchErr error
}

func dist(a, b []float32) float32 {
	var s float64
	for i := range a {
		d := float64(a[i] - b[i])
		s += d * d
	}
	return float32(math.Sqrt(s))
}

func (c *memCache) AddRoute(_ context.Context, e domain.RouteCacheEntry) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return 0, c.addErr
	}
	e.ID = int64(len(c.entries) + 1)
	c.entries = append(c.entries, e)
	return e.ID, nil
}

func (c *memCache) nearest(vec []float32) (int, float32) {
	best, bestD := -1, float32(math.MaxFloat32)
	for i, e := range c.entries {
		if len(e.Embedding) != len(vec) {
			continue
		}
		if d := dist(vec, e.Embedding); d < bestD {
			best, bestD = i, d
		}
	}
	return best, bestD
}

func (c *memCache) SearchRoute(_ context.Context, vec []float32, max float32) (*domain.RouteMatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	i, d := c.nearest(vec)
	if i < 0 || d >= max {
		return nil, nil
	}
	return &domain.RouteMatch{Entry: c.entries[i], Distance: d}, nil
}

func (c *memCache) UpdateRouteCategory(_ context.Context, vec []float32, cat domain.Category, max float32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, d := c.nearest(vec)
	if i < 0 || d >= max {
		return false, nil
	}
	c.entries[i].Category = cat
	return true, nil
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type staticExtensions []domain.Category

func (s staticExtensions) Extensions() []domain.Category { return s }

func TestFastPath(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Category
		rule string
	}{
		{"scan 10.0.0.5", domain.CategoryAction, "scan"},
		{"Scan host 192.168.1.1 please", domain.CategoryAction, "scan"},
		{"run NMAP against the gateway", domain.CategoryAction, "scan"},
		{"what is the uptime", domain.CategorySystem, "diagnostic"},
		{"WHOAMI", domain.CategorySystem, "diagnostic"},
		{"please check disk usage", domain.CategorySystem, "diagnostic"},
		{"free -h", domain.CategorySystem, "diagnostic"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m := &fakeModel{genErr: errors.New("must not be called")}
			r := NewRouter(m, DefaultConfig(), WithCache(&memCache{}))

			c := r.Explain(context.Background(), tt.in)
			assert.Equal(t, tt.want, c.Decision.Category)
			assert.Equal(t, tt.in, c.Decision.Query)
			assert.Equal(t, TierFastPath, c.Tier)
			assert.Equal(t, tt.rule, c.Rule)
			assert.Zero(t, m.embeds)
			assert.Zero(t, m.generateCalls())
		})
	}
}

func TestFastPathMisses(t *testing.T) {
	for _, in := range []string{"scan the network", "scanner 10.0.0.1", "tell me a joke"} {
		_, _, ok := matchFastPath(DefaultRules(), in)
		assert.False(t, ok, in)
	}
}

func TestFastPathDisabled(t *testing.T) {
	m := &fakeModel{reply: `{"category":"RED"}`}
	cfg := DefaultConfig()
	cfg.DisableFastPath = true
	r := NewRouter(m, cfg)

	assert.Equal(t, domain.CategoryRed, r.Classify(context.Background(), "nmap 10.0.0.1").Category)
}

func TestModelFallbackParsesNoisyJSON(t *testing.T) {
	m := &fakeModel{reply: "Sure! Here you go:\n```json\n{\"category\": \"Blue\", \"enhanced_query\": \"Analyze auth.log for brute force\"}\n```"}
	r := NewRouter(m, DefaultConfig())

	c := r.Explain(context.Background(), "look at my logs")
	assert.Equal(t, TierModel, c.Tier)
	assert.Equal(t, domain.CategoryBlue, c.Decision.Category)
	assert.Equal(t, "Analyze auth.log for brute force", c.Decision.Query)
	require.Len(t, m.prompts, 1)
	assert.Contains(t, m.prompts[0], "\n\nQuery: \"look at my logs\"")
}

func TestModelFallbackWithoutEnhancedQuery(t *testing.T) {
	m := &fakeModel{reply: `{"category":"loopback"}`}
	r := NewRouter(m, DefaultConfig())
	d := r.Classify(context.Background(), "ping the loopback")
	assert.Equal(t, domain.NewCategory("loopback"), d.Category)
	assert.Equal(t, "ping the loopback", d.Query)
}

func TestModelFailuresDegradeToUnknown(t *testing.T) {
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"generate error", &fakeModel{genErr: errors.New("503")}},
		{"no json", &fakeModel{reply: "I think this is about red teaming"}},
		{"broken json", &fakeModel{reply: `{"category": "RED"`}},
		{"missing category", &fakeModel{reply: `{"enhanced_query": "x"}`}},
		{"blank category", &fakeModel{reply: `{"category": "  "}`}},
		{"non-string category", &fakeModel{reply: `{"category": 7}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := &memCache{}
			r := NewRouter(tt.model, DefaultConfig(), WithCache(cache))
			c := r.Explain(context.Background(), "hello there")
			assert.Equal(t, TierFallback, c.Tier)
			assert.Equal(t, domain.RoutingDecision{Category: domain.CategoryUnknown, Query: "hello there"}, c.Decision)
			assert.Zero(t, cache.len(), "failed classifications are not cached")
		})
	}
}

func TestCacheWriteBackAndHit(t *testing.T) {
	m := &fakeModel{
		vectors: map[string][]float32{"hello there": {1, 1}},
		reply:   `{"category":"CASUAL","enhanced_query":"greeting"}`,
	}
	cache := &memCache{}
	r := NewRouter(m, DefaultConfig(), WithCache(cache))
	ctx := context.Background()

	first := r.Explain(ctx, "hello there")
	assert.Equal(t, TierModel, first.Tier)
	assert.True(t, first.Cached)
	require.Equal(t, 1, cache.len())
	assert.Equal(t, "hello there", cache.entries[0].QueryText)
	assert.Equal(t, "greeting", cache.entries[0].EnhancedQuery)

	second := r.Explain(ctx, "hello there")
	assert.Equal(t, TierCache, second.Tier)
	assert.Equal(t, domain.RoutingDecision{Category: domain.CategoryCasual, Query: "greeting"}, second.Decision)
	require.NotNil(t, second.Distance)
	assert.Zero(t, *second.Distance)
	assert.Equal(t, 1, m.generateCalls())
}

func TestCacheHitWithBlankQueryUsesInput(t *testing.T) {
	m := &fakeModel{vectors: map[string][]float32{"list open ports": {2, 2}}}
	cache := &memCache{entries: []domain.RouteCacheEntry{
		{ID: 1, QueryText: "list open ports", Category: domain.CategoryAction, EnhancedQuery: "  ", Embedding: []float32{2, 2}},
	}}
	r := NewRouter(m, Config{DisableFastPath: true}, WithCache(cache))

	c := r.Explain(context.Background(), "list open ports")
	assert.Equal(t, TierCache, c.Tier)
	assert.Equal(t, domain.RoutingDecision{Category: domain.CategoryAction, Query: "list open ports"}, c.Decision)
	assert.Zero(t, m.generateCalls())
}

func TestCacheThresholdIsStrict(t *testing.T) {
	m := &fakeModel{
		vectors: map[string][]float32{"a": {0, 0}, "b": {0.1, 0}, "c": {0.09, 0}},
		reply:   `{"category":"RED"}`,
	}
	cache := &memCache{}
	r := NewRouter(m, DefaultConfig(), WithCache(cache))
	ctx := context.Background()

	r.Classify(ctx, "a")
	assert.Equal(t, TierCache, r.Explain(ctx, "c").Tier)
	// "b" sits 0.1 away which is not below the threshold.
	assert.Equal(t, TierModel, r.Explain(ctx, "b").Tier)
}

func TestEmbeddingFailureSkipsCache(t *testing.T) {
	m := &fakeModel{embedErr: errors.New("no embeddings"), reply: `{"category":"OSINT"}`}
	cache := &memCache{}
	r := NewRouter(m, DefaultConfig(), WithCache(cache))

	c := r.Explain(context.Background(), "who owns example.com")
	assert.Equal(t, TierModel, c.Tier)
	assert.Equal(t, domain.CategoryOSINT, c.Decision.Category)
	assert.False(t, c.Cached)
	assert.Zero(t, cache.len())
}

func TestCacheErrorsAreNotFatal(t *testing.T) {
	m := &fakeModel{reply: `{"category":"CLOUD"}`}
	cache := &memCache{searchErr: errors.New("disk gone"), addErr: errors.New("disk gone")}
	r := NewRouter(m, DefaultConfig(), WithCache(cache))

	c := r.Explain(context.Background(), "s3 bucket policy")
	assert.Equal(t, domain.CategoryCloud, c.Decision.Category)
	assert.False(t, c.Cached)
}

func TestPromptAdvertisesExtensions(t *testing.T) {
	m := &fakeModel{reply: `{"category":"CASUAL"}`}

	r := NewRouter(m, DefaultConfig())
	r.Classify(context.Background(), "hi")
	assert.Contains(t, m.prompts[0], "ACTIVE EXTENSIONS: NONE\n")

	r = NewRouter(m, DefaultConfig(), WithExtensions(staticExtensions{"filesystem", "loopback"}))
	r.Classify(context.Background(), "hi")
	assert.Contains(t, m.prompts[1], "ACTIVE EXTENSIONS: FILESYSTEM, LOOPBACK\n")
	assert.NotContains(t, m.prompts[1], extensionsPlaceholder)
}

func TestCorrectUpdatesInPlace(t *testing.T) {
	q := "tail the auth log"
	m := &fakeModel{
		vectors: map[string][]float32{q: {2, 2}},
		reply:   `{"category":"CASUAL","enhanced_query":"tail auth"}`,
	}
	cache := &memCache{}
	r := NewRouter(m, DefaultConfig(), WithCache(cache))
	ctx := context.Background()

	assert.Equal(t, domain.CategoryCasual, r.Classify(ctx, q).Category)

	outcome, err := r.Correct(ctx, q, domain.NewCategory("SYSTEM"))
	require.NoError(t, err)
	assert.Equal(t, CorrectionUpdated, outcome)
	assert.Equal(t, domain.CategorySystem, r.Classify(ctx, q).Category)

	outcome, err = r.Correct(ctx, q, domain.NewCategory("BLUE"))
	require.NoError(t, err)
	assert.Equal(t, CorrectionUpdated, outcome)
	d := r.Classify(ctx, q)
	assert.Equal(t, domain.CategoryBlue, d.Category)
	assert.Equal(t, "tail auth", d.Query)

	assert.Equal(t, 1, cache.len())
}

func TestCorrectInsertsWhenNothingClose(t *testing.T) {
	m := &fakeModel{vectors: map[string][]float32{"new thing": {9, 9}}}
	cache := &memCache{}
	r := NewRouter(m, DefaultConfig(), WithCache(cache))

	outcome, err := r.Correct(context.Background(), "new thing", domain.CategoryCrypto)
	require.NoError(t, err)
	assert.Equal(t, CorrectionInserted, outcome)
	require.Equal(t, 1, cache.len())
	assert.Equal(t, "new thing", cache.entries[0].EnhancedQuery)
	assert.Equal(t, domain.CategoryCrypto, cache.entries[0].Category)
}

func TestCorrectErrors(t *testing.T) {
	r := NewRouter(&fakeModel{}, DefaultConfig())
	_, err := r.Correct(context.Background(), "x", domain.CategoryRed)
	assert.True(t, errors.Is(err, domain.ErrDisabled))

	r = NewRouter(&fakeModel{embedErr: errors.New("down")}, DefaultConfig(), WithCache(&memCache{}))
	_, err = r.Correct(context.Background(), "x", domain.CategoryRed)
	assert.True(t, errors.Is(err, domain.ErrEmbeddingFailed))

	_, err = r.Correct(context.Background(), "x", domain.NewCategory(" "))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestNewRouterDefaults(t *testing.T) {
	r := NewRouter(&fakeModel{}, Config{})
	assert.Equal(t, DefaultPrompt, r.config.Prompt)
	assert.Equal(t, DefaultCacheThreshold, r.config.CacheThreshold)
	assert.Equal(t, DefaultCorrectionThreshold, r.config.CorrectionThreshold)
	assert.Len(t, r.config.Rules, 2)
}
