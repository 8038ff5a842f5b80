package llm

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"

	"sensei/internal/domain"
)

type embedEntry struct {
	key uint64
	vec []float32
}

// CachedEmbedModel keeps the most recent embeddings in an LRU so the same
// text is not embedded twice in a row (router lookup, then correction or
// retrieval). Generation passes straight through.
type CachedEmbedModel struct {
	inner   domain.LanguageModel
	maxSize int

	mu    sync.Mutex
	cache map[uint64]*list.Element
	order *list.List // most recently used at the back
}

var (
	_ domain.LanguageModel       = (*CachedEmbedModel)(nil)
	_ domain.UnfilteredGenerator = (*CachedEmbedModel)(nil)
)

// NewCachedEmbedModel wraps inner with an embedding cache of maxSize
// entries. maxSize <= 0 returns inner unchanged.
func NewCachedEmbedModel(inner domain.LanguageModel, maxSize int) domain.LanguageModel {
	if maxSize <= 0 {
		return inner
	}
	return &CachedEmbedModel{
		inner:   inner,
		maxSize: maxSize,
		cache:   make(map[uint64]*list.Element, maxSize),
		order:   list.New(),
	}
}

func (m *CachedEmbedModel) Name() string { return m.inner.Name() }

func (m *CachedEmbedModel) Generate(ctx context.Context, prompt string) (string, error) {
	return m.inner.Generate(ctx, prompt)
}

func (m *CachedEmbedModel) GenerateUnfiltered(ctx context.Context, prompt string) (string, error) {
	return domain.GenerateUnfiltered(ctx, m.inner, prompt)
}

func (m *CachedEmbedModel) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)

	m.mu.Lock()
	if elem, ok := m.cache[key]; ok {
		m.order.MoveToBack(elem)
		vec := elem.Value.(*embedEntry).vec
		m.mu.Unlock()
		return vec, nil
	}
	m.mu.Unlock()

	vec, err := m.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.put(key, vec)
	m.mu.Unlock()
	return vec, nil
}

// Len reports how many embeddings are cached.
func (m *CachedEmbedModel) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// put must be called with mu held.
func (m *CachedEmbedModel) put(key uint64, vec []float32) {
	if elem, ok := m.cache[key]; ok {
		m.order.MoveToBack(elem)
		elem.Value.(*embedEntry).vec = vec
		return
	}
	if m.order.Len() >= m.maxSize {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.cache, oldest.Value.(*embedEntry).key)
	}
	m.cache[key] = m.order.PushBack(&embedEntry{key: key, vec: vec})
}

func hashText(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
