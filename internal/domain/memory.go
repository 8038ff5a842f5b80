package domain

import (
	"context"
	"time"
)

// RouteCacheEntry is one remembered routing decision.
type RouteCacheEntry struct {
	ID            int64
	QueryText     string
	Category      Category
	EnhancedQuery string
	Embedding     []float32
}

// RouteMatch is a cache entry together with its distance to the query vector.
type RouteMatch struct {
	Entry    RouteCacheEntry
	Distance float32
}

// RouteCache is the semantic cache consulted by the router. Entries are
// append-only except for their category.
type RouteCache interface {
	// AddRoute stores a new entry.
	AddRoute(ctx context.Context, entry RouteCacheEntry) (int64, error)
	// SearchRoute returns the nearest entry if its distance is below maxDistance.
	SearchRoute(ctx context.Context, vec []float32, maxDistance float32) (*RouteMatch, error)
	// UpdateRouteCategory rewrites the category of the nearest entry if its
	// distance is below maxDistance and reports whether an entry was changed.
	UpdateRouteCategory(ctx context.Context, vec []float32, category Category, maxDistance float32) (bool, error)
}

// Document is a knowledge-base passage used as retrieval context.
type Document struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Score     float32   `json:"score,omitempty"`
}

// KnowledgeStore persists documents alongside their embeddings.
type KnowledgeStore interface {
	AddDocument(ctx context.Context, content string, vec []float32) (Document, error)
	SearchDocuments(ctx context.Context, vec []float32, k int) ([]Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	ListDocuments(ctx context.Context, limit int) ([]Document, error)
}

// Session groups the messages of one conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionMessage is one stored conversation turn.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore persists conversations. Lookups of unknown sessions fail
// with ErrNotFound.
type SessionStore interface {
	CreateSession(ctx context.Context, title string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	AddMessage(ctx context.Context, sessionID, role, content string) (SessionMessage, error)
	Messages(ctx context.Context, sessionID string) ([]SessionMessage, error)
}
