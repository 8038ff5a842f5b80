package vector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sensei/internal/domain"
)

const timeLayout = time.RFC3339Nano

// Store is the SQLite-backed semantic memory. It implements
// domain.RouteCache for the router, domain.KnowledgeStore for retrieval
// context and domain.SessionStore for chat history. Embeddings are stored
// as little-endian float32 blobs and searched by Euclidean distance through
// an in-memory index per table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	path   string

	routes *vecIndex
	docs   *vecIndex

	now func() time.Time
}

var (
	_ domain.RouteCache     = (*Store)(nil)
	_ domain.KnowledgeStore = (*Store)(nil)
	_ domain.SessionStore   = (*Store)(nil)
)

// Open opens (or creates) the database at path and runs migrations. The
// parent directory is created if missing.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: create db dir: %v", domain.ErrVectorStore, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrVectorStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrVectorStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrVectorStore, err)
	}

	logger.Debug("semantic store opened", "path", path)
	return &Store{
		db:     db,
		logger: logger,
		path:   path,
		routes: newVecIndex("router_cache_vec"),
		docs:   newVecIndex("documents_vec"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func storeErr(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrVectorStore, err.Error())
}

func searchErr(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrVectorSearch, err.Error())
}
