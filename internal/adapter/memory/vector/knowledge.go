package vector

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"sensei/internal/domain"
)

// AddDocument stores a knowledge passage under a new ULID.
func (s *Store) AddDocument(ctx context.Context, content string, vec []float32) (domain.Document, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Document{}, domain.NewDomainError("Store.AddDocument", domain.ErrInvalidInput, "empty content")
	}
	if len(vec) == 0 {
		return domain.Document{}, domain.NewDomainError("Store.AddDocument", domain.ErrInvalidInput, "empty embedding")
	}
	if err := s.docs.loadFromDB(ctx, s.db); err != nil {
		return domain.Document{}, searchErr("Store.AddDocument", err)
	}

	now := s.now().UTC()
	doc := domain.Document{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Content:   content,
		CreatedAt: now,
	}

	var rowid int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, content, created_at) VALUES (?, ?, ?)`,
			doc.ID, doc.Content, now.Format(timeLayout))
		if err != nil {
			return err
		}
		if rowid, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents_vec (rowid, embedding) VALUES (?, ?)`,
			rowid, float32ToBytes(vec))
		return err
	})
	if err != nil {
		return domain.Document{}, storeErr("Store.AddDocument", err)
	}

	s.docs.put(rowid, append([]float32(nil), vec...))
	return doc, nil
}

// SearchDocuments returns up to k documents nearest to vec. Score carries
// the distance, so lower is closer.
func (s *Store) SearchDocuments(ctx context.Context, vec []float32, k int) ([]domain.Document, error) {
	if err := s.docs.loadFromDB(ctx, s.db); err != nil {
		return nil, searchErr("Store.SearchDocuments", err)
	}
	hits := s.docs.topK(vec, k)
	docs := make([]domain.Document, 0, len(hits))
	for _, h := range hits {
		d, err := s.documentByRowID(ctx, h.rowid)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, searchErr("Store.SearchDocuments", err)
		}
		d.Score = h.distance
		docs = append(docs, d)
	}
	return docs, nil
}

// GetDocument fetches a document by its ULID.
func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, created_at FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, domain.NewSubSystemError("knowledge", "Store.GetDocument", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Document{}, storeErr("Store.GetDocument", err)
	}
	return d, nil
}

// ListDocuments returns the newest documents first. A non-positive limit
// returns everything.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, created_at FROM documents ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("Store.ListDocuments", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storeErr("Store.ListDocuments", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("Store.ListDocuments", err)
	}
	return docs, nil
}

func (s *Store) documentByRowID(ctx context.Context, rowid int64) (domain.Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx,
		`SELECT id, content, created_at FROM documents WHERE rowid = ?`, rowid))
}

func scanDocument(row interface{ Scan(dest ...any) error }) (domain.Document, error) {
	var (
		d         domain.Document
		createdAt string
	)
	if err := row.Scan(&d.ID, &d.Content, &createdAt); err != nil {
		return domain.Document{}, err
	}
	// A malformed timestamp leaves CreatedAt zero; the content is still usable.
	d.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return d, nil
}
