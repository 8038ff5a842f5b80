package vector

import (
	"context"
	"database/sql"
	"errors"

	"sensei/internal/domain"
)

// AddRoute stores a routing decision and its query embedding.
func (s *Store) AddRoute(ctx context.Context, e domain.RouteCacheEntry) (int64, error) {
	if len(e.Embedding) == 0 {
		return 0, domain.NewDomainError("Store.AddRoute", domain.ErrInvalidInput, "empty embedding")
	}
	if err := s.routes.loadFromDB(ctx, s.db); err != nil {
		return 0, searchErr("Store.AddRoute", err)
	}

	var id int64
	now := s.timestamp()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO router_cache (query_text, category, enhanced_query, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			e.QueryText, e.Category.String(), e.EnhancedQuery, now, now)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO router_cache_vec (rowid, embedding) VALUES (?, ?)`,
			id, float32ToBytes(e.Embedding))
		return err
	})
	if err != nil {
		return 0, storeErr("Store.AddRoute", err)
	}

	s.routes.put(id, append([]float32(nil), e.Embedding...))
	return id, nil
}

// NearestRoute returns the closest cached route regardless of distance, or
// nil when the cache holds nothing comparable.
func (s *Store) NearestRoute(ctx context.Context, vec []float32) (*domain.RouteMatch, error) {
	if err := s.routes.loadFromDB(ctx, s.db); err != nil {
		return nil, searchErr("Store.NearestRoute", err)
	}
	h, ok := s.routes.nearest(vec)
	if !ok {
		return nil, nil
	}

	var (
		entry domain.RouteCacheEntry
		cat   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query_text, category, enhanced_query FROM router_cache WHERE id = ?`, h.rowid,
	).Scan(&entry.ID, &entry.QueryText, &cat, &entry.EnhancedQuery)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, searchErr("Store.NearestRoute", err)
	}
	entry.Category = domain.NewCategory(cat)
	return &domain.RouteMatch{Entry: entry, Distance: h.distance}, nil
}

// SearchRoute returns the nearest route when it is strictly closer than
// maxDistance.
func (s *Store) SearchRoute(ctx context.Context, vec []float32, maxDistance float32) (*domain.RouteMatch, error) {
	m, err := s.NearestRoute(ctx, vec)
	if err != nil || m == nil {
		return nil, err
	}
	if m.Distance >= maxDistance {
		return nil, nil
	}
	return m, nil
}

// UpdateRouteCategory rewrites the category of the nearest route when it is
// strictly closer than maxDistance. The entry keeps its id, query text and
// enhanced query.
func (s *Store) UpdateRouteCategory(ctx context.Context, vec []float32, cat domain.Category, maxDistance float32) (bool, error) {
	m, err := s.SearchRoute(ctx, vec, maxDistance)
	if err != nil || m == nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE router_cache SET category = ?, updated_at = ? WHERE id = ?`,
		cat.String(), s.timestamp(), m.Entry.ID)
	if err != nil {
		return false, storeErr("Store.UpdateRouteCategory", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("route category corrected",
			"id", m.Entry.ID, "from", m.Entry.Category.String(), "to", cat.String(), "distance", m.Distance)
	}
	return n > 0, nil
}

// RouteCount returns the number of cached routes.
func (s *Store) RouteCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM router_cache`).Scan(&n); err != nil {
		return 0, storeErr("Store.RouteCount", err)
	}
	return n, nil
}
