package vector

import (
	"context"
	"database/sql"
	"sort"
	"sync"
)

// vecIndex is an in-memory copy of one *_vec table so nearest-neighbour
// lookups avoid SQLite I/O. It is loaded lazily on the first search and kept
// current by the write paths.
type vecIndex struct {
	table string

	mu      sync.RWMutex
	vectors map[int64][]float32 // rowid -> embedding
	loaded  bool
}

type hit struct {
	rowid    int64
	distance float32
}

func newVecIndex(table string) *vecIndex {
	return &vecIndex{
		table:   table,
		vectors: make(map[int64][]float32),
	}
}

// nearest returns the closest vector to q. Ties go to the lowest rowid so
// results are stable.
func (idx *vecIndex) nearest(q []float32) (hit, bool) {
	hits := idx.topK(q, 1)
	if len(hits) == 0 {
		return hit{}, false
	}
	return hits[0], true
}

// topK returns up to k vectors ordered by ascending distance to q.
func (idx *vecIndex) topK(q []float32, k int) []hit {
	if k <= 0 {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make([]hit, 0, len(idx.vectors))
	for rowid, v := range idx.vectors {
		d, ok := l2Distance(q, v)
		if !ok {
			continue
		}
		candidates = append(candidates, hit{rowid: rowid, distance: d})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].rowid < candidates[j].rowid
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// put adds or replaces a vector. Writes before the first load are dropped;
// loadFromDB will pick them up.
func (idx *vecIndex) put(rowid int64, v []float32) {
	idx.mu.Lock()
	if idx.loaded {
		idx.vectors[rowid] = v
	}
	idx.mu.Unlock()
}

func (idx *vecIndex) size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// loadFromDB populates the index once. Subsequent calls are no-ops.
func (idx *vecIndex) loadFromDB(ctx context.Context, db *sql.DB) error {
	idx.mu.RLock()
	loaded := idx.loaded
	idx.mu.RUnlock()
	if loaded {
		return nil
	}

	rows, err := db.QueryContext(ctx, "SELECT rowid, embedding FROM "+idx.table)
	if err != nil {
		return err
	}
	defer rows.Close()

	vectors := make(map[int64][]float32)
	for rows.Next() {
		var (
			rowid int64
			blob  []byte
		)
		if err := rows.Scan(&rowid, &blob); err != nil {
			return err
		}
		if v := bytesToFloat32(blob); v != nil {
			vectors[rowid] = v
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	if !idx.loaded {
		idx.vectors = vectors
		idx.loaded = true
	}
	idx.mu.Unlock()
	return nil
}
