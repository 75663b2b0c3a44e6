package ltm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/embedding"
	"github.com/nidhogg/mnemosyne/internal/metrics"
)

// Store is the long-term memory store. Mutations within a collection are
// serialized by a per-collection lock; reads run concurrently.
type Store struct {
	index    VectorIndex
	embedder embedding.Provider
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewStore builds a store over the given index and embedder.
func NewStore(index VectorIndex, embedder embedding.Provider, logger *zap.Logger) *Store {
	return &Store{
		index:    index,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.RWMutex),
	}
}

// SetClock overrides the timestamp source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Init ensures every collection exists in the backing index.
func (s *Store) Init(ctx context.Context) error {
	dim := s.embedder.Dimension()
	for _, c := range Collections {
		if err := s.index.Ensure(ctx, c, dim); err != nil {
			return fmt.Errorf("%w: ensure collection %s: %v", ErrPersistence, c, err)
		}
	}
	return nil
}

func (s *Store) lock(collection string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[collection] = l
	}
	return l
}

// Write stores text in the collection and returns the record id. Texts whose
// hash already exists are deduplicated: the existing id comes back and
// nothing is written. New records start with an access count of zero.
func (s *Store) Write(ctx context.Context, collection, text, role string) (string, error) {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	hash := TextHash(text)
	existing, err := s.index.ByHash(ctx, collection, hash)
	if err != nil {
		return "", fmt.Errorf("%w: hash lookup in %s: %v", ErrPersistence, collection, err)
	}
	if existing != nil {
		s.logger.Debug("duplicate write skipped",
			zap.String("collection", collection),
			zap.String("id", existing.ID))
		return existing.ID, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", fmt.Errorf("embed for %s: %w", collection, err)
	}

	id := uuid.NewString()
	ts := s.now().UTC()
	point := Point{
		ID:     id,
		Vector: vectors[0],
		Payload: map[string]any{
			PayloadText:        text,
			PayloadRole:        role,
			PayloadHash:        hash,
			PayloadAccessCount: int64(0),
			PayloadTimestamp:   float64(ts.UnixNano()) / 1e9,
		},
	}
	if err := s.index.Upsert(ctx, collection, []Point{point}); err != nil {
		return "", fmt.Errorf("%w: upsert into %s: %v", ErrPersistence, collection, err)
	}
	metrics.RecordsWritten.WithLabelValues(collection).Inc()
	return id, nil
}

// Search returns the k records most similar to the query, best first, and
// increments the access count of every record returned. Ties on score break
// toward the newer record. k = 0 returns an empty result without touching
// anything.
func (s *Store) Search(ctx context.Context, collection, query string, k int) ([]ScoredRecord, error) {
	out, err := s.retrieve(ctx, collection, query, k, true)
	return out, err
}

// Neighborhood is Search without the access-count side effect. Reflection
// clustering reads through here so that inspection does not distort the
// usage signal it is measuring.
func (s *Store) Neighborhood(ctx context.Context, collection, query string, k int) ([]ScoredRecord, error) {
	return s.retrieve(ctx, collection, query, k, false)
}

func (s *Store) retrieve(ctx context.Context, collection, query string, k int, touch bool) ([]ScoredRecord, error) {
	if k < 0 {
		return nil, fmt.Errorf("ltm: negative result count %d", k)
	}
	if k == 0 {
		return []ScoredRecord{}, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query for %s: %w", collection, err)
	}

	l := s.lock(collection)
	if touch {
		l.Lock()
		defer l.Unlock()
	} else {
		l.RLock()
		defer l.RUnlock()
	}

	points, err := s.index.Query(ctx, collection, vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrPersistence, collection, err)
	}

	out := make([]ScoredRecord, 0, len(points))
	for _, p := range points {
		out = append(out, ScoredRecord{Record: recordFromPoint(collection, p), Score: p.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.Timestamp.After(out[j].Record.Timestamp)
	})
	if len(out) > k {
		out = out[:k]
	}

	if touch {
		for i := range out {
			out[i].Record.AccessCount++
			if err := s.index.Patch(ctx, collection, out[i].Record.ID, map[string]any{
				PayloadAccessCount: int64(out[i].Record.AccessCount),
			}); err != nil {
				return nil, fmt.Errorf("%w: touch %s/%s: %v", ErrPersistence, collection, out[i].Record.ID, err)
			}
		}
	}
	return out, nil
}

// Touch increments the access count of a single record. A missing id is a
// no-op: the record may have been decayed away concurrently.
func (s *Store) Touch(ctx context.Context, collection, id string) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	points, err := s.index.Fetch(ctx, collection, []string{id})
	if err != nil {
		return fmt.Errorf("%w: fetch %s/%s: %v", ErrPersistence, collection, id, err)
	}
	if len(points) == 0 {
		return nil
	}
	ac := payloadInt(points[0].Payload[PayloadAccessCount])
	if err := s.index.Patch(ctx, collection, id, map[string]any{
		PayloadAccessCount: int64(ac + 1),
	}); err != nil {
		return fmt.Errorf("%w: touch %s/%s: %v", ErrPersistence, collection, id, err)
	}
	return nil
}

// SetAccessCount overwrites a record's access count. Used when a synthesized
// record inherits standing from the records it was distilled from.
func (s *Store) SetAccessCount(ctx context.Context, collection, id string, n int) error {
	if n < 0 {
		n = 0
	}
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	if err := s.index.Patch(ctx, collection, id, map[string]any{
		PayloadAccessCount: int64(n),
	}); err != nil {
		return fmt.Errorf("%w: set access count %s/%s: %v", ErrPersistence, collection, id, err)
	}
	return nil
}

// Decay multiplies the access count of each record by factor, flooring the
// result. Counts never go negative; unknown ids are skipped. Applying the
// same factor twice compounds, so callers decay a given set at most once per
// cycle.
func (s *Store) Decay(ctx context.Context, collection string, ids []string, factor float64) error {
	l := s.lock(collection)
	l.Lock()
	defer l.Unlock()

	points, err := s.index.Fetch(ctx, collection, ids)
	if err != nil {
		return fmt.Errorf("%w: fetch for decay in %s: %v", ErrPersistence, collection, err)
	}
	for _, p := range points {
		ac := payloadInt(p.Payload[PayloadAccessCount])
		next := int(math.Floor(float64(ac) * factor))
		if next < 0 {
			next = 0
		}
		if next == ac {
			continue
		}
		if err := s.index.Patch(ctx, collection, p.ID, map[string]any{
			PayloadAccessCount: int64(next),
		}); err != nil {
			return fmt.Errorf("%w: decay %s/%s: %v", ErrPersistence, collection, p.ID, err)
		}
	}
	return nil
}

// Seed picks one record uniformly at random among those with an access count
// of at least min. ErrNotFound when nothing qualifies.
func (s *Store) Seed(ctx context.Context, collection string, min int) (Record, error) {
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	points, err := s.index.Hot(ctx, collection, min)
	if err != nil {
		return Record{}, fmt.Errorf("%w: hot scan of %s: %v", ErrPersistence, collection, err)
	}
	if len(points) == 0 {
		return Record{}, ErrNotFound
	}
	p := points[rand.Intn(len(points))]
	return recordFromPoint(collection, p), nil
}

// Get fetches records by id. Missing ids are absent from the result.
func (s *Store) Get(ctx context.Context, collection string, ids []string) ([]Record, error) {
	l := s.lock(collection)
	l.RLock()
	defer l.RUnlock()

	points, err := s.index.Fetch(ctx, collection, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch from %s: %v", ErrPersistence, collection, err)
	}
	out := make([]Record, 0, len(points))
	for _, p := range points {
		out = append(out, recordFromPoint(collection, p))
	}
	return out, nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (uint64, error) {
	n, err := s.index.Count(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrPersistence, collection, err)
	}
	return n, nil
}
