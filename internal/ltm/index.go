package ltm

import (
	"context"
	"time"
)

// Point is the wire-level shape exchanged with a vector index. Payload holds
// the non-vector record fields under well-known keys.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
	Score   float32
}

// Payload keys understood by the store.
const (
	PayloadText        = "text"
	PayloadRole        = "role"
	PayloadHash        = "hash"
	PayloadAccessCount = "access_count"
	PayloadTimestamp   = "timestamp"
)

// VectorIndex is the durable vector backend the store writes to. Implemented
// by vectorstore.IndexAdapter in production and by an in-memory fake in tests.
type VectorIndex interface {
	// Ensure creates the named collection with the given dimension if it
	// does not already exist.
	Ensure(ctx context.Context, collection string, dim int) error

	// Upsert writes points, replacing any with the same id.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Query returns the k nearest points to the vector, best first.
	Query(ctx context.Context, collection string, vector []float32, k int) ([]Point, error)

	// Fetch returns the points with the given ids. Missing ids are
	// silently absent from the result.
	Fetch(ctx context.Context, collection string, ids []string) ([]Point, error)

	// Patch merges the given payload fields into an existing point.
	Patch(ctx context.Context, collection string, id string, payload map[string]any) error

	// ByHash returns the point whose hash payload equals hash, if any.
	ByHash(ctx context.Context, collection string, hash string) (*Point, error)

	// Hot returns every point whose access count is at least min.
	Hot(ctx context.Context, collection string, min int) ([]Point, error)

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (uint64, error)
}

func recordFromPoint(collection string, p Point) Record {
	r := Record{
		ID:         p.ID,
		Collection: collection,
		Embedding:  p.Vector,
	}
	if v, ok := p.Payload[PayloadText].(string); ok {
		r.Text = v
	}
	if v, ok := p.Payload[PayloadRole].(string); ok {
		r.Role = v
	}
	if v, ok := p.Payload[PayloadHash].(string); ok {
		r.Hash = v
	}
	r.AccessCount = payloadInt(p.Payload[PayloadAccessCount])
	if v, ok := p.Payload[PayloadTimestamp].(float64); ok {
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		r.Timestamp = time.Unix(sec, nsec).UTC()
	}
	return r
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
