package vectorstore

import (
	"context"

	"github.com/nidhogg/mnemosyne/internal/ltm"
)

// IndexAdapter bridges the Qdrant client to the interface the memory store
// consumes.
type IndexAdapter struct {
	client *Client
}

// NewIndexAdapter wraps a Qdrant client as an ltm.VectorIndex.
func NewIndexAdapter(client *Client) *IndexAdapter {
	return &IndexAdapter{client: client}
}

var _ ltm.VectorIndex = (*IndexAdapter)(nil)

// scrollPage bounds one Scroll round trip when scanning filtered points.
const scrollPage = 256

func (a *IndexAdapter) Ensure(ctx context.Context, collection string, dim int) error {
	return a.client.EnsureCollection(ctx, collection, uint64(dim))
}

func (a *IndexAdapter) Upsert(ctx context.Context, collection string, points []ltm.Point) error {
	stored := make([]StoredPoint, 0, len(points))
	for _, p := range points {
		stored = append(stored, StoredPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload})
	}
	return a.client.Upsert(ctx, collection, stored)
}

func (a *IndexAdapter) Query(ctx context.Context, collection string, vector []float32, k int) ([]ltm.Point, error) {
	results, err := a.client.Search(ctx, collection, vector, uint64(k))
	if err != nil {
		return nil, err
	}
	return toPoints(results), nil
}

func (a *IndexAdapter) Fetch(ctx context.Context, collection string, ids []string) ([]ltm.Point, error) {
	results, err := a.client.Get(ctx, collection, ids)
	if err != nil {
		return nil, err
	}
	return toPoints(results), nil
}

func (a *IndexAdapter) Patch(ctx context.Context, collection string, id string, payload map[string]any) error {
	return a.client.SetPayload(ctx, collection, id, payload)
}

func (a *IndexAdapter) ByHash(ctx context.Context, collection string, hash string) (*ltm.Point, error) {
	results, err := a.client.ScrollByKeyword(ctx, collection, ltm.PayloadHash, hash, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	p := toPoint(results[0])
	return &p, nil
}

func (a *IndexAdapter) Hot(ctx context.Context, collection string, min int) ([]ltm.Point, error) {
	results, err := a.client.ScrollByMinimum(ctx, collection, ltm.PayloadAccessCount, float64(min), scrollPage)
	if err != nil {
		return nil, err
	}
	return toPoints(results), nil
}

func (a *IndexAdapter) Count(ctx context.Context, collection string) (uint64, error) {
	return a.client.Count(ctx, collection)
}

func toPoint(sp StoredPoint) ltm.Point {
	return ltm.Point{ID: sp.ID, Vector: sp.Vector, Payload: sp.Payload, Score: sp.Score}
}

func toPoints(stored []StoredPoint) []ltm.Point {
	out := make([]ltm.Point, 0, len(stored))
	for _, sp := range stored {
		out = append(out, toPoint(sp))
	}
	return out
}
