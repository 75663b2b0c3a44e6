package ltm

import (
	"context"
	"math"
	"sort"
	"sync"
)

// fakeIndex is an in-memory VectorIndex backed by cosine similarity over the
// stored vectors.
type fakeIndex struct {
	mu   sync.Mutex
	data map[string]map[string]Point
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{data: make(map[string]map[string]Point)}
}

func (f *fakeIndex) Ensure(_ context.Context, collection string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[collection]; !ok {
		f.data[collection] = make(map[string]Point)
	}
	return nil
}

func (f *fakeIndex) Upsert(_ context.Context, collection string, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[collection]; !ok {
		f.data[collection] = make(map[string]Point)
	}
	for _, p := range points {
		stored := Point{ID: p.ID, Vector: p.Vector, Payload: make(map[string]any, len(p.Payload))}
		for k, v := range p.Payload {
			stored.Payload[k] = v
		}
		f.data[collection][p.ID] = stored
	}
	return nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func (f *fakeIndex) Query(_ context.Context, collection string, vector []float32, k int) ([]Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Point
	for _, p := range f.data[collection] {
		p.Score = cosine(vector, p.Vector)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *fakeIndex) Fetch(_ context.Context, collection string, ids []string) ([]Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Point
	for _, id := range ids {
		if p, ok := f.data[collection][id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeIndex) Patch(_ context.Context, collection string, id string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.data[collection][id]
	if !ok {
		return nil
	}
	for k, v := range payload {
		p.Payload[k] = v
	}
	f.data[collection][id] = p
	return nil
}

func (f *fakeIndex) ByHash(_ context.Context, collection string, hash string) (*Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.data[collection] {
		if p.Payload[PayloadHash] == hash {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

func (f *fakeIndex) Hot(_ context.Context, collection string, min int) ([]Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Point
	for _, p := range f.data[collection] {
		if payloadInt(p.Payload[PayloadAccessCount]) >= min {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeIndex) Count(_ context.Context, collection string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.data[collection])), nil
}

func (f *fakeIndex) accessCount(collection, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return payloadInt(f.data[collection][id].Payload[PayloadAccessCount])
}

// fakeEmbedder returns canned vectors per text, falling back to a vector
// derived from the text bytes so unknown inputs still embed.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(text string, v []float32) {
	f.vectors[text] = v
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
			continue
		}
		v := make([]float32, 4)
		for j, b := range []byte(t) {
			v[j%4] += float32(b)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 4 }
