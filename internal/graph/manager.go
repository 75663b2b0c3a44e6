// Package graph maintains the in-memory concept graph: weighted undirected
// edges between concepts, periodic decay, PageRank importance and atomic
// single-file persistence.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/metrics"
)

// Manager owns the concept graph. All access goes through its lock: writers
// serialize, readers run concurrently. Importance values are recomputed
// lazily after any structural change.
type Manager struct {
	mu     sync.RWMutex
	nodes  []string
	index  map[string]int
	adj    []map[int]float64
	rank   []float64
	dirty  bool
	alpha  float64
	iters  int
	logger *zap.Logger
}

// Stats is a point-in-time summary of graph shape.
type Stats struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// Concept pairs a concept with its current importance.
type Concept struct {
	ID         string  `json:"id"`
	Importance float64 `json:"importance"`
}

type persistedEdge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

type persistedGraph struct {
	Nodes []Concept       `json:"nodes"`
	Edges []persistedEdge `json:"edges"`
}

// NewManager builds an empty graph. alpha and iters parameterize the
// PageRank computation.
func NewManager(alpha float64, iters int, logger *zap.Logger) *Manager {
	return &Manager{
		index:  make(map[string]int),
		alpha:  alpha,
		iters:  iters,
		logger: logger,
	}
}

func (m *Manager) node(id string) int {
	i, ok := m.index[id]
	if !ok {
		i = len(m.nodes)
		m.nodes = append(m.nodes, id)
		m.adj = append(m.adj, make(map[int]float64))
		m.index[id] = i
	}
	return i
}

// Reinforce strengthens the edge between two concepts by amount, creating
// concepts and the edge as needed. Weights saturate at 1. Self-loops are
// rejected silently.
func (m *Manager) Reinforce(a, b string, amount float64) {
	if a == b || a == "" || b == "" || amount <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i, j := m.node(a), m.node(b)
	w := m.adj[i][j] + amount
	if w > 1 {
		w = 1
	}
	m.adj[i][j] = w
	m.adj[j][i] = w
	m.dirty = true
	metrics.GraphEdges.Set(float64(m.edgeCount()))
}

// Weight returns the current edge weight between two concepts, zero when no
// edge exists.
func (m *Manager) Weight(a, b string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[a]
	if !ok {
		return 0
	}
	j, ok := m.index[b]
	if !ok {
		return 0
	}
	return m.adj[i][j]
}

// DecayPass multiplies every edge weight by factor and prunes edges that
// fall below threshold, then drops concepts left with no edges. One pass is
// one decay step: running it twice compounds.
func (m *Manager) DecayPass(factor, threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.adj {
		for j, w := range m.adj[i] {
			w *= factor
			if w < threshold {
				delete(m.adj[i], j)
			} else {
				m.adj[i][j] = w
			}
		}
	}
	m.compact()
	m.dirty = true
	metrics.GraphEdges.Set(float64(m.edgeCount()))
}

// compact removes isolated nodes and reindexes. Caller holds the write lock.
func (m *Manager) compact() {
	remap := make([]int, len(m.nodes))
	keptNodes := m.nodes[:0]
	var keptAdj []map[int]float64
	for i, edges := range m.adj {
		if len(edges) == 0 {
			remap[i] = -1
			delete(m.index, m.nodes[i])
			continue
		}
		remap[i] = len(keptNodes)
		keptNodes = append(keptNodes, m.nodes[i])
		keptAdj = append(keptAdj, edges)
	}
	for i, edges := range keptAdj {
		renumbered := make(map[int]float64, len(edges))
		for j, w := range edges {
			renumbered[remap[j]] = w
		}
		keptAdj[i] = renumbered
	}
	m.nodes = keptNodes
	m.adj = keptAdj
	for i, id := range m.nodes {
		m.index[id] = i
	}
}

func (m *Manager) edgeCount() int {
	n := 0
	for _, edges := range m.adj {
		n += len(edges)
	}
	return n / 2
}

// Importance returns the PageRank of a concept, recomputing if the graph
// changed since the last query. Unknown concepts score zero.
func (m *Manager) Importance(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureRank()
	i, ok := m.index[id]
	if !ok {
		return 0
	}
	return m.rank[i]
}

// TopConcepts returns the n highest-importance concepts, best first.
func (m *Manager) TopConcepts(n int) []Concept {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureRank()

	out := make([]Concept, 0, len(m.nodes))
	for i, id := range m.nodes {
		out = append(out, Concept{ID: id, Importance: m.rank[i]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].ID < out[j].ID
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ensureRank runs weighted power iteration. Caller holds the write lock.
func (m *Manager) ensureRank() {
	if !m.dirty && m.rank != nil {
		return
	}
	n := len(m.nodes)
	m.rank = make([]float64, n)
	if n == 0 {
		m.dirty = false
		return
	}

	strength := make([]float64, n)
	for i, edges := range m.adj {
		for _, w := range edges {
			strength[i] += w
		}
	}

	cur := make([]float64, n)
	next := make([]float64, n)
	for i := range cur {
		cur[i] = 1.0 / float64(n)
	}
	base := (1 - m.alpha) / float64(n)
	for it := 0; it < m.iters; it++ {
		dangling := 0.0
		for i := range next {
			next[i] = base
		}
		for i, edges := range m.adj {
			if strength[i] == 0 {
				dangling += cur[i]
				continue
			}
			share := m.alpha * cur[i] / strength[i]
			for j, w := range edges {
				next[j] += share * w
			}
		}
		if dangling > 0 {
			spread := m.alpha * dangling / float64(n)
			for i := range next {
				next[i] += spread
			}
		}
		cur, next = next, cur
	}
	copy(m.rank, cur)
	m.dirty = false
}

// Stats reports node and edge counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Nodes: len(m.nodes), Edges: m.edgeCount()}
}

// Persist writes the graph to path atomically: a temp file in the same
// directory is fsynced, then renamed over the target. A crash mid-write
// leaves the previous snapshot intact.
func (m *Manager) Persist(path string) error {
	m.mu.Lock()
	m.ensureRank()
	snapshot := persistedGraph{
		Nodes: make([]Concept, 0, len(m.nodes)),
		Edges: make([]persistedEdge, 0, m.edgeCount()),
	}
	for i, id := range m.nodes {
		snapshot.Nodes = append(snapshot.Nodes, Concept{ID: id, Importance: m.rank[i]})
	}
	for i, edges := range m.adj {
		for j, w := range edges {
			if i < j {
				snapshot.Edges = append(snapshot.Edges, persistedEdge{
					From:   m.nodes[i],
					To:     m.nodes[j],
					Weight: w,
				})
			}
		}
	}
	m.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("graph dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("graph temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write graph snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync graph snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close graph snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace graph snapshot: %w", err)
	}
	m.logger.Debug("graph persisted",
		zap.String("path", path),
		zap.Int("nodes", len(snapshot.Nodes)),
		zap.Int("edges", len(snapshot.Edges)))
	return nil
}

// Load replaces the graph contents from a snapshot at path. A missing file
// leaves the graph empty and is not an error: first boot has no snapshot.
func (m *Manager) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.logger.Info("no graph snapshot, starting empty", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read graph snapshot: %w", err)
	}
	var snapshot persistedGraph
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode graph snapshot %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = nil
	m.adj = nil
	m.index = make(map[string]int)
	for _, n := range snapshot.Nodes {
		m.node(n.ID)
	}
	for _, e := range snapshot.Edges {
		i, j := m.node(e.From), m.node(e.To)
		m.adj[i][j] = e.Weight
		m.adj[j][i] = e.Weight
	}
	m.dirty = true
	metrics.GraphEdges.Set(float64(m.edgeCount()))
	return nil
}
