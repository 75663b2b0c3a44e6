// Package reflection runs the background consolidation cycle: pick a
// frequently accessed memory, gather its semantic cluster, synthesize an
// insight, persist it, reinforce shared concepts and decay the sources.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/ltm"
	"github.com/nidhogg/mnemosyne/internal/metrics"
	"github.com/nidhogg/mnemosyne/internal/provider"
)

// State names the phase a cycle is in. At most one cycle runs at a time;
// a trigger arriving while the state is not Idle is skipped, not queued.
type State int32

const (
	Idle State = iota
	SeedSelected
	Clustering
	Synthesizing
	Persisting
	Decaying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SeedSelected:
		return "seed_selected"
	case Clustering:
		return "clustering"
	case Synthesizing:
		return "synthesizing"
	case Persisting:
		return "persisting"
	case Decaying:
		return "decaying"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Cycle outcomes, also used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeNoSeed    = "no_seed"
	OutcomeAborted   = "aborted"
)

// MemoryStore is the slice of the long-term store the engine consumes.
type MemoryStore interface {
	Seed(ctx context.Context, collection string, min int) (ltm.Record, error)
	Neighborhood(ctx context.Context, collection, query string, k int) ([]ltm.ScoredRecord, error)
	Write(ctx context.Context, collection, text, role string) (string, error)
	SetAccessCount(ctx context.Context, collection, id string, n int) error
	Decay(ctx context.Context, collection string, ids []string, factor float64) error
}

// Completer issues one LLM call. Satisfied by provider.Gateway.
type Completer interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// AssetExtractor distills assets from text. Satisfied by ltm.Extractor.
type AssetExtractor interface {
	Extract(ctx context.Context, text string) ([]ltm.Asset, error)
}

// AssetSink persists extracted assets. Satisfied by ltm.Curator.
type AssetSink interface {
	StoreAssets(ctx context.Context, assets []ltm.Asset) error
}

// ConceptGraph is the graph slice the engine reinforces.
type ConceptGraph interface {
	Reinforce(a, b string, amount float64)
}

// Config tunes a cycle.
type Config struct {
	MinAccessCount  int
	ClusterSize     int
	DecayFactor     float64
	ReinforceAmount float64
}

// Engine executes reflection cycles.
type Engine struct {
	store     MemoryStore
	completer Completer
	extractor AssetExtractor
	sink      AssetSink
	graph     ConceptGraph
	cfg       Config
	logger    *zap.Logger
	state     atomic.Int32
}

// NewEngine wires a reflection engine. extractor and sink may be nil, in
// which case insights are persisted without asset distillation.
func NewEngine(store MemoryStore, completer Completer, extractor AssetExtractor, sink AssetSink, graph ConceptGraph, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		completer: completer,
		extractor: extractor,
		sink:      sink,
		graph:     graph,
		cfg:       cfg,
		logger:    logger,
	}
}

// State reports the current cycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

const synthesisSystemPrompt = `You consolidate related memory fragments into one insight.
Given several related conversation memories, produce a single reflective
statement that captures the pattern or conclusion connecting them. State it
in one or two plain sentences. Respond with the statement only.`

// RunCycle executes one reflection cycle. If a cycle is already in flight
// the call returns OutcomeSkipped immediately. Any error after the seed is
// chosen aborts the cycle; the store is left partially advanced but
// consistent, since every step is individually atomic.
func (e *Engine) RunCycle(ctx context.Context) (string, error) {
	if !e.state.CompareAndSwap(int32(Idle), int32(SeedSelected)) {
		metrics.ReflectionCycles.WithLabelValues(OutcomeSkipped).Inc()
		return OutcomeSkipped, nil
	}
	defer e.state.Store(int32(Idle))

	outcome, err := e.cycle(ctx)
	metrics.ReflectionCycles.WithLabelValues(outcome).Inc()
	return outcome, err
}

func (e *Engine) cycle(ctx context.Context) (string, error) {
	seed, err := e.store.Seed(ctx, ltm.CollectionDialogue, e.cfg.MinAccessCount)
	if errors.Is(err, ltm.ErrNotFound) {
		e.logger.Debug("reflection found no seed",
			zap.Int("min_access_count", e.cfg.MinAccessCount))
		return OutcomeNoSeed, nil
	}
	if err != nil {
		return OutcomeAborted, fmt.Errorf("seed selection: %w", err)
	}
	e.logger.Info("reflection seed selected",
		zap.String("id", seed.ID),
		zap.Int("access_count", seed.AccessCount))

	e.state.Store(int32(Clustering))
	cluster, err := e.clusterAround(ctx, seed)
	if err != nil {
		return OutcomeAborted, fmt.Errorf("clustering: %w", err)
	}

	e.state.Store(int32(Synthesizing))
	insight, err := e.synthesize(ctx, cluster)
	if err != nil {
		return OutcomeAborted, fmt.Errorf("synthesis: %w", err)
	}

	e.state.Store(int32(Persisting))
	id, err := e.store.Write(ctx, ltm.CollectionThought, insight, ltm.RoleExtracted)
	if err != nil {
		return OutcomeAborted, fmt.Errorf("persist insight: %w", err)
	}
	if err := e.store.SetAccessCount(ctx, ltm.CollectionThought, id, medianAccess(cluster)); err != nil {
		return OutcomeAborted, fmt.Errorf("seed insight standing: %w", err)
	}
	e.distillAssets(ctx, insight)
	e.reinforceShared(seed, insight, cluster)

	e.state.Store(int32(Decaying))
	ids := make([]string, 0, len(cluster))
	for _, r := range cluster {
		ids = append(ids, r.ID)
	}
	if err := e.store.Decay(ctx, ltm.CollectionDialogue, ids, e.cfg.DecayFactor); err != nil {
		return OutcomeAborted, fmt.Errorf("decay cluster: %w", err)
	}

	e.logger.Info("reflection cycle completed",
		zap.String("insight_id", id),
		zap.Int("cluster_size", len(cluster)))
	return OutcomeCompleted, nil
}

// clusterAround gathers the seed's semantic neighborhood without touching
// access counts: inspection must not distort the usage signal it measures.
// The seed is always part of the cluster.
func (e *Engine) clusterAround(ctx context.Context, seed ltm.Record) ([]ltm.Record, error) {
	neighbors, err := e.store.Neighborhood(ctx, ltm.CollectionDialogue, seed.Text, e.cfg.ClusterSize)
	if err != nil {
		return nil, err
	}
	cluster := []ltm.Record{seed}
	for _, n := range neighbors {
		if n.Record.ID == seed.ID {
			continue
		}
		if len(cluster) >= e.cfg.ClusterSize {
			break
		}
		cluster = append(cluster, n.Record)
	}
	return cluster, nil
}

func (e *Engine) synthesize(ctx context.Context, cluster []ltm.Record) (string, error) {
	var b strings.Builder
	for i, r := range cluster {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Text)
	}
	resp, err := e.completer.Complete(ctx, &provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	insight := strings.TrimSpace(resp.Content)
	if insight == "" {
		return "", fmt.Errorf("empty insight: %w", provider.ErrMalformed)
	}
	return insight, nil
}

// distillAssets feeds the insight through asset extraction. Best effort: a
// failed or empty extraction never fails the cycle.
func (e *Engine) distillAssets(ctx context.Context, insight string) {
	if e.extractor == nil || e.sink == nil {
		return
	}
	assets, err := e.extractor.Extract(ctx, insight)
	if errors.Is(err, ltm.ErrNoAsset) {
		return
	}
	if err != nil {
		e.logger.Warn("insight asset extraction failed", zap.Error(err))
		return
	}
	if err := e.sink.StoreAssets(ctx, assets); err != nil {
		e.logger.Warn("insight asset persistence failed", zap.Error(err))
	}
}

// reinforceShared strengthens graph edges between the concepts the insight
// carried forward from the seed, plus terms that recur across the cluster:
// co-occurrence across distinct memories is the association signal
// reflection exists to find. Each pair is reinforced at most once per cycle.
func (e *Engine) reinforceShared(seed ltm.Record, insight string, cluster []ltm.Record) {
	seen := make(map[[2]string]struct{})
	apply := func(terms []string) {
		for i := 0; i < len(terms); i++ {
			for j := i + 1; j < len(terms); j++ {
				a, b := terms[i], terms[j]
				if a > b {
					a, b = b, a
				}
				if _, dup := seen[[2]string{a, b}]; dup {
					continue
				}
				seen[[2]string{a, b}] = struct{}{}
				e.graph.Reinforce(a, b, e.cfg.ReinforceAmount)
			}
		}
	}
	apply(overlapTerms(seed.Text, insight))
	apply(sharedTerms(cluster))
}

// medianAccess returns the lower median access count of the cluster. The
// synthesized insight inherits that standing so it neither dominates nor
// vanishes on its first decay pass.
func medianAccess(cluster []ltm.Record) int {
	if len(cluster) == 0 {
		return 0
	}
	counts := make([]int, len(cluster))
	for i, r := range cluster {
		counts[i] = r.AccessCount
	}
	sort.Ints(counts)
	return counts[(len(counts)-1)/2]
}
