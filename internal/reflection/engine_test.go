package reflection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/ltm"
	"github.com/nidhogg/mnemosyne/internal/provider"
)

type fakeStore struct {
	mu          sync.Mutex
	seed        ltm.Record
	seedErr     error
	neighbors   []ltm.ScoredRecord
	written     []string
	accessSet   map[string]int
	decayedIDs  []string
	decayFactor float64
	seedHold    chan struct{}
}

func (f *fakeStore) Seed(context.Context, string, int) (ltm.Record, error) {
	if f.seedHold != nil {
		<-f.seedHold
	}
	return f.seed, f.seedErr
}

func (f *fakeStore) Neighborhood(context.Context, string, string, int) ([]ltm.ScoredRecord, error) {
	return f.neighbors, nil
}

func (f *fakeStore) Write(_ context.Context, _, text, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, text)
	return "insight-id", nil
}

func (f *fakeStore) SetAccessCount(_ context.Context, _, id string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accessSet == nil {
		f.accessSet = make(map[string]int)
	}
	f.accessSet[id] = n
	return nil
}

func (f *fakeStore) Decay(_ context.Context, _ string, ids []string, factor float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decayedIDs = append(f.decayedIDs, ids...)
	f.decayFactor = factor
	return nil
}

type fakeCompleter struct {
	content string
	err     error
}

func (f *fakeCompleter) Complete(context.Context, *provider.Request) (*provider.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{Content: f.content}, nil
}

type fakeGraph struct {
	mu    sync.Mutex
	edges map[[2]string]float64
}

func (f *fakeGraph) Reinforce(a, b string, amount float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edges == nil {
		f.edges = make(map[[2]string]float64)
	}
	if a > b {
		a, b = b, a
	}
	f.edges[[2]string{a, b}] += amount
}

func testConfig() Config {
	return Config{
		MinAccessCount:  2,
		ClusterSize:     5,
		DecayFactor:     0.9,
		ReinforceAmount: 0.1,
	}
}

func TestCycleCompletes(t *testing.T) {
	seed := ltm.Record{ID: "seed", Text: "the caravan reported raiders near the bridge", AccessCount: 3}
	store := &fakeStore{
		seed: seed,
		neighbors: []ltm.ScoredRecord{
			{Record: seed, Score: 1},
			{Record: ltm.Record{ID: "n1", Text: "raiders were spotted by the bridge again", AccessCount: 2}, Score: 0.9},
			{Record: ltm.Record{ID: "n2", Text: "the bridge crossing stayed quiet today", AccessCount: 1}, Score: 0.8},
		},
	}
	graph := &fakeGraph{}
	e := NewEngine(store, &fakeCompleter{content: "Raiders keep clustering around the bridge."}, nil, nil, graph, testConfig(), zap.NewNop())

	outcome, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", outcome)
	}

	if len(store.written) != 1 || store.written[0] != "Raiders keep clustering around the bridge." {
		t.Fatalf("written = %v", store.written)
	}
	// Cluster access counts are 3, 2, 1: lower median is 2.
	if store.accessSet["insight-id"] != 2 {
		t.Fatalf("insight access count = %d, want 2", store.accessSet["insight-id"])
	}
	if len(store.decayedIDs) != 3 || store.decayFactor != 0.9 {
		t.Fatalf("decay: ids=%v factor=%v", store.decayedIDs, store.decayFactor)
	}
	// "raiders" and "bridge" are shared by seed and insight, and also recur
	// across the cluster; the pair is still reinforced only once per cycle.
	if got := graph.edges[[2]string{"bridge", "raiders"}]; got != 0.1 {
		t.Fatalf("bridge-raiders edge = %v, want 0.1 (edges: %v)", got, graph.edges)
	}
	if e.State() != Idle {
		t.Fatalf("state after cycle = %v, want idle", e.State())
	}
}

func TestCycleLinksSeedAndInsightConcepts(t *testing.T) {
	// Even when the neighborhood is unrelated noise, concepts the insight
	// carries forward from the seed must end up linked in the graph.
	seed := ltm.Record{ID: "seed", Text: "reactor coolant pressure climbing", AccessCount: 3}
	store := &fakeStore{
		seed: seed,
		neighbors: []ltm.ScoredRecord{
			{Record: seed, Score: 1},
			{Record: ltm.Record{ID: "n1", Text: "the market reopened after the storm", AccessCount: 2}, Score: 0.4},
		},
	}
	graph := &fakeGraph{}
	e := NewEngine(store, &fakeCompleter{content: "The reactor coolant system shows a recurring overheating pattern."}, nil, nil, graph, testConfig(), zap.NewNop())

	outcome, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", outcome)
	}
	if got := graph.edges[[2]string{"coolant", "reactor"}]; got != 0.1 {
		t.Fatalf("coolant-reactor edge = %v, want 0.1 (edges: %v)", got, graph.edges)
	}
}

func TestClusterCappedAtConfiguredSize(t *testing.T) {
	seed := ltm.Record{ID: "seed", Text: "generator fuel running low", AccessCount: 3}
	store := &fakeStore{
		seed: seed,
		neighbors: []ltm.ScoredRecord{
			{Record: ltm.Record{ID: "n1", Text: "unrelated chatter", AccessCount: 1}, Score: 0.9},
		},
	}
	cfg := testConfig()
	cfg.ClusterSize = 1
	e := NewEngine(store, &fakeCompleter{content: "Fuel reserves keep shrinking."}, nil, nil, &fakeGraph{}, cfg, zap.NewNop())

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(store.decayedIDs) != 1 || store.decayedIDs[0] != "seed" {
		t.Fatalf("decayed = %v, want just the seed", store.decayedIDs)
	}
}

func TestCycleNoSeed(t *testing.T) {
	store := &fakeStore{seedErr: ltm.ErrNotFound}
	e := NewEngine(store, &fakeCompleter{content: "x"}, nil, nil, &fakeGraph{}, testConfig(), zap.NewNop())

	outcome, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if outcome != OutcomeNoSeed {
		t.Fatalf("outcome = %s, want no_seed", outcome)
	}
	if len(store.written) != 0 {
		t.Fatalf("nothing should be written on no_seed, got %v", store.written)
	}
}

func TestCycleAbortsOnSynthesisFailure(t *testing.T) {
	store := &fakeStore{
		seed:      ltm.Record{ID: "seed", Text: "something", AccessCount: 3},
		neighbors: []ltm.ScoredRecord{{Record: ltm.Record{ID: "seed", Text: "something", AccessCount: 3}, Score: 1}},
	}
	e := NewEngine(store, &fakeCompleter{err: provider.ErrUnavailable}, nil, nil, &fakeGraph{}, testConfig(), zap.NewNop())

	outcome, err := e.RunCycle(context.Background())
	if outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", outcome)
	}
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(store.decayedIDs) != 0 {
		t.Fatalf("aborted cycle must not decay, got %v", store.decayedIDs)
	}
}

func TestConcurrentTriggerSkipped(t *testing.T) {
	hold := make(chan struct{})
	store := &fakeStore{
		seed:     ltm.Record{ID: "seed", Text: "held", AccessCount: 3},
		seedHold: hold,
	}
	e := NewEngine(store, &fakeCompleter{content: "insight"}, nil, nil, &fakeGraph{}, testConfig(), zap.NewNop())

	first := make(chan string)
	go func() {
		outcome, _ := e.RunCycle(context.Background())
		first <- outcome
	}()

	// Wait for the first cycle to claim the state machine.
	for e.State() == Idle {
		time.Sleep(time.Millisecond)
	}

	outcome, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}

	close(hold)
	if got := <-first; got != OutcomeCompleted {
		t.Fatalf("first cycle outcome = %s, want completed", got)
	}
}

func TestRunnerTickDrivesCycle(t *testing.T) {
	store := &fakeStore{seedErr: ltm.ErrNotFound}
	e := NewEngine(store, &fakeCompleter{content: "x"}, nil, nil, &fakeGraph{}, testConfig(), zap.NewNop())

	ticks := make(chan time.Time)
	r := NewRunner(e, time.Hour, time.Second, zap.NewNop())
	r.SetTicks(ticks)
	r.Start(context.Background())
	defer r.Stop()

	ticks <- time.Now()
	r.Trigger()

	deadline := time.After(time.Second)
	for {
		if e.State() == Idle {
			return
		}
		select {
		case <-deadline:
			t.Fatal("runner did not return to idle")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSharedTerms(t *testing.T) {
	cluster := []ltm.Record{
		{Text: "the water purifier broke down"},
		{Text: "fixing the water purifier takes parts"},
		{Text: "nothing related here"},
	}
	terms := sharedTerms(cluster)
	want := map[string]bool{"water": true, "purifier": true}
	if len(terms) != 2 || !want[terms[0]] || !want[terms[1]] {
		t.Fatalf("shared terms = %v, want water and purifier", terms)
	}
}

func TestOverlapTerms(t *testing.T) {
	got := overlapTerms(
		"reactor coolant pressure climbing",
		"the reactor coolant system shows a recurring pattern",
	)
	if len(got) != 2 || got[0] != "coolant" || got[1] != "reactor" {
		t.Fatalf("overlap = %v, want [coolant reactor]", got)
	}
}
