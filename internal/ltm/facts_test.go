package ltm

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

type graphSpy struct {
	edges map[[2]string]float64
}

func (g *graphSpy) Reinforce(a, b string, amount float64) {
	if g.edges == nil {
		g.edges = make(map[[2]string]float64)
	}
	g.edges[[2]string{a, b}] += amount
}

func TestCuratorStoresAssetAcrossCollections(t *testing.T) {
	store, index, _ := newTestStore(t)
	spy := &graphSpy{}
	c := NewCurator(store, spy, 10, 0.9, zap.NewNop())
	ctx := context.Background()

	asset := Asset{
		Agent:         "scout",
		Action:        "reported",
		CoreStatement: "the pass is clear",
		Context:       "route planning",
		Importance:    8,
		Confidence:    5,
	}
	if err := c.StoreAssets(ctx, []Asset{asset}); err != nil {
		t.Fatalf("store assets: %v", err)
	}

	for _, coll := range []string{CollectionAsset, CollectionFact, CollectionModality} {
		n, _ := index.Count(ctx, coll)
		if n != 1 {
			t.Fatalf("%s count = %d, want 1", coll, n)
		}
	}
	// Agent-action edge always reinforced, weighted by importance*confidence.
	if w := spy.edges[[2]string{"scout", "reported"}]; w != 0.4 {
		t.Fatalf("edge weight = %v, want 0.4", w)
	}
}

func TestCuratorAssociatesSimilarFacts(t *testing.T) {
	store, _, embedder := newTestStore(t)
	spy := &graphSpy{}
	c := NewCurator(store, spy, 10, 0.9, zap.NewNop())
	ctx := context.Background()

	// An existing fact on the same embedding axis as the new one, and a
	// distant one that must stay unlinked.
	embedder.set("rival warned: storms ahead", []float32{1, 0, 0, 0})
	embedder.set("stranger observed: quiet night", []float32{0, 1, 0, 0})
	embedder.set(FactText(Asset{Agent: "scout", Action: "reported", CoreStatement: "storms coming"}), []float32{1, 0, 0, 0})

	if _, err := store.Write(ctx, CollectionFact, "rival warned: storms ahead", RoleExtracted); err != nil {
		t.Fatalf("seed fact: %v", err)
	}
	if _, err := store.Write(ctx, CollectionFact, "stranger observed: quiet night", RoleExtracted); err != nil {
		t.Fatalf("seed fact: %v", err)
	}

	asset := Asset{Agent: "scout", Action: "reported", CoreStatement: "storms coming", Importance: 10, Confidence: 10}
	if err := c.StoreAssets(ctx, []Asset{asset}); err != nil {
		t.Fatalf("store assets: %v", err)
	}

	if _, ok := spy.edges[[2]string{"scout", "rival"}]; !ok {
		t.Fatalf("similar fact not associated: %v", spy.edges)
	}
	if _, ok := spy.edges[[2]string{"scout", "stranger"}]; ok {
		t.Fatalf("dissimilar fact associated: %v", spy.edges)
	}
}

func TestCuratorContinuesPastFailures(t *testing.T) {
	store, _, _ := newTestStore(t)
	spy := &graphSpy{}
	c := NewCurator(store, spy, 10, 0.9, zap.NewNop())

	assets := []Asset{
		{Agent: "a", Action: "b", CoreStatement: "first", Importance: 5, Confidence: 5},
		{Agent: "c", Action: "d", CoreStatement: "second", Importance: 5, Confidence: 5},
	}
	if err := c.StoreAssets(context.Background(), assets); err != nil {
		t.Fatalf("store assets: %v", err)
	}
	if _, ok := spy.edges[[2]string{"c", "d"}]; !ok {
		t.Fatalf("second asset not processed: %v", spy.edges)
	}
}
