package ltm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Reinforcer is the slice of the knowledge graph the curator needs.
// Satisfied by graph.Manager.
type Reinforcer interface {
	Reinforce(a, b string, amount float64)
}

// Curator persists extracted assets into the fact-oriented collections and
// feeds associative links into the knowledge graph.
type Curator struct {
	store     *Store
	graph     Reinforcer
	neighbors int
	threshold float32
	logger    *zap.Logger
}

// NewCurator builds a curator. neighbors bounds the associative fan-out per
// stored fact; threshold is the minimum similarity for an association to
// produce a graph edge.
func NewCurator(store *Store, graph Reinforcer, neighbors int, threshold float64, logger *zap.Logger) *Curator {
	return &Curator{
		store:     store,
		graph:     graph,
		neighbors: neighbors,
		threshold: float32(threshold),
		logger:    logger,
	}
}

// FactText renders an asset as its canonical fact line. The agent leads the
// line; associative linking depends on that when recovering the agent of a
// neighboring fact.
func FactText(a Asset) string {
	return fmt.Sprintf("%s %s: %s", a.Agent, a.Action, a.CoreStatement)
}

func factAgent(text string) string {
	if i := strings.IndexByte(text, ' '); i > 0 {
		return text[:i]
	}
	return text
}

// StoreAssets persists each asset into the asset, fact and modality
// collections and reinforces graph edges: the asset's own agent-action link,
// plus one link per sufficiently similar neighboring fact. Failures on one
// asset do not stop the rest.
func (c *Curator) StoreAssets(ctx context.Context, assets []Asset) error {
	var firstErr error
	for _, a := range assets {
		if err := c.storeOne(ctx, a); err != nil {
			c.logger.Warn("asset persistence failed",
				zap.String("agent", a.Agent),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Curator) storeOne(ctx context.Context, a Asset) error {
	if _, err := c.store.Write(ctx, CollectionAsset, a.CoreStatement, RoleExtracted); err != nil {
		return err
	}
	fact := FactText(a)
	if _, err := c.store.Write(ctx, CollectionFact, fact, RoleExtracted); err != nil {
		return err
	}
	if a.Context != "" {
		if _, err := c.store.Write(ctx, CollectionModality, a.Context, RoleExtracted); err != nil {
			return err
		}
	}

	c.graph.Reinforce(a.Agent, a.Action, a.Weight())

	// Associate with existing facts already close in embedding space.
	// Read-only retrieval: curation must not inflate access counts.
	neighbors, err := c.store.Neighborhood(ctx, CollectionFact, fact, c.neighbors)
	if err != nil {
		return err
	}
	for _, n := range neighbors {
		if n.Score < c.threshold {
			continue
		}
		other := factAgent(n.Record.Text)
		if other == "" || other == a.Agent {
			continue
		}
		c.graph.Reinforce(a.Agent, other, float64(n.Score)*a.Weight())
	}
	return nil
}
