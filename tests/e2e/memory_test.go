package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/ltm"
	"github.com/nidhogg/mnemosyne/internal/provider"
	"github.com/nidhogg/mnemosyne/internal/session"
	"github.com/nidhogg/mnemosyne/internal/vectorstore"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, e2e tests will skip: %v\n", err)
		os.Exit(m.Run())
	}
	defer pgCleanup()
	testPGDSN = pgDSN

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis unavailable, e2e tests will skip: %v\n", err)
		os.Exit(m.Run())
	}
	defer redisCleanup()
	testRedisURL = redisURL

	qdrant, qdrantCleanup, err := startQdrant(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qdrant unavailable, e2e tests will skip: %v\n", err)
		os.Exit(m.Run())
	}
	defer qdrantCleanup()
	testQdrant = qdrant

	stackReady = true
	os.Exit(m.Run())
}

// axisEmbedder maps known texts onto fixed axes so similarity is
// deterministic against a real vector database.
type axisEmbedder struct {
	axes map[string]int
}

func (a *axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 4)
		if axis, ok := a.axes[t]; ok {
			v[axis] = 1
		} else {
			v[0], v[1] = 0.7, 0.7
		}
		out[i] = v
	}
	return out, nil
}

func (a *axisEmbedder) Dimension() int { return 4 }

func newQdrantStore(t *testing.T, embedder *axisEmbedder) *ltm.Store {
	t.Helper()
	client, err := vectorstore.NewClient(vectorstore.Config{Host: testQdrant.Host, Port: testQdrant.Port})
	if err != nil {
		t.Fatalf("qdrant client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	store := ltm.NewStore(vectorstore.NewIndexAdapter(client), embedder, testLogger)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}
	return store
}

func TestMemoryLifecycle(t *testing.T) {
	skipIfNoStack(t)
	ctx := context.Background()

	embedder := &axisEmbedder{axes: map[string]int{
		"the pump needs a new filter": 0,
		"filters are sold in town":    0,
		"unrelated stargazing note":   2,
	}}
	store := newQdrantStore(t, embedder)

	id, err := store.Write(ctx, ltm.CollectionDialogue, "the pump needs a new filter", ltm.RoleUser)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := store.Write(ctx, ltm.CollectionDialogue, "the pump needs a new filter", ltm.RoleUser)
	if err != nil {
		t.Fatalf("duplicate write: %v", err)
	}
	if again != id {
		t.Fatalf("dedupe broken: %s vs %s", again, id)
	}
	if _, err := store.Write(ctx, ltm.CollectionDialogue, "filters are sold in town", ltm.RoleAssistant); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Write(ctx, ltm.CollectionDialogue, "unrelated stargazing note", ltm.RoleUser); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Three retrievals raise the record's access count to 3.
	for i := 0; i < 3; i++ {
		results, err := store.Search(ctx, ltm.CollectionDialogue, "the pump needs a new filter", 1)
		if err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
		if len(results) != 1 || results[0].Record.ID != id {
			t.Fatalf("search %d returned %+v", i, results)
		}
	}
	records, err := store.Get(ctx, ltm.CollectionDialogue, []string{id})
	if err != nil || len(records) != 1 {
		t.Fatalf("get: %v (%d records)", err, len(records))
	}
	if records[0].AccessCount != 3 {
		t.Fatalf("access count = %d, want 3", records[0].AccessCount)
	}

	// Clustering reads must not move the count.
	if _, err := store.Neighborhood(ctx, ltm.CollectionDialogue, "the pump needs a new filter", 3); err != nil {
		t.Fatalf("neighborhood: %v", err)
	}
	records, _ = store.Get(ctx, ltm.CollectionDialogue, []string{id})
	if records[0].AccessCount != 3 {
		t.Fatalf("access count after neighborhood = %d, want 3", records[0].AccessCount)
	}

	// Seed selection sees the hot record; decay floors 3*0.9 down to 2.
	seed, err := store.Seed(ctx, ltm.CollectionDialogue, 2)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if seed.AccessCount < 2 {
		t.Fatalf("seed access count = %d, want >= 2", seed.AccessCount)
	}
	if err := store.Decay(ctx, ltm.CollectionDialogue, []string{id}, 0.9); err != nil {
		t.Fatalf("decay: %v", err)
	}
	records, _ = store.Get(ctx, ltm.CollectionDialogue, []string{id})
	if records[0].AccessCount != 2 {
		t.Fatalf("access count after decay = %d, want 2", records[0].AccessCount)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	skipIfNoStack(t)
	ctx := context.Background()

	store, err := session.New(testPGDSN, testLogger)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sess, err := store.FindOrCreateSession(ctx, "telegram", "chan-1", "user-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	same, err := store.FindOrCreateSession(ctx, "telegram", "chan-1", "user-1")
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if same.ID != sess.ID {
		t.Fatalf("session ids differ: %d vs %d", same.ID, sess.ID)
	}

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := store.AppendMessage(ctx, sess.ID, role, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := store.RecentMessages(ctx, sess.ID, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	if msgs[0].Content != "turn 2" || msgs[2].Content != "turn 4" {
		t.Fatalf("messages out of order: %+v", msgs)
	}
}

func TestRedisLimiterPaces(t *testing.T) {
	skipIfNoStack(t)
	ctx := context.Background()

	limiter, err := provider.NewRedisLimiter(testRedisURL, "e2e:test", 50)
	if err != nil {
		t.Fatalf("redis limiter: %v", err)
	}

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("limiter stalled: %v", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := limiter.Wait(cancelled); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled wait: %v", err)
	}
}
