package semcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// validPayload passes the poisoning guard at the default minimum length.
var validPayload = []byte(`{"choices":[{"message":{"content":"four is the answer"}}]}`)

// fakeEmbedder returns canned vectors per prompt and counts calls.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int64
	err     error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(prompt string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[NormalizePrompt(prompt)] = vec
}

func (f *fakeEmbedder) Embed(_ context.Context, text, _ string) ([]float32, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if vec, ok := f.vectors[NormalizePrompt(text)]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) callCount() int64 {
	return atomic.LoadInt64(&f.calls)
}

func newTestEngine(emb Embedder, cfg Config) *Engine {
	return NewEngine(cfg, emb)
}

// --- exact path ---

func TestLookup_ExactHit(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "Explain retries", validPayload, 120); err != nil {
		t.Fatalf("Store: %v", err)
	}
	callsAfterStore := emb.callCount()

	// Normalization: case and surrounding whitespace must not matter.
	lr := e.Lookup(ctx, "team-a", "gpt-4o", "  explain RETRIES  ")
	if !lr.Hit {
		t.Fatal("expected exact hit")
	}
	if lr.Source != SourceExact {
		t.Errorf("Source got %q, want %q", lr.Source, SourceExact)
	}
	if lr.Similarity != 1.0 {
		t.Errorf("Similarity got %f, want 1.0", lr.Similarity)
	}
	if lr.Entry.TokensSaved != 120 {
		t.Errorf("TokensSaved got %d, want 120", lr.Entry.TokensSaved)
	}

	// The exact path must not compute an embedding.
	if emb.callCount() != callsAfterStore {
		t.Errorf("exact lookup called the embedder: %d calls after store, %d after lookup",
			callsAfterStore, emb.callCount())
	}
}

func TestLookup_MissOnEmptyCache(t *testing.T) {
	e := newTestEngine(newFakeEmbedder(), Config{})

	lr := e.Lookup(context.Background(), "team-a", "gpt-4o", "anything")
	if lr.Hit {
		t.Fatal("expected miss on empty cache")
	}

	stats := e.Stats()
	if stats.Misses != 1 {
		t.Errorf("Misses got %d, want 1", stats.Misses)
	}
}

func TestLookup_NamespaceIsolation(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "shared prompt", validPayload, 50); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Same prompt, different namespace: no exact hit, and the semantic scan
	// must not cross namespaces either.
	emb.set("shared prompt", []float32{1, 0, 0})
	lr := e.Lookup(ctx, "team-b", "gpt-4o", "shared prompt")
	if lr.Hit {
		t.Fatal("lookup crossed namespace boundary")
	}
}

func TestLookup_ModelScopesExactIndex(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{SimilarityThreshold: 0.99})

	ctx := context.Background()
	emb.set("prompt one", []float32{0, 1, 0})
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "prompt one", validPayload, 50); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Same namespace and prompt but a different model must miss.
	emb.set("prompt one", []float32{1, 0, 0})
	lr := e.Lookup(ctx, "team-a", "gpt-4o-mini", "prompt one")
	if lr.Hit {
		t.Fatal("lookup crossed model boundary")
	}
}

// --- semantic path ---

func TestLookup_SemanticHit(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{SimilarityThreshold: 0.92})

	ctx := context.Background()
	emb.set("explain retries", []float32{1, 0, 0})
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "explain retries", validPayload, 120); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// cos((0.95,0.3122,0),(1,0,0)) ≈ 0.95.
	emb.set("how do retries work", []float32{0.95, 0.3122, 0})
	lr := e.Lookup(ctx, "team-a", "gpt-4o", "how do retries work")
	if !lr.Hit {
		t.Fatal("expected semantic hit")
	}
	if lr.Source != SourceSemantic {
		t.Errorf("Source got %q, want %q", lr.Source, SourceSemantic)
	}
	if lr.Similarity < 0.92 || lr.Similarity > 1.0 {
		t.Errorf("Similarity %f out of expected range", lr.Similarity)
	}
}

func TestLookup_BelowThresholdMisses(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{SimilarityThreshold: 0.99})

	ctx := context.Background()
	emb.set("explain retries", []float32{1, 0, 0})
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "explain retries", validPayload, 120); err != nil {
		t.Fatalf("Store: %v", err)
	}

	emb.set("how do retries work", []float32{0.95, 0.3122, 0})
	lr := e.Lookup(ctx, "team-a", "gpt-4o", "how do retries work")
	if lr.Hit {
		t.Fatalf("similarity %f should miss at threshold 0.99", lr.Similarity)
	}
	if lr.Similarity == 0 {
		t.Error("miss should still report the best score found")
	}
}

func TestLookup_EmbedderFailureIsMiss(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "some prompt", validPayload, 10); err != nil {
		t.Fatalf("Store: %v", err)
	}

	emb.err = errors.New("embedding provider down")
	lr := e.Lookup(ctx, "team-a", "gpt-4o", "different prompt")
	if lr.Hit {
		t.Fatal("embedder failure must resolve to a miss")
	}
}

func TestLookup_NilEmbedderExactOnly(t *testing.T) {
	e := newTestEngine(nil, Config{})

	ctx := context.Background()
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "some prompt", validPayload, 10); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "some prompt"); !lr.Hit {
		t.Error("exact hit should still work without an embedder")
	}
	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "another prompt"); lr.Hit {
		t.Error("semantic path should be disabled without an embedder")
	}
}

// --- TTL ---

func TestLookup_ExpiredEntryMisses(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{
		ModelTTL: map[string]time.Duration{"gpt-4o": time.Millisecond},
	})

	ctx := context.Background()
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "short lived", validPayload, 10); err != nil {
		t.Fatalf("Store: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "short lived"); lr.Hit {
		t.Fatal("expired entry must not hit")
	}
}

func TestStore_ModelTTLOverride(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{
		DefaultTTL: time.Hour,
		ModelTTL:   map[string]time.Duration{"gpt-4o-mini": 10 * time.Hour},
	})

	ctx := context.Background()
	entry, err := e.Store(ctx, "team-a", "gpt-4o-mini", "p", validPayload, 0)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	if ttl != 10*time.Hour {
		t.Errorf("override TTL got %v, want 10h", ttl)
	}
}

// --- eviction ---

func TestStore_FIFOEviction(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{MaxEntriesPerNamespace: 2})

	ctx := context.Background()
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for i := 0; i < 3; i++ {
		prompt := fmt.Sprintf("prompt %d", i)
		emb.set(prompt, vectors[i])
		if _, err := e.Store(ctx, "team-a", "gpt-4o", prompt, validPayload, 0); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	// Oldest entry (prompt 0) must be gone; the two newest remain.
	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "prompt 0"); lr.Hit {
		t.Error("oldest entry should have been evicted")
	}
	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "prompt 1"); !lr.Hit {
		t.Error("prompt 1 should survive")
	}
	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "prompt 2"); !lr.Hit {
		t.Error("prompt 2 should survive")
	}

	stats := e.Stats()
	if stats.Entries != 2 {
		t.Errorf("Entries got %d, want 2", stats.Entries)
	}
	if stats.Evictions != 1 {
		t.Errorf("Evictions got %d, want 1", stats.Evictions)
	}
}

func TestStore_EvictionIsPerNamespace(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{MaxEntriesPerNamespace: 1})

	ctx := context.Background()
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "a prompt", validPayload, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Store(ctx, "team-b", "gpt-4o", "b prompt", validPayload, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// team-b's store must not evict team-a's entry.
	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "a prompt"); !lr.Hit {
		t.Error("cap in one namespace evicted another namespace's entry")
	}
}

func TestStore_SamePromptReplaces(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	first := []byte(`{"choices":[{"text":"first answer"}]}`)
	second := []byte(`{"choices":[{"text":"second answer"}]}`)

	if _, err := e.Store(ctx, "team-a", "gpt-4o", "same prompt", first, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "same prompt", second, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	lr := e.Lookup(ctx, "team-a", "gpt-4o", "same prompt")
	if !lr.Hit {
		t.Fatal("expected hit")
	}
	if string(lr.Entry.Response) != string(second) {
		t.Errorf("Response got %s, want the replacing payload", lr.Entry.Response)
	}
	if got := e.Stats().Entries; got != 1 {
		t.Errorf("Entries got %d, want 1", got)
	}
}

// --- poisoning guard ---

func TestLookup_InvalidEntryEvictedNotServed(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{ValidateResponses: true})

	ctx := context.Background()
	poisoned := []byte(`{"error":{"message":"rate limited"},"choices":[]}`)
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "poisoned prompt", poisoned, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	lr := e.Lookup(ctx, "team-a", "gpt-4o", "poisoned prompt")
	if lr.Hit {
		t.Fatal("invalid entry must never be served")
	}

	// The entry is evicted on rejection, not just skipped.
	if got := e.Stats().Entries; got != 0 {
		t.Errorf("Entries after rejection got %d, want 0", got)
	}
}

func TestLookup_ValidationDisabledServesAnything(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{ValidateResponses: false})

	ctx := context.Background()
	junk := []byte(`not even JSON`)
	if _, err := e.Store(ctx, "team-a", "gpt-4o", "junk prompt", junk, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "junk prompt"); !lr.Hit {
		t.Error("validation disabled should serve the entry")
	}
}

// --- invalidation and flush ---

func TestInvalidate(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	entry, err := e.Store(ctx, "team-a", "gpt-4o", "a prompt", validPayload, 0)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if !e.Invalidate("team-a", entry.ID) {
		t.Fatal("Invalidate should find the entry")
	}
	if e.Invalidate("team-a", entry.ID) {
		t.Error("second Invalidate should report not found")
	}
	if lr := e.Lookup(ctx, "team-a", "gpt-4o", "a prompt"); lr.Hit {
		t.Error("invalidated entry must not hit")
	}
}

func TestFlushNamespace(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	e.Store(ctx, "team-a", "gpt-4o", "p1", validPayload, 0)
	e.Store(ctx, "team-a", "gpt-4o", "p2", validPayload, 0)
	e.Store(ctx, "team-b", "gpt-4o", "p3", validPayload, 0)

	if got := e.FlushNamespace("team-a"); got != 2 {
		t.Errorf("FlushNamespace got %d, want 2", got)
	}
	if lr := e.Lookup(ctx, "team-b", "gpt-4o", "p3"); !lr.Hit {
		t.Error("flush of one namespace must not touch another")
	}
}

func TestFlushAll(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	e.Store(ctx, "team-a", "gpt-4o", "p1", validPayload, 0)
	e.Store(ctx, "team-b", "gpt-4o", "p2", validPayload, 0)

	if got := e.FlushAll(); got != 2 {
		t.Errorf("FlushAll got %d, want 2", got)
	}
	if got := e.Stats().Entries; got != 0 {
		t.Errorf("Entries after FlushAll got %d, want 0", got)
	}
}

// --- stats ---

func TestStats_HitRateAndTokensSaved(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{})

	ctx := context.Background()
	emb.set("cached", []float32{1, 0, 0})
	emb.set("elsewise", []float32{0, 1, 0})
	e.Store(ctx, "team-a", "gpt-4o", "cached", validPayload, 120)

	e.Lookup(ctx, "team-a", "gpt-4o", "cached")   // hit
	e.Lookup(ctx, "team-a", "gpt-4o", "cached")   // hit
	e.Lookup(ctx, "team-a", "gpt-4o", "elsewise") // miss

	stats := e.Stats()
	if stats.Hits != 2 {
		t.Errorf("Hits got %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses got %d, want 1", stats.Misses)
	}
	if stats.HitRate < 66.0 || stats.HitRate > 67.0 {
		t.Errorf("HitRate got %f, want ~66.7", stats.HitRate)
	}
	if stats.TokensSaved != 240 {
		t.Errorf("TokensSaved got %d, want 240", stats.TokensSaved)
	}
}

// --- concurrency ---

func TestEngine_ConcurrentStoreAndLookup(t *testing.T) {
	emb := newFakeEmbedder()
	e := newTestEngine(emb, Config{MaxEntriesPerNamespace: 50})

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				prompt := fmt.Sprintf("prompt %d-%d", g, i)
				if _, err := e.Store(ctx, "team-a", "gpt-4o", prompt, validPayload, 1); err != nil {
					t.Errorf("Store: %v", err)
					return
				}
			}
		}(g)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.Lookup(ctx, "team-a", "gpt-4o", fmt.Sprintf("prompt %d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	// The cap must hold under concurrent stores.
	if got := e.Stats().Entries; got > 50 {
		t.Errorf("Entries got %d, want <= 50", got)
	}
}
