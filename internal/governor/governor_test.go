package governor

import (
	"context"
	"errors"
	"testing"

	"github.com/allaspectsdev/creditgate/internal/metrics"
	"github.com/allaspectsdev/creditgate/internal/pricing"
	"github.com/allaspectsdev/creditgate/internal/reserve"
	"github.com/allaspectsdev/creditgate/internal/semcache"
	"github.com/allaspectsdev/creditgate/internal/tokencount"
)

var validPayload = []byte(`{"choices":[{"message":{"content":"four is the answer"}}]}`)

// fakeEmbedder serves canned vectors keyed by normalized prompt.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text, _ string) ([]float32, error) {
	if v, ok := f.vectors[semcache.NormalizePrompt(text)]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

// harness bundles a governor with the stores it writes to, so tests can
// observe reservations and cache entries directly.
type harness struct {
	gov          *Governor
	reservations *reserve.Store
	cache        *semcache.Engine
	collector    *metrics.Collector
}

func newHarness(embedder semcache.Embedder, threshold float64) *harness {
	cache := semcache.NewEngine(semcache.Config{SimilarityThreshold: threshold}, embedder)
	reservations := reserve.NewStore()
	collector := metrics.NewCollector()
	gov := New(tokencount.NewEstimator(4.0), nil, pricing.NewEngineWithDefaults(),
		reservations, cache, nil, collector)

	return &harness{gov: gov, reservations: reservations, cache: cache, collector: collector}
}

func testRequest(prompt string) Request {
	return Request{
		Namespace: "team-a",
		WalletID:  "wallet-1",
		UserID:    "user-1",
		Provider:  "openai",
		Model:     "gpt-4o",
		Prompt:    prompt,
	}
}

func TestBegin_MissOpensReservation(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)

	d := h.gov.Begin(context.Background(), testRequest("explain exponential backoff"))

	if d.CacheHit {
		t.Fatal("empty cache must not produce a hit")
	}
	if d.Meter == nil {
		t.Fatal("miss path must carry a stream meter")
	}

	res, ok := h.reservations.Get(d.ReservationID)
	if !ok {
		t.Fatalf("reservation %s not found", d.ReservationID)
	}
	if res.Status != reserve.StatusReserved {
		t.Errorf("Status got %q, want %q", res.Status, reserve.StatusReserved)
	}
	if res.EstimatedCost != d.EstimatedCost || d.EstimatedCost <= 0 {
		t.Errorf("EstimatedCost got %f (decision %f), want a positive match", res.EstimatedCost, d.EstimatedCost)
	}
	if got := h.collector.Stats().ActiveRequests; got != 1 {
		t.Errorf("ActiveRequests got %d, want 1", got)
	}
}

func TestBegin_ExactHitSettlesAtZero(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	if _, err := h.cache.Store(ctx, "team-a", "gpt-4o", "explain exponential backoff", validPayload, 120); err != nil {
		t.Fatalf("Store: %v", err)
	}

	d := h.gov.Begin(ctx, testRequest("explain exponential backoff"))

	if !d.CacheHit {
		t.Fatal("expected a cache hit")
	}
	if d.Source != semcache.SourceExact {
		t.Errorf("Source got %q, want %q", d.Source, semcache.SourceExact)
	}
	if string(d.CachedResponse) != string(validPayload) {
		t.Errorf("CachedResponse got %q", d.CachedResponse)
	}

	res, ok := h.reservations.Get(d.ReservationID)
	if !ok {
		t.Fatalf("reservation %s not found", d.ReservationID)
	}
	if res.Status != reserve.StatusSettled {
		t.Errorf("Status got %q, want %q", res.Status, reserve.StatusSettled)
	}
	if res.ActualCost != 0 {
		t.Errorf("ActualCost got %f, want 0 on the hit path", res.ActualCost)
	}

	stats := h.collector.Stats()
	if stats.CacheHits != 1 {
		t.Errorf("CacheHits got %d, want 1", stats.CacheHits)
	}
	if stats.SavingsUSD <= 0 {
		t.Errorf("SavingsUSD got %f, want > 0", stats.SavingsUSD)
	}
	if stats.ActiveRequests != 0 {
		t.Errorf("ActiveRequests got %d, want 0 after the hit settles", stats.ActiveRequests)
	}
}

func TestBegin_SemanticHit(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		semcache.NormalizePrompt("explain exponential backoff"):  {1, 0, 0},
		semcache.NormalizePrompt("describe exponential backoff"): {0.95, 0.3122, 0},
	}}
	h := newHarness(emb, 0.92)
	ctx := context.Background()

	if _, err := h.cache.Store(ctx, "team-a", "gpt-4o", "explain exponential backoff", validPayload, 120); err != nil {
		t.Fatalf("Store: %v", err)
	}

	d := h.gov.Begin(ctx, testRequest("describe exponential backoff"))

	if !d.CacheHit {
		t.Fatal("expected a semantic hit")
	}
	if d.Source != semcache.SourceSemantic {
		t.Errorf("Source got %q, want %q", d.Source, semcache.SourceSemantic)
	}
	if d.Similarity < 0.92 {
		t.Errorf("Similarity got %f, want >= threshold", d.Similarity)
	}
}

func TestBegin_BelowThresholdIsMiss(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		semcache.NormalizePrompt("explain exponential backoff"):  {1, 0, 0},
		semcache.NormalizePrompt("describe exponential backoff"): {0.95, 0.3122, 0},
	}}
	h := newHarness(emb, 0.99)
	ctx := context.Background()

	h.cache.Store(ctx, "team-a", "gpt-4o", "explain exponential backoff", validPayload, 120)

	if d := h.gov.Begin(ctx, testRequest("describe exponential backoff")); d.CacheHit {
		t.Error("similarity below the threshold must be a miss")
	}
}

func TestBegin_BypassSkipsLookupAndStore(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	h.cache.Store(ctx, "team-a", "gpt-4o", "explain exponential backoff", validPayload, 120)

	req := testRequest("explain exponential backoff")
	req.BypassCache = true

	d := h.gov.Begin(ctx, req)
	if d.CacheHit {
		t.Fatal("bypass_cache must skip the lookup")
	}

	if err := h.gov.Complete(ctx, d, Outcome{Response: validPayload, InputTokens: 100, OutputTokens: 50}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got := h.cache.Stats().Entries; got != 1 {
		t.Errorf("Entries got %d, want 1: bypassed responses must not be stored", got)
	}
}

func TestComplete_SettlesActualAndStores(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	d := h.gov.Begin(ctx, testRequest("explain exponential backoff"))

	out := Outcome{Response: validPayload, InputTokens: 100, OutputTokens: 50}
	if err := h.gov.Complete(ctx, d, out); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, _ := h.reservations.Get(d.ReservationID)
	if res.Status != reserve.StatusSettled {
		t.Fatalf("Status got %q, want %q", res.Status, reserve.StatusSettled)
	}
	if res.InputTokens != 100 || res.OutputTokens != 50 {
		t.Errorf("tokens got (%d, %d), want (100, 50)", res.InputTokens, res.OutputTokens)
	}
	want := pricing.NewEngineWithDefaults().Calculate("openai", "gpt-4o", 100, 50)
	if res.ActualCost != want {
		t.Errorf("ActualCost got %f, want %f", res.ActualCost, want)
	}

	// The response must now serve follow-up requests from the cache.
	if lr := h.cache.Lookup(ctx, "team-a", "gpt-4o", "explain exponential backoff"); !lr.Hit {
		t.Error("completed response was not cached")
	}
}

func TestComplete_Twice(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	d := h.gov.Begin(ctx, testRequest("explain exponential backoff"))
	out := Outcome{InputTokens: 100, OutputTokens: 50}

	if err := h.gov.Complete(ctx, d, out); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if err := h.gov.Complete(ctx, d, out); !errors.Is(err, reserve.ErrAlreadySettled) {
		t.Errorf("second Complete got %v, want ErrAlreadySettled", err)
	}
}

func TestFail_Refunds(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)

	d := h.gov.Begin(context.Background(), testRequest("explain exponential backoff"))

	if err := h.gov.Fail(d, 502, errors.New("upstream timeout")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	res, _ := h.reservations.Get(d.ReservationID)
	if res.Status != reserve.StatusRefunded {
		t.Errorf("Status got %q, want %q", res.Status, reserve.StatusRefunded)
	}
	if res.ActualCost != 0 {
		t.Errorf("ActualCost got %f, want 0", res.ActualCost)
	}

	stats := h.collector.Stats()
	if stats.Refunds != 1 {
		t.Errorf("Refunds got %d, want 1", stats.Refunds)
	}
	if stats.ActiveRequests != 0 {
		t.Errorf("ActiveRequests got %d, want 0", stats.ActiveRequests)
	}
}

func TestFail_AfterComplete(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	d := h.gov.Begin(ctx, testRequest("explain exponential backoff"))
	if err := h.gov.Complete(ctx, d, Outcome{InputTokens: 100, OutputTokens: 50}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := h.gov.Fail(d, 500, errors.New("late failure")); !errors.Is(err, reserve.ErrAlreadySettled) {
		t.Errorf("Fail after Complete got %v, want ErrAlreadySettled", err)
	}
}

func TestComplete_OutputTokensFromMeter(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	d := h.gov.Begin(ctx, testRequest("explain exponential backoff"))

	// 32 streamed characters at 4 chars/token.
	d.Meter.AddChunk("aaaaaaaaaaaaaaaa")
	d.Meter.AddChunk("bbbbbbbbbbbbbbbb")

	if err := h.gov.Complete(ctx, d, Outcome{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, _ := h.reservations.Get(d.ReservationID)
	if res.OutputTokens != 8 {
		t.Errorf("OutputTokens got %d, want 8 from the meter", res.OutputTokens)
	}
}

func TestComplete_UsageOverridesMeter(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	d := h.gov.Begin(ctx, testRequest("explain exponential backoff"))
	d.Meter.AddChunk("aaaaaaaaaaaaaaaa")

	if err := h.gov.Complete(ctx, d, Outcome{OutputTokens: 77}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, _ := h.reservations.Get(d.ReservationID)
	if res.OutputTokens != 77 {
		t.Errorf("OutputTokens got %d, want provider-reported 77", res.OutputTokens)
	}
}

func TestComplete_OutputTokensFromText(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)
	ctx := context.Background()

	d := h.gov.Begin(ctx, testRequest("explain exponential backoff"))

	// No usage, nothing streamed: the 20-character text estimates to
	// floor(20/4)+3 = 8 tokens.
	if err := h.gov.Complete(ctx, d, Outcome{OutputText: "aaaaaaaaaaaaaaaaaaaa"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, _ := h.reservations.Get(d.ReservationID)
	if res.OutputTokens != 8 {
		t.Errorf("OutputTokens got %d, want 8 from the text estimate", res.OutputTokens)
	}
}

func TestBegin_MessagesDriveEstimate(t *testing.T) {
	h := newHarness(&fakeEmbedder{}, 0.92)

	req := testRequest("ignored for the estimate")
	req.Messages = []tokencount.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "explain exponential backoff"},
	}

	d := h.gov.Begin(context.Background(), req)

	want := tokencount.NewEstimator(4.0).EstimateMessagesTokens(req.Messages)
	if d.InputTokens != want {
		t.Errorf("InputTokens got %d, want %d from the message estimate", d.InputTokens, want)
	}
}
