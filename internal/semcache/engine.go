// Package semcache implements the per-namespace semantic response cache:
// exact-hash lookup, embedding-similarity lookup, FIFO-by-age eviction, and a
// poisoning guard over stored payloads.
package semcache

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Embedder produces an embedding vector for a prompt. Any failure is treated
// by the engine as "no semantic match available", never as a hard error.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// Source tags which lookup path produced a hit.
type Source string

const (
	// SourceExact marks a hit through the normalized-hash index.
	SourceExact Source = "exact"
	// SourceSemantic marks a hit through embedding similarity.
	SourceSemantic Source = "semantic"
)

// LookupResult is the transient outcome of one Lookup call.
type LookupResult struct {
	Hit        bool
	Entry      *Entry
	Similarity float64
	Source     Source
}

// Config is the cache policy for one engine instance. It is immutable for
// the engine's lifetime; swapping policy means constructing a new engine.
type Config struct {
	SimilarityThreshold    float64
	DefaultTTL             time.Duration
	ModelTTL               map[string]time.Duration
	MaxEntriesPerNamespace int
	ValidateResponses      bool
	MinResponseLength      int
}

// withDefaults fills zero-valued fields with the standard policy.
func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.92
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.MaxEntriesPerNamespace <= 0 {
		c.MaxEntriesPerNamespace = 10000
	}
	if c.MinResponseLength <= 0 {
		c.MinResponseLength = 10
	}
	return c
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Entries       int64   `json:"entries"`
	HitRate       float64 `json:"hit_rate"`
	AvgSimilarity float64 `json:"avg_similarity"`
	TokensSaved   int64   `json:"tokens_saved"`
}

// Engine is a semantic cache instance. Entry collections and the exact-hash
// index share one engine-scoped RWMutex: lookups take the read mode, while
// store, invalidate, and evict take the write mode. Hit/miss/eviction
// counters are independent atomics so bumping them never touches the lock.
// Engines are plain values, never package-level singletons, so shards and
// tests can run their own.
type Engine struct {
	mu         sync.RWMutex
	namespaces map[string][]*Entry // creation-ordered per namespace
	exact      map[string]*Entry

	cfg      Config
	embedder Embedder

	hits          int64
	misses        int64
	evictions     int64
	tokensSaved   int64
	semanticHits  int64
	similaritySum uint64 // float64 bits, CAS-updated
}

// NewEngine creates a cache engine with the given policy and embedding
// function.
func NewEngine(cfg Config, embedder Embedder) *Engine {
	return &Engine{
		namespaces: make(map[string][]*Entry),
		exact:      make(map[string]*Entry),
		cfg:        cfg.withDefaults(),
		embedder:   embedder,
	}
}

// Lookup answers whether an equivalent request has already been served in
// this namespace. The exact-hash path is tried first and never computes an
// embedding; otherwise unexpired entries for the model are scanned by cosine
// similarity. Embedding failures and validation failures resolve to ordinary
// misses, never errors.
func (e *Engine) Lookup(ctx context.Context, namespace, model, prompt string) LookupResult {
	hash := PromptHash(prompt)

	// Exact path.
	e.mu.RLock()
	entry, ok := e.exact[exactKey(namespace, model, hash)]
	e.mu.RUnlock()

	if ok && !entry.Expired() {
		if e.rejectInvalid(entry) {
			atomic.AddInt64(&e.misses, 1)
			return LookupResult{}
		}
		e.recordHit(entry)
		return LookupResult{Hit: true, Entry: entry, Similarity: 1.0, Source: SourceExact}
	}

	// Semantic path. Embedding generation is the only blocking step and the
	// only point that honours caller cancellation. Without an embedder the
	// engine runs in exact-only mode.
	if e.embedder == nil {
		atomic.AddInt64(&e.misses, 1)
		return LookupResult{}
	}
	queryEmb, err := e.embedder.Embed(ctx, prompt, model)
	if err != nil {
		log.Debug().Err(err).Str("namespace", namespace).Msg("semcache: embedding failed, treating as miss")
		atomic.AddInt64(&e.misses, 1)
		return LookupResult{}
	}

	best, bestScore := e.scan(namespace, model, queryEmb)
	if best == nil || bestScore < e.cfg.SimilarityThreshold {
		atomic.AddInt64(&e.misses, 1)
		return LookupResult{Similarity: bestScore}
	}

	if e.rejectInvalid(best) {
		atomic.AddInt64(&e.misses, 1)
		return LookupResult{Similarity: bestScore}
	}

	e.recordHit(best)
	atomic.AddInt64(&e.semanticHits, 1)
	addFloat64(&e.similaritySum, bestScore)
	return LookupResult{Hit: true, Entry: best, Similarity: bestScore, Source: SourceSemantic}
}

// scan finds the unexpired same-model entry with the highest cosine
// similarity to the query embedding. Linear over one namespace; the engine
// contract permits swapping in a nearest-neighbour index without changing
// callers.
func (e *Engine) scan(namespace, model string, queryEmb []float32) (*Entry, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *Entry
	bestScore := 0.0
	for _, entry := range e.namespaces[namespace] {
		if entry.Model != model || entry.Expired() {
			continue
		}
		score := CosineSimilarity(queryEmb, entry.Embedding)
		if score > bestScore {
			best = entry
			bestScore = score
		}
	}
	return best, bestScore
}

// rejectInvalid applies the poisoning guard to a candidate hit. A failing
// entry is evicted immediately: it must not be served to a future match.
func (e *Engine) rejectInvalid(entry *Entry) bool {
	if !e.cfg.ValidateResponses {
		return false
	}
	if ValidResponse(entry.Response, e.cfg.MinResponseLength) {
		return false
	}

	log.Warn().
		Str("namespace", entry.Namespace).
		Str("entry_id", entry.ID).
		Msg("semcache: candidate failed validation, evicting")

	e.mu.Lock()
	e.removeLocked(entry)
	e.mu.Unlock()
	return true
}

// recordHit bumps the hit counters shared by both lookup paths.
func (e *Engine) recordHit(entry *Entry) {
	atomic.AddInt64(&e.hits, 1)
	atomic.AddInt64(&e.tokensSaved, int64(entry.TokensSaved))
	atomic.AddInt64(&entry.HitCount, 1)
}

// Store inserts a prompt→response pair into the namespace. The entry TTL is
// the model-specific override when present, else the default. When the
// namespace is at its entry ceiling the single oldest entry by creation time
// is evicted first (strict FIFO-by-age; recency of use does not protect an
// entry). An embedding failure degrades the entry to exact-only rather than
// failing the store, except when the caller's context is already cancelled.
func (e *Engine) Store(ctx context.Context, namespace, model, prompt string, response []byte, tokensSaved int) (*Entry, error) {
	var embedding []float32
	if e.embedder != nil {
		emb, err := e.embedder.Embed(ctx, prompt, model)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Err(err).Str("namespace", namespace).Msg("semcache: embedding failed, storing exact-only entry")
		} else {
			embedding = emb
		}
	}

	ttl := e.cfg.DefaultTTL
	if override, ok := e.cfg.ModelTTL[model]; ok {
		ttl = override
	}

	now := time.Now()
	entry := &Entry{
		ID:          uuid.NewString(),
		Namespace:   namespace,
		Model:       model,
		PromptHash:  PromptHash(prompt),
		Embedding:   embedding,
		Response:    response,
		TokensSaved: tokensSaved,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Replace any existing entry under the same exact key so the index never
	// points at a shadowed entry.
	if prev, ok := e.exact[exactKey(namespace, model, entry.PromptHash)]; ok {
		e.removeLocked(prev)
	}

	if len(e.namespaces[namespace]) >= e.cfg.MaxEntriesPerNamespace {
		e.evictOldestLocked(namespace)
	}

	e.namespaces[namespace] = append(e.namespaces[namespace], entry)
	e.exact[exactKey(namespace, model, entry.PromptHash)] = entry
	return entry, nil
}

// Invalidate removes a specific entry from its namespace. It returns false
// when the entry does not exist.
func (e *Engine) Invalidate(namespace, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range e.namespaces[namespace] {
		if entry.ID == id {
			e.removeLocked(entry)
			return true
		}
	}
	return false
}

// FlushNamespace removes every entry in the namespace and returns the count.
func (e *Engine) FlushNamespace(namespace string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.namespaces[namespace]
	for _, entry := range entries {
		delete(e.exact, exactKey(entry.Namespace, entry.Model, entry.PromptHash))
	}
	delete(e.namespaces, namespace)
	atomic.AddInt64(&e.evictions, int64(len(entries)))
	return len(entries)
}

// FlushAll removes every entry in every namespace and returns the count.
func (e *Engine) FlushAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, entries := range e.namespaces {
		n += len(entries)
	}
	e.namespaces = make(map[string][]*Entry)
	e.exact = make(map[string]*Entry)
	atomic.AddInt64(&e.evictions, int64(n))
	return n
}

// Stats returns a snapshot of the engine's counters. Only the live entry
// count requires the read lock.
func (e *Engine) Stats() Stats {
	hits := atomic.LoadInt64(&e.hits)
	misses := atomic.LoadInt64(&e.misses)
	semHits := atomic.LoadInt64(&e.semanticHits)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	var avgSim float64
	if semHits > 0 {
		avgSim = loadFloat64(&e.similaritySum) / float64(semHits)
	}

	e.mu.RLock()
	var entries int64
	for _, list := range e.namespaces {
		entries += int64(len(list))
	}
	e.mu.RUnlock()

	return Stats{
		Hits:          hits,
		Misses:        misses,
		Evictions:     atomic.LoadInt64(&e.evictions),
		Entries:       entries,
		HitRate:       hitRate,
		AvgSimilarity: avgSim,
		TokensSaved:   atomic.LoadInt64(&e.tokensSaved),
	}
}

// evictOldestLocked removes the single oldest entry (by creation time) from
// the namespace. Caller must hold the write lock.
func (e *Engine) evictOldestLocked(namespace string) {
	entries := e.namespaces[namespace]
	if len(entries) == 0 {
		return
	}

	oldest := 0
	for i, entry := range entries {
		if entry.CreatedAt.Before(entries[oldest].CreatedAt) {
			oldest = i
		}
	}
	e.removeLocked(entries[oldest])
}

// removeLocked removes an entry from both the namespace collection and the
// exact index, counting one eviction. Caller must hold the write lock.
func (e *Engine) removeLocked(entry *Entry) {
	removed := false
	entries := e.namespaces[entry.Namespace]
	for i, candidate := range entries {
		if candidate.ID == entry.ID {
			e.namespaces[entry.Namespace] = append(entries[:i], entries[i+1:]...)
			removed = true
			break
		}
	}

	key := exactKey(entry.Namespace, entry.Model, entry.PromptHash)
	if indexed, ok := e.exact[key]; ok && indexed.ID == entry.ID {
		delete(e.exact, key)
	}
	if removed {
		atomic.AddInt64(&e.evictions, 1)
	}
}

// addFloat64 atomically adds delta to the float64 stored in addr using a CAS loop.
func addFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// loadFloat64 atomically loads a float64 stored in addr.
func loadFloat64(addr *uint64) float64 {
	return math.Float64frombits(atomic.LoadUint64(addr))
}
