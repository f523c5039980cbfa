package pricing

import "sync"

// Price holds the per-million-token costs for one (provider, model) pair.
// Free-tier models carry zero cost regardless of the per-million figures.
type Price struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
	Free             bool    `json:"free"`
}

// Engine maps (provider, model) pairs to prices. Reads and runtime updates
// are guarded by a single RWMutex; a reader always sees either the old or the
// new price for a model, never a partially-updated record.
type Engine struct {
	mu      sync.RWMutex
	byKey   map[string]Price // "provider/model" → price
	byModel map[string]Price // "model" → price, used as fallback
}

// NewEngine creates an empty pricing engine.
func NewEngine() *Engine {
	return &Engine{
		byKey:   make(map[string]Price),
		byModel: make(map[string]Price),
	}
}

// NewEngineWithDefaults creates a pricing engine seeded with the built-in
// pricing table.
func NewEngineWithDefaults() *Engine {
	e := NewEngine()
	for _, p := range defaultPrices {
		e.Update(p)
	}
	return e
}

func key(provider, model string) string {
	return provider + "/" + model
}

// Update inserts or replaces the price for a (provider, model) pair.
// Safe for concurrent use with Calculate/Estimate.
func (e *Engine) Update(p Price) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byKey[key(p.Provider, p.Model)] = p
	e.byModel[p.Model] = p
}

// Lookup returns the price for the given provider and model. It first tries
// the exact (provider, model) key, then falls back to the model alone. The
// second return value reports whether a price was found.
func (e *Engine) Lookup(provider, model string) (Price, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if p, ok := e.byKey[key(provider, model)]; ok {
		return p, true
	}
	if p, ok := e.byModel[model]; ok {
		return p, true
	}
	return Price{}, false
}

// Calculate returns the cost in USD for the given token counts. Free-tier
// models cost zero. Unknown models also cost zero: unconfigured models are
// not billed.
func (e *Engine) Calculate(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := e.Lookup(provider, model)
	if !ok || p.Free {
		return 0
	}
	return (float64(inputTokens)*p.InputPerMillion + float64(outputTokens)*p.OutputPerMillion) / 1_000_000
}

// Estimate returns the pre-flight cost quote for a request, applying the same
// computation as Calculate to a not-yet-realised output-token ceiling.
func (e *Engine) Estimate(provider, model string, inputTokens, maxOutputTokens int) float64 {
	return e.Calculate(provider, model, inputTokens, maxOutputTokens)
}

// Snapshot returns a copy of every configured price, for the admin API.
func (e *Engine) Snapshot() []Price {
	e.mu.RLock()
	defer e.mu.RUnlock()

	prices := make([]Price, 0, len(e.byKey))
	for _, p := range e.byKey {
		prices = append(prices, p)
	}
	return prices
}
