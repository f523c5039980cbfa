package reqlog

import "time"

// Record is an immutable log of one completed request. Ownership passes
// entirely to the logger once enqueued; callers must not retain or mutate it.
type Record struct {
	ID           string
	Timestamp    time.Time
	Namespace    string
	Provider     string
	Model        string
	TokensIn     int64
	TokensOut    int64
	TokensSaved  int64
	CostUSD      float64
	SavingsUSD   float64
	LatencyMs    int64
	StatusCode   int
	CacheHit     bool
	Status       string
	ErrorMessage string
}
