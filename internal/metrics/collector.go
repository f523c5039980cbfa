// Package metrics provides the in-memory live counters for the governor and
// the JSON admin API that exposes them alongside cache and logger stats.
package metrics

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/allaspectsdev/creditgate/internal/reqlog"
)

// Collector tracks live request metrics using atomic counters for lock-free,
// concurrent-safe updates.
type Collector struct {
	totalRequests    int64
	totalTokensIn    int64
	totalTokensOut   int64
	totalTokensSaved int64

	// Float64 counters stored as uint64 via math.Float64bits.
	totalCostUSD    uint64
	totalSavingsUSD uint64

	cacheHits   int64
	cacheMisses int64
	refunds     int64

	activeRequests int64

	startTime time.Time
}

// Stats is a point-in-time snapshot of the collector's counters, suitable
// for JSON serialisation.
type Stats struct {
	Uptime         string  `json:"uptime"`
	TotalRequests  int64   `json:"total_requests"`
	TokensIn       int64   `json:"tokens_in"`
	TokensOut      int64   `json:"tokens_out"`
	TokensSaved    int64   `json:"tokens_saved"`
	CostUSD        float64 `json:"cost_usd"`
	SavingsUSD     float64 `json:"savings_usd"`
	SavingsPercent float64 `json:"savings_percent"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	CacheHits      int64   `json:"cache_hits"`
	CacheMisses    int64   `json:"cache_misses"`
	Refunds        int64   `json:"refunds"`
	ActiveRequests int64   `json:"active_requests"`
}

// NewCollector creates a Collector with all counters at zero and the start
// time set to now.
func NewCollector() *Collector {
	return &Collector{
		startTime:       time.Now(),
		totalCostUSD:    math.Float64bits(0),
		totalSavingsUSD: math.Float64bits(0),
	}
}

// Record atomically folds one completed request record into the counters.
func (c *Collector) Record(r *reqlog.Record) {
	atomic.AddInt64(&c.totalRequests, 1)
	atomic.AddInt64(&c.totalTokensIn, r.TokensIn)
	atomic.AddInt64(&c.totalTokensOut, r.TokensOut)
	atomic.AddInt64(&c.totalTokensSaved, r.TokensSaved)

	addFloat64(&c.totalCostUSD, r.CostUSD)
	addFloat64(&c.totalSavingsUSD, r.SavingsUSD)

	if r.CacheHit {
		atomic.AddInt64(&c.cacheHits, 1)
	} else {
		atomic.AddInt64(&c.cacheMisses, 1)
	}
}

// RecordRefund counts one refunded reservation.
func (c *Collector) RecordRefund() {
	atomic.AddInt64(&c.refunds, 1)
}

// IncrementActive marks a request entering the governor.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive marks a request leaving the governor, regardless of
// outcome.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
}

// Stats returns a point-in-time snapshot of all metrics.
func (c *Collector) Stats() *Stats {
	hits := atomic.LoadInt64(&c.cacheHits)
	misses := atomic.LoadInt64(&c.cacheMisses)
	costUSD := loadFloat64(&c.totalCostUSD)
	savingsUSD := loadFloat64(&c.totalSavingsUSD)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	var savingsPercent float64
	if totalSpend := costUSD + savingsUSD; totalSpend > 0 {
		savingsPercent = savingsUSD / totalSpend * 100
	}

	return &Stats{
		Uptime:         formatDuration(time.Since(c.startTime)),
		TotalRequests:  atomic.LoadInt64(&c.totalRequests),
		TokensIn:       atomic.LoadInt64(&c.totalTokensIn),
		TokensOut:      atomic.LoadInt64(&c.totalTokensOut),
		TokensSaved:    atomic.LoadInt64(&c.totalTokensSaved),
		CostUSD:        costUSD,
		SavingsUSD:     savingsUSD,
		SavingsPercent: savingsPercent,
		CacheHitRate:   hitRate,
		CacheHits:      hits,
		CacheMisses:    misses,
		Refunds:        atomic.LoadInt64(&c.refunds),
		ActiveRequests: atomic.LoadInt64(&c.activeRequests),
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

// formatDuration produces a compact human-readable duration like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
