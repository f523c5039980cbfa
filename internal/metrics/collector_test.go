package metrics

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/allaspectsdev/creditgate/internal/reqlog"
)

func TestCollector_Record(t *testing.T) {
	c := NewCollector()

	c.Record(&reqlog.Record{TokensIn: 100, TokensOut: 50, CostUSD: 0.004})
	c.Record(&reqlog.Record{TokensIn: 80, TokensSaved: 200, SavingsUSD: 0.006, CacheHit: true})

	stats := c.Stats()
	if stats.TotalRequests != 2 {
		t.Errorf("TotalRequests got %d, want 2", stats.TotalRequests)
	}
	if stats.TokensIn != 180 || stats.TokensOut != 50 || stats.TokensSaved != 200 {
		t.Errorf("tokens got (%d, %d, %d), want (180, 50, 200)",
			stats.TokensIn, stats.TokensOut, stats.TokensSaved)
	}
	if math.Abs(stats.CostUSD-0.004) > 1e-9 {
		t.Errorf("CostUSD got %f, want 0.004", stats.CostUSD)
	}
	if math.Abs(stats.SavingsUSD-0.006) > 1e-9 {
		t.Errorf("SavingsUSD got %f, want 0.006", stats.SavingsUSD)
	}
}

func TestCollector_HitRate(t *testing.T) {
	c := NewCollector()

	c.Record(&reqlog.Record{CacheHit: true})
	c.Record(&reqlog.Record{CacheHit: true})
	c.Record(&reqlog.Record{CacheHit: true})
	c.Record(&reqlog.Record{})

	stats := c.Stats()
	if stats.CacheHits != 3 || stats.CacheMisses != 1 {
		t.Errorf("hits/misses got %d/%d, want 3/1", stats.CacheHits, stats.CacheMisses)
	}
	if math.Abs(stats.CacheHitRate-75.0) > 1e-9 {
		t.Errorf("CacheHitRate got %f, want 75.0", stats.CacheHitRate)
	}
}

func TestCollector_SavingsPercent(t *testing.T) {
	c := NewCollector()

	c.Record(&reqlog.Record{CostUSD: 0.03})
	c.Record(&reqlog.Record{SavingsUSD: 0.01, CacheHit: true})

	// 0.01 saved out of 0.04 total spend.
	if got := c.Stats().SavingsPercent; math.Abs(got-25.0) > 1e-9 {
		t.Errorf("SavingsPercent got %f, want 25.0", got)
	}
}

func TestCollector_EmptyStats(t *testing.T) {
	stats := NewCollector().Stats()

	if stats.CacheHitRate != 0 {
		t.Errorf("CacheHitRate got %f, want 0 with no traffic", stats.CacheHitRate)
	}
	if stats.SavingsPercent != 0 {
		t.Errorf("SavingsPercent got %f, want 0 with no spend", stats.SavingsPercent)
	}
}

func TestCollector_ActiveRequests(t *testing.T) {
	c := NewCollector()

	c.IncrementActive()
	c.IncrementActive()
	c.DecrementActive()

	if got := c.Stats().ActiveRequests; got != 1 {
		t.Errorf("ActiveRequests got %d, want 1", got)
	}
}

func TestCollector_RecordRefund(t *testing.T) {
	c := NewCollector()

	c.RecordRefund()
	c.RecordRefund()

	if got := c.Stats().Refunds; got != 2 {
		t.Errorf("Refunds got %d, want 2", got)
	}
}

func TestCollector_ConcurrentRecord(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Record(&reqlog.Record{TokensIn: 1, CostUSD: 0.001})
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	if stats.TotalRequests != 800 {
		t.Errorf("TotalRequests got %d, want 800", stats.TotalRequests)
	}
	if stats.TokensIn != 800 {
		t.Errorf("TokensIn got %d, want 800", stats.TokensIn)
	}
	if math.Abs(stats.CostUSD-0.8) > 1e-6 {
		t.Errorf("CostUSD got %f, want 0.8", stats.CostUSD)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3*time.Hour + 20*time.Minute, "3h 20m"},
		{50*time.Hour + 5*time.Minute, "2d 2h 5m"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) got %q, want %q", tc.d, got, tc.want)
		}
	}
}
