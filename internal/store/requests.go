package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/allaspectsdev/creditgate/internal/reqlog"
)

// Request is one persisted request-log row.
type Request struct {
	ID           string
	Timestamp    string
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

// UsageStats holds aggregate statistics for a range of requests.
type UsageStats struct {
	TotalRequests    int64
	TotalTokensIn    int64
	TotalTokensOut   int64
	TotalTokensSaved int64
	TotalCost        float64
	TotalSavings     float64
	CacheHits        int64
	CacheMisses      int64
}

// WriteBatch inserts a batch of request-log records inside one transaction.
// It implements the reqlog.Sink interface; the async logger is the only
// writer of the requests table.
func (s *Store) WriteBatch(ctx context.Context, records []*reqlog.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO requests (
			id, timestamp, namespace, provider, model,
			tokens_in, tokens_out, tokens_saved,
			cost_usd, savings_usd, latency_ms, status_code,
			cache_hit, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		cacheHitInt := 0
		if r.CacheHit {
			cacheHitInt = 1
		}
		_, err := stmt.ExecContext(ctx,
			r.ID, r.Timestamp.UTC().Format(time.RFC3339), r.Namespace, r.Provider, r.Model,
			r.TokensIn, r.TokensOut, r.TokensSaved,
			r.CostUSD, r.SavingsUSD, r.LatencyMs, r.StatusCode,
			cacheHitInt, r.Status, r.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("store: insert request %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// GetRequest retrieves a single request by its ID.
// Returns sql.ErrNoRows wrapped when the request does not exist.
func (s *Store) GetRequest(id string) (*Request, error) {
	r := &Request{}
	var cacheHitInt int

	err := s.reader.QueryRow(`
		SELECT id, timestamp, namespace, provider, model,
		       tokens_in, tokens_out, tokens_saved,
		       cost_usd, savings_usd, latency_ms, status_code,
		       cache_hit, status, error_message
		FROM requests WHERE id = ?`, id,
	).Scan(
		&r.ID, &r.Timestamp, &r.Namespace, &r.Provider, &r.Model,
		&r.TokensIn, &r.TokensOut, &r.TokensSaved,
		&r.CostUSD, &r.SavingsUSD, &r.LatencyMs, &r.StatusCode,
		&cacheHitInt, &r.Status, &r.ErrorMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}

	r.CacheHit = cacheHitInt != 0
	return r, nil
}

// ListRequests returns a page of requests ordered by timestamp descending.
func (s *Store) ListRequests(limit, offset int) ([]*Request, error) {
	rows, err := s.reader.Query(`
		SELECT id, timestamp, namespace, provider, model,
		       tokens_in, tokens_out, tokens_saved,
		       cost_usd, savings_usd, latency_ms, status_code,
		       cache_hit, status, error_message
		FROM requests
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var results []*Request
	for rows.Next() {
		r := &Request{}
		var cacheHitInt int
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Namespace, &r.Provider, &r.Model,
			&r.TokensIn, &r.TokensOut, &r.TokensSaved,
			&r.CostUSD, &r.SavingsUSD, &r.LatencyMs, &r.StatusCode,
			&cacheHitInt, &r.Status, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan request row: %w", err)
		}
		r.CacheHit = cacheHitInt != 0
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list requests iteration: %w", err)
	}
	return results, nil
}

// GetUsageStats computes aggregate statistics for all requests whose
// timestamp is >= since.
func (s *Store) GetUsageStats(since time.Time) (*UsageStats, error) {
	sinceStr := since.UTC().Format(time.RFC3339)
	stats := &UsageStats{}

	err := s.reader.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(tokens_saved), 0),
			COALESCE(SUM(cost_usd), 0.0),
			COALESCE(SUM(savings_usd), 0.0),
			COALESCE(SUM(CASE WHEN cache_hit = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cache_hit = 0 THEN 1 ELSE 0 END), 0)
		FROM requests
		WHERE timestamp >= ?`, sinceStr,
	).Scan(
		&stats.TotalRequests,
		&stats.TotalTokensIn,
		&stats.TotalTokensOut,
		&stats.TotalTokensSaved,
		&stats.TotalCost,
		&stats.TotalSavings,
		&stats.CacheHits,
		&stats.CacheMisses,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return stats, nil
		}
		return nil, fmt.Errorf("store: usage stats: %w", err)
	}

	return stats, nil
}

// NamespaceUsage holds per-namespace aggregate figures.
type NamespaceUsage struct {
	Namespace   string  `json:"namespace"`
	Requests    int64   `json:"requests"`
	TokensIn    int64   `json:"tokens_in"`
	TokensOut   int64   `json:"tokens_out"`
	TokensSaved int64   `json:"tokens_saved"`
	CostUSD     float64 `json:"cost_usd"`
	SavingsUSD  float64 `json:"savings_usd"`
}

// ListNamespaceUsage returns aggregate usage grouped by namespace, most
// active first.
func (s *Store) ListNamespaceUsage() ([]NamespaceUsage, error) {
	rows, err := s.reader.Query(`
		SELECT namespace, COUNT(*),
		       COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0),
		       COALESCE(SUM(tokens_saved), 0),
		       COALESCE(SUM(cost_usd), 0.0), COALESCE(SUM(savings_usd), 0.0)
		FROM requests
		WHERE namespace != ''
		GROUP BY namespace
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: namespace usage: %w", err)
	}
	defer rows.Close()

	var usages []NamespaceUsage
	for rows.Next() {
		var u NamespaceUsage
		if err := rows.Scan(&u.Namespace, &u.Requests, &u.TokensIn, &u.TokensOut,
			&u.TokensSaved, &u.CostUSD, &u.SavingsUSD); err != nil {
			return nil, fmt.Errorf("store: scan namespace usage: %w", err)
		}
		usages = append(usages, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: namespace usage iteration: %w", err)
	}
	return usages, nil
}
