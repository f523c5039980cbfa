// Package governor drives the credit lifecycle of one gateway request:
// estimate → quote → reserve → cache lookup, then settle or refund once the
// outcome is known. It is the narrow contract the surrounding gateway calls;
// routing, auth, and the provider call itself live outside.
package governor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/creditgate/internal/metrics"
	"github.com/allaspectsdev/creditgate/internal/pricing"
	"github.com/allaspectsdev/creditgate/internal/reqlog"
	"github.com/allaspectsdev/creditgate/internal/reserve"
	"github.com/allaspectsdev/creditgate/internal/semcache"
	"github.com/allaspectsdev/creditgate/internal/tokencount"
)

// defaultMaxOutputTokens is the output ceiling assumed for reservation
// sizing when the request does not carry one.
const defaultMaxOutputTokens = 1024

// Request describes one inbound completion/embedding request, as far as
// credit governance is concerned.
type Request struct {
	Namespace string `json:"namespace"`
	WalletID  string `json:"wallet_id"`
	UserID    string `json:"user_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`

	// Prompt is the cache lookup text. For chat requests this is typically
	// the latest user message or a canonical rendering of the conversation.
	Prompt string `json:"prompt"`

	// Messages, when set, is used for the input-token estimate instead of
	// Prompt.
	Messages []tokencount.Message `json:"messages,omitempty"`

	// MaxOutputTokens caps the reservation's output-token assumption.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// BypassCache forces a miss: when set, the cache is neither consulted
	// nor written for this request.
	BypassCache bool `json:"bypass_cache,omitempty"`
}

// Decision is the in-flight state of one governed request between Begin and
// Complete/Fail.
type Decision struct {
	RequestID     string
	ReservationID string
	InputTokens   int
	EstimatedCost float64

	// CacheHit is true when the request was answered from the cache; the
	// reservation is already settled and no provider call must be made.
	CacheHit       bool
	CachedResponse []byte
	Similarity     float64
	Source         semcache.Source

	// Meter accumulates streamed output tokens on the miss path.
	Meter *tokencount.StreamMeter

	req     Request
	started time.Time
}

// Outcome carries the provider call's final figures into Complete.
type Outcome struct {
	// Response is the provider's response payload, written into the cache.
	Response json.RawMessage `json:"response,omitempty"`

	// InputTokens and OutputTokens are the provider-reported usage figures.
	// Zero values fall back to the meter (output) and the pre-flight
	// estimate (input).
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// OutputText is used for a precise token count when the provider
	// reported no usage and nothing was streamed through the meter.
	OutputText string `json:"output_text,omitempty"`

	StatusCode int `json:"status_code,omitempty"`
}

// Governor owns the shared engines and applies the reserve-then-settle
// discipline to every request.
type Governor struct {
	estimator    *tokencount.Estimator
	precise      *tokencount.Precise
	prices       *pricing.Engine
	reservations *reserve.Store
	cache        *semcache.Engine
	logger       *reqlog.Logger
	collector    *metrics.Collector
}

// New creates a Governor. precise may be nil to disable exact token
// counting, cache may be nil to disable caching entirely, and logger and
// collector may be nil in tests.
func New(estimator *tokencount.Estimator, precise *tokencount.Precise, prices *pricing.Engine,
	reservations *reserve.Store, cache *semcache.Engine, logger *reqlog.Logger,
	collector *metrics.Collector) *Governor {

	return &Governor{
		estimator:    estimator,
		precise:      precise,
		prices:       prices,
		reservations: reservations,
		cache:        cache,
		logger:       logger,
		collector:    collector,
	}
}

// Begin opens the credit lifecycle for a request: it estimates input tokens,
// quotes the cost, opens a reservation, and attempts a cache lookup unless
// the request bypasses the cache. On a hit the reservation is settled with
// zero actual cost and the saved-cost figure is recorded; the caller must
// then skip the provider call and serve Decision.CachedResponse. On a miss
// the caller runs the provider call and finishes with Complete or Fail.
func (g *Governor) Begin(ctx context.Context, req Request) *Decision {
	if g.collector != nil {
		g.collector.IncrementActive()
	}

	inputTokens := g.estimateInput(req)
	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = defaultMaxOutputTokens
	}
	estCost := g.prices.Estimate(req.Provider, req.Model, inputTokens, maxOut)

	res := g.reservations.Reserve(req.WalletID, req.UserID, req.Provider, req.Model, estCost, inputTokens)

	d := &Decision{
		RequestID:     uuid.NewString(),
		ReservationID: res.ID,
		InputTokens:   inputTokens,
		EstimatedCost: estCost,
		req:           req,
		started:       time.Now(),
	}

	if !req.BypassCache && g.cache != nil {
		if lr := g.cache.Lookup(ctx, req.Namespace, req.Model, req.Prompt); lr.Hit {
			g.settleHit(d, lr)
			return d
		}
	}

	d.Meter = tokencount.NewStreamMeter(inputTokens, g.estimator.CharsPerToken())
	return d
}

// settleHit settles the reservation on the cache-hit path: the request costs
// nothing, and the cost the upstream call would have incurred is recorded as
// savings.
func (g *Governor) settleHit(d *Decision, lr semcache.LookupResult) {
	d.CacheHit = true
	d.CachedResponse = lr.Entry.Response
	d.Similarity = lr.Similarity
	d.Source = lr.Source

	if _, err := g.reservations.Settle(d.ReservationID, 0, d.InputTokens, 0); err != nil {
		// Begin owns this reservation, so a protocol error here is a bug.
		log.Error().Err(err).Str("reservation_id", d.ReservationID).Msg("governor: settling cache hit")
	}

	tokensSaved := int64(lr.Entry.TokensSaved)
	savings := g.prices.Calculate(d.req.Provider, d.req.Model, d.InputTokens, lr.Entry.TokensSaved)

	g.finish(d, &reqlog.Record{
		ID:          d.RequestID,
		Timestamp:   time.Now(),
		Namespace:   d.req.Namespace,
		Provider:    d.req.Provider,
		Model:       d.req.Model,
		TokensIn:    int64(d.InputTokens),
		TokensSaved: tokensSaved,
		SavingsUSD:  savings,
		LatencyMs:   time.Since(d.started).Milliseconds(),
		StatusCode:  200,
		CacheHit:    true,
		Status:      "cache_hit",
	})
}

// Complete settles the reservation with actual usage, writes the response
// into the cache, and queues the request log. It returns the reservation
// protocol error, if any: not-found or double settlement indicates a bug in
// the calling pipeline and must not be absorbed.
func (g *Governor) Complete(ctx context.Context, d *Decision, out Outcome) error {
	inTokens := out.InputTokens
	if inTokens <= 0 {
		inTokens = d.InputTokens
	}
	outTokens := g.resolveOutputTokens(d, out)

	actual := g.prices.Calculate(d.req.Provider, d.req.Model, inTokens, outTokens)
	if _, err := g.reservations.Settle(d.ReservationID, actual, inTokens, outTokens); err != nil {
		return err
	}

	if !d.req.BypassCache && g.cache != nil && len(out.Response) > 0 {
		if _, err := g.cache.Store(ctx, d.req.Namespace, d.req.Model, d.req.Prompt, out.Response, inTokens+outTokens); err != nil {
			log.Debug().Err(err).Str("namespace", d.req.Namespace).Msg("governor: cache store skipped")
		}
	}

	statusCode := out.StatusCode
	if statusCode == 0 {
		statusCode = 200
	}

	g.finish(d, &reqlog.Record{
		ID:         d.RequestID,
		Timestamp:  time.Now(),
		Namespace:  d.req.Namespace,
		Provider:   d.req.Provider,
		Model:      d.req.Model,
		TokensIn:   int64(inTokens),
		TokensOut:  int64(outTokens),
		CostUSD:    actual,
		LatencyMs:  time.Since(d.started).Milliseconds(),
		StatusCode: statusCode,
		Status:     "ok",
	})
	return nil
}

// Fail refunds the reservation after a provider failure and queues an error
// log record. The refund error, if any, is returned for the same reason as
// in Complete.
func (g *Governor) Fail(d *Decision, statusCode int, provErr error) error {
	if _, err := g.reservations.Refund(d.ReservationID); err != nil {
		return err
	}
	if g.collector != nil {
		g.collector.RecordRefund()
	}

	errMsg := ""
	if provErr != nil {
		errMsg = provErr.Error()
	}

	g.finish(d, &reqlog.Record{
		ID:           d.RequestID,
		Timestamp:    time.Now(),
		Namespace:    d.req.Namespace,
		Provider:     d.req.Provider,
		Model:        d.req.Model,
		TokensIn:     int64(d.InputTokens),
		LatencyMs:    time.Since(d.started).Milliseconds(),
		StatusCode:   statusCode,
		Status:       "error",
		ErrorMessage: errMsg,
	})
	return nil
}

// finish queues the log record and updates the live collector. Both are
// fire-and-forget: neither outcome affects the request.
func (g *Governor) finish(d *Decision, rec *reqlog.Record) {
	if g.collector != nil {
		g.collector.Record(rec)
		g.collector.DecrementActive()
	}
	if g.logger != nil {
		g.logger.Enqueue(rec)
	}
}

// estimateInput picks the input-token estimate for a request.
func (g *Governor) estimateInput(req Request) int {
	if len(req.Messages) > 0 {
		return g.estimator.EstimateMessagesTokens(req.Messages)
	}
	return g.estimator.EstimateTokens(req.Prompt)
}

// resolveOutputTokens picks the best available output-token figure:
// provider-reported usage, then the stream meter, then a precise count of
// the output text, then the heuristic estimate.
func (g *Governor) resolveOutputTokens(d *Decision, out Outcome) int {
	if out.OutputTokens > 0 {
		return out.OutputTokens
	}
	if d.Meter != nil && d.Meter.Chunks() > 0 {
		return d.Meter.OutputTokens()
	}
	if out.OutputText != "" {
		if g.precise != nil {
			if n, ok := g.precise.Count(d.req.Model, out.OutputText); ok {
				return n
			}
		}
		return g.estimator.EstimateTokens(out.OutputText)
	}
	return 0
}
