package tokencount

import (
	"sync/atomic"
	"time"
)

// StreamMeter accumulates output-token counts as a streamed response arrives.
// All counters are atomic so that concurrent readers (a status endpoint
// polling mid-stream, for example) never observe a torn value.
type StreamMeter struct {
	inputTokens int64
	outputChars int64
	chunks      int64

	charsPerToken float64
	started       time.Time
}

// NewStreamMeter creates a StreamMeter with a pre-computed input-token count.
// The charsPerToken ratio converts accumulated output characters to tokens;
// non-positive values fall back to DefaultCharsPerToken.
func NewStreamMeter(inputTokens int, charsPerToken float64) *StreamMeter {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &StreamMeter{
		inputTokens:   int64(inputTokens),
		charsPerToken: charsPerToken,
		started:       time.Now(),
	}
}

// AddChunk records one streamed text chunk. Safe for concurrent use.
func (m *StreamMeter) AddChunk(text string) {
	atomic.AddInt64(&m.outputChars, int64(len(text)))
	atomic.AddInt64(&m.chunks, 1)
}

// InputTokens returns the pre-computed input-token count.
func (m *StreamMeter) InputTokens() int {
	return int(atomic.LoadInt64(&m.inputTokens))
}

// OutputTokens returns the estimated output-token count accumulated so far.
// Characters are totalled atomically and converted once, so per-chunk
// rounding does not accumulate error.
func (m *StreamMeter) OutputTokens() int {
	chars := atomic.LoadInt64(&m.outputChars)
	return int(float64(chars) / m.charsPerToken)
}

// TotalTokens returns input plus output tokens.
func (m *StreamMeter) TotalTokens() int {
	return m.InputTokens() + m.OutputTokens()
}

// Chunks returns the number of chunks recorded so far.
func (m *StreamMeter) Chunks() int {
	return int(atomic.LoadInt64(&m.chunks))
}

// Elapsed returns the time since the meter was created.
func (m *StreamMeter) Elapsed() time.Duration {
	return time.Since(m.started)
}
