package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps model name prefixes to their tiktoken encoding,
// ordered longest prefix first so "gpt-4o" never falls through to "gpt-4".
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o-mini", "o200k_base"},
	{"gpt-4o", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"claude", "cl100k_base"},
}

// Precise counts tokens exactly using tiktoken encodings, for the cases where
// the provider response omits a usage block. Encoders are initialised lazily
// via sync.Once and shared across goroutines.
type Precise struct {
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200kEnc  *tiktoken.Tiktoken
	o200kErr  error
}

// NewPrecise creates a Precise counter.
func NewPrecise() *Precise {
	return &Precise{}
}

// encodingName returns the tiktoken encoding for the given model.
// Unknown models default to cl100k_base.
func encodingName(model string) string {
	lower := strings.ToLower(model)
	for _, m := range modelEncodings {
		if strings.HasPrefix(lower, m.prefix) {
			return m.encoding
		}
	}
	return "cl100k_base"
}

// encoder returns the cached encoder for the given model.
func (p *Precise) encoder(model string) (*tiktoken.Tiktoken, error) {
	switch encodingName(model) {
	case "o200k_base":
		p.o200kOnce.Do(func() {
			p.o200kEnc, p.o200kErr = tiktoken.GetEncoding("o200k_base")
		})
		return p.o200kEnc, p.o200kErr
	default:
		p.cl100kOnce.Do(func() {
			p.cl100kEnc, p.cl100kErr = tiktoken.GetEncoding("cl100k_base")
		})
		return p.cl100kEnc, p.cl100kErr
	}
}

// Count returns the exact token count for text under the given model's
// encoding. The second return value is false when the encoding could not be
// initialised; callers should fall back to the heuristic estimator.
func (p *Precise) Count(model, text string) (int, bool) {
	enc, err := p.encoder(model)
	if err != nil {
		return 0, false
	}
	return len(enc.Encode(text, nil, nil)), true
}
