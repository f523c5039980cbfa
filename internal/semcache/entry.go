package semcache

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Entry is one cached prompt→response pair. An entry is visible to lookups
// only within its namespace. After creation it is mutated only to bump the
// hit counter (atomically) or to be removed.
type Entry struct {
	ID          string
	Namespace   string
	Model       string
	PromptHash  string
	Embedding   []float32
	Response    []byte
	TokensSaved int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	HitCount    int64 // accessed atomically
}

// Expired returns true if the entry has passed its expiration time.
func (e *Entry) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// NormalizePrompt canonicalises a prompt for exact-match hashing: leading and
// trailing whitespace is trimmed and the text is case-folded.
func NormalizePrompt(prompt string) string {
	return strings.ToLower(strings.TrimSpace(prompt))
}

// PromptHash returns the hex-encoded SHA-256 of the normalized prompt.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(NormalizePrompt(prompt)))
	return fmt.Sprintf("%x", sum)
}

// exactKey builds the exact-index key. Namespace and model are part of the
// key so identical prompts never cross tenant or model boundaries.
func exactKey(namespace, model, hash string) string {
	return namespace + "\x00" + model + "\x00" + hash
}
