package semcache

import (
	"bytes"
	"encoding/json"
)

// responseShape captures the fields of a completion/embedding payload that
// the poisoning guard inspects. Pointers distinguish an absent list from an
// empty one.
type responseShape struct {
	Error   json.RawMessage    `json:"error"`
	Choices *[]json.RawMessage `json:"choices"`
	Data    *[]json.RawMessage `json:"data"`
	Content *[]json.RawMessage `json:"content"`
}

var jsonNull = []byte("null")

// ValidResponse reports whether a stored payload may be served as a hit.
// A payload is rejected when it is shorter than minLength, does not parse as
// a structured response, carries a non-null error field, or has no non-empty
// result list. Entries that fail this check could otherwise surface a stale
// error or empty answer to a future request that matches by similarity.
func ValidResponse(payload []byte, minLength int) bool {
	if len(payload) < minLength {
		return false
	}

	var shape responseShape
	if err := json.Unmarshal(payload, &shape); err != nil {
		return false
	}

	if len(shape.Error) > 0 && !bytes.Equal(bytes.TrimSpace(shape.Error), jsonNull) {
		return false
	}

	// At least one result list must be present and non-empty.
	for _, list := range []*[]json.RawMessage{shape.Choices, shape.Data, shape.Content} {
		if list != nil && len(*list) > 0 {
			return true
		}
	}
	return false
}
