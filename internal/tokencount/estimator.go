package tokencount

// DefaultCharsPerToken is the character-per-token ratio used when none is
// configured. Four characters per token is a reasonable average for English
// text across current model families.
const DefaultCharsPerToken = 4.0

const (
	// textOverheadTokens accounts for framing tokens around a bare text block.
	textOverheadTokens = 3

	// messageOverheadTokens is the per-message role framing overhead.
	messageOverheadTokens = 4

	// replyPrimerTokens is the fixed trailer for priming the assistant turn.
	replyPrimerTokens = 2
)

// Message represents a chat message for token counting purposes.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Estimator estimates token counts from character length. It is deliberately
// model-agnostic: exact counts come from Precise when an encoding is
// available, the estimator is what reservation sizing runs on.
type Estimator struct {
	charsPerToken float64
}

// NewEstimator creates an Estimator with the given characters-per-token
// ratio. Non-positive ratios fall back to DefaultCharsPerToken.
func NewEstimator(charsPerToken float64) *Estimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &Estimator{charsPerToken: charsPerToken}
}

// CharsPerToken returns the configured characters-per-token ratio.
func (e *Estimator) CharsPerToken() float64 {
	return e.charsPerToken
}

// EstimateTokens estimates the token count for a raw text block:
// floor(len(text)/charsPerToken) plus a fixed framing overhead.
func (e *Estimator) EstimateTokens(text string) int {
	return int(float64(len(text))/e.charsPerToken) + textOverheadTokens
}

// EstimateMessagesTokens estimates the total token count for a structured
// conversation. Each message costs a fixed role-framing overhead plus the
// content estimate, plus the name estimate when a name is set. A fixed
// trailer is added for the assistant reply primer.
func (e *Estimator) EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += messageOverheadTokens
		total += e.EstimateTokens(msg.Content)
		if msg.Name != "" {
			total += e.EstimateTokens(msg.Name)
		}
	}
	return total + replyPrimerTokens
}
