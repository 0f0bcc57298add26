package ai

import "context"

// StopReason tells why the model stopped producing output.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
)

// Request is one system+user prompt pair.
type Request struct {
	System    string
	User      string
	Model     string
	MaxTokens int
}

// Response carries the model text and its token usage.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	StopReason   StopReason
}

// Truncated reports whether the model was cut off by the token ceiling.
func (r Response) Truncated() bool { return r.StopReason == StopMaxTokens }

// Client is the model gateway. Implementations map provider quota errors to
// ErrQuotaExceeded.
type Client interface {
	Call(ctx context.Context, req Request) (Response, error)
	// CountTokens returns the prompt size of a system+user pair.
	CountTokens(system, user string) int
}

// Usage accumulates token counts over several calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add records the usage of one response.
func (u *Usage) Add(r Response) {
	u.InputTokens += r.InputTokens
	u.OutputTokens += r.OutputTokens
}

// Merge adds another accumulated usage.
func (u *Usage) Merge(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Cost prices the usage in USD from per-million-token rates.
func (u Usage) Cost(inputPerMTok, outputPerMTok float64) float64 {
	return float64(u.InputTokens)/1e6*inputPerMTok + float64(u.OutputTokens)/1e6*outputPerMTok
}

// EstimateTokens approximates the token count of text at ~4 bytes per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
