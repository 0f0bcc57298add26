package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
)

const defaultModel = "o3-2025-04-16"

// Client is the ai.Client backed by an OpenAI-compatible chat completions API.
type Client struct {
	api   *openai.Client
	Model string

	encMu sync.Mutex
	encs  map[string]*tiktoken.Tiktoken // nil entry: no tokenizer for the model
}

// NewClient builds a client; baseURL may be empty for the public endpoint.
func NewClient(apiKey, baseURL, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{api: openai.NewClientWithConfig(cfg), Model: model}
}

// reasoning models (o1/o3/o4/gpt-5*) take MaxCompletionTokens instead of MaxTokens
func reasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func (c *Client) Call(ctx context.Context, r ai.Request) (ai.Response, error) {
	model := r.Model
	if model == "" {
		model = c.Model
	}
	if model == "" {
		model = defaultModel
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.System},
			{Role: openai.ChatMessageRoleUser, Content: r.User},
		},
	}
	if r.MaxTokens > 0 {
		if reasoningModel(model) {
			req.MaxCompletionTokens = r.MaxTokens
		} else {
			req.MaxTokens = r.MaxTokens
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		if quota(err) {
			return ai.Response{}, fmt.Errorf("%w: %v", ai.ErrQuotaExceeded, err)
		}
		return ai.Response{}, fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ai.Response{}, fmt.Errorf("%w: no choices in completion", ai.ErrMalformedResponse)
	}

	choice := resp.Choices[0]
	out := ai.Response{
		Content:      choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   ai.StopEndTurn,
	}
	if choice.FinishReason == openai.FinishReasonLength {
		out.StopReason = ai.StopMaxTokens
	}
	return out, nil
}

// messageOverhead is the chat framing around a system and a user message.
const messageOverhead = 8

// CountTokens tokenizes the prompt with the model's BPE encoding. Models
// tiktoken does not know fall back to the character estimate.
func (c *Client) CountTokens(system, user string) int {
	model := c.Model
	if model == "" {
		model = defaultModel
	}
	c.encMu.Lock()
	defer c.encMu.Unlock()
	enc := c.encodingLocked(model)
	if enc == nil {
		return ai.EstimateTokens(system) + ai.EstimateTokens(user) + messageOverhead
	}
	return len(enc.Encode(system, nil, nil)) + len(enc.Encode(user, nil, nil)) + messageOverhead
}

func (c *Client) encodingLocked(model string) *tiktoken.Tiktoken {
	if enc, ok := c.encs[model]; ok {
		return enc
	}
	if c.encs == nil {
		c.encs = map[string]*tiktoken.Tiktoken{}
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil && reasoningModel(model) {
		enc, err = tiktoken.GetEncoding("o200k_base")
	}
	if err != nil {
		enc = nil
	}
	c.encs[model] = enc
	return enc
}

func quota(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.Type == "insufficient_quota"
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

var _ ai.Client = (*Client)(nil)
