package domain

import (
	"context"
	"errors"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage is what the provider reported, if anything.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type Chunk struct {
	Content string
}

// Stream yields content deltas. Recv returns io.EOF once the provider
// signalled completion; any other error means the generation did not finish.
type Stream interface {
	Recv() (Chunk, error)
	// Usage is nil until the provider reports it.
	Usage() *Usage
	Close() error
}

type Client interface {
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)
}

var (
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrInvalidRequest      = errors.New("invalid_llm_request")
)
