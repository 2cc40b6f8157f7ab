package kestrel

import "context"

// Provider is the LLM client abstraction. Chat blocks until the full
// response is available. ChatStream emits delta events into ch as they
// arrive and returns the accumulated response; implementations close ch
// before returning.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
}
