package inference

import (
	"context"
	"sync/atomic"
)

// Stub is a scripted Provider for exercising the summarizer and the
// knowledge index without a network.
type Stub struct {
	// Summary is what Chat answers when ChatFunc is nil.
	Summary string

	// Err, when set, fails every call.
	Err error

	ChatFunc  func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	EmbedFunc func(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)

	chats  atomic.Int32
	embeds atomic.Int32
}

func (s *Stub) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.chats.Add(1)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.ChatFunc != nil {
		return s.ChatFunc(ctx, req)
	}
	return &ChatResponse{Message: NewAssistantMessage(s.Summary), FinishReason: "stop"}, nil
}

// Embed answers with a zero vector per input when EmbedFunc is nil.
func (s *Stub) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	s.embeds.Add(1)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.EmbedFunc != nil {
		return s.EmbedFunc(ctx, req)
	}
	out := make([][]float64, len(req.Input))
	for i := range out {
		out[i] = make([]float64, 8)
	}
	return &EmbedResponse{Embeddings: out}, nil
}

// Chats is the number of Chat calls so far.
func (s *Stub) Chats() int { return int(s.chats.Load()) }

// Embeds is the number of Embed calls so far.
func (s *Stub) Embeds() int { return int(s.embeds.Load()) }

var _ Provider = (*Stub)(nil)
