// Package inference is a small client for OpenAI-compatible chat completion
// and embedding endpoints.
//
// voicebridge uses it out of band from the realtime session: chat completions
// summarize session memory, embeddings rank knowledge-base documents.
//
// Example usage:
//
//	client, _ := inference.NewClient(
//	    inference.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    inference.WithModel("gpt-4"),
//	)
//	defer client.Close()
//
//	resp, _ := client.Embed(ctx, &inference.EmbedRequest{
//	    Input: []string{"How do refunds work?"},
//	})
package inference

import "context"

// Provider is what the summarizer and the knowledge index consume.
type Provider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)
}

// ChatRequest for chat completions.
type ChatRequest struct {
	// Messages is the conversation history.
	Messages []Message

	// Model overrides the default model.
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0.0-2.0).
	Temperature float64
}

// ChatResponse from chat completion.
type ChatResponse struct {
	// Message is the assistant's response.
	Message Message

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Usage tracks token consumption.
	Usage Usage

	// Model used for generation.
	Model string

	// LatencyMs is the response time in milliseconds.
	LatencyMs int64
}

// EmbedRequest for text embeddings.
type EmbedRequest struct {
	// Input texts to embed.
	Input []string

	// Model overrides the default embedding model.
	Model string
}

// EmbedResponse with vector embeddings, in input order.
type EmbedResponse struct {
	Embeddings [][]float64
	Usage      Usage
	LatencyMs  int64
}

// Usage tracks token consumption for billing and limits.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
