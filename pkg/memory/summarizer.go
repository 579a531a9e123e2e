package memory

import (
	"context"
	"strings"

	"github.com/teslashibe/voicebridge/pkg/inference"
)

// DefaultSummaryPrompt is the user prompt for conversation summaries.
// {conversation_text} is replaced with the formatted session.
const DefaultSummaryPrompt = `Please summarize the following conversation between a user and an AI assistant. Focus on:

1. **Personal Information**: Name, job, location, family, friends, interests, preferences
2. **User's Goals & Inquiries**: What they're trying to achieve, questions they've asked
3. **Key Context**: Important facts, decisions made, ongoing projects or topics
4. **Conversation Patterns**: How they prefer to communicate, their expertise level
5. **Action Items**: Any tasks, follow-ups, or commitments mentioned

Keep the summary concise but comprehensive. Maintain the user's voice and perspective where relevant.

Conversation to summarize:
{conversation_text}

Summary:`

const summarySystemPrompt = "You are a helpful assistant that creates concise, comprehensive conversation summaries."

// ChatClient is the subset of inference.Provider the summarizer needs.
type ChatClient interface {
	Chat(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error)
}

// LLMSummarizer summarizes conversations with a chat model.
type LLMSummarizer struct {
	client      ChatClient
	model       string
	prompt      string
	temperature float64
	maxTokens   int
}

// NewLLMSummarizer creates a summarizer. An empty prompt uses DefaultSummaryPrompt.
func NewLLMSummarizer(client ChatClient, model, prompt string) *LLMSummarizer {
	if prompt == "" {
		prompt = DefaultSummaryPrompt
	}
	return &LLMSummarizer{
		client:      client,
		model:       model,
		prompt:      prompt,
		temperature: 0.3,
		maxTokens:   1000,
	}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, conversation string) (string, error) {
	resp, err := s.client.Chat(ctx, &inference.ChatRequest{
		Model: s.model,
		Messages: []inference.Message{
			inference.NewSystemMessage(summarySystemPrompt),
			inference.NewUserMessage(strings.ReplaceAll(s.prompt, "{conversation_text}", conversation)),
		},
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

var _ Summarizer = (*LLMSummarizer)(nil)
