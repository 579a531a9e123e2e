package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientChat(t *testing.T) {
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Expected Bearer test-key, got %s", auth)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "test-id",
			"model": "gpt-4",
			"choices": [{"message": {"role": "assistant", "content": "Hello! How can I help?"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	client, err := NewClient(
		WithBaseURL(server.URL),
		WithAPIKey("test-key"),
		WithModel("gpt-4"),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{NewSystemMessage("be brief"), NewUserMessage("Hello")},
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Message.Content != "Hello! How can I help?" {
		t.Errorf("Unexpected content: %s", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if gotBody["model"] != "gpt-4" {
		t.Errorf("Expected model gpt-4 in payload, got %v", gotBody["model"])
	}
	if gotBody["temperature"] != 0.3 {
		t.Errorf("Expected temperature 0.3, got %v", gotBody["temperature"])
	}
	if gotBody["max_tokens"] != float64(1000) {
		t.Errorf("Expected max_tokens 1000, got %v", gotBody["max_tokens"])
	}
	if msgs, _ := gotBody["messages"].([]any); len(msgs) != 2 {
		t.Errorf("Expected 2 messages, got %v", gotBody["messages"])
	}
}

func TestClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("Expected /embeddings, got %s", r.URL.Path)
		}
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "text-embedding-3-small" {
			t.Errorf("Expected default embed model, got %s", body.Model)
		}

		// Out of order on purpose.
		w.Write([]byte(`{
			"data": [
				{"index": 1, "embedding": [0, 1]},
				{"index": 0, "embedding": [1, 0]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	defer server.Close()

	client, err := NewClient(WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	resp, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"first", "second"}})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(resp.Embeddings) != 2 {
		t.Fatalf("Expected 2 embeddings, got %d", len(resp.Embeddings))
	}
	if resp.Embeddings[0][0] != 1 || resp.Embeddings[1][1] != 1 {
		t.Errorf("Embeddings not ordered by index: %v", resp.Embeddings)
	}
}

func TestClientEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	_, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"x"}})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "invalid_request_error", "code": "invalid_api_key"}}`))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithAPIKey("bad"))

	_, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T", err)
	}
	if !apiErr.IsUnauthorized() {
		t.Errorf("Expected unauthorized, got status %d", apiErr.StatusCode)
	}
	if apiErr.Code != "invalid_api_key" {
		t.Errorf("Expected code invalid_api_key, got %s", apiErr.Code)
	}
	if apiErr.IsRetryable() {
		t.Error("401 should not be retryable")
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithRetry(3, time.Millisecond))

	resp, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	if err != nil {
		t.Fatalf("Chat failed after retries: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("Unexpected content: %s", resp.Message.Content)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestClientHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("Expected /models, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(WithModel(""), WithEmbedModel(""))
	if !errors.Is(err, ErrNoModel) {
		t.Errorf("Expected ErrNoModel, got %v", err)
	}
}

func TestEmbedWithoutModel(t *testing.T) {
	client, err := NewClient(WithModel("gpt-4"), WithEmbedModel(""))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"x"}}); !errors.Is(err, ErrNoEmbedModel) {
		t.Errorf("Expected ErrNoEmbedModel, got %v", err)
	}
}

func TestAPIErrorNamesEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad input"))
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	_, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"x"}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.Endpoint != "/embeddings" || apiErr.Message != "bad input" {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if apiErr.IsRetryable() {
		t.Error("400 should not be retryable")
	}
}

func TestStub(t *testing.T) {
	s := &Stub{Summary: "Likes jazz."}
	resp, err := s.Chat(context.Background(), &ChatRequest{})
	if err != nil || resp.Message.Content != "Likes jazz." || resp.Message.Role != RoleAssistant {
		t.Errorf("Chat() = %+v, %v", resp, err)
	}
	emb, err := s.Embed(context.Background(), &EmbedRequest{Input: []string{"a", "b"}})
	if err != nil || len(emb.Embeddings) != 2 {
		t.Errorf("Embed() = %+v, %v", emb, err)
	}

	want := errors.New("boom")
	failing := &Stub{Err: want}
	if _, err := failing.Chat(context.Background(), &ChatRequest{}); !errors.Is(err, want) {
		t.Errorf("Chat error = %v", err)
	}
	if _, err := failing.Embed(context.Background(), &EmbedRequest{}); !errors.Is(err, want) {
		t.Errorf("Embed error = %v", err)
	}
	if failing.Chats() != 1 || failing.Embeds() != 1 {
		t.Errorf("calls = %d chats, %d embeds", failing.Chats(), failing.Embeds())
	}
}
