package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teslashibe/voicebridge/pkg/knowledge"
)

// Tool names exposed to the model.
const (
	ToolSearchKnowledge  = "search_knowledge_base"
	ToolUpdateUserMemory = "update_user_memory"
)

// Tool is a function declaration sent in session.update.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Declarations returns the tools every session is configured with.
func Declarations() []Tool {
	return []Tool{
		{
			Type:        "function",
			Name:        ToolSearchKnowledge,
			Description: "Search the knowledge base for specific information about products, services, features, or company details",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query to find relevant information",
					},
					"k": map[string]any{
						"type":        "integer",
						"description": "Number of top results to return from the knowledge base",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Type:        "function",
			Name:        ToolUpdateUserMemory,
			Description: "Store important information about the user for future conversations",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"information": map[string]any{
						"type":        "string",
						"description": "Important information to remember about the user (name, goals, preferences, etc.)",
					},
				},
				"required": []string{"information"},
			},
		},
	}
}

// SummaryAppender is the memory surface update_user_memory writes to.
type SummaryAppender interface {
	AppendSummary(ctx context.Context, userID, text string) error
}

// Toolbox executes tool calls for one user.
type Toolbox struct {
	retriever   knowledge.Retriever
	memory      SummaryAppender
	userID      string
	resultCount int
	logger      *slog.Logger
}

// NewToolbox returns a Toolbox. A nil retriever searches nothing; a nil
// memory rejects update_user_memory.
func NewToolbox(retriever knowledge.Retriever, memory SummaryAppender, userID string, resultCount int, logger *slog.Logger) *Toolbox {
	if retriever == nil {
		retriever = knowledge.Empty{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolbox{
		retriever:   retriever,
		memory:      memory,
		userID:      userID,
		resultCount: resultCount,
		logger:      logger.With("component", "realtime.tools"),
	}
}

type searchArgs struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type searchResult struct {
	Results      []knowledge.Document `json:"results"`
	Query        string               `json:"query"`
	TotalResults int                  `json:"total_results"`
}

type memoryArgs struct {
	Information string `json:"information"`
}

// Execute runs the named tool with its JSON-encoded arguments and returns the
// JSON output for function_call_output. Failures are reported in the output
// as {"error": ...}; Execute never fails itself.
func (t *Toolbox) Execute(ctx context.Context, name, arguments string) string {
	t.logger.Info("tool called", "tool", name, "user", t.userID)

	switch name {
	case ToolSearchKnowledge:
		var args searchArgs
		if err := decodeArgs(arguments, &args); err != nil {
			return toolError(err.Error())
		}
		return t.search(ctx, args)

	case ToolUpdateUserMemory:
		var args memoryArgs
		if err := decodeArgs(arguments, &args); err != nil {
			return toolError(err.Error())
		}
		return t.remember(ctx, args)

	default:
		t.logger.Warn("unknown tool", "tool", name)
		return toolError("Unknown function: " + name)
	}
}

func (t *Toolbox) search(ctx context.Context, args searchArgs) string {
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return toolError("query is required")
	}

	docs, err := t.retriever.Retrieve(ctx, query, knowledge.ClampK(args.K, t.resultCount))
	if err != nil {
		t.logger.Warn("knowledge search failed", "error", err)
		return toolError(fmt.Sprintf("search failed: %v", err))
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}

	return encodeOutput(searchResult{
		Results:      docs,
		Query:        query,
		TotalResults: len(docs),
	})
}

func (t *Toolbox) remember(ctx context.Context, args memoryArgs) string {
	info := strings.TrimSpace(args.Information)
	if info == "" {
		return toolError("information is required")
	}
	if t.userID == "" || t.memory == nil {
		return toolError("no user context for memory update")
	}
	if err := t.memory.AppendSummary(ctx, t.userID, info); err != nil {
		t.logger.Warn("memory update failed", "user", t.userID, "error", err)
		return toolError(fmt.Sprintf("memory update failed: %v", err))
	}
	return encodeOutput(map[string]bool{"success": true})
}

func decodeArgs(arguments string, v any) error {
	if strings.TrimSpace(arguments) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(arguments), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func toolError(msg string) string {
	return encodeOutput(map[string]string{"error": msg})
}

func encodeOutput(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"encode failed"}`
	}
	return string(data)
}
