// Package memory keeps per-user conversation memory.
//
// Memory is organized into two tiers:
//   - Session memory: the raw (role, message) turns of recent conversations.
//   - Persistent memory: one running summary per user.
//
// Session memory is folded into the persistent summary whenever its aggregate
// size approaches the configured character budget, or on demand through
// ForceSummarize.
package memory

import (
	"context"
	"errors"
	"time"
)

// Roles used for logged interactions.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Summarization trigger reasons.
const (
	ReasonAutoLimit      = "auto_limit"
	ReasonAutoDisconnect = "auto_disconnect"
	ReasonUserRequested  = "user_requested_mid_session"
	ReasonVoiceAudio     = "user_requested_voice_audio"
	ReasonText           = "user_requested_text"
)

// Sentinel errors.
var (
	// ErrEmptyUser is returned when an operation needs a user identifier.
	ErrEmptyUser = errors.New("memory: user id is required")

	// ErrNoSummary is returned when the summarizer produced nothing.
	ErrNoSummary = errors.New("memory: summarizer returned an empty summary")

	// ErrClosed is returned after the repository has been closed.
	ErrClosed = errors.New("memory: store closed")
)

// Interaction is one logged conversation turn.
type Interaction struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Size is the character cost of an interaction against the session budget.
func (i Interaction) Size() int {
	return len(i.Role) + len(i.Message) + 4
}

// Store is the surface the orchestrator consumes.
type Store interface {
	// AppendSummary appends text to the user's persistent summary.
	AppendSummary(ctx context.Context, userID, text string) error

	// GetSummary returns the persistent summary, or "" when none exists.
	GetSummary(ctx context.Context, userID string) (string, error)

	// LogInteraction records a turn and may fold session memory into the
	// summary when the budget is nearly exhausted.
	LogInteraction(ctx context.Context, userID, role, message string) error

	// RecentInteractions returns up to limit turns, oldest first.
	// A limit <= 0 returns the whole session.
	RecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error)

	// ForceSummarize folds session memory into the summary now. It reports
	// true only when the session was summarized and cleared.
	ForceSummarize(ctx context.Context, userID, reason string) (bool, error)
}

// Event records a summarization for later inspection.
type Event struct {
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	CharsBefore int       `json:"chars_before"`
	CharsAfter  int       `json:"chars_after"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

// PromptRecord captures the instructions a session was opened with.
type PromptRecord struct {
	UserID            string    `json:"user_id"`
	SystemPrompt      string    `json:"system_prompt"`
	PersistentSummary string    `json:"persistent_summary"`
	SessionContext    string    `json:"session_context"`
	FinalPrompt       string    `json:"final_prompt"`
	PromptLength      int       `json:"prompt_length"`
	EstimatedTokens   int       `json:"estimated_tokens"`
	Strategy          string    `json:"strategy"`
	Model             string    `json:"model"`
	CreatedAt         time.Time `json:"created_at"`
}

// PromptRecorder stores the prompt a session was configured with.
type PromptRecorder interface {
	RecordPrompt(ctx context.Context, rec PromptRecord) error
}

// Repository is the persistence backend behind Manager.
// Implementations: Local (in-process, optional JSON snapshot) and
// postgres.Repository.
type Repository interface {
	AddInteraction(ctx context.Context, userID string, in Interaction) error
	Interactions(ctx context.Context, userID string) ([]Interaction, error)
	SessionSize(ctx context.Context, userID string) (int, error)
	ClearSession(ctx context.Context, userID string) error

	Summary(ctx context.Context, userID string) (string, error)
	AppendSummary(ctx context.Context, userID, text string) error

	RecordEvent(ctx context.Context, ev Event) error
	RecordPrompt(ctx context.Context, rec PromptRecord) error

	Close() error
}

// Summarizer condenses a formatted conversation into a summary.
type Summarizer interface {
	Summarize(ctx context.Context, conversation string) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, conversation string) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, conversation string) (string, error) {
	return f(ctx, conversation)
}
