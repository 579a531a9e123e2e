// Package assembler builds the user context a voice session is opened with
// and the knowledge excerpts injected ahead of each user turn.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teslashibe/voicebridge/pkg/knowledge"
	"github.com/teslashibe/voicebridge/pkg/memory"
	"github.com/teslashibe/voicebridge/pkg/strategy"
)

// Defaults.
const (
	DefaultCharLimit   = memory.DefaultCharLimit
	DefaultResultCount = 5
)

// ToneStylePlaceholder is replaced in the base prompt template.
const ToneStylePlaceholder = "{tone_style}"

// MemoryReader is the read side of the memory store.
type MemoryReader interface {
	GetSummary(ctx context.Context, userID string) (string, error)
	RecentInteractions(ctx context.Context, userID string, limit int) ([]memory.Interaction, error)
}

// Bundle is the context assembled for one connection or one turn.
type Bundle struct {
	ToneNotes         []string
	PersistentSummary string
	RecentTurns       []string
	KnowledgeExcerpts []string
}

// Parts returns the labelled sections that follow "Context about this user".
func (b Bundle) Parts() []string {
	var parts []string
	if b.PersistentSummary != "" {
		parts = append(parts, "User Background:\n"+b.PersistentSummary)
	}
	if len(b.ToneNotes) > 0 {
		parts = append(parts, "Tone Guidance:\n"+strings.Join(b.ToneNotes, "\n"))
	}
	if len(b.RecentTurns) > 0 {
		parts = append(parts, "Recent Conversation:\n"+strings.Join(b.RecentTurns, "\n"))
	}
	return parts
}

// Context joins Parts with newlines.
func (b Bundle) Context() string {
	return strings.Join(b.Parts(), "\n")
}

// Config holds assembler settings.
type Config struct {
	// CharLimit bounds the recent-conversation section.
	CharLimit int

	// ResultCount is the number of excerpts retrieved per turn.
	ResultCount int

	ToneStyle string
	ToneNotes int

	Logger *slog.Logger
}

// Assembler gathers memory, tone and knowledge for sessions.
type Assembler struct {
	memory    MemoryReader
	retriever knowledge.Retriever
	tone      knowledge.ToneSource
	cfg       Config
	logger    *slog.Logger
}

// New returns an Assembler. retriever and tone may be nil.
func New(mem MemoryReader, retriever knowledge.Retriever, tone knowledge.ToneSource, cfg Config) *Assembler {
	if cfg.CharLimit <= 0 {
		cfg.CharLimit = DefaultCharLimit
	}
	cfg.ResultCount = knowledge.ClampK(cfg.ResultCount, DefaultResultCount)
	if cfg.ToneNotes <= 0 {
		cfg.ToneNotes = knowledge.DefaultToneNotes
	}
	if retriever == nil {
		retriever = knowledge.Empty{}
	}
	if tone == nil {
		tone = knowledge.Empty{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		memory:    mem,
		retriever: retriever,
		tone:      tone,
		cfg:       cfg,
		logger:    logger.With("component", "assembler"),
	}
}

// ResultCount returns the per-turn excerpt count.
func (a *Assembler) ResultCount() int {
	return a.cfg.ResultCount
}

// Retriever exposes the knowledge retriever for tool calls.
func (a *Assembler) Retriever() knowledge.Retriever {
	return a.retriever
}

// SessionContext assembles the connection-time bundle for userID: the
// persistent summary, tone notes, and as many of the most recent turns as
// fit the character budget. Anonymous users get an empty bundle.
//
// Each source is best effort. The returned bundle is always usable; err
// joins whatever failed.
func (a *Assembler) SessionContext(ctx context.Context, userID string) (Bundle, error) {
	var b Bundle
	if userID == "" {
		return b, nil
	}

	var errs []error

	summary, err := a.memory.GetSummary(ctx, userID)
	if err != nil {
		errs = append(errs, fmt.Errorf("assembler: summary: %w", err))
	}
	b.PersistentSummary = strings.TrimSpace(summary)

	turns, err := a.memory.RecentInteractions(ctx, userID, 0)
	if err != nil {
		errs = append(errs, fmt.Errorf("assembler: recent turns: %w", err))
	}
	b.RecentTurns = FitTurns(turns, a.cfg.CharLimit)

	if a.cfg.ToneStyle != "" {
		notes, err := a.tone.Notes(ctx, a.cfg.ToneStyle, toneQuery(turns), a.cfg.ToneNotes)
		if err != nil {
			errs = append(errs, fmt.Errorf("assembler: tone notes: %w", err))
		}
		b.ToneNotes = notes
	}

	a.logger.Debug("session context assembled",
		"user", userID,
		"summary_chars", len(b.PersistentSummary),
		"turns", len(b.RecentTurns),
		"tone_notes", len(b.ToneNotes))

	return b, errors.Join(errs...)
}

// toneQuery ranks tone notes against the last user turn, if any.
func toneQuery(turns []memory.Interaction) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == memory.RoleUser {
			return turns[i].Message
		}
	}
	return ""
}

// FitTurns walks turns newest to oldest, keeping each formatted turn while
// the running total stays within limit, and stops at the first turn that
// does not fit. The result is oldest first.
func FitTurns(turns []memory.Interaction, limit int) []string {
	var (
		kept  []string
		total int
	)
	for i := len(turns) - 1; i >= 0; i-- {
		line := memory.FormatTurn(turns[i])
		if total+len(line) > limit {
			break
		}
		kept = append(kept, line)
		total += len(line)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// SystemPrompt fills the tone style into a base prompt template.
func SystemPrompt(template, toneStyle string) string {
	return strings.ReplaceAll(template, ToneStylePlaceholder, toneStyle)
}

// Instructions returns base with the strategy guidance and, when b carries
// any context, the user context appended.
func Instructions(base string, s strategy.Strategy, b Bundle) string {
	out := strategy.EnhanceInstructions(base, s)
	if parts := b.Parts(); len(parts) > 0 {
		out += "\n\nContext about this user:\n\n" + strings.Join(parts, "\n")
	}
	return out
}
