package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Defaults for Manager.
const (
	DefaultCharLimit = 15000

	// Summarization kicks in at this fraction of the budget.
	autoSummarizeNum = 9
	autoSummarizeDen = 10

	// ForceSummarize ignores sessions at or below this size.
	minForceSize = 100
)

// ErrNoSummarizer is returned when summarization is requested without a Summarizer.
var ErrNoSummarizer = errors.New("memory: no summarizer configured")

// Manager implements Store on top of a Repository and a Summarizer.
type Manager struct {
	repo       Repository
	summarizer Summarizer
	limit      int
	logger     *slog.Logger
	now        func() time.Time

	locks sync.Map // user id -> *sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithCharLimit sets the session memory character budget.
func WithCharLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Store backed by repo.
func NewManager(repo Repository, summarizer Summarizer, opts ...Option) *Manager {
	m := &Manager{
		repo:       repo,
		summarizer: summarizer,
		limit:      DefaultCharLimit,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "memory.manager")
	return m
}

// CharLimit returns the configured session budget.
func (m *Manager) CharLimit() int {
	return m.limit
}

// AppendSummary appends text to the user's persistent summary.
func (m *Manager) AppendSummary(ctx context.Context, userID, text string) error {
	if userID == "" {
		return ErrEmptyUser
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return m.repo.AppendSummary(ctx, userID, text)
}

// GetSummary returns the persistent summary for userID.
func (m *Manager) GetSummary(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	return m.repo.Summary(ctx, userID)
}

// LogInteraction records a turn. When the session reaches 90% of the budget
// it is summarized into persistent memory and cleared. A failed
// summarization is logged, not returned: the turn itself was stored.
func (m *Manager) LogInteraction(ctx context.Context, userID, role, message string) error {
	if userID == "" {
		return ErrEmptyUser
	}
	if strings.TrimSpace(message) == "" {
		return nil
	}

	mu := m.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	in := Interaction{Role: role, Message: message, CreatedAt: m.now()}
	if err := m.repo.AddInteraction(ctx, userID, in); err != nil {
		return fmt.Errorf("memory: log interaction: %w", err)
	}

	size, err := m.repo.SessionSize(ctx, userID)
	if err != nil {
		return fmt.Errorf("memory: session size: %w", err)
	}

	if size*autoSummarizeDen >= m.limit*autoSummarizeNum {
		m.logger.Info("session memory near limit, summarizing",
			"user", userID, "size", size, "limit", m.limit)
		if _, err := m.summarizeLocked(ctx, userID, ReasonAutoLimit); err != nil {
			m.logger.Warn("auto summarization failed", "user", userID, "error", err)
		}
	}
	return nil
}

// RecentInteractions returns the last limit turns, oldest first.
func (m *Manager) RecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	if userID == "" {
		return nil, nil
	}
	all, err := m.repo.Interactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// ForceSummarize summarizes and clears the session regardless of the budget,
// provided there is more than a trivial amount of content. It reports true
// only when the session is empty afterwards.
func (m *Manager) ForceSummarize(ctx context.Context, userID, reason string) (bool, error) {
	if userID == "" {
		return false, ErrEmptyUser
	}

	mu := m.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	size, err := m.repo.SessionSize(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("memory: session size: %w", err)
	}
	if size <= minForceSize {
		m.logger.Info("skipping summarization, too little content",
			"user", userID, "size", size, "reason", reason)
		return false, nil
	}

	if _, err := m.summarizeLocked(ctx, userID, reason); err != nil {
		return false, err
	}

	after, err := m.repo.SessionSize(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("memory: session size: %w", err)
	}
	if after != 0 {
		m.logger.Warn("forced summarization incomplete", "user", userID, "remaining", after)
		return false, nil
	}

	m.logger.Info("forced summarization complete", "user", userID, "reason", reason, "chars", size)
	return true, nil
}

// RecordPrompt forwards to the repository.
func (m *Manager) RecordPrompt(ctx context.Context, rec PromptRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	return m.repo.RecordPrompt(ctx, rec)
}

// Close closes the repository.
func (m *Manager) Close() error {
	return m.repo.Close()
}

// summarizeLocked folds the session into the summary. Caller holds the user lock.
func (m *Manager) summarizeLocked(ctx context.Context, userID, reason string) (bool, error) {
	if m.summarizer == nil {
		return false, ErrNoSummarizer
	}

	turns, err := m.repo.Interactions(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("memory: load session: %w", err)
	}
	conversation := FormatConversation(turns)
	if strings.TrimSpace(conversation) == "" {
		return false, nil
	}

	summary, err := m.summarizer.Summarize(ctx, conversation)
	if err != nil {
		return false, fmt.Errorf("memory: summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return false, ErrNoSummary
	}

	now := m.now()
	stamped := fmt.Sprintf("[%s] %s", now.Format("2006-01-02 15:04"), summary)
	if err := m.repo.AppendSummary(ctx, userID, stamped); err != nil {
		return false, fmt.Errorf("memory: store summary: %w", err)
	}

	ev := Event{
		UserID:      userID,
		Reason:      reason,
		CharsBefore: len(conversation),
		CharsAfter:  0,
		Summary:     summary,
		CreatedAt:   now,
	}
	if err := m.repo.RecordEvent(ctx, ev); err != nil {
		m.logger.Warn("failed to record summarization event", "user", userID, "error", err)
	}

	if err := m.repo.ClearSession(ctx, userID); err != nil {
		return false, fmt.Errorf("memory: clear session: %w", err)
	}
	return true, nil
}

func (m *Manager) lock(userID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// FormatConversation renders turns as "Role: message" lines.
func FormatConversation(turns []Interaction) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, FormatTurn(t))
	}
	return strings.Join(lines, "\n")
}

// FormatTurn renders one turn with a title-cased role.
func FormatTurn(t Interaction) string {
	return TitleRole(t.Role) + ": " + t.Message
}

// TitleRole upper-cases the first letter of role.
func TitleRole(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + strings.ToLower(role[1:])
}

var (
	_ Store          = (*Manager)(nil)
	_ PromptRecorder = (*Manager)(nil)
)
