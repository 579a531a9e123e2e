package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebridge/internal/log"
	"github.com/teslashibe/voicebridge/pkg/inference"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type countingSummarizer struct {
	calls   atomic.Int32
	summary string
	err     error
	last    string
}

func (s *countingSummarizer) Summarize(_ context.Context, conversation string) (string, error) {
	s.calls.Add(1)
	s.last = conversation
	return s.summary, s.err
}

func newTestManager(t *testing.T, limit int, s Summarizer) (*Manager, *Local) {
	t.Helper()
	repo := NewLocal()
	m := NewManager(repo, s,
		WithCharLimit(limit),
		WithLogger(log.Discard()),
		WithClock(func() time.Time { return fixedNow }),
	)
	return m, repo
}

func TestInteractionSize(t *testing.T) {
	in := Interaction{Role: "user", Message: "hello"}
	assert.Equal(t, 4+5+4, in.Size())
}

func TestLogInteractionAutoSummarizes(t *testing.T) {
	ctx := context.Background()
	s := &countingSummarizer{summary: "User likes tea."}
	m, repo := newTestManager(t, 200, s)

	msg := strings.Repeat("x", 50) // 58 chars per turn with role "user"
	for i := 0; i < 3; i++ {
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, msg))
	}
	assert.Equal(t, int32(0), s.calls.Load(), "174 chars is under 90% of 200")

	require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, msg))
	assert.Equal(t, int32(1), s.calls.Load())

	size, err := repo.SessionSize(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, size, "session should be cleared after summarization")

	summary, err := m.GetSummary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "[2026-01-02 03:04] User likes tea.", summary)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ReasonAutoLimit, events[0].Reason)
	assert.Greater(t, events[0].CharsBefore, 0)
}

func TestLogInteractionSkipsBlankMessages(t *testing.T) {
	ctx := context.Background()
	m, repo := newTestManager(t, 1000, &countingSummarizer{})

	require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, "   "))
	turns, err := repo.Interactions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, turns)

	assert.ErrorIs(t, m.LogInteraction(ctx, "", RoleUser, "hi"), ErrEmptyUser)
}

func TestForceSummarize(t *testing.T) {
	ctx := context.Background()

	t.Run("too little content", func(t *testing.T) {
		s := &countingSummarizer{summary: "short"}
		m, _ := newTestManager(t, 15000, s)
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, "hi there"))

		ok, err := m.ForceSummarize(ctx, "u1", ReasonAutoDisconnect)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, s.calls.Load())
	})

	t.Run("summarizes and clears", func(t *testing.T) {
		s := &countingSummarizer{summary: "Discussed the roadmap."}
		m, repo := newTestManager(t, 15000, s)
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, strings.Repeat("a", 80)))
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleAssistant, strings.Repeat("b", 40)))

		ok, err := m.ForceSummarize(ctx, "u1", ReasonUserRequested)
		require.NoError(t, err)
		assert.True(t, ok)

		assert.Contains(t, s.last, "User: "+strings.Repeat("a", 80))
		assert.Contains(t, s.last, "Assistant: "+strings.Repeat("b", 40))

		size, _ := repo.SessionSize(ctx, "u1")
		assert.Zero(t, size)

		summary, _ := m.GetSummary(ctx, "u1")
		assert.Equal(t, "[2026-01-02 03:04] Discussed the roadmap.", summary)
	})

	t.Run("summarizer failure keeps the session", func(t *testing.T) {
		s := &countingSummarizer{err: errors.New("upstream down")}
		m, repo := newTestManager(t, 15000, s)
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, strings.Repeat("a", 120)))

		ok, err := m.ForceSummarize(ctx, "u1", ReasonUserRequested)
		assert.Error(t, err)
		assert.False(t, ok)

		size, _ := repo.SessionSize(ctx, "u1")
		assert.Equal(t, 4+120+4, size)
	})

	t.Run("empty summary is a failure", func(t *testing.T) {
		m, _ := newTestManager(t, 15000, &countingSummarizer{summary: "  "})
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, strings.Repeat("a", 120)))

		ok, err := m.ForceSummarize(ctx, "u1", ReasonUserRequested)
		assert.ErrorIs(t, err, ErrNoSummary)
		assert.False(t, ok)
	})

	t.Run("no summarizer", func(t *testing.T) {
		m, _ := newTestManager(t, 15000, nil)
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, strings.Repeat("a", 120)))

		ok, err := m.ForceSummarize(ctx, "u1", ReasonUserRequested)
		assert.ErrorIs(t, err, ErrNoSummarizer)
		assert.False(t, ok)
	})

	t.Run("empty user", func(t *testing.T) {
		m, _ := newTestManager(t, 15000, &countingSummarizer{})
		ok, err := m.ForceSummarize(ctx, "", ReasonAutoDisconnect)
		assert.ErrorIs(t, err, ErrEmptyUser)
		assert.False(t, ok)
	})
}

func TestAppendSummaryJoinsWithNewline(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 15000, nil)

	require.NoError(t, m.AppendSummary(ctx, "u1", "Name is Ada."))
	require.NoError(t, m.AppendSummary(ctx, "u1", "Prefers email."))
	require.NoError(t, m.AppendSummary(ctx, "u1", "   "))

	got, err := m.GetSummary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Name is Ada.\nPrefers email.", got)
}

func TestRecentInteractions(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 15000, nil)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, m.LogInteraction(ctx, "u1", RoleUser, msg))
	}

	last2, err := m.RecentInteractions(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "two", last2[0].Message)
	assert.Equal(t, "three", last2[1].Message)

	all, err := m.RecentInteractions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := m.RecentInteractions(ctx, "", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFormatTurn(t *testing.T) {
	assert.Equal(t, "User: hi", FormatTurn(Interaction{Role: "user", Message: "hi"}))
	assert.Equal(t, "Assistant: hello", FormatTurn(Interaction{Role: "ASSISTANT", Message: "hello"}))
	assert.Equal(t, ": x", FormatTurn(Interaction{Message: "x"}))
}

func TestLocalSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory", "state.json")

	first, err := NewLocalWithSnapshot(NewJSONFile(path))
	require.NoError(t, err)
	require.NoError(t, first.AppendSummary(ctx, "u1", "Likes jazz."))
	require.NoError(t, first.AddInteraction(ctx, "u1", Interaction{Role: RoleUser, Message: "hello"}))
	require.NoError(t, first.Close())

	assert.ErrorIs(t, first.AppendSummary(ctx, "u1", "late"), ErrClosed)

	second, err := NewLocalWithSnapshot(NewJSONFile(path))
	require.NoError(t, err)

	summary, err := second.Summary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Likes jazz.", summary)

	turns, err := second.Interactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Message)
}

func TestLLMSummarizer(t *testing.T) {
	var got *inference.ChatRequest
	stub := &inference.Stub{ChatFunc: func(_ context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
		got = req
		return &inference.ChatResponse{Message: inference.NewAssistantMessage("  The user is Ada.  ")}, nil
	}}

	s := NewLLMSummarizer(stub, "gpt-4", "")
	out, err := s.Summarize(context.Background(), "User: I'm Ada")
	require.NoError(t, err)
	assert.Equal(t, "The user is Ada.", out)

	require.NotNil(t, got)
	assert.Equal(t, "gpt-4", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, inference.RoleSystem, got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "User: I'm Ada")
	assert.NotContains(t, got.Messages[1].Content, "{conversation_text}")
}
