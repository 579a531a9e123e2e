package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

const maxLocalEvents = 500

// Local is an in-process Repository. With a SnapshotStore it survives
// restarts; without one it is purely in memory.
type Local struct {
	mu       sync.RWMutex
	sessions map[string][]Interaction
	summary  map[string]string
	events   []Event
	prompts  []PromptRecord

	snapshot SnapshotStore
	closed   bool
}

type localState struct {
	Sessions map[string][]Interaction `json:"sessions"`
	Summary  map[string]string        `json:"summary"`
}

// NewLocal creates an in-memory repository.
func NewLocal() *Local {
	return &Local{
		sessions: make(map[string][]Interaction),
		summary:  make(map[string]string),
	}
}

// NewLocalWithSnapshot creates a repository that loads from and saves to s.
func NewLocalWithSnapshot(s SnapshotStore) (*Local, error) {
	l := NewLocal()
	l.snapshot = s

	data, err := s.Load()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return l, nil
	}

	var st localState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("memory: decode snapshot: %w", err)
	}
	if st.Sessions != nil {
		l.sessions = st.Sessions
	}
	if st.Summary != nil {
		l.summary = st.Summary
	}
	return l, nil
}

// AddInteraction appends a turn to the user's session.
func (l *Local) AddInteraction(_ context.Context, userID string, in Interaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.sessions[userID] = append(l.sessions[userID], in)
	return l.saveLocked()
}

// Interactions returns the user's session, oldest first.
func (l *Local) Interactions(_ context.Context, userID string) ([]Interaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.sessions[userID]
	out := make([]Interaction, len(src))
	copy(out, src)
	return out, nil
}

// SessionSize returns the character cost of the user's session.
func (l *Local) SessionSize(_ context.Context, userID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, in := range l.sessions[userID] {
		total += in.Size()
	}
	return total, nil
}

// ClearSession drops the user's session turns.
func (l *Local) ClearSession(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	delete(l.sessions, userID)
	return l.saveLocked()
}

// Summary returns the user's persistent summary.
func (l *Local) Summary(_ context.Context, userID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.summary[userID], nil
}

// AppendSummary appends text on a new line.
func (l *Local) AppendSummary(_ context.Context, userID, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if cur := l.summary[userID]; cur != "" {
		l.summary[userID] = cur + "\n" + text
	} else {
		l.summary[userID] = text
	}
	return l.saveLocked()
}

// RecordEvent keeps the most recent summarization events.
func (l *Local) RecordEvent(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > maxLocalEvents {
		l.events = l.events[len(l.events)-maxLocalEvents:]
	}
	return nil
}

// Events returns recorded summarization events, oldest first.
func (l *Local) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// RecordPrompt keeps the most recent session prompts.
func (l *Local) RecordPrompt(_ context.Context, rec PromptRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, rec)
	if len(l.prompts) > maxLocalEvents {
		l.prompts = l.prompts[len(l.prompts)-maxLocalEvents:]
	}
	return nil
}

// Prompts returns recorded session prompts, oldest first.
func (l *Local) Prompts() []PromptRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PromptRecord, len(l.prompts))
	copy(out, l.prompts)
	return out
}

// Close flushes the snapshot and rejects further writes.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	err := l.saveLocked()
	l.closed = true
	if l.snapshot != nil {
		if cerr := l.snapshot.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// saveLocked writes the snapshot. Caller must hold l.mu.
func (l *Local) saveLocked() error {
	if l.snapshot == nil {
		return nil
	}
	data, err := json.MarshalIndent(localState{Sessions: l.sessions, Summary: l.summary}, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode snapshot: %w", err)
	}
	return l.snapshot.Save(data)
}

// String is used in logs.
func (l *Local) String() string {
	var b strings.Builder
	b.WriteString("memory.Local")
	if f, ok := l.snapshot.(*JSONFile); ok && f.FilePath != "" {
		b.WriteString("(" + f.FilePath + ")")
	}
	return b.String()
}

var _ Repository = (*Local)(nil)
