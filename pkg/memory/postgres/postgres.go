// Package postgres is a memory.Repository backed by PostgreSQL.
//
// Schema lives in migrations/ and is applied with goose (see Migrate).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teslashibe/voicebridge/pkg/memory"
)

// Repository stores session turns, summaries, summarization events and
// session prompts in Postgres.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	closed atomic.Bool
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return New(pool, logger), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		pool:   pool,
		logger: logger.With("component", "memory.postgres"),
	}
}

const (
	insertInteraction = `INSERT INTO session_memory (uuid, role, message, created_at) VALUES ($1, $2, $3, $4)`

	selectInteractions = `SELECT role, message, created_at FROM session_memory WHERE uuid = $1 ORDER BY id ASC`

	// octet_length matches Go's len for the budget arithmetic.
	selectSessionSize = `SELECT COALESCE(SUM(octet_length(role) + octet_length(message) + 4), 0) FROM session_memory WHERE uuid = $1`

	deleteSession = `DELETE FROM session_memory WHERE uuid = $1`

	selectSummary = `SELECT summary FROM persistent_memory WHERE uuid = $1`

	upsertSummary = `
INSERT INTO persistent_memory (uuid, summary, updated_at) VALUES ($1, $2, now())
ON CONFLICT (uuid) DO UPDATE SET
    summary = CASE
        WHEN persistent_memory.summary = '' THEN EXCLUDED.summary
        ELSE persistent_memory.summary || E'\n' || EXCLUDED.summary
    END,
    updated_at = now()`

	insertEvent = `
INSERT INTO summarization_events (uuid, trigger_reason, chars_before, chars_after, summary, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	insertPrompt = `
INSERT INTO session_prompts (uuid, system_prompt, persistent_summary, session_context, final_prompt,
    prompt_length, estimated_tokens, strategy, model, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
)

// AddInteraction appends one turn.
func (r *Repository) AddInteraction(ctx context.Context, userID string, in memory.Interaction) error {
	if r.closed.Load() {
		return memory.ErrClosed
	}
	_, err := r.pool.Exec(ctx, insertInteraction, userID, in.Role, in.Message, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert interaction: %w", err)
	}
	return nil
}

// Interactions returns the session oldest first.
func (r *Repository) Interactions(ctx context.Context, userID string) ([]memory.Interaction, error) {
	if r.closed.Load() {
		return nil, memory.ErrClosed
	}
	rows, err := r.pool.Query(ctx, selectInteractions, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query interactions: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Interaction, error) {
		var in memory.Interaction
		err := row.Scan(&in.Role, &in.Message, &in.CreatedAt)
		return in, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan interactions: %w", err)
	}
	return turns, nil
}

// SessionSize returns the budget cost of the session.
func (r *Repository) SessionSize(ctx context.Context, userID string) (int, error) {
	if r.closed.Load() {
		return 0, memory.ErrClosed
	}
	var size int64
	if err := r.pool.QueryRow(ctx, selectSessionSize, userID).Scan(&size); err != nil {
		return 0, fmt.Errorf("postgres: session size: %w", err)
	}
	return int(size), nil
}

// ClearSession deletes every turn for userID.
func (r *Repository) ClearSession(ctx context.Context, userID string) error {
	if r.closed.Load() {
		return memory.ErrClosed
	}
	tag, err := r.pool.Exec(ctx, deleteSession, userID)
	if err != nil {
		return fmt.Errorf("postgres: clear session: %w", err)
	}
	r.logger.Debug("session cleared", "user", userID, "rows", tag.RowsAffected())
	return nil
}

// Summary returns the persistent summary, or "" when the user has none.
func (r *Repository) Summary(ctx context.Context, userID string) (string, error) {
	if r.closed.Load() {
		return "", memory.ErrClosed
	}
	var summary string
	err := r.pool.QueryRow(ctx, selectSummary, userID).Scan(&summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get summary: %w", err)
	}
	return summary, nil
}

// AppendSummary adds text to the summary on a new line.
func (r *Repository) AppendSummary(ctx context.Context, userID, text string) error {
	if r.closed.Load() {
		return memory.ErrClosed
	}
	if _, err := r.pool.Exec(ctx, upsertSummary, userID, text); err != nil {
		return fmt.Errorf("postgres: append summary: %w", err)
	}
	return nil
}

// RecordEvent stores a summarization event.
func (r *Repository) RecordEvent(ctx context.Context, ev memory.Event) error {
	if r.closed.Load() {
		return memory.ErrClosed
	}
	_, err := r.pool.Exec(ctx, insertEvent,
		ev.UserID, ev.Reason, ev.CharsBefore, ev.CharsAfter, ev.Summary, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: record event: %w", err)
	}
	return nil
}

// RecordPrompt stores the instructions a session started with.
func (r *Repository) RecordPrompt(ctx context.Context, rec memory.PromptRecord) error {
	if r.closed.Load() {
		return memory.ErrClosed
	}
	_, err := r.pool.Exec(ctx, insertPrompt,
		rec.UserID, rec.SystemPrompt, rec.PersistentSummary, rec.SessionContext, rec.FinalPrompt,
		rec.PromptLength, rec.EstimatedTokens, rec.Strategy, rec.Model, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: record prompt: %w", err)
	}
	return nil
}

// Close releases the pool. Safe to call twice.
func (r *Repository) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.pool.Close()
	return nil
}

var _ memory.Repository = (*Repository)(nil)
