// Package voicecmd recognizes in-band "summarize this conversation" requests
// and checkpoints memory instead of forwarding the turn to the model.
package voicecmd

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/voicebridge/pkg/memory"
	"github.com/teslashibe/voicebridge/pkg/protocol"
)

// Default messages spoken back to the user.
const (
	DefaultConfirmation = "I've created a summary of our conversation and stored it in your persistent memory."
	DefaultApology      = "I wasn't able to create a summary right now. There might not be enough content yet."
)

// DefaultTimeout bounds the forced summarization.
const DefaultTimeout = 30 * time.Second

var triggers = []string{
	"summarize our conversation",
	"summarize what we discussed",
	"give me a summary",
	"summarize this conversation",
	"create a summary",
	"can you summarize",
	"summarize what we talked about",
	"sum up our chat",
	"recap our conversation",
	"make a summary",
	"provide a summary",
	"conversation summary",
	"recap what we discussed",
	"sum up what we said",
	"give me a recap",
}

// keywords is the loose second tier. It also matches text like
// "this is not a summary request"; callers rely on that behavior.
var keywords = []string{"summary", "summarize", "recap", "sum up"}

// Detect reports whether text asks for a conversation summary.
func Detect(text string) bool {
	_, ok := match(text)
	return ok
}

func match(text string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return "", false
	}
	for _, t := range triggers {
		if strings.Contains(lower, t) {
			return t, true
		}
	}
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}

// Summarizer is the part of the memory store the interceptor drives.
type Summarizer interface {
	ForceSummarize(ctx context.Context, userID, reason string) (bool, error)
}

// Emit sends one pre-serialized event upstream. It reports whether the
// event was written.
type Emit func(event []byte) bool

// Config holds interceptor settings.
type Config struct {
	// Modalities, when set, is sent in a response.create after the reply so
	// the model speaks it.
	Modalities []string

	Confirmation string
	Apology      string

	// Timeout bounds ForceSummarize.
	Timeout time.Duration

	Logger *slog.Logger
}

// Interceptor short-circuits summary requests.
type Interceptor struct {
	memory Summarizer
	cfg    Config
	logger *slog.Logger
}

// New returns an Interceptor backed by store.
func New(store Summarizer, cfg Config) *Interceptor {
	if cfg.Confirmation == "" {
		cfg.Confirmation = DefaultConfirmation
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		memory: store,
		cfg:    cfg,
		logger: logger.With("component", "voicecmd.interceptor"),
	}
}

// Handle runs HandleWithReason for a typed mid-session request.
func (i *Interceptor) Handle(ctx context.Context, text, userID string, emit Emit) bool {
	return i.HandleWithReason(ctx, text, userID, memory.ReasonUserRequested, emit)
}

// HandleWithReason returns false without side effects when text is not a
// summary request. Otherwise it forces a summarization, emits the
// confirmation or apology turn, and returns true; the caller must not forward
// text to the model.
func (i *Interceptor) HandleWithReason(ctx context.Context, text, userID, reason string, emit Emit) bool {
	trigger, ok := match(text)
	if !ok {
		return false
	}
	i.logger.Info("voice command detected", "user", userID, "trigger", trigger, "reason", reason)

	sctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	success, err := i.memory.ForceSummarize(sctx, userID, reason)
	if err != nil {
		i.logger.Warn("forced summarization failed", "user", userID, "error", err)
		success = false
	}

	msg := i.cfg.Apology
	if success {
		msg = i.cfg.Confirmation
	}

	if !emit(protocol.SystemMessage(msg)) {
		i.logger.Warn("could not deliver voice command reply", "user", userID)
	}
	if len(i.cfg.Modalities) > 0 {
		emit(protocol.ResponseCreate(i.cfg.Modalities))
	}
	return true
}
