// Package session runs the relay loop of one voice connection: it registers
// the session, opens an upstream bridge configured with the user's context,
// then shuttles frames between browser and upstream until either side goes
// away, and finally checkpoints the user's memory.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/voicebridge/pkg/assembler"
	"github.com/teslashibe/voicebridge/pkg/memory"
	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/registry"
	"github.com/teslashibe/voicebridge/pkg/strategy"
	"github.com/teslashibe/voicebridge/pkg/voicecmd"
)

// DefaultCleanupTimeout bounds the disconnect summarization.
const DefaultCleanupTimeout = 30 * time.Second

// Errors ending a session.
var (
	ErrUpstreamClosed = errors.New("session: upstream closed")
	ErrUpstreamSend   = errors.New("session: upstream send failed")
	ErrBrowserGone    = errors.New("session: browser connection lost")
)

// Browser is the voice client's websocket.
type Browser interface {
	Receive() ([]byte, error)
	Send(data []byte) error
}

// Upstream is the realtime bridge as the loop uses it.
type Upstream interface {
	Connect(ctx context.Context) error
	SendMessage(raw []byte) bool
	Messages() <-chan []byte
	Done() <-chan struct{}
	Connected() bool
	Close() error
}

// Dialer builds an unconnected Upstream for one session.
type Dialer func(userID, instructions, toolChoice string) (Upstream, error)

// Registrar is the registry surface the loop uses.
type Registrar interface {
	AddVoiceSession(v *registry.VoiceSession) error
	RemoveVoiceSession(id string) bool
	SetStrategy(id string, s strategy.Strategy)
}

// Commands intercepts typed summary requests.
type Commands interface {
	Handle(ctx context.Context, text, userID string, emit voicecmd.Emit) bool
}

// Summarizer checkpoints memory on disconnect.
type Summarizer interface {
	ForceSummarize(ctx context.Context, userID, reason string) (bool, error)
}

// Config holds per-handler settings.
type Config struct {
	// SystemPrompt is the base prompt template; ToneStyle fills it.
	SystemPrompt string
	ToneStyle    string

	// Model is recorded with the session prompt.
	Model string

	// DefaultStrategy applies when a client connects without one.
	DefaultStrategy strategy.Strategy

	CleanupTimeout time.Duration

	Logger *slog.Logger
}

// Deps are the collaborators shared by all sessions. Registry, Assembler and
// Dial are required.
type Deps struct {
	Registry  Registrar
	Assembler *assembler.Assembler
	Dial      Dialer
	Memory    Summarizer
	Prompts   memory.PromptRecorder
	Commands  Commands
}

// Params are the query parameters of a voice connection.
type Params struct {
	UserID   string
	Strategy string
}

// Handler runs voice sessions.
type Handler struct {
	cfg    Config
	deps   Deps
	stats  *Stats
	logger *slog.Logger
}

// NewHandler returns a Handler.
func NewHandler(cfg Config, deps Deps) (*Handler, error) {
	if deps.Registry == nil || deps.Assembler == nil || deps.Dial == nil {
		return nil, errors.New("session: registry, assembler and dialer are required")
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = strategy.Default
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:    cfg,
		deps:   deps,
		stats:  &Stats{},
		logger: logger.With("component", "session"),
	}, nil
}

// DefaultStrategy returns the strategy used when a client names none.
func (h *Handler) DefaultStrategy() strategy.Strategy {
	return h.cfg.DefaultStrategy
}

// Stats returns the handler's counters.
func (h *Handler) Stats() *Stats {
	return h.stats
}

// Serve runs one session to completion. The caller closes conn afterwards.
func (h *Handler) Serve(ctx context.Context, conn Browser, p Params) error {
	return h.NewLoop(conn, p).Run(ctx)
}

// Loop is one voice session.
type Loop struct {
	h      *Handler
	conn   Browser
	params Params
	logger *slog.Logger

	state atomic.Int32

	controller *strategy.Controller
	injector   *assembler.Injector
	entry      *registry.VoiceSession
	registered bool
	bridge     Upstream
	pumpDone   chan struct{}
}

// NewLoop returns a loop in StateConnecting.
func (h *Handler) NewLoop(conn Browser, p Params) *Loop {
	if p.Strategy == "" {
		p.Strategy = string(h.cfg.DefaultStrategy)
	}
	return &Loop{
		h:      h,
		conn:   conn,
		params: p,
		logger: h.logger.With("user", p.UserID),
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	l.logger.Debug("session state", "from", prev, "to", s)
}

// Run drives the session through its states and returns why it ended. A
// browser disconnect is a normal end and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.h.stats.sessionsTotal.Add(1)
	l.h.stats.sessionsActive.Add(1)
	defer l.h.stats.sessionsActive.Add(-1)
	defer l.cleanup()

	if err := l.connect(ctx); err != nil {
		l.h.stats.connectFailures.Add(1)
		l.logger.Error("session setup failed", "error", err)
		l.send(protocol.NewError(l.errorText(err)))
		return err
	}

	l.setState(StateReady)
	if err := l.conn.Send(protocol.NewSessionCreated(string(l.controller.Current()))); err != nil {
		return fmt.Errorf("%w: %v", ErrBrowserGone, err)
	}

	l.setState(StateRelaying)
	return l.relay(ctx)
}

func (l *Loop) connect(ctx context.Context) error {
	h := l.h
	userID := l.params.UserID

	s, err := strategy.Parse(l.params.Strategy)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	l.controller = strategy.NewController(userID, s, l.logger)
	l.injector = h.deps.Assembler.NewInjector()
	l.entry = registry.NewVoiceSession(userID, s, l.conn)
	if err := h.deps.Registry.AddVoiceSession(l.entry); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	l.registered = true
	l.logger = l.logger.With("session", l.entry.ID)

	bundle, err := h.deps.Assembler.SessionContext(ctx, userID)
	if err != nil {
		l.logger.Warn("session context incomplete", "error", err)
	}
	base := assembler.SystemPrompt(h.cfg.SystemPrompt, h.cfg.ToneStyle)
	instructions := assembler.Instructions(base, s, bundle)
	l.recordPrompt(ctx, base, instructions, bundle, s)

	bridge, err := h.deps.Dial(userID, instructions, strategy.ToolChoice(s))
	if err != nil {
		return fmt.Errorf("upstream setup: %w", err)
	}
	l.bridge = bridge
	if err := bridge.Connect(ctx); err != nil {
		return fmt.Errorf("upstream connect: %w", err)
	}
	l.controller.Attach(bridge)

	l.logger.Info("voice session connected", "strategy", s, "instructions_chars", len(instructions))
	return nil
}

// errorText is the browser-facing text of a setup failure.
func (l *Loop) errorText(err error) string {
	if errors.Is(err, strategy.ErrInvalidStrategy) {
		return fmt.Sprintf("Invalid strategy: %s", l.params.Strategy)
	}
	return err.Error()
}

func (l *Loop) recordPrompt(ctx context.Context, base, final string, b assembler.Bundle, s strategy.Strategy) {
	if l.params.UserID == "" || l.h.deps.Prompts == nil {
		return
	}
	rec := memory.PromptRecord{
		UserID:            l.params.UserID,
		SystemPrompt:      base,
		PersistentSummary: b.PersistentSummary,
		SessionContext:    b.Context(),
		FinalPrompt:       final,
		PromptLength:      len(final),
		EstimatedTokens:   len(final) / 4,
		Strategy:          string(s),
		Model:             l.h.cfg.Model,
	}
	if err := l.h.deps.Prompts.RecordPrompt(ctx, rec); err != nil {
		l.logger.Warn("failed to record session prompt", "error", err)
	}
}

func (l *Loop) relay(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			data, err := l.conn.Receive()
			if err != nil {
				l.logger.Debug("browser read ended", "error", err)
				return
			}
			select {
			case frames <- data:
			case <-stop:
				return
			}
		}
	}()

	l.pumpDone = make(chan struct{})
	go l.pump()

	for {
		select {
		case data, ok := <-frames:
			if !ok {
				l.logger.Info("browser disconnected")
				return nil
			}
			if !l.handleBrowser(ctx, data) {
				return ErrUpstreamSend
			}

		case s := <-l.entry.Control:
			if s == l.controller.Current() {
				l.logger.Debug("broadcast strategy already active", "strategy", s)
				continue
			}
			l.logger.Info("applying broadcast strategy", "strategy", s)
			if _, err := l.controller.Update(string(s)); err == nil {
				l.h.stats.strategyChanges.Add(1)
			}

		case <-l.bridge.Done():
			l.logger.Info("upstream connection ended")
			return ErrUpstreamClosed

		case <-l.pumpDone:
			return ErrBrowserGone

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pump relays upstream events to the browser until the bridge queue closes
// or a browser write fails.
func (l *Loop) pump() {
	defer close(l.pumpDone)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("relay panic", "panic", r)
		}
	}()

	for msg := range l.bridge.Messages() {
		if err := l.conn.Send(msg); err != nil {
			l.logger.Warn("browser write failed", "error", err)
			return
		}
		l.h.stats.framesToBrowser.Add(1)
	}
}

// handleBrowser processes one browser frame. It returns false when a frame
// could not be delivered upstream.
func (l *Loop) handleBrowser(ctx context.Context, data []byte) bool {
	msgType, err := protocol.Peek(data)
	if err != nil {
		l.logger.Warn("malformed browser frame, forwarding", "error", err)
		return l.forward(data)
	}

	switch msgType {
	case protocol.TypeStrategyUpdate, protocol.TypeStrategyUpdateBroadcast:
		var req protocol.StrategyUpdate
		if err := protocol.Decode(data, &req); err != nil {
			l.send(protocol.NewError("Invalid strategy update"))
			return true
		}
		l.updateStrategy(req)
		return true

	case protocol.TypeItemCreate:
		return l.handleItem(ctx, data)

	default:
		return l.forward(data)
	}
}

func (l *Loop) updateStrategy(req protocol.StrategyUpdate) {
	prev := l.controller.Current()
	// A browser echoing a broadcast it was just told about must not apply
	// the change a second time.
	if req.Type == protocol.TypeStrategyUpdateBroadcast && req.Strategy == string(prev) {
		l.logger.Debug("broadcast echo for active strategy", "strategy", prev)
		from, _ := l.controller.Previous()
		l.send(protocol.NewSessionUpdated(string(prev), string(from), protocol.SourceBroadcast))
		return
	}
	if _, err := l.controller.Update(req.Strategy); err != nil {
		l.send(protocol.NewError(fmt.Sprintf("Failed to update strategy to %s", req.Strategy)))
		return
	}
	cur := l.controller.Current()
	l.h.stats.strategyChanges.Add(1)
	l.h.deps.Registry.SetStrategy(l.entry.ID, cur)

	source := req.Source
	if source == "" {
		source = protocol.SourceClient
	}
	l.send(protocol.NewSessionUpdated(string(cur), string(prev), source))
}

func (l *Loop) handleItem(ctx context.Context, data []byte) bool {
	var frame protocol.ItemCreate
	if err := protocol.Decode(data, &frame); err != nil {
		return l.forward(data)
	}

	if text, ok := frame.Item.UserText(); ok && text != "" {
		if l.params.UserID != "" && l.h.deps.Commands != nil &&
			l.h.deps.Commands.Handle(ctx, text, l.params.UserID, l.bridge.SendMessage) {
			l.h.stats.voiceCommands.Add(1)
			return true
		}

		event, injected, err := l.injector.Inject(ctx, text, l.controller.Current())
		if err != nil {
			l.logger.Warn("knowledge injection failed", "error", err)
		}
		if injected {
			l.h.stats.injections.Add(1)
			if !l.forward(event) {
				return false
			}
		}
	}

	normalized, err := protocol.NormalizeItemCreate(data)
	if err != nil {
		normalized = data
	}
	return l.forward(normalized)
}

func (l *Loop) forward(data []byte) bool {
	if !l.bridge.SendMessage(data) {
		l.logger.Warn("upstream send failed")
		return false
	}
	l.h.stats.framesToUpstream.Add(1)
	return true
}

func (l *Loop) send(data []byte) {
	if err := l.conn.Send(data); err != nil {
		l.logger.Debug("browser send failed", "error", err)
	}
}

// cleanup deregisters the session, summarizes the user's memory and closes
// the bridge, in that order.
func (l *Loop) cleanup() {
	l.setState(StateClosing)

	if l.registered {
		l.h.deps.Registry.RemoveVoiceSession(l.entry.ID)
	}

	if userID := l.params.UserID; userID != "" && l.h.deps.Memory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.h.cfg.CleanupTimeout)
		ok, err := l.h.deps.Memory.ForceSummarize(ctx, userID, memory.ReasonAutoDisconnect)
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("disconnect summarization failed", "error", err)
		case ok:
			l.logger.Info("session memory summarized on disconnect")
		}
	}

	if l.bridge != nil {
		l.bridge.Close()
		if l.pumpDone != nil {
			waitFor(l.pumpDone, 5*time.Second)
		}
	}

	l.setState(StateClosed)
	l.logger.Info("voice session closed")
}

func waitFor(ch <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}
