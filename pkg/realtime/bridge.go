// Package realtime bridges one voice session to the OpenAI Realtime API.
//
// A Bridge owns a single upstream websocket. Connect dials it on a
// background goroutine and configures the session; a reader goroutine then
// classifies every upstream event, writes conversation turns to memory,
// executes tool calls, and queues the events for the browser relay.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/voicebridge/pkg/knowledge"
	"github.com/teslashibe/voicebridge/pkg/memory"
	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/voicecmd"
)

// MemoryWriter is the memory surface the bridge writes to.
type MemoryWriter interface {
	LogInteraction(ctx context.Context, userID, role, message string) error
	AppendSummary(ctx context.Context, userID, text string) error
}

// CommandHandler intercepts spoken summary requests.
type CommandHandler interface {
	HandleWithReason(ctx context.Context, text, userID, reason string, emit voicecmd.Emit) bool
}

// Deps are the collaborators of a Bridge. All are optional.
type Deps struct {
	Memory    MemoryWriter
	Commands  CommandHandler
	Retriever knowledge.Retriever
}

// Bridge is one upstream realtime connection.
type Bridge struct {
	cfg      *Config
	userID   string
	memory   MemoryWriter
	commands CommandHandler
	tools    *Toolbox
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	conn atomic.Pointer[websocket.Conn]
	wsMu sync.Mutex

	connected atomic.Bool
	closed    atomic.Bool

	inbound  chan []byte
	memq     chan func(context.Context)
	done     chan struct{}
	doneOnce sync.Once

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	toolCalls        atomic.Int64
}

// New returns an unconnected Bridge for userID. An empty userID disables
// every memory write.
func New(cfg *Config, userID string, deps Deps) (*Bridge, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "realtime.bridge", "user", userID)

	queue := cfg.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}

	var appender SummaryAppender
	if deps.Memory != nil {
		appender = deps.Memory
	}

	return &Bridge{
		cfg:      cfg,
		userID:   userID,
		memory:   deps.Memory,
		commands: deps.Commands,
		tools:    NewToolbox(deps.Retriever, appender, userID, cfg.ResultCount, logger),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 2 * cfg.ConnectTimeout,
		},
		logger:  logger,
		inbound: make(chan []byte, queue),
		memq:    make(chan func(context.Context), queue),
		done:    make(chan struct{}),
	}, nil
}

// Connect opens the upstream connection and sends the session
// configuration. It waits at most ConnectTimeout for the socket to open; on
// failure the bridge is closed.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	b.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	opened := make(chan error, 1)
	go b.run(runCtx, opened)

	timer := time.NewTimer(b.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-opened:
		if err != nil {
			b.logger.Error("upstream connect failed", "error", err)
			b.Close()
			return err
		}
		b.logger.Info("connected to realtime API", "model", b.cfg.Model)
		return nil
	case <-timer.C:
		b.logger.Error("upstream connect timed out", "timeout", b.cfg.ConnectTimeout)
		b.Close()
		return ErrConnectTimeout
	case <-ctx.Done():
		b.Close()
		return ctx.Err()
	}
}

// run owns the connection for its whole life. It is the only sender on
// inbound and the only closer of inbound, memq and done.
func (b *Bridge) run(ctx context.Context, opened chan<- error) {
	defer b.markDone()
	defer close(b.inbound)

	conn, err := b.dial(ctx)
	if err != nil {
		opened <- err
		return
	}
	defer conn.Close()

	b.conn.Store(conn)
	if b.closed.Load() {
		opened <- ErrClosed
		return
	}

	conn.SetPingHandler(func(appData string) error {
		b.wsMu.Lock()
		defer b.wsMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))

	if err := b.write(websocket.TextMessage, b.sessionUpdate()); err != nil {
		opened <- NewConnectionError("session configuration failed", 0, err)
		return
	}
	b.messagesSent.Add(1)
	b.connected.Store(true)

	go b.memoryWorker()
	go b.keepAlive(ctx, conn)
	opened <- nil

	b.readLoop(ctx, conn)

	b.connected.Store(false)
	close(b.memq)
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s?model=%s", b.cfg.URL, url.QueryEscape(b.cfg.Model))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := b.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, NewConnectionError(fmt.Sprintf("dial failed with status %d", resp.StatusCode), resp.StatusCode, err)
		}
		return nil, NewConnectionError("dial failed", 0, err)
	}
	return conn, nil
}

// sessionUpdate is the one session.update sent when the socket opens.
func (b *Bridge) sessionUpdate() []byte {
	c := b.cfg
	return protocol.Encode(map[string]any{
		"type": protocol.TypeSessionUpdate,
		"session": map[string]any{
			"model":               c.Model,
			"voice":               c.Voice,
			"modalities":          c.Modalities,
			"input_audio_format":  c.AudioFormat,
			"output_audio_format": c.AudioFormat,
			"temperature":         c.Temperature,
			"instructions":        c.Instructions,
			"tool_choice":         protocol.WireToolChoice(c.ToolChoice),
			"input_audio_transcription": map[string]any{
				"model": c.TranscriptionModel,
			},
			"turn_detection": c.TurnDetection,
			"tools":          Declarations(),
		},
	})
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case b.closed.Load():
				b.logger.Debug("reader stopped")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				b.logger.Info("upstream closed connection")
			default:
				b.logger.Warn("upstream read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		b.messagesReceived.Add(1)

		if !b.classify(data) {
			continue
		}

		select {
		case b.inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

// classify applies the side effects of one upstream event and reports
// whether it should still be relayed to the browser.
func (b *Bridge) classify(data []byte) bool {
	var ev protocol.UpstreamEvent
	if err := protocol.Decode(data, &ev); err != nil {
		b.logger.Warn("malformed upstream event", "error", err)
		return true
	}

	switch ev.Type {
	case protocol.TypeInputTranscriptionCompleted:
		return b.onTranscript(ev.Transcript)

	case protocol.TypeItemCreated:
		if text, ok := ev.Item.UserText(); ok {
			b.logTurn(memory.RoleUser, text)
		} else if text := ev.Item.AssistantText(); text != "" {
			b.logTurn(memory.RoleAssistant, text)
		}

	case protocol.TypeAudioTranscriptDone:
		b.logTurn(memory.RoleAssistant, ev.Transcript)

	case protocol.TypeFunctionCallArgumentsDone:
		b.toolCalls.Add(1)
		go b.dispatchTool(ev)

	case protocol.TypeError:
		if ev.Error != nil {
			b.logger.Warn("upstream error", "type", ev.Error.Type, "code", ev.Error.Code, "message", ev.Error.Message)
		} else {
			b.logger.Warn("upstream error", "event", string(data))
		}
	}
	return true
}

func (b *Bridge) onTranscript(transcript string) bool {
	text := strings.TrimSpace(transcript)
	if text == "" || b.userID == "" {
		return true
	}

	if b.commands != nil && voicecmd.Detect(text) {
		b.enqueue(func(ctx context.Context) {
			b.commands.HandleWithReason(ctx, text, b.userID, memory.ReasonVoiceAudio, b.SendMessage)
		})
		return false
	}

	b.logTurn(memory.RoleUser, text)
	return true
}

func (b *Bridge) logTurn(role, text string) {
	text = strings.TrimSpace(text)
	if b.userID == "" || b.memory == nil || text == "" {
		return
	}
	b.enqueue(func(ctx context.Context) {
		if err := b.memory.LogInteraction(ctx, b.userID, role, text); err != nil {
			b.logger.Warn("failed to log interaction", "role", role, "error", err)
		}
	})
}

// enqueue hands a memory job to the worker. It is only called from the
// reader goroutine.
func (b *Bridge) enqueue(job func(context.Context)) {
	select {
	case b.memq <- job:
	default:
		b.logger.Warn("memory queue full, dropping job")
	}
}

// memoryWorker runs memory jobs one at a time, in arrival order, so
// summarization never stalls the reader.
func (b *Bridge) memoryWorker() {
	for job := range b.memq {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ToolTimeout)
		job(ctx)
		cancel()
	}
}

func (b *Bridge) dispatchTool(ev protocol.UpstreamEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ToolTimeout)
	defer cancel()

	output := b.tools.Execute(ctx, ev.Name, ev.Arguments)

	if !b.Connected() {
		b.logger.Debug("discarding tool result, bridge closed", "tool", ev.Name, "call_id", ev.CallID)
		return
	}
	if !b.SendMessage(protocol.FunctionCallOutput(ev.CallID, output)) {
		return
	}
	b.SendMessage(protocol.ResponseCreate(b.cfg.Modalities))
}

func (b *Bridge) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.wsMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.cfg.WriteTimeout))
			b.wsMu.Unlock()
			if err != nil {
				b.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

func (b *Bridge) write(messageType int, data []byte) error {
	conn := b.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}

	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

// SendMessage writes one raw event upstream. It reports false when the
// bridge is not connected or the write failed; a failed write marks the
// bridge disconnected.
func (b *Bridge) SendMessage(raw []byte) bool {
	if !b.Connected() {
		return false
	}
	if err := b.write(websocket.TextMessage, raw); err != nil {
		b.logger.Warn("upstream send failed", "error", err)
		b.connected.Store(false)
		return false
	}
	b.messagesSent.Add(1)
	return true
}

// GetMessage pops the next queued upstream event without blocking.
func (b *Bridge) GetMessage() ([]byte, bool) {
	select {
	case msg, ok := <-b.inbound:
		return msg, ok
	default:
		return nil, false
	}
}

// Messages returns the queue of upstream events for the browser. It is
// closed after the reader stops.
func (b *Bridge) Messages() <-chan []byte {
	return b.inbound
}

// Done is closed when the connection has ended for any reason.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Connected reports whether the upstream socket is open.
func (b *Bridge) Connected() bool {
	return b.connected.Load() && !b.closed.Load()
}

// Stats returns message counters.
func (b *Bridge) Stats() (sent, received, toolCalls int64) {
	return b.messagesSent.Load(), b.messagesReceived.Load(), b.toolCalls.Load()
}

// Close shuts the bridge down. It is safe to call more than once.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.connected.Store(false)

	b.mu.Lock()
	started, cancel := b.started, b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn := b.conn.Load(); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if !started {
		close(b.inbound)
		b.markDone()
	}

	sent, received, tools := b.Stats()
	b.logger.Info("bridge closed", "sent", sent, "received", received, "tool_calls", tools)
	return nil
}

func (b *Bridge) markDone() {
	b.doneOnce.Do(func() { close(b.done) })
}
