package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebridge/internal/log"
	"github.com/teslashibe/voicebridge/pkg/assembler"
	"github.com/teslashibe/voicebridge/pkg/memory"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/registry"
	"github.com/teslashibe/voicebridge/pkg/session"
)

type summarizeCall struct {
	userID, reason string
}

// recordingStore is an in-process memory store that records forced
// summarizations.
type recordingStore struct {
	*memory.Manager

	mu    sync.Mutex
	calls []summarizeCall
}

func (s *recordingStore) ForceSummarize(ctx context.Context, userID, reason string) (bool, error) {
	s.mu.Lock()
	s.calls = append(s.calls, summarizeCall{userID, reason})
	s.mu.Unlock()
	return s.Manager.ForceSummarize(ctx, userID, reason)
}

func (s *recordingStore) forced() []summarizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]summarizeCall(nil), s.calls...)
}

// newFakeRealtime accepts upstream connections and discards what it reads.
func newFakeRealtime(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testEnv struct {
	server   *Server
	registry *registry.Registry
	store    *recordingStore
	base     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.Discard()

	reg := registry.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	t.Cleanup(cancel)

	summarizer := memory.SummarizerFunc(func(context.Context, string) (string, error) {
		return "summary", nil
	})
	store := &recordingStore{Manager: memory.NewManager(memory.NewLocal(), summarizer, memory.WithLogger(logger))}

	rtCfg := realtime.DefaultConfig().Clone(
		realtime.WithAPIKey("test-key"),
		realtime.WithURL(newFakeRealtime(t)),
		realtime.WithLogger(logger),
	)

	handler, err := session.NewHandler(session.Config{
		SystemPrompt: "You are helpful.",
		Logger:       logger,
	}, session.Deps{
		Registry:  reg,
		Assembler: assembler.New(store, nil, nil, assembler.Config{Logger: logger}),
		Memory:    store,
		Dial: func(userID, instructions, toolChoice string) (session.Upstream, error) {
			cfg := rtCfg.Clone(realtime.WithInstructions(instructions), realtime.WithToolChoice(toolChoice))
			return realtime.New(cfg, userID, realtime.Deps{Memory: store})
		},
	})
	require.NoError(t, err)

	srv := New(Config{Version: "test", Logger: logger}, reg, handler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &testEnv{server: srv, registry: reg, store: store, base: "ws://" + ln.Addr().String()}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.base+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestVoiceSessionEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "/realtime/chat?userId=u1&toolStrategy=auto")

	created := readFrame(t, ws)
	assert.Equal(t, "session.created", created["type"])
	assert.Equal(t, "auto", created["strategy"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"strategy_update","strategy":"required"}`)))
	updated := readFrame(t, ws)
	assert.Equal(t, "session.updated", updated["type"])
	assert.Equal(t, "required", updated["strategy"])
	assert.Equal(t, "auto", updated["previousStrategy"])

	assert.Equal(t, map[string]string{"u1": "required"}, env.registry.Status().SessionStrategies)

	ws.Close()
	assert.Eventually(t, func() bool {
		calls := env.store.forced()
		return len(calls) == 1 && calls[0] == summarizeCall{"u1", memory.ReasonAutoDisconnect}
	}, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return env.registry.Status().VoiceSessions == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestVoiceSessionQueryAliases(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "/realtime/chat?user_uuid=u2&tool_strategy=none")

	created := readFrame(t, ws)
	assert.Equal(t, "none", created["strategy"])
	assert.Equal(t, map[string]string{"u2": "none"}, env.registry.Status().SessionStrategies)
}

func TestVoiceSessionInvalidStrategy(t *testing.T) {
	env := newTestEnv(t)
	ws := env.dial(t, "/realtime/chat?userId=u3&toolStrategy=loud")

	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Invalid strategy: loud", frame["error"])
}

func TestObserverDashboard(t *testing.T) {
	env := newTestEnv(t)
	voice := env.dial(t, "/realtime/chat?userId=u1")
	readFrame(t, voice)

	obs := env.dial(t, "/admin/dashboard")
	snapshot := readFrame(t, obs)
	assert.Equal(t, "session_status", snapshot["type"])
	assert.Equal(t, float64(1), snapshot["total_sessions"])

	require.NoError(t, obs.WriteMessage(websocket.TextMessage, []byte(`{"type":"broadcast_strategy_update","strategy":"conservative"}`)))
	confirmed := readFrame(t, obs)
	assert.Equal(t, "broadcast_confirmed", confirmed["type"])
	assert.Equal(t, float64(1), confirmed["sessions_updated"])

	push := readFrame(t, voice)
	assert.Equal(t, "strategy_update_broadcast", push["type"])
	assert.Equal(t, "conservative", push["strategy"])
	assert.Equal(t, "auto", push["previous_strategy"])

	require.NoError(t, obs.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_session_status"}`)))
	status := readFrame(t, obs)
	assert.Equal(t, "session_status_response", status["type"])
	assert.Equal(t, map[string]any{"u1": "conservative"}, status["session_strategies"])
}

func TestPlainHTTPToWebsocketRoute(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.server.App().Test(httptest.NewRequest(http.MethodGet, "/realtime/chat", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestHTTPEndpoints(t *testing.T) {
	env := newTestEnv(t)
	app := env.server.App()

	t.Run("health", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "test", body["version"])
		assert.Equal(t, float64(0), body["sessions"])
	})

	t.Run("strategies", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/strategies", nil))
		require.NoError(t, err)

		var body struct {
			Strategies []strategyInfo `json:"strategies"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Strategies, 5)

		choices := map[string]string{}
		for _, s := range body.Strategies {
			choices[s.Name] = s.ToolChoice
		}
		assert.Equal(t, "never", choices["none"])
		assert.Equal(t, "always", choices["required"])
		assert.Equal(t, "auto", choices["aggressive"])
	})

	t.Run("sessions", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		require.NoError(t, err)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		status := body["status"].(map[string]any)
		assert.Equal(t, float64(0), status["voice_sessions"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(data), "voicebridge_voice_sessions 0")
		assert.Contains(t, string(data), "# TYPE voicebridge_sessions_total counter")
	})
}
