package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebridge/internal/log"
	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/strategy"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection closed")
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *fakeConn) decoded(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.frames))
	for i, f := range c.frames {
		require.NoError(t, json.Unmarshal(f, &out[i]))
	}
	return out
}

func (c *fakeConn) types(t *testing.T) []string {
	var out []string
	for _, f := range c.decoded(t) {
		out = append(out, f["type"].(string))
	}
	return out
}

func (c *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	frames := c.decoded(t)
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func startRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func addVoice(t *testing.T, r *Registry, userID string, s strategy.Strategy) (*VoiceSession, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	v := NewVoiceSession(userID, s, conn)
	require.NoError(t, r.AddVoiceSession(v))
	return v, conn
}

func addObserver(t *testing.T, r *Registry) (*Observer, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	o := NewObserver(conn)
	require.NoError(t, r.AddObserver(o))
	return o, conn
}

func TestAddObserverSendsSnapshot(t *testing.T) {
	r := startRegistry(t)
	addVoice(t, r, "u1", strategy.Auto)
	addVoice(t, r, "u2", strategy.None)

	_, conn := addObserver(t, r)

	snap := conn.last(t)
	assert.Equal(t, "session_status", snap["type"])
	assert.Equal(t, float64(2), snap["total_sessions"])
	active := snap["active_sessions"].([]any)
	require.Len(t, active, 2)

	users := map[string]string{}
	for _, a := range active {
		m := a.(map[string]any)
		users[m["userId"].(string)] = m["strategy"].(string)
	}
	assert.Equal(t, map[string]string{"u1": "auto", "u2": "none"}, users)
}

func TestAddObserverFailedSnapshot(t *testing.T) {
	r := startRegistry(t)
	conn := &fakeConn{fail: true}

	err := r.AddObserver(NewObserver(conn))
	require.Error(t, err)
	assert.Equal(t, 0, r.Status().DashboardSessions)
}

func TestVoiceSessionNotices(t *testing.T) {
	r := startRegistry(t)
	_, obs := addObserver(t, r)

	v, _ := addVoice(t, r, "u1", strategy.Required)

	connected := obs.last(t)
	assert.Equal(t, "session_connected", connected["type"])
	assert.Equal(t, "u1", connected["user_uuid"])
	assert.Equal(t, "required", connected["strategy"])
	assert.Equal(t, float64(1), connected["total_sessions"])

	assert.True(t, r.RemoveVoiceSession(v.ID))
	disconnected := obs.last(t)
	assert.Equal(t, "session_disconnected", disconnected["type"])
	assert.Equal(t, float64(0), disconnected["total_sessions"])

	// Removing again is a no-op and notifies nobody.
	before := len(obs.decoded(t))
	assert.False(t, r.RemoveVoiceSession(v.ID))
	assert.Len(t, obs.decoded(t), before)
}

func TestAddVoiceSessionDuplicate(t *testing.T) {
	r := startRegistry(t)
	v, _ := addVoice(t, r, "u1", strategy.Auto)
	assert.ErrorIs(t, r.AddVoiceSession(v), ErrDuplicate)
}

func TestBroadcastStrategy(t *testing.T) {
	r := startRegistry(t)
	a, aConn := addVoice(t, r, "u1", strategy.Auto)
	b, _ := addVoice(t, r, "u2", strategy.Conservative)
	dead, deadConn := addVoice(t, r, "u3", strategy.Auto)
	deadConn.setFail(true)

	initiator, initConn := addObserver(t, r)
	_, otherConn := addObserver(t, r)

	updated, err := r.BroadcastStrategy("none", initiator.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	push := aConn.last(t)
	assert.Equal(t, "strategy_update_broadcast", push["type"])
	assert.Equal(t, "none", push["strategy"])
	assert.Equal(t, "auto", push["previous_strategy"])
	assert.Equal(t, "dashboard_broadcast", push["source"])

	assert.Equal(t, strategy.None, <-a.Control)
	assert.Equal(t, strategy.None, <-b.Control)
	assert.Empty(t, dead.Control)

	st := r.Status()
	assert.Equal(t, 2, st.VoiceSessions)
	assert.Equal(t, map[string]string{"u1": "none", "u2": "none"}, st.SessionStrategies)

	completed := otherConn.last(t)
	assert.Equal(t, "strategy_broadcast_completed", completed["type"])
	assert.Equal(t, "none", completed["new_strategy"])
	assert.Equal(t, float64(2), completed["sessions_updated"])
	assert.Equal(t, float64(2), completed["total_sessions"])

	assert.NotContains(t, initConn.types(t), "strategy_broadcast_completed")
	assert.Contains(t, initConn.types(t), "session_disconnected")
}

func TestBroadcastSkipsSessionWithFullControlQueue(t *testing.T) {
	r := startRegistry(t)
	busy, busyConn := addVoice(t, r, "u1", strategy.Auto)
	for len(busy.Control) < cap(busy.Control) {
		busy.Control <- strategy.Conservative
	}
	idle, _ := addVoice(t, r, "u2", strategy.Auto)

	updated, err := r.BroadcastStrategy("required", "")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	assert.NotContains(t, busyConn.types(t), "strategy_update_broadcast")
	assert.Len(t, busy.Control, cap(busy.Control))
	assert.Equal(t, strategy.Required, <-idle.Control)

	st := r.Status()
	assert.Equal(t, 2, st.VoiceSessions)
	assert.Equal(t, map[string]string{"u1": "auto", "u2": "required"}, st.SessionStrategies)
}

func TestBroadcastInvalidStrategy(t *testing.T) {
	r := startRegistry(t)
	v, conn := addVoice(t, r, "u1", strategy.Auto)

	_, err := r.BroadcastStrategy("sometimes", "")
	require.ErrorIs(t, err, strategy.ErrInvalidStrategy)

	assert.Len(t, conn.decoded(t), 0)
	assert.Empty(t, v.Control)
	assert.Equal(t, "auto", r.Status().SessionStrategies["u1"])
}

func TestFailedObserverIsPruned(t *testing.T) {
	r := startRegistry(t)
	_, obs := addObserver(t, r)
	obs.setFail(true)

	addVoice(t, r, "u1", strategy.Auto)
	assert.Equal(t, 0, r.Status().DashboardSessions)
}

func TestRemoveObserverIdempotent(t *testing.T) {
	r := startRegistry(t)
	o, _ := addObserver(t, r)

	r.RemoveObserver(o.ID)
	r.RemoveObserver(o.ID)
	assert.Equal(t, 0, r.Stats().Observers)
}

func TestSetStrategyAndAnonymousKey(t *testing.T) {
	r := startRegistry(t)
	v, _ := addVoice(t, r, "", strategy.Auto)

	r.SetStrategy(v.ID, strategy.Aggressive)
	r.SetStrategy("missing", strategy.None)

	st := r.Status()
	assert.Equal(t, map[string]string{v.ID: "aggressive"}, st.SessionStrategies)
	assert.Equal(t, []protocol.ActiveSession{{UserID: "", Strategy: "aggressive"}}, r.Snapshot())
}

func TestStoppedRegistry(t *testing.T) {
	r := New(log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Run(ctx), context.Canceled)
	require.ErrorIs(t, r.Run(context.Background()), ErrAlreadyRunning)

	assert.ErrorIs(t, r.AddVoiceSession(NewVoiceSession("u1", strategy.Auto, &fakeConn{})), ErrStopped)
	_, err := r.BroadcastStrategy("auto", "")
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, r.RemoveVoiceSession("x"))
	assert.Equal(t, map[string]string{}, r.Status().SessionStrategies)
}

func TestHandleObserverMessage(t *testing.T) {
	r := startRegistry(t)
	addVoice(t, r, "u1", strategy.Auto)
	o, conn := addObserver(t, r)

	require.NoError(t, r.HandleObserverMessage(o, []byte(`{"type":"broadcast_strategy_update","strategy":"required"}`)))
	confirmed := conn.last(t)
	assert.Equal(t, "broadcast_confirmed", confirmed["type"])
	assert.Equal(t, "required", confirmed["strategy"])
	assert.Equal(t, float64(1), confirmed["sessions_updated"])

	require.NoError(t, r.HandleObserverMessage(o, []byte(`{"type":"get_session_status"}`)))
	resp := conn.last(t)
	assert.Equal(t, "session_status_response", resp["type"])
	assert.Equal(t, float64(1), resp["voice_sessions"])
	assert.Equal(t, float64(1), resp["dashboard_sessions"])
	assert.Equal(t, map[string]any{"u1": "required"}, resp["session_strategies"])

	require.NoError(t, r.HandleObserverMessage(o, []byte(`{"type":"broadcast_strategy_update","strategy":"bogus"}`)))
	errFrame := conn.last(t)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "Invalid strategy: bogus", errFrame["error"])

	before := len(conn.decoded(t))
	require.NoError(t, r.HandleObserverMessage(o, []byte(`{"type":"dance"}`)))
	require.NoError(t, r.HandleObserverMessage(o, []byte(`{nope`)))
	assert.Len(t, conn.decoded(t), before)
}
