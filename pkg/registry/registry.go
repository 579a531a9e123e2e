// Package registry tracks live voice sessions and dashboard observers.
//
// All state is owned by the goroutine running Run. Public methods submit a
// closure to that goroutine and wait for it, so every mutation and every
// frame the registry writes happens in one total order.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/strategy"
)

// Sentinel errors.
var (
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("registry: stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("registry: already running")

	// ErrDuplicate is returned when an ID is registered twice.
	ErrDuplicate = errors.New("registry: duplicate id")
)

// Sender writes one text frame to a websocket peer. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(data []byte) error
}

// VoiceSession is a registered voice connection.
type VoiceSession struct {
	ID       string
	UserID   string
	Strategy strategy.Strategy
	Conn     Sender

	// Control receives strategies pushed by a broadcast. The session loop
	// applies them to its strategy controller.
	Control chan strategy.Strategy

	Connected time.Time
}

// NewVoiceSession returns a session with a fresh ID and control channel.
func NewVoiceSession(userID string, s strategy.Strategy, conn Sender) *VoiceSession {
	return &VoiceSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Strategy:  s,
		Conn:      conn,
		Control:   make(chan strategy.Strategy, 4),
		Connected: time.Now(),
	}
}

// Key identifies the session in status maps: the user ID, or the session ID
// for anonymous sessions.
func (v *VoiceSession) Key() string {
	if v.UserID != "" {
		return v.UserID
	}
	return v.ID
}

// Observer is a dashboard connection.
type Observer struct {
	ID   string
	Conn Sender
}

// NewObserver returns an observer with a fresh ID.
func NewObserver(conn Sender) *Observer {
	return &Observer{ID: uuid.NewString(), Conn: conn}
}

type state struct {
	voice     map[string]*VoiceSession
	observers map[string]*Observer
}

// Registry is the session registry actor.
type Registry struct {
	ops     chan func(*state)
	started chan struct{}
	stopped chan struct{}
	state   *state
	logger  *slog.Logger

	broadcasts int64
}

// New returns a registry. Run must be started before other methods return.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ops:     make(chan func(*state)),
		started: make(chan struct{}, 1),
		stopped: make(chan struct{}),
		state: &state{
			voice:     make(map[string]*VoiceSession),
			observers: make(map[string]*Observer),
		},
		logger: logger.With("component", "registry"),
	}
}

// Run owns the registry state until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	select {
	case r.started <- struct{}{}:
	default:
		return ErrAlreadyRunning
	}
	defer close(r.stopped)

	r.logger.Debug("registry running")
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("registry stopped")
			return ctx.Err()
		case op := <-r.ops:
			op(r.state)
		}
	}
}

// do runs fn on the registry goroutine and waits for it.
func (r *Registry) do(fn func(*state)) error {
	done := make(chan struct{})
	select {
	case r.ops <- func(s *state) {
		defer close(done)
		fn(s)
	}:
	case <-r.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// AddVoiceSession registers v and notifies observers.
func (r *Registry) AddVoiceSession(v *VoiceSession) error {
	var err error
	if doErr := r.do(func(s *state) {
		if _, ok := s.voice[v.ID]; ok {
			err = ErrDuplicate
			return
		}
		s.voice[v.ID] = v
		total := len(s.voice)
		r.logger.Info("voice session added", "session", v.ID, "user", v.UserID, "strategy", v.Strategy, "total", total)
		r.notifyObservers(s, protocol.NewSessionConnected(v.UserID, string(v.Strategy), total), "")
	}); doErr != nil {
		return doErr
	}
	return err
}

// RemoveVoiceSession unregisters the session with id. It reports whether a
// session was removed; observers are notified only then.
func (r *Registry) RemoveVoiceSession(id string) bool {
	var removed bool
	r.do(func(s *state) {
		removed = r.removeVoice(s, id)
	})
	return removed
}

func (r *Registry) removeVoice(s *state, id string) bool {
	v, ok := s.voice[id]
	if !ok {
		return false
	}
	delete(s.voice, id)
	total := len(s.voice)
	r.logger.Info("voice session removed", "session", id, "user", v.UserID, "total", total)
	r.notifyObservers(s, protocol.NewSessionDisconnected(v.UserID, total), "")
	return true
}

// AddObserver registers o and sends it a snapshot of active sessions. An
// observer whose snapshot cannot be delivered is not kept.
func (r *Registry) AddObserver(o *Observer) error {
	var err error
	if doErr := r.do(func(s *state) {
		if _, ok := s.observers[o.ID]; ok {
			err = ErrDuplicate
			return
		}
		if sendErr := o.Conn.Send(protocol.NewSessionStatus(snapshot(s))); sendErr != nil {
			err = sendErr
			r.logger.Warn("observer snapshot failed", "observer", o.ID, "error", sendErr)
			return
		}
		s.observers[o.ID] = o
		r.logger.Info("observer added", "observer", o.ID, "total", len(s.observers))
	}); doErr != nil {
		return doErr
	}
	return err
}

// RemoveObserver unregisters the observer with id. It is idempotent.
func (r *Registry) RemoveObserver(id string) {
	r.do(func(s *state) {
		if _, ok := s.observers[id]; ok {
			delete(s.observers, id)
			r.logger.Info("observer removed", "observer", id, "total", len(s.observers))
		}
	})
}

// SetStrategy records a strategy change a session made on its own.
func (r *Registry) SetStrategy(id string, st strategy.Strategy) {
	r.do(func(s *state) {
		if v, ok := s.voice[id]; ok {
			v.Strategy = st
		}
	})
}

// BroadcastStrategy pushes next to every voice session and returns how many
// accepted it. Sessions whose push fails are removed. Observers other than
// exclude are then told the outcome.
func (r *Registry) BroadcastStrategy(next string, exclude string) (int, error) {
	st, err := strategy.Parse(next)
	if err != nil {
		return 0, err
	}

	var updated int
	if doErr := r.do(func(s *state) {
		var failed []string
		for id, v := range s.voice {
			// Only this goroutine sends on Control, so a queue with room
			// here still has room after the push below.
			if len(v.Control) == cap(v.Control) {
				r.logger.Warn("session control queue full, skipping", "session", id, "user", v.UserID)
				continue
			}
			prev := v.Strategy
			if sendErr := v.Conn.Send(protocol.NewStrategyBroadcast(string(st), string(prev))); sendErr != nil {
				r.logger.Warn("broadcast push failed", "session", id, "user", v.UserID, "error", sendErr)
				failed = append(failed, id)
				continue
			}
			select {
			case v.Control <- st:
				v.Strategy = st
				updated++
			default:
				r.logger.Warn("session control queue full", "session", id)
			}
		}
		for _, id := range failed {
			r.removeVoice(s, id)
		}

		r.broadcasts++
		r.logger.Info("strategy broadcast", "strategy", st, "updated", updated, "failed", len(failed))
		r.notifyObservers(s, protocol.NewBroadcastCompleted(string(st), updated, len(s.voice)), exclude)
	}); doErr != nil {
		return 0, doErr
	}
	return updated, nil
}

// Status returns the registry summary.
func (r *Registry) Status() protocol.Status {
	var st protocol.Status
	r.do(func(s *state) {
		st = status(s)
	})
	if st.SessionStrategies == nil {
		st.SessionStrategies = map[string]string{}
	}
	return st
}

// Snapshot lists the active voice sessions.
func (r *Registry) Snapshot() []protocol.ActiveSession {
	var out []protocol.ActiveSession
	r.do(func(s *state) {
		out = snapshot(s)
	})
	return out
}

// Stats are registry counters.
type Stats struct {
	VoiceSessions int   `json:"voice_sessions"`
	Observers     int   `json:"observers"`
	Broadcasts    int64 `json:"broadcasts"`
}

// Stats returns current counters.
func (r *Registry) Stats() Stats {
	var st Stats
	r.do(func(s *state) {
		st = Stats{
			VoiceSessions: len(s.voice),
			Observers:     len(s.observers),
			Broadcasts:    r.broadcasts,
		}
	})
	return st
}

// notifyObservers sends data to every observer except exclude. Observers
// that fail are pruned.
func (r *Registry) notifyObservers(s *state, data []byte, exclude string) {
	for id, o := range s.observers {
		if id == exclude {
			continue
		}
		if err := o.Conn.Send(data); err != nil {
			r.logger.Warn("pruning observer", "observer", id, "error", err)
			delete(s.observers, id)
		}
	}
}

func snapshot(s *state) []protocol.ActiveSession {
	out := make([]protocol.ActiveSession, 0, len(s.voice))
	for _, v := range s.voice {
		out = append(out, protocol.ActiveSession{UserID: v.UserID, Strategy: string(v.Strategy)})
	}
	return out
}

func status(s *state) protocol.Status {
	strategies := make(map[string]string, len(s.voice))
	for _, v := range s.voice {
		strategies[v.Key()] = string(v.Strategy)
	}
	return protocol.Status{
		VoiceSessions:     len(s.voice),
		DashboardSessions: len(s.observers),
		SessionStrategies: strategies,
	}
}
