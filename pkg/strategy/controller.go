package strategy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/voicebridge/pkg/protocol"
)

// Change is one accepted strategy transition.
type Change struct {
	Timestamp time.Time `json:"timestamp"`
	From      Strategy  `json:"from"`
	To        Strategy  `json:"to"`
}

// Pusher delivers a configuration update upstream.
// The realtime bridge satisfies it.
type Pusher interface {
	Connected() bool
	SendMessage(raw []byte) bool
}

// Controller holds the strategy of a single voice session.
type Controller struct {
	mu      sync.RWMutex
	current Strategy
	history []Change

	userID string
	pusher Pusher
	logger *slog.Logger
	now    func() time.Time
}

// NewController returns a controller starting at initial. Invalid initial
// values fall back to Default.
func NewController(userID string, initial Strategy, logger *slog.Logger) *Controller {
	if !initial.Valid() {
		initial = Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		current: initial,
		userID:  userID,
		logger:  logger.With("component", "strategy.controller"),
		now:     time.Now,
	}
}

// Attach sets the upstream the controller pushes tool-choice updates to.
func (c *Controller) Attach(p Pusher) {
	c.mu.Lock()
	c.pusher = p
	c.mu.Unlock()
}

// Current returns the active strategy.
func (c *Controller) Current() Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// History returns a copy of the accepted changes, oldest first.
func (c *Controller) History() []Change {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Change, len(c.history))
	copy(out, c.history)
	return out
}

// Previous returns the strategy before the last accepted change.
func (c *Controller) Previous() (Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return "", false
	}
	return c.history[len(c.history)-1].From, true
}

// Update switches to next. Values outside the enumeration are rejected with
// ErrInvalidStrategy and leave the controller unchanged. On acceptance the
// change is recorded and, when the upstream is connected, a session.update
// carrying only the new tool choice is pushed. pushed reports whether that
// push happened.
func (c *Controller) Update(next string) (pushed bool, err error) {
	s, err := Parse(next)
	if err != nil {
		c.logger.Warn("rejected strategy update", "user", c.userID, "strategy", next)
		return false, err
	}

	c.mu.Lock()
	prev := c.current
	c.current = s
	c.history = append(c.history, Change{Timestamp: c.now(), From: prev, To: s})
	pusher := c.pusher
	c.mu.Unlock()

	choice := ToolChoice(s)
	c.logger.Info("strategy changed", "user", c.userID, "from", prev, "to", s, "directive", choice)

	if pusher == nil || !pusher.Connected() {
		c.logger.Warn("strategy not pushed, upstream not connected", "user", c.userID)
		return false, nil
	}

	return pusher.SendMessage(protocol.ToolChoiceUpdate(choice)), nil
}
