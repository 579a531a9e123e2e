package session

import "sync/atomic"

// Stats counts session activity across all loops of a Handler.
type Stats struct {
	sessionsTotal    atomic.Int64
	sessionsActive   atomic.Int64
	connectFailures  atomic.Int64
	framesToUpstream atomic.Int64
	framesToBrowser  atomic.Int64
	injections       atomic.Int64
	voiceCommands    atomic.Int64
	strategyChanges  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SessionsTotal    int64 `json:"sessions_total"`
	SessionsActive   int64 `json:"sessions_active"`
	ConnectFailures  int64 `json:"connect_failures"`
	FramesToUpstream int64 `json:"frames_to_upstream"`
	FramesToBrowser  int64 `json:"frames_to_browser"`
	Injections       int64 `json:"injections"`
	VoiceCommands    int64 `json:"voice_commands"`
	StrategyChanges  int64 `json:"strategy_changes"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SessionsTotal:    s.sessionsTotal.Load(),
		SessionsActive:   s.sessionsActive.Load(),
		ConnectFailures:  s.connectFailures.Load(),
		FramesToUpstream: s.framesToUpstream.Load(),
		FramesToBrowser:  s.framesToBrowser.Load(),
		Injections:       s.injections.Load(),
		VoiceCommands:    s.voiceCommands.Load(),
		StrategyChanges:  s.strategyChanges.Load(),
	}
}
