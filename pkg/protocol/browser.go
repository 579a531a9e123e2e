package protocol

// =============================================================================
// Voice session frames
// =============================================================================

// SessionInfo is the nested status of session.created.
type SessionInfo struct {
	Status   string `json:"status"`
	Strategy string `json:"strategy"`
}

// SessionCreated is sent once the upstream is configured.
type SessionCreated struct {
	Type     MessageType `json:"type"`
	Strategy string      `json:"strategy"`
	Session  SessionInfo `json:"session"`
}

// SessionUpdated acknowledges a strategy change.
type SessionUpdated struct {
	Type             MessageType `json:"type"`
	Strategy         string      `json:"strategy"`
	PreviousStrategy string      `json:"previousStrategy"`
	Source           string      `json:"source,omitempty"`
}

// ErrorFrame reports a failure to the browser or an observer.
type ErrorFrame struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// StrategyUpdate is a browser request to change strategy.
type StrategyUpdate struct {
	Type     MessageType `json:"type"`
	Strategy string      `json:"strategy"`
	Source   string      `json:"source,omitempty"`
}

// StrategyBroadcast is pushed to every voice session on an operator broadcast.
type StrategyBroadcast struct {
	Type             MessageType `json:"type"`
	Strategy         string      `json:"strategy"`
	PreviousStrategy string      `json:"previous_strategy"`
	Source           string      `json:"source"`
}

// =============================================================================
// Observer frames
// =============================================================================

// ActiveSession is one voice session in a status snapshot.
type ActiveSession struct {
	UserID   string `json:"userId"`
	Strategy string `json:"strategy"`
}

// SessionStatus is sent to an observer when it connects.
type SessionStatus struct {
	Type           MessageType     `json:"type"`
	ActiveSessions []ActiveSession `json:"active_sessions"`
	TotalSessions  int             `json:"total_sessions"`
}

// Status is the registry summary served to observers and /api/sessions.
type Status struct {
	VoiceSessions     int               `json:"voice_sessions"`
	DashboardSessions int               `json:"dashboard_sessions"`
	SessionStrategies map[string]string `json:"session_strategies"`
}

// SessionStatusResponse answers get_session_status.
type SessionStatusResponse struct {
	Type MessageType `json:"type"`
	Status
}

// BroadcastRequest asks for a strategy change on every voice session.
type BroadcastRequest struct {
	Type     MessageType `json:"type"`
	Strategy string      `json:"strategy"`
}

// BroadcastConfirmed answers the observer that initiated a broadcast.
type BroadcastConfirmed struct {
	Type            MessageType `json:"type"`
	Strategy        string      `json:"strategy"`
	SessionsUpdated int         `json:"sessions_updated"`
}

// BroadcastCompleted tells the other observers a broadcast happened.
type BroadcastCompleted struct {
	Type            MessageType `json:"type"`
	NewStrategy     string      `json:"new_strategy"`
	SessionsUpdated int         `json:"sessions_updated"`
	TotalSessions   int         `json:"total_sessions"`
}

// SessionConnected notifies observers of a new voice session.
type SessionConnected struct {
	Type          MessageType `json:"type"`
	UserUUID      string      `json:"user_uuid"`
	Strategy      string      `json:"strategy"`
	TotalSessions int         `json:"total_sessions"`
}

// SessionDisconnected notifies observers that a voice session ended.
type SessionDisconnected struct {
	Type          MessageType `json:"type"`
	UserUUID      string      `json:"user_uuid"`
	TotalSessions int         `json:"total_sessions"`
}
