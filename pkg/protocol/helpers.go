package protocol

// =============================================================================
// Helper functions for creating frames
// =============================================================================

// NewSessionCreated builds the ready frame for a voice session.
func NewSessionCreated(strategy string) []byte {
	return Encode(SessionCreated{
		Type:     TypeSessionCreated,
		Strategy: strategy,
		Session:  SessionInfo{Status: "ready", Strategy: strategy},
	})
}

// NewSessionUpdated acknowledges a strategy change.
func NewSessionUpdated(strategy, previous, source string) []byte {
	return Encode(SessionUpdated{
		Type:             TypeSessionUpdated,
		Strategy:         strategy,
		PreviousStrategy: previous,
		Source:           source,
	})
}

// NewError builds an error frame.
func NewError(msg string) []byte {
	return Encode(ErrorFrame{Type: TypeError, Error: msg})
}

// NewStrategyBroadcast builds the frame pushed to voice sessions on a broadcast.
func NewStrategyBroadcast(strategy, previous string) []byte {
	return Encode(StrategyBroadcast{
		Type:             TypeStrategyUpdateBroadcast,
		Strategy:         strategy,
		PreviousStrategy: previous,
		Source:           SourceBroadcast,
	})
}

// NewSessionStatus builds the snapshot sent to a new observer.
func NewSessionStatus(active []ActiveSession) []byte {
	if active == nil {
		active = []ActiveSession{}
	}
	return Encode(SessionStatus{
		Type:           TypeSessionStatus,
		ActiveSessions: active,
		TotalSessions:  len(active),
	})
}

// NewSessionStatusResponse answers get_session_status.
func NewSessionStatusResponse(s Status) []byte {
	if s.SessionStrategies == nil {
		s.SessionStrategies = map[string]string{}
	}
	return Encode(SessionStatusResponse{Type: TypeSessionStatusResponse, Status: s})
}

// NewBroadcastConfirmed answers the initiating observer.
func NewBroadcastConfirmed(strategy string, updated int) []byte {
	return Encode(BroadcastConfirmed{
		Type:            TypeBroadcastConfirmed,
		Strategy:        strategy,
		SessionsUpdated: updated,
	})
}

// NewBroadcastCompleted notifies the other observers.
func NewBroadcastCompleted(strategy string, updated, total int) []byte {
	return Encode(BroadcastCompleted{
		Type:            TypeStrategyBroadcastCompleted,
		NewStrategy:     strategy,
		SessionsUpdated: updated,
		TotalSessions:   total,
	})
}

// NewSessionConnected notifies observers of a new voice session.
func NewSessionConnected(userID, strategy string, total int) []byte {
	return Encode(SessionConnected{
		Type:          TypeSessionConnected,
		UserUUID:      userID,
		Strategy:      strategy,
		TotalSessions: total,
	})
}

// NewSessionDisconnected notifies observers that a voice session ended.
func NewSessionDisconnected(userID string, total int) []byte {
	return Encode(SessionDisconnected{
		Type:          TypeSessionDisconnected,
		UserUUID:      userID,
		TotalSessions: total,
	})
}
