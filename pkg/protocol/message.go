// Package protocol defines the JSON frames exchanged on the three websocket
// surfaces: browser voice sessions, operator dashboards, and the upstream
// realtime API. Every frame is a flat JSON object with a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a frame.
type MessageType string

const (
	// Browser → server
	TypeStrategyUpdate          MessageType = "strategy_update"
	TypeStrategyUpdateBroadcast MessageType = "strategy_update_broadcast" // also server → browser
	TypeItemCreate              MessageType = "conversation.item.create"  // also server → upstream

	// Server → browser
	TypeSessionCreated MessageType = "session.created"
	TypeSessionUpdated MessageType = "session.updated"
	TypeError          MessageType = "error" // also upstream → server

	// Observer → server
	TypeBroadcastStrategyUpdate MessageType = "broadcast_strategy_update"
	TypeGetSessionStatus        MessageType = "get_session_status"

	// Server → observer
	TypeSessionStatus              MessageType = "session_status"
	TypeSessionStatusResponse      MessageType = "session_status_response"
	TypeBroadcastConfirmed         MessageType = "broadcast_confirmed"
	TypeSessionConnected           MessageType = "session_connected"
	TypeSessionDisconnected        MessageType = "session_disconnected"
	TypeStrategyBroadcastCompleted MessageType = "strategy_broadcast_completed"

	// Server → upstream
	TypeSessionUpdate  MessageType = "session.update"
	TypeResponseCreate MessageType = "response.create"

	// Upstream → server
	TypeInputTranscriptionCompleted MessageType = "conversation.item.input_audio_transcription.completed"
	TypeItemCreated                 MessageType = "conversation.item.created"
	TypeAudioTranscriptDone         MessageType = "response.audio_transcript.done"
	TypeFunctionCallArgumentsDone   MessageType = "response.function_call_arguments.done"
)

// Sources reported with strategy changes.
const (
	SourceClient    = "client"
	SourceBroadcast = "dashboard_broadcast"
)

// Envelope is the part every frame shares.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Peek returns the type of a raw frame without decoding the rest.
func Peek(data []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("protocol: parse frame: %w", err)
	}
	return env.Type, nil
}

// Encode marshals a frame. The frame types in this package always marshal;
// an error here means a caller passed something unencodable.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(ErrorFrame{Type: TypeError, Error: "internal: " + err.Error()})
	}
	return data
}

// Decode unmarshals a raw frame into v.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode frame: %w", err)
	}
	return nil
}
