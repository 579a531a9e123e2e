package registry

import (
	"errors"
	"fmt"

	"github.com/teslashibe/voicebridge/pkg/protocol"
	"github.com/teslashibe/voicebridge/pkg/strategy"
)

// HandleObserverMessage answers one frame from a dashboard observer.
// Malformed frames and unknown types are logged and ignored. The returned
// error is the failure to reply, which means the observer is gone.
func (r *Registry) HandleObserverMessage(o *Observer, data []byte) error {
	msgType, err := protocol.Peek(data)
	if err != nil {
		r.logger.Warn("invalid JSON from observer", "observer", o.ID, "error", err)
		return nil
	}

	switch msgType {
	case protocol.TypeBroadcastStrategyUpdate:
		var req protocol.BroadcastRequest
		if err := protocol.Decode(data, &req); err != nil {
			r.logger.Warn("invalid broadcast request", "observer", o.ID, "error", err)
			return nil
		}
		if req.Strategy == "" {
			req.Strategy = string(strategy.Default)
		}

		updated, err := r.BroadcastStrategy(req.Strategy, o.ID)
		if errors.Is(err, strategy.ErrInvalidStrategy) {
			return o.Conn.Send(protocol.NewError(fmt.Sprintf("Invalid strategy: %s", req.Strategy)))
		}
		if err != nil {
			return err
		}
		return o.Conn.Send(protocol.NewBroadcastConfirmed(req.Strategy, updated))

	case protocol.TypeGetSessionStatus:
		return o.Conn.Send(protocol.NewSessionStatusResponse(r.Status()))

	default:
		r.logger.Debug("unknown observer message", "observer", o.ID, "type", msgType)
		return nil
	}
}
