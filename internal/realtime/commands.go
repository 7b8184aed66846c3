package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

// Commands dispatches client commands to the user's vibe flow.
type Commands struct {
	manager *vibe.Manager
	relay   *vibe.Relay
	sink    vibe.Sink
	log     zerolog.Logger
}

var _ Dispatcher = (*Commands)(nil)

// NewCommands creates the command dispatcher.
func NewCommands(manager *vibe.Manager, relay *vibe.Relay, sink vibe.Sink, log zerolog.Logger) *Commands {
	return &Commands{
		manager: manager,
		relay:   relay,
		sink:    sink,
		log:     log.With().Str("module", "realtime.commands").Logger(),
	}
}

// Dispatch runs one command. Signals that fail validation are dropped.
func (c *Commands) Dispatch(ctx context.Context, userID string, msg IncomingMessage) error {
	switch msg.Type {
	case EventStartSearch:
		return c.manager.Flow(userID).Start(ctx)

	case EventCancelSearch:
		return c.manager.Flow(userID).Cancel(ctx)

	case EventEndCall:
		return c.manager.Flow(userID).EndCall(ctx)

	case EventDecide:
		var p DecidePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return vibe.ErrInvalidDecision
		}
		return c.manager.Flow(userID).Decide(ctx, models.Decision(p.Decision))

	case EventFindAnother:
		return c.manager.Flow(userID).FindAnother(ctx)

	case EventExit:
		return c.manager.Flow(userID).Exit(ctx)

	case EventToggleMedia:
		var p TogglePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return vibe.ErrUnknownTrack
		}
		_, err := c.manager.Flow(userID).ToggleTrack(ctx, p.Kind)
		return err

	case EventSignal:
		var sig vibe.Signal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			c.log.Debug().Err(err).Str("user_id", userID).Msg("dropping unparsable signal")
			return nil
		}
		sig.From = userID
		err := c.relay.Send(ctx, sig)
		if errors.Is(err, vibe.ErrMalformedSignal) || errors.Is(err, vibe.ErrNotParticipant) || errors.Is(err, vibe.ErrSessionClosed) || errors.Is(err, vibe.ErrSessionNotFound) {
			c.log.Debug().Err(err).Str("user_id", userID).Str("kind", string(sig.Kind)).Msg("dropping signal")
			return nil
		}
		return err

	case EventStateChanged:
		// A reconnecting client asks for the current state.
		snap, err := c.manager.Flow(userID).Snapshot(ctx)
		if err != nil {
			return err
		}
		c.sink.Deliver(userID, vibe.Event{Type: vibe.EventStateChanged, Payload: snap})
		return nil
	}

	return fmt.Errorf("%w: unknown command %q", vibe.ErrInvalidState, msg.Type)
}
