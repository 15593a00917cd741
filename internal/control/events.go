package control

import (
	"context"

	"github.com/meshpost/meshpost/internal/deriver"
)

// forwardEvents drains the deriver's event stream, rendering each one onto
// the control channel (and, if attached, the websocket mirror) until ctx
// is cancelled or the channel closes.
func (a *Adapter) forwardEvents(ctx context.Context, events <-chan deriver.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			a.emitEvent(e)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) emitEvent(e deriver.Event) {
	kind, data := a.renderEvent(e)
	if a.out != nil {
		a.writeOutbound(outbound{Type: "event", Event: kind, Data: data})
	}
	if a.wsHub != nil {
		a.wsHub.Broadcast(kind, data)
	}
}

func (a *Adapter) renderEvent(e deriver.Event) (string, interface{}) {
	switch e.Kind {
	case deriver.EventMessage:
		msg := a.renderStoredMessage(e.GlobalID, e.InboxID, e.MessageType, e.ExpirationTime)
		return "message", msg
	case deriver.EventMessageExpirationTimeExtended:
		return "message_expiration_time_extended", map[string]interface{}{
			"global_id":       e.GlobalID[:],
			"inbox_id":        e.InboxID[:],
			"expiration_time": e.ExpirationTime,
		}
	case deriver.EventMessageExpired:
		return "message_expired", map[string]interface{}{
			"global_id": e.GlobalID[:],
			"inbox_id":  e.InboxID[:],
		}
	case deriver.EventInbox:
		return "inbox", map[string]interface{}{
			"global_id":       e.GlobalID[:],
			"expiration_time": e.ExpirationTime,
		}
	default:
		return "unknown", nil
	}
}

// renderStoredMessage loads a message's full content for the event payload;
// it falls back to an envelope-only shape if the lookup fails,
// since the event itself must never be dropped on a transient store error.
func (a *Adapter) renderStoredMessage(globalID, inboxID deriver.GlobalID, messageType deriver.MessageType, expiration int64) wireStoredMessage {
	out := wireStoredMessage{
		GlobalID:       globalID[:],
		InboxID:        inboxID[:],
		MessageType:    string(messageType),
		ExpirationTime: &expiration,
	}

	stored, err := a.deriver.GetStoredMessage(globalID, inboxID)
	if err != nil || stored == nil {
		return out
	}
	sender, msg, err := deriver.DecodeStoredMessage(stored.Plaintext)
	if err != nil {
		return out
	}
	out.Message = toWireMessage(sender, msg)
	return out
}
