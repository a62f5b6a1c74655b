package ports

import "encoding/json"

// Event is one protocol message emitted during a run. It marshals flat:
// the payload keys sit next to type and sessionId at the top level, which
// is the shape the dashboard reads off the wire.
type Event struct {
	Type      string
	SessionID string
	Payload   map[string]any
}

// NewEvent builds an event for the given session. A nil payload is fine.
func NewEvent(eventType, sessionID string, payload map[string]any) Event {
	return Event{Type: eventType, SessionID: sessionID, Payload: payload}
}

// MarshalJSON flattens the payload into the top-level object. Payload keys
// never shadow type or sessionId.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["sessionId"] = e.SessionID
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = t
	}
	if s, ok := raw["sessionId"].(string); ok {
		e.SessionID = s
	}
	delete(raw, "type")
	delete(raw, "sessionId")
	if len(raw) > 0 {
		e.Payload = raw
	} else {
		e.Payload = nil
	}
	return nil
}

// EventListener consumes run events. Implementations must be safe for
// concurrent OnEvent calls.
type EventListener interface {
	OnEvent(event Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(event Event)

// OnEvent implements EventListener.
func (f EventListenerFunc) OnEvent(event Event) { f(event) }
