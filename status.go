package siosession

import "fmt"

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusEvent is one connection lifecycle transition. SessionID is only set
// for connected, Reason only for error.
type StatusEvent struct {
	Status    Status
	SessionID string
	Reason    string
}

func (e StatusEvent) String() string {
	switch e.Status {
	case StatusConnected:
		return fmt.Sprintf("connected{%s}", e.SessionID)
	case StatusError:
		return fmt.Sprintf("error{%s}", e.Reason)
	}
	return e.Status.String()
}

const unknownStatusReason = "unknown status payload"

// Keys of a status payload on the inbound feed.
const (
	statusKey    = "status"
	sessionIDKey = "sessionId"
	idKey        = "id"
	reasonKey    = "reason"
)

// StatusPayload builds the inbound payload for ev, the shape parseStatus
// reads back.
func StatusPayload(ev StatusEvent) Value {
	m := map[string]Value{statusKey: String(ev.Status.String())}
	if ev.SessionID != "" {
		m[sessionIDKey] = String(ev.SessionID)
	}
	if ev.Reason != "" {
		m[reasonKey] = String(ev.Reason)
	}
	return Map(m)
}

// parseStatus decodes an inbound status payload. Anything it cannot make
// sense of becomes an error event with a generic reason.
func parseStatus(payload Value) StatusEvent {
	name, ok := stringField(payload, statusKey)
	if !ok {
		return StatusEvent{Status: StatusError, Reason: unknownStatusReason}
	}
	switch name {
	case "connecting":
		return StatusEvent{Status: StatusConnecting}
	case "connected":
		id, ok := stringField(payload, sessionIDKey)
		if !ok {
			id, _ = stringField(payload, idKey)
		}
		return StatusEvent{Status: StatusConnected, SessionID: id}
	case "disconnected":
		return StatusEvent{Status: StatusDisconnected}
	case "error":
		reason, ok := stringField(payload, reasonKey)
		if !ok || reason == "" {
			reason = unknownStatusReason
		}
		return StatusEvent{Status: StatusError, Reason: reason}
	}
	return StatusEvent{Status: StatusError, Reason: unknownStatusReason}
}

func stringField(v Value, key string) (string, bool) {
	f, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return f.AsString()
}
