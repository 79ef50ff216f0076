package siosession

import "context"

// Transport is the wire client the Manager drives. Implementations return
// *Error values from the taxonomy; anything else is wrapped by the Manager.
//
// Connect fails with InvalidURL, ConnectionFailed or ConnectionTimeout.
// Listen fails with EventError or NotConnected. Unlisten fails with
// EventError. Emit fails with EmissionFailed or NotConnected. Disconnect
// fails with DisconnectionFailed.
type Transport interface {
	Connect(ctx context.Context, url string, opts *ConnectionOptions) (string, error)
	Listen(ctx context.Context, event string) error
	Unlisten(ctx context.Context, event string) error
	Emit(ctx context.Context, event string, data Value) error
	Disconnect(ctx context.Context) error

	// Inbound delivers status changes and named events. The channel lives as
	// long as the transport.
	Inbound() <-chan Inbound
}

type InboundKind int

const (
	InboundStatus InboundKind = iota
	InboundEvent
)

// Inbound is one message of a transport's inbound feed. For InboundStatus the
// Payload is a status map (see StatusPayload); for InboundEvent it is the
// event data.
type Inbound struct {
	Kind    InboundKind
	Event   string
	Payload Value
}

func StatusMessage(ev StatusEvent) Inbound {
	return Inbound{Kind: InboundStatus, Payload: StatusPayload(ev)}
}

func EventMessage(event string, data Value) Inbound {
	return Inbound{Kind: InboundEvent, Event: event, Payload: data}
}
