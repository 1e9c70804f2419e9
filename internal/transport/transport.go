// Package transport defines the PeerTransport abstraction and its
// concrete implementations (libp2p and plain websocket), following
// the shape of the teacher's internal/node package but generalized
// from a single swap protocol to an opaque byte-carrying interface.
package transport

import "context"

// EndpointID identifies a remote peer. Transports assign their own
// opaque string form (a libp2p peer ID, a websocket connection key).
type EndpointID string

// EventKind enumerates the events a PeerTransport can emit.
type EventKind int

const (
	EndpointDiscovered EventKind = iota
	EndpointConnected
	EndpointDisconnected
	BytesReceived
)

// Event is a single transport-level occurrence, delivered in order on
// the Events() channel. Consumers must hand work off promptly (§5 —
// the transport executor must not be blocked).
type Event struct {
	Kind EventKind

	Endpoint EndpointID
	Name     string // human-readable name, set for EndpointConnected
	Bytes    []byte // set for BytesReceived
}

// PeerTransport is the engine's view of a peer-to-peer transport
// (§4.4). Implementations are responsible for discovery, connection
// management, and best-effort byte delivery; the engine assumes:
// broadcast is best-effort fan-out, ordering between distinct sends is
// not guaranteed, and payloads are delivered whole or not at all.
type PeerTransport interface {
	// StartAdvertising makes this endpoint discoverable to others.
	StartAdvertising(ctx context.Context) error

	// StartDiscovery begins looking for other endpoints.
	StartDiscovery(ctx context.Context) error

	// Send delivers bytes to a single connected endpoint.
	Send(ctx context.Context, id EndpointID, b []byte) error

	// Broadcast delivers bytes to every connected endpoint,
	// best-effort.
	Broadcast(ctx context.Context, b []byte) error

	// ConnectedEndpoints returns the currently connected endpoint set.
	ConnectedEndpoints() []EndpointID

	// Events returns the channel transport events are delivered on.
	// Callers must keep draining it; it is closed after StopAll.
	Events() <-chan Event

	// SelfID returns this node's own endpoint ID.
	SelfID() EndpointID

	// StopAll tears down the transport and closes the Events channel.
	StopAll() error
}
