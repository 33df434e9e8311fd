// Package radio describes the platform radio layer the mesh engine runs on:
// a connectionless broadcast medium plus connection-oriented endpoints for
// pulling payloads. Implementations live in memradio (in-process) and
// pkg/libp2p.
package radio

import (
	"context"
)

// PeerID identifies a radio peer as seen by the local device. It is only
// meaningful to the radio that produced it and is never serialized.
type PeerID string

// Frame is one observed broadcast payload and the peer it was heard from.
type Frame struct {
	Data []byte
	Peer PeerID
}

// Endpoint names a characteristic of the payload service.
type Endpoint string

const (
	// ServicePayload is the connection-oriented payload service.
	ServicePayload = "hushmesh-payload"

	// EndpointRequest accepts an 8-byte message id (write only).
	EndpointRequest Endpoint = "request"
	// EndpointResponse streams ciphertext back (notify).
	EndpointResponse Endpoint = "response"

	// ATTOverhead is subtracted from the negotiated MTU to get the notify payload size.
	ATTOverhead = 3
	// DefaultMTU applies until a larger transfer unit is negotiated.
	DefaultMTU = 23
)

// Service is a discovered remote service and its endpoints.
type Service struct {
	ID        string
	Endpoints []Endpoint
}

// Broadcaster transmits frames on the shared medium.
type Broadcaster interface {
	Broadcast(ctx context.Context, frame []byte) error
	StopBroadcast() error
}

// Scanner passively observes frames on the shared medium.
type Scanner interface {
	Scan(ctx context.Context) (<-chan Frame, error)
	StopScan() error
}

// Dialer opens connections to peers heard on the medium.
type Dialer interface {
	Connect(ctx context.Context, peer PeerID) (Conn, error)
}

// Conn is a client-side connection to a peer's payload service.
type Conn interface {
	NegotiateMTU(ctx context.Context, want int) (int, error)
	Discover(ctx context.Context) ([]Service, error)
	Subscribe(ctx context.Context, ep Endpoint) (<-chan []byte, error)
	Write(ctx context.Context, ep Endpoint, data []byte) error
	Close() error
}

// ServerHandler receives server-side events for the payload service.
type ServerHandler interface {
	OnSubscribe(peer PeerID, enabled bool)
	// OnWrite returns nil to acknowledge the write.
	OnWrite(peer PeerID, ep Endpoint, data []byte) error
}

// Peripheral hosts the payload service.
type Peripheral interface {
	// Serve registers h for the payload service; a nil h withdraws it.
	Serve(ctx context.Context, h ServerHandler) error
	Notify(ctx context.Context, peer PeerID, ep Endpoint, data []byte) error
	// MTU returns the transfer unit negotiated with peer.
	MTU(peer PeerID) int
}

// Radio is the complete platform layer a mesh node needs.
type Radio interface {
	Broadcaster
	Scanner
	Dialer
	Peripheral
	Available() bool
}

// HasEndpoints reports whether services expose the payload service, and
// whether that service carries both endpoints.
func HasEndpoints(services []Service) (service, endpoints bool) {
	for _, s := range services {
		if s.ID != ServicePayload {
			continue
		}
		var req, resp bool
		for _, ep := range s.Endpoints {
			switch ep {
			case EndpointRequest:
				req = true
			case EndpointResponse:
				resp = true
			}
		}
		return true, req && resp
	}
	return false, false
}
