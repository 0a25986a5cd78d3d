// Package transport defines the duplex per-peer channel contracts the mesh
// builds on. The production implementation is WebRTC data channels; tests
// use an in-process pair. Both sides of the contract exchange SDP blobs and
// ICE candidates through the mesh, which routes them inside the message
// envelope.
package transport

import (
	"errors"

	"swarmcast/internal/protocol"
)

// State is the connection lifecycle. Closed is terminal.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "close"
	default:
		return "unknown"
	}
}

// ErrHandshake marks SDP or ICE negotiation failures. They tear down the
// affected connection only.
var ErrHandshake = errors.New("handshake failure")

// ErrClosed is returned by Send on a connection that is not open.
var ErrClosed = errors.New("connection not open")

// Conn is one duplex, ordered, reliable channel to a remote peer.
type Conn interface {
	RemoteID() string
	State() State
	// Send frames data as one transport message. Only legal when open.
	Send(data []byte) error
	// AcceptAnswer applies the remote answer SDP on the offering side.
	AcceptAnswer(sdp string) error
	// AddCandidate applies a remote ICE candidate. Callers must buffer
	// candidates until HasRemoteDescription reports true.
	AddCandidate(candidate string) error
	HasRemoteDescription() bool
	Close() error
}

// Dialer creates connections. Offer builds the offering side (the one that
// owns the data channel) and returns its offer SDP; Answer builds the
// responding side from a received offer and returns the answer SDP.
type Dialer interface {
	Offer(remoteID string) (Conn, string, error)
	Answer(remoteID, offerSDP string) (Conn, string, error)
}

// Events are the callbacks a Dialer invokes as connections progress. All
// callbacks may fire from transport goroutines. OnOpen carries the
// connection itself so consumers learn about connections they did not
// negotiate (pre-established pairs in tests).
type Events struct {
	OnOpen      func(conn Conn)
	OnMessage   func(remoteID string, data []byte)
	OnClose     func(remoteID string)
	OnCandidate func(remoteID string, candidate string)
}

// Signaler is the single bidirectional rendezvous link. Envelopes received
// on it are handled as if they came from a peer.
type Signaler interface {
	Send(msg *protocol.Message) error
	Recv() <-chan *protocol.Message
	Close() error
}
