// Package memory is an in-process implementation of the transport
// contracts. Handshakes complete synchronously and frames are delivered
// directly to the remote endpoint, which makes mesh behavior deterministic
// under test without a network or a WebRTC stack.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"swarmcast/internal/transport"
)

// Network connects endpoints by peer id.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Endpoint registers (or returns) the endpoint for id. Bind must be called
// before any connection is created.
func (n *Network) Endpoint(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.endpoints[id]; ok {
		return e
	}
	e := &Endpoint{net: n, id: id, conns: make(map[string]*Conn)}
	n.endpoints[id] = e
	return e
}

// Connect establishes an already-open connection pair between a and b,
// bypassing the handshake. Used to pre-wire mesh topologies in tests.
func (n *Network) Connect(a, b string) {
	ea := n.Endpoint(a)
	eb := n.Endpoint(b)

	ca := ea.newConn(b, true)
	cb := eb.newConn(a, true)
	ca.open()
	cb.open()
}

func (n *Network) lookup(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

// Endpoint is one peer's attachment to the network. It implements
// transport.Dialer.
type Endpoint struct {
	net    *Network
	id     string
	events transport.Events

	mu    sync.Mutex
	conns map[string]*Conn
}

// Bind installs the event callbacks. It returns the endpoint so it can be
// used as a mesh transport factory in one expression.
func (e *Endpoint) Bind(ev transport.Events) transport.Dialer {
	e.events = ev
	return e
}

func (e *Endpoint) newConn(remote string, withRemoteDesc bool) *Conn {
	c := &Conn{
		endpoint:   e,
		remote:     remote,
		state:      transport.StateConnecting,
		remoteDesc: withRemoteDesc,
	}
	e.mu.Lock()
	e.conns[remote] = c
	e.mu.Unlock()
	return c
}

// Conn returns the connection to remote, if any. Exposed for tests.
func (e *Endpoint) Conn(remote string) *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[remote]
}

// Offer creates the offering side. The fake SDP names the offerer so tests
// can assert on handshake traffic.
func (e *Endpoint) Offer(remoteID string) (transport.Conn, string, error) {
	c := e.newConn(remoteID, false)
	return c, "offer:" + e.id, nil
}

// Answer creates the responding side. The answering side has the remote
// description applied by construction.
func (e *Endpoint) Answer(remoteID, offerSDP string) (transport.Conn, string, error) {
	if !strings.HasPrefix(offerSDP, "offer:") {
		return nil, "", fmt.Errorf("%w: unexpected offer %q", transport.ErrHandshake, offerSDP)
	}
	c := e.newConn(remoteID, true)
	return c, "answer:" + e.id, nil
}

// Conn is one side of an in-memory channel pair.
type Conn struct {
	endpoint *Endpoint
	remote   string

	mu         sync.Mutex
	state      transport.State
	remoteDesc bool
	candidates []string
}

func (c *Conn) RemoteID() string { return c.remote }

func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AcceptAnswer completes the handshake: both sides of the pair open and
// their OnOpen callbacks fire.
func (c *Conn) AcceptAnswer(sdp string) error {
	if !strings.HasPrefix(sdp, "answer:") {
		return fmt.Errorf("%w: unexpected answer %q", transport.ErrHandshake, sdp)
	}
	c.mu.Lock()
	c.remoteDesc = true
	c.mu.Unlock()

	peer := c.endpoint.net.lookup(c.remote)
	if peer == nil {
		return fmt.Errorf("%w: unknown peer %s", transport.ErrHandshake, c.remote)
	}
	remoteConn := peer.Conn(c.endpoint.id)
	if remoteConn == nil {
		return fmt.Errorf("%w: peer %s has no connection back", transport.ErrHandshake, c.remote)
	}

	c.open()
	remoteConn.open()
	return nil
}

func (c *Conn) open() {
	c.mu.Lock()
	if c.state != transport.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateOpen
	c.mu.Unlock()

	if c.endpoint.events.OnOpen != nil {
		c.endpoint.events.OnOpen(c)
	}
}

func (c *Conn) AddCandidate(candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteDesc {
		return fmt.Errorf("%w: candidate before remote description", transport.ErrHandshake)
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc
}

// Candidates returns the candidates applied so far, for test assertions.
func (c *Conn) Candidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.candidates...)
}

// Send delivers the frame synchronously to the remote endpoint.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != transport.StateOpen {
		return transport.ErrClosed
	}

	peer := c.endpoint.net.lookup(c.remote)
	if peer == nil {
		return transport.ErrClosed
	}
	remoteConn := peer.Conn(c.endpoint.id)
	if remoteConn == nil || remoteConn.State() != transport.StateOpen {
		return transport.ErrClosed
	}

	if peer.events.OnMessage != nil {
		frame := append([]byte(nil), data...)
		peer.events.OnMessage(c.endpoint.id, frame)
	}
	return nil
}

// Close moves the pair to the terminal state and fires OnClose on both
// endpoints.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == transport.StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state == transport.StateOpen
	c.state = transport.StateClosed
	c.mu.Unlock()

	if c.endpoint.events.OnClose != nil && wasOpen {
		c.endpoint.events.OnClose(c.remote)
	}

	// Only an established pair tears down together. Closing a conn that
	// never opened (a discarded offer) must not touch the remote side.
	if wasOpen {
		if peer := c.endpoint.net.lookup(c.remote); peer != nil {
			if remoteConn := peer.Conn(c.endpoint.id); remoteConn != nil {
				remoteConn.closeQuiet()
			}
		}
	}
	return nil
}

func (c *Conn) closeQuiet() {
	c.mu.Lock()
	if c.state == transport.StateClosed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == transport.StateOpen
	c.state = transport.StateClosed
	c.mu.Unlock()

	if c.endpoint.events.OnClose != nil && wasOpen {
		c.endpoint.events.OnClose(c.remote)
	}
}
