// Package webrtc implements the transport contracts on pion data channels
// with trickle ICE. The mesh carries SDP and candidates in its own message
// envelopes; this package only produces and consumes them.
package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"swarmcast/internal/transport"
)

var defaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// Options configures a Transport.
type Options struct {
	// STUNServers are ICE server URLs. Default is Google's public STUN.
	STUNServers []string
	Logger      *logrus.Logger
}

// Transport creates data-channel connections. It implements
// transport.Dialer once bound to an event set.
type Transport struct {
	config webrtc.Configuration
	events transport.Events
	logger *logrus.Logger
}

func New(opts Options) *Transport {
	servers := opts.STUNServers
	if len(servers) == 0 {
		servers = defaultSTUNServers
	}
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		logger: logger,
	}
}

// Bind installs the event callbacks and returns the transport as a Dialer,
// usable directly as a mesh transport factory.
func (t *Transport) Bind(ev transport.Events) transport.Dialer {
	t.events = ev
	return t
}

// Offer creates the offering side: a peer connection with a fresh data
// channel and a local offer SDP.
func (t *Transport) Offer(remoteID string) (transport.Conn, string, error) {
	conn, err := t.newConn(remoteID)
	if err != nil {
		return nil, "", err
	}

	ordered := true
	dc, err := conn.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: creating data channel: %v", transport.ErrHandshake, err)
	}
	conn.setupDataChannel(dc)

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: creating offer: %v", transport.ErrHandshake, err)
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: setting local description: %v", transport.ErrHandshake, err)
	}
	return conn, offer.SDP, nil
}

// Answer creates the responding side: applies the remote offer, waits for
// the offerer's data channel and produces the answer SDP.
func (t *Transport) Answer(remoteID, offerSDP string) (transport.Conn, string, error) {
	conn, err := t.newConn(remoteID)
	if err != nil {
		return nil, "", err
	}
	conn.pc.OnDataChannel(conn.setupDataChannel)

	if err := conn.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: applying offer: %v", transport.ErrHandshake, err)
	}

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: creating answer: %v", transport.ErrHandshake, err)
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: setting local description: %v", transport.ErrHandshake, err)
	}
	return conn, answer.SDP, nil
}

func (t *Transport) newConn(remoteID string) (*Conn, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("%w: creating peer connection: %v", transport.ErrHandshake, err)
	}

	conn := &Conn{
		remote:    remoteID,
		pc:        pc,
		transport: t,
		state:     transport.StateConnecting,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			t.logger.Warnf("Encoding candidate for %s failed: %v", remoteID, err)
			return
		}
		if t.events.OnCandidate != nil {
			t.events.OnCandidate(remoteID, string(payload))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			conn.markClosed()
		}
	})

	return conn, nil
}

// Conn is one data-channel connection.
type Conn struct {
	remote    string
	pc        *webrtc.PeerConnection
	transport *Transport

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	state transport.State
}

func (c *Conn) RemoteID() string { return c.remote }

func (c *Conn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.state != transport.StateConnecting {
			c.mu.Unlock()
			return
		}
		c.state = transport.StateOpen
		c.mu.Unlock()
		if c.transport.events.OnOpen != nil {
			c.transport.events.OnOpen(c)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.transport.events.OnMessage != nil {
			c.transport.events.OnMessage(c.remote, msg.Data)
		}
	})

	dc.OnClose(func() {
		c.markClosed()
	})
}

// AcceptAnswer completes the offering side's handshake.
func (c *Conn) AcceptAnswer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("%w: applying answer: %v", transport.ErrHandshake, err)
	}
	return nil
}

// AddCandidate applies a remote ICE candidate. The payload is the JSON
// form of an ICECandidateInit; a bare candidate string is accepted too.
func (c *Conn) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: adding candidate: %v", transport.ErrHandshake, err)
	}
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	state := c.state
	c.mu.Unlock()
	if dc == nil || state != transport.StateOpen {
		return transport.ErrClosed
	}
	return dc.Send(data)
}

func (c *Conn) Close() error {
	c.markClosed()
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}

// markClosed transitions to the terminal state exactly once; OnClose fires
// only for connections that were established.
func (c *Conn) markClosed() {
	c.mu.Lock()
	if c.state == transport.StateClosed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == transport.StateOpen
	c.state = transport.StateClosed
	c.mu.Unlock()

	if wasOpen && c.transport.events.OnClose != nil {
		c.transport.events.OnClose(c.remote)
	}
}
