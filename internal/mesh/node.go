// Package mesh implements the overlay node: TTL-bounded routing and
// forwarding, the three-way connection handshake over a duplex transport,
// and a retry queue for messages whose destination is not yet connected.
package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swarmcast/internal/bus"
	"swarmcast/internal/protocol"
	"swarmcast/internal/telemetry"
	"swarmcast/internal/transport"
)

const (
	defaultTTL       = 3
	defaultQueueTick = time.Second
)

// ErrUnknownTransport is returned when a message is handed to a connection
// that is closed or was never established.
var ErrUnknownTransport = errors.New("unknown transport")

// ErrTimeoutExpired is passed to the send callback when a queued message
// outlives its per-entry timeout.
var ErrTimeoutExpired = errors.New("send timeout expired")

// SendCallback reports the fate of a queued message. It fires at most once.
type SendCallback func(err error)

// Options configures a Node. ID, Bus and Transport are required.
type Options struct {
	ID        string
	Bus       *bus.Bus
	Transport func(transport.Events) transport.Dialer
	// Signal is the rendezvous link; optional, used as broadcast fallback
	// when no mesh connection can carry a message.
	Signal transport.Signaler
	// TTL is the max residual forward count stamped on outgoing
	// forwardable messages. Default 3.
	TTL int
	// QueueTick is the retry queue sweep period. Default 1s.
	QueueTick time.Duration
	Logger    *logrus.Logger
	// Now is injectable for tests. Default time.Now.
	Now func() time.Time
}

// Node is one mesh participant. It owns its connection map, ICE candidate
// buffers and retry queue; all shared state is guarded by mu and never held
// across transport or bus calls.
type Node struct {
	id        string
	bus       *bus.Bus
	dialer    transport.Dialer
	signal    transport.Signaler
	ttl       int
	queueTick time.Duration
	logger    *logrus.Logger
	now       func() time.Time
	codec     *protocol.Codec

	mu           sync.Mutex
	conns        map[string]transport.Conn
	pendingCands map[string][]string
	pendingPeers map[string]bool
	offerers     map[string]bool
	queue        []*queueEntry

	done chan struct{}
}

type queueEntry struct {
	msg        *protocol.Message
	callback   SendCallback
	timeout    time.Duration
	enqueuedAt time.Time
}

func NewNode(opts Options) *Node {
	n := &Node{
		id:           opts.ID,
		bus:          opts.Bus,
		signal:       opts.Signal,
		ttl:          opts.TTL,
		queueTick:    opts.QueueTick,
		logger:       opts.Logger,
		now:          opts.Now,
		codec:        protocol.NewCodec(),
		conns:        make(map[string]transport.Conn),
		pendingCands: make(map[string][]string),
		pendingPeers: make(map[string]bool),
		offerers:     make(map[string]bool),
		done:         make(chan struct{}),
	}
	if n.ttl <= 0 {
		n.ttl = defaultTTL
	}
	if n.queueTick <= 0 {
		n.queueTick = defaultQueueTick
	}
	if n.now == nil {
		n.now = time.Now
	}
	if n.logger == nil {
		n.logger = logrus.New()
	}

	n.dialer = opts.Transport(transport.Events{
		OnOpen:      n.onConnOpen,
		OnMessage:   n.onConnMessage,
		OnClose:     n.onConnClose,
		OnCandidate: n.onLocalCandidate,
	})

	n.bus.On(protocol.TypeRequestPeer, n.onRequestPeer)
	n.bus.On(protocol.TypeOffer, n.onOffer)
	n.bus.On(protocol.TypeAnswer, n.onAnswer)
	n.bus.On(protocol.TypeICECandidate, n.onICECandidate)

	return n
}

// ID returns this node's peer id.
func (n *Node) ID() string {
	return n.id
}

// Start launches the retry queue sweeper and, when a signal link is
// present, the loop draining messages off it.
func (n *Node) Start() {
	go n.queueLoop()
	if n.signal != nil {
		go n.signalLoop()
	}
}

// Close stops background loops and tears down every connection.
func (n *Node) Close() error {
	select {
	case <-n.done:
		return nil
	default:
	}
	close(n.done)

	n.mu.Lock()
	conns := make([]transport.Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.conns = make(map[string]transport.Conn)
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	if n.signal != nil {
		_ = n.signal.Close()
	}
	return nil
}

func (n *Node) queueLoop() {
	ticker := time.NewTicker(n.queueTick)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.ProcessQueue(n.now())
		}
	}
}

func (n *Node) signalLoop() {
	for {
		select {
		case <-n.done:
			return
		case msg, ok := <-n.signal.Recv():
			if !ok {
				return
			}
			n.HandleMessage(msg)
		}
	}
}

// openConn returns the connection to remote when it exists and is open.
func (n *Node) openConn(remote string) (transport.Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[remote]
	if !ok || c.State() != transport.StateOpen {
		return nil, false
	}
	return c, true
}

// Connected reports whether an open connection to remote exists.
func (n *Node) Connected(remote string) bool {
	_, ok := n.openConn(remote)
	return ok
}

// ConnectedPeers returns the remote ids of every open connection.
func (n *Node) ConnectedPeers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.conns))
	for id, c := range n.conns {
		if c.State() == transport.StateOpen {
			ids = append(ids, id)
		}
	}
	return ids
}

// Send routes a message along the first matching rule: deliver locally,
// hand to an open connection, follow the response route, broadcast when
// forwardable, or enqueue and ask the mesh for a connection.
func (n *Node) Send(msg *protocol.Message, timeout time.Duration, cb SendCallback) error {
	if msg.From == "" {
		msg.From = n.id
	}

	if msg.To == n.id {
		n.bus.Dispatch(msg)
		return nil
	}

	if conn, ok := n.openConn(msg.To); ok {
		return n.sendTo(conn, msg)
	}

	if len(msg.Route) > 0 {
		if conn, ok := n.openConn(msg.Route[0]); ok {
			m := msg.Clone()
			m.Route = m.Route[1:]
			return n.sendTo(conn, m)
		}
	}

	if protocol.Forwardable(msg.Type) {
		n.broadcast(msg)
		return nil
	}

	n.enqueue(msg, timeout, cb)
	n.requestPeer(msg.To)
	return nil
}

func (n *Node) sendTo(conn transport.Conn, msg *protocol.Message) error {
	data, err := n.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		n.logger.Warnf("Send to %s failed: %v", conn.RemoteID(), err)
		return errors.Join(ErrUnknownTransport, err)
	}
	telemetry.MessagesSent.WithLabelValues(msg.Type).Inc()
	return nil
}

// broadcast hands the message to every open connection whose remote has not
// already handled it. With no eligible target the signal link carries it
// instead, with TTL zeroed so the rendezvous tier cannot re-propagate it.
func (n *Node) broadcast(msg *protocol.Message) {
	n.mu.Lock()
	targets := make([]transport.Conn, 0, len(n.conns))
	for remote, c := range n.conns {
		if remote == n.id || c.State() != transport.StateOpen {
			continue
		}
		if msg.Handled(remote) {
			continue
		}
		targets = append(targets, c)
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		if n.signal != nil {
			m := msg.Clone()
			m.TTL = 0
			if err := n.signal.Send(m); err != nil {
				n.logger.Warnf("Signal fallback for %s failed: %v", msg.Type, err)
			}
		} else {
			telemetry.MessagesDropped.WithLabelValues("no_route").Inc()
			n.logger.Debugf("No broadcast target for %s message", msg.Type)
		}
		return
	}

	for _, c := range targets {
		if err := n.sendTo(c, msg); err != nil {
			n.logger.Warnf("Broadcast of %s to %s failed: %v", msg.Type, c.RemoteID(), err)
		}
	}
}

// HandleMessage is the entry point for envelopes arriving off a transport
// or the signal link.
func (n *Node) HandleMessage(msg *protocol.Message) {
	if msg == nil {
		return
	}
	if err := msg.Validate(); err != nil {
		telemetry.MessagesDropped.WithLabelValues("malformed").Inc()
		n.logger.Warnf("Dropping message: %v", err)
		return
	}
	if msg.From == n.id {
		// Echo of our own broadcast coming back through the mesh.
		return
	}

	if msg.To == n.id || msg.To == protocol.Broadcast {
		n.bus.Dispatch(msg)
		if msg.To == protocol.Broadcast && protocol.Forwardable(msg.Type) {
			n.forward(msg)
		}
		return
	}

	n.forward(msg)
}

// forward relays a message addressed to someone else: decrement TTL, record
// ourselves in ForwardBy and re-enter Send. Messages out of TTL are dropped.
func (n *Node) forward(msg *protocol.Message) {
	if msg.TTL == 0 {
		telemetry.MessagesDropped.WithLabelValues("ttl").Inc()
		n.logger.Debugf("Dropping %s for %s: ttl exhausted", msg.Type, msg.To)
		return
	}
	m := msg.Clone()
	m.TTL--
	m.ForwardBy = append(m.ForwardBy, n.id)
	telemetry.MessagesForwarded.Inc()
	if err := n.Send(m, 0, nil); err != nil {
		n.logger.Warnf("Forward of %s to %s failed: %v", m.Type, m.To, err)
	}
}

// requestPeer broadcasts a request-peer targeting the given peer so the
// mesh can establish a direct connection. At most one request is in flight
// per target; the flag clears when the handshake progresses or when a
// queued message for the target times out.
func (n *Node) requestPeer(target string) {
	n.mu.Lock()
	already := n.pendingPeers[target]
	n.pendingPeers[target] = true
	n.mu.Unlock()
	if already {
		return
	}

	msg := &protocol.Message{
		Type:      protocol.TypeRequestPeer,
		From:      n.id,
		To:        target,
		TTL:       n.ttl,
		ForwardBy: []string{},
	}
	if err := n.Send(msg, 0, nil); err != nil {
		n.logger.Warnf("request-peer for %s failed: %v", target, err)
	}
}

// reverseRoute builds the inverse delivery path from the forward history of
// the message being answered.
func reverseRoute(forwardBy []string) []string {
	if len(forwardBy) == 0 {
		return nil
	}
	route := make([]string, len(forwardBy))
	for i, id := range forwardBy {
		route[len(forwardBy)-1-i] = id
	}
	return route
}
