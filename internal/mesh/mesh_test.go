package mesh_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swarmcast/internal/bus"
	"swarmcast/internal/logger"
	"swarmcast/internal/mesh"
	"swarmcast/internal/protocol"
	"swarmcast/internal/transport"
	"swarmcast/internal/transport/memory"
)

// signalHub is a stand-in for the rendezvous service: targeted messages go
// to their destination, broadcasts go to everyone else.
type signalHub struct {
	mu      sync.Mutex
	clients map[string]*stubSignal
}

func newSignalHub() *signalHub {
	return &signalHub{clients: make(map[string]*stubSignal)}
}

func (h *signalHub) client(id string) *stubSignal {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &stubSignal{hub: h, id: id, ch: make(chan *protocol.Message, 64)}
	h.clients[id] = s
	return s
}

type stubSignal struct {
	hub *signalHub
	id  string
	ch  chan *protocol.Message
}

func (s *stubSignal) Send(msg *protocol.Message) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if msg.To != protocol.Broadcast {
		if c, ok := s.hub.clients[msg.To]; ok {
			c.ch <- msg
		}
		return nil
	}
	for id, c := range s.hub.clients {
		if id != s.id {
			c.ch <- msg
		}
	}
	return nil
}

func (s *stubSignal) Recv() <-chan *protocol.Message { return s.ch }
func (s *stubSignal) Close() error                   { return nil }

type testPeer struct {
	node *mesh.Node
	bus  *bus.Bus
	ep   *memory.Endpoint
}

func newTestPeer(net *memory.Network, hub *signalHub, id string) *testPeer {
	b := bus.New(logger.New("panic"))
	ep := net.Endpoint(id)
	var sig transport.Signaler
	if hub != nil {
		sig = hub.client(id)
	}
	node := mesh.NewNode(mesh.Options{
		ID:        id,
		Bus:       b,
		Transport: ep.Bind,
		Signal:    sig,
		TTL:       3,
		Logger:    logger.New("panic"),
	})
	return &testPeer{node: node, bus: b, ep: ep}
}

func TestThreePeerMeshForward(t *testing.T) {
	net := memory.NewNetwork()
	a := newTestPeer(net, nil, "A")
	b := newTestPeer(net, nil, "B")
	c := newTestPeer(net, nil, "C")
	_ = a
	_ = b

	// A-B and B-C only.
	net.Connect("A", "B")
	net.Connect("B", "C")

	var observed *protocol.Message
	c.bus.On(protocol.TypeRequestPeer, func(m *protocol.Message) {
		observed = m
	})

	err := a.node.Send(&protocol.Message{
		Type:      protocol.TypeRequestPeer,
		From:      "A",
		To:        "C",
		TTL:       3,
		ForwardBy: []string{},
	}, 0, nil)
	require.NoError(t, err)

	require.NotNil(t, observed, "C never observed the request-peer")
	require.Equal(t, []string{"B"}, observed.ForwardBy)
	require.Equal(t, 2, observed.TTL)
}

func TestForward_DropsAtZeroTTL(t *testing.T) {
	net := memory.NewNetwork()
	a := newTestPeer(net, nil, "A")
	b := newTestPeer(net, nil, "B")
	c := newTestPeer(net, nil, "C")
	_ = b

	net.Connect("A", "B")
	net.Connect("B", "C")

	delivered := false
	c.bus.On(protocol.TypeRequestPeer, func(m *protocol.Message) { delivered = true })

	err := a.node.Send(&protocol.Message{
		Type:      protocol.TypeRequestPeer,
		From:      "A",
		To:        "C",
		TTL:       0,
		ForwardBy: []string{},
	}, 0, nil)
	require.NoError(t, err)
	require.False(t, delivered, "message with ttl 0 must not be forwarded")
}

func TestQueuedUntilConnected(t *testing.T) {
	net := memory.NewNetwork()
	hub := newSignalHub()
	n := newTestPeer(net, hub, "n")
	a := newTestPeer(net, hub, "a")

	var deliveredMu sync.Mutex
	var requestPeerSeen bool
	var delivered *protocol.Message
	a.bus.On(protocol.TypeRequestPeer, func(m *protocol.Message) {
		deliveredMu.Lock()
		if m.From == "n" {
			requestPeerSeen = true
		}
		deliveredMu.Unlock()
	})
	a.bus.On("queuetest", func(m *protocol.Message) {
		deliveredMu.Lock()
		delivered = m
		deliveredMu.Unlock()
	})

	n.node.Start()
	a.node.Start()
	defer func() {
		_ = n.node.Close()
		_ = a.node.Close()
	}()

	err := n.node.Send(&protocol.Message{Type: "queuetest", From: "n", To: "a"}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n.node.QueueLen())

	// The handshake runs over the signal hub: request-peer, offer, answer.
	require.Eventually(t, func() bool {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		return delivered != nil
	}, 2*time.Second, 10*time.Millisecond, "queued message never delivered")

	deliveredMu.Lock()
	seen := requestPeerSeen
	deliveredMu.Unlock()
	require.True(t, seen, "expected a request-peer targeting a")
	require.Equal(t, 0, n.node.QueueLen())
	require.True(t, n.node.Connected("a"))
}

func TestRetryQueueTimeout(t *testing.T) {
	net := memory.NewNetwork()

	now := time.Now()
	clock := now
	n := mesh.NewNode(mesh.Options{
		ID:        "n",
		Bus:       bus.New(logger.New("panic")),
		Transport: net.Endpoint("n").Bind,
		QueueTick: time.Second,
		Logger:    logger.New("panic"),
		Now:       func() time.Time { return clock },
	})

	fired := 0
	err := n.Send(&protocol.Message{Type: "queuetest", From: "n", To: "a"}, 1500*time.Millisecond, func(err error) {
		require.ErrorIs(t, err, mesh.ErrTimeoutExpired)
		fired++
	})
	require.NoError(t, err)
	require.Equal(t, 1, n.QueueLen())

	n.ProcessQueue(now.Add(time.Second))
	require.Equal(t, 1, n.QueueLen(), "entry must survive the first tick")
	require.Equal(t, 0, fired)

	n.ProcessQueue(now.Add(2 * time.Second))
	require.Equal(t, 0, n.QueueLen(), "entry must expire on the second tick")
	require.Equal(t, 1, fired, "callback must fire exactly once")

	n.ProcessQueue(now.Add(3 * time.Second))
	require.Equal(t, 1, fired)
}

func TestRequestPeerReissuedAfterTimeout(t *testing.T) {
	net := memory.NewNetwork()
	hub := newSignalHub()
	observer := hub.client("a")

	now := time.Now()
	n := mesh.NewNode(mesh.Options{
		ID:        "n",
		Bus:       bus.New(logger.New("panic")),
		Transport: net.Endpoint("n").Bind,
		Signal:    hub.client("n"),
		Logger:    logger.New("panic"),
		Now:       func() time.Time { return now },
	})

	requests := func() int {
		count := 0
		for {
			select {
			case m := <-observer.Recv():
				if m.Type == protocol.TypeRequestPeer {
					count++
				}
			default:
				return count
			}
		}
	}

	require.NoError(t, n.Send(&protocol.Message{Type: "queuetest", From: "n", To: "a"}, time.Second, nil))
	require.NoError(t, n.Send(&protocol.Message{Type: "queuetest", From: "n", To: "a"}, time.Second, nil))
	require.Equal(t, 1, requests(), "one request-peer per target while in flight")

	// Both entries expire; the handshake never happened.
	n.ProcessQueue(now.Add(2 * time.Second))
	require.Equal(t, 0, n.QueueLen())

	require.NoError(t, n.Send(&protocol.Message{Type: "queuetest", From: "n", To: "a"}, time.Second, nil))
	require.Equal(t, 1, requests(), "expired target must get a fresh request-peer")
}

func TestHandshakeOverSignal(t *testing.T) {
	net := memory.NewNetwork()
	hub := newSignalHub()
	a := newTestPeer(net, hub, "a")
	b := newTestPeer(net, hub, "b")

	var connectedMu sync.Mutex
	connected := map[string]bool{}
	a.bus.On(protocol.TypeConnected, func(m *protocol.Message) {
		connectedMu.Lock()
		connected["a<-"+m.From] = true
		connectedMu.Unlock()
	})
	b.bus.On(protocol.TypeConnected, func(m *protocol.Message) {
		connectedMu.Lock()
		connected["b<-"+m.From] = true
		connectedMu.Unlock()
	})

	a.node.Start()
	b.node.Start()
	defer func() {
		_ = a.node.Close()
		_ = b.node.Close()
	}()

	// A request-peer from b reaches a through the hub; a offers, b answers.
	err := b.node.Send(&protocol.Message{Type: "hello", From: "b", To: "a"}, 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.node.Connected("b") && b.node.Connected("a")
	}, 2*time.Second, 10*time.Millisecond)

	connectedMu.Lock()
	defer connectedMu.Unlock()
	require.True(t, connected["a<-b"])
	require.True(t, connected["b<-a"])
}

func TestSimultaneousOpenTieBreak(t *testing.T) {
	net := memory.NewNetwork()
	hub := newSignalHub()
	a := newTestPeer(net, hub, "a")
	b := newTestPeer(net, hub, "b")

	a.node.Start()
	b.node.Start()
	defer func() {
		_ = a.node.Close()
		_ = b.node.Close()
	}()

	require.NoError(t, a.node.Send(&protocol.Message{Type: "x", From: "a", To: "b"}, 0, nil))
	require.NoError(t, b.node.Send(&protocol.Message{Type: "x", From: "b", To: "a"}, 0, nil))

	require.Eventually(t, func() bool {
		return a.node.Connected("b") && b.node.Connected("a")
	}, 2*time.Second, 10*time.Millisecond)

	// A single connection pair, even though both sides initiated.
	require.Len(t, a.node.ConnectedPeers(), 1)
	require.Len(t, b.node.ConnectedPeers(), 1)
}

func TestICECandidateBufferedBeforeOffer(t *testing.T) {
	net := memory.NewNetwork()
	hub := newSignalHub()
	a := newTestPeer(net, hub, "a")
	b := newTestPeer(net, hub, "b")
	_ = a

	// A candidate from a arrives at b before any offer exists.
	b.node.HandleMessage(&protocol.Message{
		Type:      protocol.TypeICECandidate,
		From:      "a",
		To:        "b",
		TTL:       3,
		ForwardBy: []string{},
		Data:      "cand-early",
	})

	// Now the offer arrives and b answers; the buffered candidate must be
	// applied right after the remote description.
	b.node.HandleMessage(&protocol.Message{
		Type:      protocol.TypeOffer,
		From:      "a",
		To:        "b",
		TTL:       3,
		ForwardBy: []string{},
		Data:      "offer:a",
	})

	conn := net.Endpoint("b").Conn("a")
	require.NotNil(t, conn)
	require.Equal(t, []string{"cand-early"}, conn.Candidates())
}

func TestBroadcastSkipsHandledPeers(t *testing.T) {
	net := memory.NewNetwork()
	hub := newSignalHub()
	a := newTestPeer(net, hub, "A")
	b := newTestPeer(net, hub, "B")
	c := newTestPeer(net, hub, "C")

	net.Connect("A", "B")
	net.Connect("A", "C")

	got := map[string]int{}
	b.bus.On(protocol.TypeRequestPeer, func(m *protocol.Message) { got["B"]++ })
	c.bus.On(protocol.TypeRequestPeer, func(m *protocol.Message) { got["C"]++ })

	// B already forwarded this message, so only C may receive it.
	err := a.node.Send(&protocol.Message{
		Type:      protocol.TypeRequestPeer,
		From:      "X",
		To:        protocol.Broadcast,
		TTL:       2,
		ForwardBy: []string{"B"},
	}, 0, nil)
	require.NoError(t, err)

	require.Equal(t, 0, got["B"])
	require.Equal(t, 1, got["C"])
}
