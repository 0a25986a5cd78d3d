package gossip

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swarmcast/internal/bus"
	"swarmcast/internal/protocol"
	"swarmcast/internal/telemetry"
)

const (
	defaultC      = 10
	defaultPeriod = 2500 * time.Millisecond
)

// SendFunc hands a message to the mesh. The timeout bounds how long the
// mesh may hold it in its retry queue.
type SendFunc func(msg *protocol.Message, timeout time.Duration, cb func(error)) error

// DescriptorUpdate mutates one field of the own descriptor. Path addresses
// the field ("media", url), Value is the new content.
type DescriptorUpdate struct {
	Path  []string `json:"path"`
	Value any      `json:"value"`
}

// Options configures an Engine. SelfID, Bus and Send are required.
type Options struct {
	SelfID string
	Bus    *bus.Bus
	Send   SendFunc
	// C is the view size bound. Default 10.
	C int
	// H is the healing parameter, S the swap parameter. Default 0.
	H, S int
	// Period is the active thread interval. Default 2.5s.
	Period time.Duration
	// Selection picks the exchange partner: "random" (default) or "oldest".
	Selection string
	Logger    *logrus.Logger
	Rand      *rand.Rand
}

// Engine runs the random peer sampling protocol. The active thread wakes
// every period, picks a partner from the view and sends it a buffer; the
// passive thread answers incoming buffers. All view state is owned by the
// run goroutine, fed through the inbox channel.
type Engine struct {
	selfID    string
	bus       *bus.Bus
	send      SendFunc
	c, h, s   int
	period    time.Duration
	selection string
	logger    *logrus.Logger
	rng       *rand.Rand

	inbox chan *protocol.Message
	done  chan struct{}

	// mu guards view and self for snapshot reads; only the run goroutine
	// writes them.
	mu   sync.Mutex
	view View
	self Descriptor

	// awaiting remembers the buffer sent by the active thread until the
	// answer arrives or the next tick cancels the exchange.
	awaiting *pendingExchange
}

type pendingExchange struct {
	remote string
	sent   View
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		selfID:    opts.SelfID,
		bus:       opts.Bus,
		send:      opts.Send,
		c:         opts.C,
		h:         opts.H,
		s:         opts.S,
		period:    opts.Period,
		selection: opts.Selection,
		logger:    opts.Logger,
		rng:       opts.Rand,
		inbox:     make(chan *protocol.Message, 64),
		done:      make(chan struct{}),
		self:      Descriptor{ID: opts.SelfID},
	}
	if e.c <= 0 {
		e.c = defaultC
	}
	if e.period <= 0 {
		e.period = defaultPeriod
	}
	if e.selection == "" {
		e.selection = "random"
	}
	if e.logger == nil {
		e.logger = logrus.New()
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	e.bus.On(protocol.TypeFirstView, e.intake)
	e.bus.On(protocol.TypeGossipRequest, e.intake)
	e.bus.On(protocol.TypeGossipAnswer, e.intake)
	e.bus.On(protocol.TypeGossipDescriptor, e.intake)

	return e
}

// intake moves bus traffic onto the engine goroutine. A full inbox means
// the engine is wedged or stopped; dropping is safe, gossip is periodic.
func (e *Engine) intake(msg *protocol.Message) {
	select {
	case e.inbox <- msg:
	default:
		e.logger.Warnf("Gossip inbox full, dropping %s from %s", msg.Type, msg.From)
	}
}

// Start launches the engine goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Close stops the engine goroutine.
func (e *Engine) Close() error {
	select {
	case <-e.done:
		return nil
	default:
	}
	close(e.done)
	return nil
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.activeTick()
		case msg := <-e.inbox:
			e.handle(msg)
		}
	}
}

// View returns a snapshot of the current partial view.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.Clone()
}

// Self returns a snapshot of the own descriptor.
func (e *Engine) Self() Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self.Clone()
}

// activeTick cancels any exchange still in flight, then starts a new one
// with a partner drawn from the view.
func (e *Engine) activeTick() {
	if e.awaiting != nil {
		e.logger.Debugf("Gossip exchange with %s timed out", e.awaiting.remote)
		e.awaiting = nil
	}

	e.mu.Lock()
	view := e.view.Clone()
	self := e.self.Clone()
	e.mu.Unlock()

	remote, ok := SelectRemotePeer(e.selection, view, e.rng)
	if !ok {
		return
	}

	buf := GenBuffer(Active, remote.ID, self, view, e.c, e.h, e.rng)
	e.awaiting = &pendingExchange{remote: remote.ID, sent: buf}

	msg := &protocol.Message{
		Type: protocol.TypeGossipRequest,
		From: e.selfID,
		To:   remote.ID,
		Data: buf,
	}
	if err := e.send(msg, e.period, nil); err != nil {
		e.logger.Warnf("Gossip request to %s failed: %v", remote.ID, err)
		e.awaiting = nil
	}
}

func (e *Engine) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeFirstView:
		e.onFirstView(msg)
	case protocol.TypeGossipRequest:
		e.onRequest(msg)
	case protocol.TypeGossipAnswer:
		e.onAnswer(msg)
	case protocol.TypeGossipDescriptor:
		e.onDescriptorUpdate(msg)
	}
}

// onFirstView seeds the view from the rendezvous service's bootstrap sample.
func (e *Engine) onFirstView(msg *protocol.Message) {
	var received View
	if err := protocol.DataAs(msg, &received); err != nil {
		e.logger.Warnf("Dropping first-view: bad payload: %v", err)
		return
	}
	e.merge(received, nil, false)
	e.logger.Infof("Bootstrapped view with %d descriptors", len(e.view))
}

// onRequest is the passive thread: answer with an own buffer, then merge.
func (e *Engine) onRequest(msg *protocol.Message) {
	var received View
	if err := protocol.DataAs(msg, &received); err != nil {
		e.logger.Warnf("Dropping gossip request from %s: bad payload: %v", msg.From, err)
		return
	}

	e.mu.Lock()
	view := e.view.Clone()
	self := e.self.Clone()
	e.mu.Unlock()

	sent := GenBuffer(Passive, msg.From, self, view, e.c, e.h, e.rng)
	answer := &protocol.Message{
		Type: protocol.TypeGossipAnswer,
		From: e.selfID,
		To:   msg.From,
		Data: sent,
	}
	if err := e.send(answer, e.period, nil); err != nil {
		e.logger.Warnf("Gossip answer to %s failed: %v", msg.From, err)
	}

	e.merge(received, sent, true)
	telemetry.GossipExchanges.WithLabelValues("passive").Inc()
}

// onAnswer completes the exchange the active thread started. Answers from
// anyone but the awaited partner, or after the tick cancelled the exchange,
// are ignored.
func (e *Engine) onAnswer(msg *protocol.Message) {
	if e.awaiting == nil || e.awaiting.remote != msg.From {
		e.logger.Debugf("Ignoring gossip answer from %s: no exchange pending", msg.From)
		return
	}
	var received View
	if err := protocol.DataAs(msg, &received); err != nil {
		e.logger.Warnf("Dropping gossip answer from %s: bad payload: %v", msg.From, err)
		return
	}
	sent := e.awaiting.sent
	e.awaiting = nil

	e.merge(received, sent, true)
	telemetry.GossipExchanges.WithLabelValues("active").Inc()
}

// onDescriptorUpdate applies a local mutation to the own descriptor, so
// the next generated buffer advertises it.
func (e *Engine) onDescriptorUpdate(msg *protocol.Message) {
	var upd DescriptorUpdate
	if err := protocol.DataAs(msg, &upd); err != nil {
		e.logger.Warnf("Dropping descriptor update: bad payload: %v", err)
		return
	}
	if len(upd.Path) != 2 || upd.Path[0] != "media" {
		e.logger.Warnf("Dropping descriptor update: unsupported path %v", upd.Path)
		return
	}
	parts, err := toInts(upd.Value)
	if err != nil {
		e.logger.Warnf("Dropping descriptor update for %s: %v", upd.Path[1], err)
		return
	}

	e.mu.Lock()
	if e.self.Media == nil {
		e.self.Media = make(map[string][]int)
	}
	e.self.Media[upd.Path[1]] = parts
	e.mu.Unlock()
}

// merge folds a received buffer into the view, optionally ages it, checks
// the size bound and publishes the new view on the bus.
func (e *Engine) merge(received, sent View, age bool) {
	e.mu.Lock()
	view := MergeView(received, sent, e.view, e.selfID, e.c, e.h, e.s, e.rng)
	if age {
		view.Age()
	}
	if len(view) > e.c {
		e.mu.Unlock()
		panic(fmt.Sprintf("gossip: view size %d exceeds bound %d", len(view), e.c))
	}
	e.view = view
	snapshot := view.Clone()
	e.mu.Unlock()

	e.bus.Dispatch(&protocol.Message{
		Type: protocol.TypeGossipViewUpdate,
		From: e.selfID,
		To:   e.selfID,
		Data: snapshot,
	})
}

// toInts normalizes a part list that may arrive as []int locally or as
// []any of float64 off the wire.
func toInts(v any) ([]int, error) {
	switch t := v.(type) {
	case []int:
		return append([]int(nil), t...), nil
	case []any:
		out := make([]int, 0, len(t))
		for _, e := range t {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("unexpected element %T in part list", e)
			}
			out = append(out, int(f))
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected part list type %T", v)
	}
}
