// Package bus is the in-process publish/subscribe glue between the mesh,
// gossip and media subsystems. Messages are dispatched to listeners keyed
// by envelope type, in registration order, one message at a time.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"swarmcast/internal/protocol"
)

// Listener receives every dispatched message of the type it subscribed to.
type Listener func(*protocol.Message)

// Subscription identifies one registration. On and Once return it;
// RemoveListener takes it. The zero value is never issued.
type Subscription uint64

type entry struct {
	fn   Listener
	sub  Subscription
	once bool
}

// Bus dispatches validated messages to per-type listener lists. Listeners
// registered for the same type fire in registration order, and a dispatch
// runs to completion before the next queued message starts.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]entry
	nextSub   Subscription
	queue     []*protocol.Message
	draining  bool
	logger    *logrus.Logger
}

func New(log *logrus.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]entry),
		logger:    log,
	}
}

// On registers fn for msgType. Every call is a distinct registration, so
// two closures built from the same literal both fire; unregister with the
// returned subscription.
func (b *Bus) On(msgType string, fn Listener) Subscription {
	return b.add(msgType, fn, false)
}

// Once registers fn for msgType and removes it after its first invocation.
func (b *Bus) Once(msgType string, fn Listener) Subscription {
	return b.add(msgType, fn, true)
}

func (b *Bus) add(msgType string, fn Listener, once bool) Subscription {
	if msgType == "" || fn == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	sub := b.nextSub
	b.listeners[msgType] = append(b.listeners[msgType], entry{fn: fn, sub: sub, once: once})
	return sub
}

// RemoveListener unregisters the subscription from msgType. Unknown
// subscriptions are ignored.
func (b *Bus) RemoveListener(msgType string, sub Subscription) {
	if sub == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[msgType]
	for i, e := range entries {
		if e.sub == sub {
			b.listeners[msgType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners drops every listener for msgType, or every listener on
// the bus when msgType is empty.
func (b *Bus) RemoveAllListeners(msgType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msgType == "" {
		b.listeners = make(map[string][]entry)
		return
	}
	delete(b.listeners, msgType)
}

// ListenerCount reports the number of listeners registered for msgType.
func (b *Bus) ListenerCount(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[msgType])
}

// Dispatch validates the message and delivers it to every listener for its
// type. Malformed messages are logged and dropped. Messages dispatched from
// inside a listener are queued and delivered after the current message
// finishes, which keeps the observed order serialized.
func (b *Bus) Dispatch(msg *protocol.Message) {
	if msg == nil {
		return
	}
	if err := msg.Validate(); err != nil {
		if b.logger != nil {
			b.logger.Warnf("Dropping message: %v", err)
		}
		return
	}

	b.mu.Lock()
	b.queue = append(b.queue, msg)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		entries := b.takeEntriesLocked(next.Type)
		b.mu.Unlock()

		for _, e := range entries {
			e.fn(next)
		}

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

// takeEntriesLocked snapshots the listener list for a type and unregisters
// one-shot listeners before they run, so they cannot fire twice.
func (b *Bus) takeEntriesLocked(msgType string) []entry {
	entries := append([]entry(nil), b.listeners[msgType]...)
	if len(entries) == 0 {
		return nil
	}
	kept := b.listeners[msgType][:0]
	for _, e := range b.listeners[msgType] {
		if !e.once {
			kept = append(kept, e)
		}
	}
	b.listeners[msgType] = kept
	return entries
}
