package mesh

import (
	"time"

	"swarmcast/internal/protocol"
	"swarmcast/internal/telemetry"
	"swarmcast/internal/transport"
)

// enqueue parks a message until a connection to its destination opens or
// its per-entry timeout expires.
func (n *Node) enqueue(msg *protocol.Message, timeout time.Duration, cb SendCallback) {
	n.mu.Lock()
	n.queue = append(n.queue, &queueEntry{
		msg:        msg,
		callback:   cb,
		timeout:    timeout,
		enqueuedAt: n.now(),
	})
	depth := len(n.queue)
	n.mu.Unlock()

	telemetry.RetryQueueDepth.Set(float64(depth))
	n.logger.Debugf("Queued %s for %s (%d pending)", msg.Type, msg.To, depth)
}

// QueueLen reports the number of queued messages.
func (n *Node) QueueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// ProcessQueue performs one retry sweep: deliver entries whose destination
// is now connected, expire entries past their timeout (the callback fires
// exactly once, on removal), retain the rest. An expired target's in-flight
// request-peer flag clears, so the next send for it re-issues the request.
// Called periodically by the queue loop; exported so tests can drive time
// explicitly.
func (n *Node) ProcessQueue(now time.Time) {
	type delivery struct {
		entry *queueEntry
		conn  transport.Conn
	}

	n.mu.Lock()
	var deliver []delivery
	var expired []*queueEntry
	kept := n.queue[:0]
	for _, e := range n.queue {
		if c, ok := n.conns[e.msg.To]; ok && c.State() == transport.StateOpen {
			deliver = append(deliver, delivery{entry: e, conn: c})
			continue
		}
		if e.timeout > 0 && now.Sub(e.enqueuedAt) > e.timeout {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	n.queue = kept
	for _, e := range expired {
		delete(n.pendingPeers, e.msg.To)
	}
	depth := len(n.queue)
	n.mu.Unlock()

	telemetry.RetryQueueDepth.Set(float64(depth))

	for _, d := range deliver {
		if err := n.sendTo(d.conn, d.entry.msg); err != nil {
			n.logger.Warnf("Delivering queued %s to %s failed: %v", d.entry.msg.Type, d.entry.msg.To, err)
		}
	}
	for _, e := range expired {
		n.logger.Debugf("Queued %s for %s timed out", e.msg.Type, e.msg.To)
		if e.callback != nil {
			e.callback(ErrTimeoutExpired)
		}
	}
}

// drainQueueFor delivers every queued message destined for remote, in
// enqueue order. Called as soon as the connection opens.
func (n *Node) drainQueueFor(remote string) {
	n.mu.Lock()
	conn, ok := n.conns[remote]
	if !ok || conn.State() != transport.StateOpen {
		n.mu.Unlock()
		return
	}
	var deliver []*queueEntry
	kept := n.queue[:0]
	for _, e := range n.queue {
		if e.msg.To == remote {
			deliver = append(deliver, e)
			continue
		}
		kept = append(kept, e)
	}
	n.queue = kept
	depth := len(n.queue)
	n.mu.Unlock()

	telemetry.RetryQueueDepth.Set(float64(depth))

	for _, e := range deliver {
		if err := n.sendTo(conn, e.msg); err != nil {
			n.logger.Warnf("Delivering queued %s to %s failed: %v", e.msg.Type, remote, err)
		}
	}
}
