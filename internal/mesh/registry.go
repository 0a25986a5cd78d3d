package mesh

import (
	"swarmcast/internal/protocol"
	"swarmcast/internal/telemetry"
	"swarmcast/internal/transport"
)

// The handshake: the peer that asked for a connection (request-peer) ends
// up answering; the peer that received the request creates the data channel
// and offers. Offer and answer travel back along the inverse of the path
// the triggering message took, carried in the Route field.

func (n *Node) onRequestPeer(msg *protocol.Message) {
	remote := msg.From
	if remote == n.id {
		return
	}

	n.mu.Lock()
	if c, ok := n.conns[remote]; ok && c.State() != transport.StateClosed {
		n.mu.Unlock()
		n.logger.Debugf("Ignoring request-peer from %s: connection already exists", remote)
		return
	}
	pending := n.pendingPeers[remote]
	if pending {
		// Simultaneous open: both sides sent request-peer. The smaller id
		// yields, drops its own request and responds to the other.
		if n.id > remote {
			n.mu.Unlock()
			n.logger.Debugf("Ignoring request-peer from %s: ours wins the tie-break", remote)
			return
		}
		delete(n.pendingPeers, remote)
	}
	n.mu.Unlock()

	n.respondWithOffer(remote, msg.ForwardBy)
}

func (n *Node) respondWithOffer(remote string, forwardBy []string) {
	conn, sdp, err := n.dialer.Offer(remote)
	if err != nil {
		n.logger.Warnf("Handshake with %s failed creating offer: %v", remote, err)
		return
	}

	n.mu.Lock()
	n.conns[remote] = conn
	n.offerers[remote] = true
	n.mu.Unlock()

	offer := &protocol.Message{
		Type:      protocol.TypeOffer,
		From:      n.id,
		To:        remote,
		TTL:       n.ttl,
		ForwardBy: []string{},
		Data:      sdp,
		Route:     reverseRoute(forwardBy),
	}
	if err := n.Send(offer, 0, nil); err != nil {
		n.logger.Warnf("Sending offer to %s failed: %v", remote, err)
	}
}

func (n *Node) onOffer(msg *protocol.Message) {
	remote := msg.From
	if remote == n.id {
		return
	}

	var sdp string
	if err := protocol.DataAs(msg, &sdp); err != nil {
		n.logger.Warnf("Dropping offer from %s: bad sdp payload: %v", remote, err)
		return
	}

	n.mu.Lock()
	if existing, ok := n.conns[remote]; ok && existing.State() != transport.StateClosed {
		if n.offerers[remote] && existing.State() == transport.StateConnecting && n.id < remote {
			// Offer collision: we yield, discard our in-flight offer and
			// answer theirs.
			delete(n.conns, remote)
			delete(n.offerers, remote)
			n.mu.Unlock()
			_ = existing.Close()
		} else {
			n.mu.Unlock()
			n.logger.Debugf("Ignoring offer from %s: connection already exists", remote)
			return
		}
	} else {
		n.mu.Unlock()
	}

	conn, answerSDP, err := n.dialer.Answer(remote, sdp)
	if err != nil {
		n.logger.Warnf("Handshake with %s failed creating answer: %v", remote, err)
		return
	}

	n.mu.Lock()
	n.conns[remote] = conn
	delete(n.pendingPeers, remote)
	n.mu.Unlock()

	// The answering side applied the remote description, so candidates
	// buffered before the offer arrived can drain now.
	n.drainCandidates(remote, conn)

	answer := &protocol.Message{
		Type:      protocol.TypeAnswer,
		From:      n.id,
		To:        remote,
		TTL:       n.ttl,
		ForwardBy: []string{},
		Data:      answerSDP,
		Route:     reverseRoute(msg.ForwardBy),
	}
	if err := n.Send(answer, 0, nil); err != nil {
		n.logger.Warnf("Sending answer to %s failed: %v", remote, err)
	}
}

func (n *Node) onAnswer(msg *protocol.Message) {
	remote := msg.From
	if remote == n.id {
		return
	}

	n.mu.Lock()
	conn, ok := n.conns[remote]
	n.mu.Unlock()
	if !ok {
		n.logger.Warnf("Dropping answer from %s: no pending offer", remote)
		return
	}

	var sdp string
	if err := protocol.DataAs(msg, &sdp); err != nil {
		n.logger.Warnf("Dropping answer from %s: bad sdp payload: %v", remote, err)
		return
	}

	if err := conn.AcceptAnswer(sdp); err != nil {
		n.logger.Warnf("Handshake with %s failed applying answer: %v", remote, err)
		n.teardown(remote, conn)
		return
	}
	n.drainCandidates(remote, conn)
}

func (n *Node) onICECandidate(msg *protocol.Message) {
	remote := msg.From
	if remote == n.id {
		return
	}

	var candidate string
	if err := protocol.DataAs(msg, &candidate); err != nil {
		n.logger.Warnf("Dropping icecandidate from %s: bad payload: %v", remote, err)
		return
	}

	n.mu.Lock()
	conn, ok := n.conns[remote]
	if !ok || !conn.HasRemoteDescription() {
		// Candidate raced ahead of the remote description. Buffer it per
		// remote; the buffer outlives pre-connection state, so it belongs
		// to the node, not the connection.
		n.pendingCands[remote] = append(n.pendingCands[remote], candidate)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := conn.AddCandidate(candidate); err != nil {
		n.logger.Warnf("Applying candidate from %s failed: %v", remote, err)
	}
}

func (n *Node) drainCandidates(remote string, conn transport.Conn) {
	n.mu.Lock()
	buffered := n.pendingCands[remote]
	delete(n.pendingCands, remote)
	n.mu.Unlock()

	for _, candidate := range buffered {
		if err := conn.AddCandidate(candidate); err != nil {
			n.logger.Warnf("Applying buffered candidate from %s failed: %v", remote, err)
		}
	}
}

func (n *Node) teardown(remote string, conn transport.Conn) {
	n.mu.Lock()
	if n.conns[remote] == conn {
		delete(n.conns, remote)
	}
	delete(n.offerers, remote)
	delete(n.pendingCands, remote)
	n.mu.Unlock()
	_ = conn.Close()
}

// Transport event handlers. These fire from transport goroutines.

func (n *Node) onConnOpen(conn transport.Conn) {
	remote := conn.RemoteID()
	n.mu.Lock()
	// Register connections we did not negotiate ourselves; the handshake
	// paths have already put theirs here.
	if _, ok := n.conns[remote]; !ok {
		n.conns[remote] = conn
	}
	delete(n.pendingPeers, remote)
	n.mu.Unlock()

	n.logger.Infof("Connected to peer %s", remote)
	n.bus.Dispatch(&protocol.Message{
		Type: protocol.TypeConnected,
		From: remote,
		To:   n.id,
	})
	n.drainQueueFor(remote)
}

func (n *Node) onConnMessage(remote string, data []byte) {
	msg, err := n.codec.DecodeFromBytes(data)
	if err != nil {
		telemetry.MessagesDropped.WithLabelValues("decode").Inc()
		n.logger.Warnf("Undecodable message from %s: %v", remote, err)
		return
	}
	n.HandleMessage(msg)
}

func (n *Node) onConnClose(remote string) {
	n.mu.Lock()
	delete(n.conns, remote)
	delete(n.offerers, remote)
	delete(n.pendingCands, remote)
	n.mu.Unlock()

	n.logger.Infof("Disconnected from peer %s", remote)
	n.bus.Dispatch(&protocol.Message{
		Type: protocol.TypeDisconnected,
		From: remote,
		To:   n.id,
	})
}

func (n *Node) onLocalCandidate(remote string, candidate string) {
	msg := &protocol.Message{
		Type:      protocol.TypeICECandidate,
		From:      n.id,
		To:        remote,
		TTL:       n.ttl,
		ForwardBy: []string{},
		Data:      candidate,
	}
	if err := n.Send(msg, 0, nil); err != nil {
		n.logger.Warnf("Sending candidate to %s failed: %v", remote, err)
	}
}
