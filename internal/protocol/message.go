package protocol

import (
	"errors"
	"fmt"
)

// Broadcast is the sentinel destination for messages addressed to every
// reachable peer. It is the literal string "-1" on the wire.
const Broadcast = "-1"

// Connection establishment. These are the only forwardable types: they may
// travel across intermediate peers and must carry TTL and ForwardBy.
const (
	TypeRequestPeer  = "request-peer"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "icecandidate"
)

// Gossip. Exchanged only between already-connected pairs, never forwarded.
const (
	TypeFirstView        = "first-view"
	TypeGossipRequest    = "gossip:request-exchange"
	TypeGossipAnswer     = "gossip:answer-exchange"
	TypeGossipViewUpdate = "gossip:view-update"
	TypeGossipDescriptor = "gossip:descriptor-update"
)

// Media. Exchanged only between already-connected pairs, never forwarded.
const (
	TypeMediaRequestMetadata = "media:request-metadata"
	TypeMediaMetadata        = "media:metadata"
	TypeMediaRequestHead     = "media:request-head"
	TypeMediaHead            = "media:head"
	TypeMediaRequestPart     = "media:request-part"
	TypeMediaPart            = "media:part"
)

// Internal events, dispatched locally only.
const (
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
)

var forwardable = map[string]bool{
	TypeRequestPeer:  true,
	TypeOffer:        true,
	TypeAnswer:       true,
	TypeICECandidate: true,
}

// Forwardable reports whether messages of the given type may be relayed
// through intermediate peers.
func Forwardable(msgType string) bool {
	return forwardable[msgType]
}

// Message is the single on-wire envelope. Type-specific payloads ride in
// Data, URL and Number; Route carries the inverse delivery path for offer
// and answer messages.
type Message struct {
	Type      string   `json:"type"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	TTL       int      `json:"ttl,omitempty"`
	ForwardBy []string `json:"forwardBy,omitempty"`
	Data      any      `json:"data,omitempty"`
	URL       string   `json:"url,omitempty"`
	Number    string   `json:"number,omitempty"`
	Route     []string `json:"route,omitempty"`
}

// ErrMalformed marks envelopes missing a required field. Such messages are
// logged and dropped, never delivered.
var ErrMalformed = errors.New("malformed message")

// Validate checks the envelope invariants: type, from and to are always
// required; forwardable types additionally need a non-negative TTL, a
// ForwardBy list and must not list the origin in ForwardBy.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if m.From == "" {
		return fmt.Errorf("%w: %s missing from", ErrMalformed, m.Type)
	}
	if m.To == "" {
		return fmt.Errorf("%w: %s missing to", ErrMalformed, m.Type)
	}
	if Forwardable(m.Type) {
		if m.TTL < 0 {
			return fmt.Errorf("%w: %s has negative ttl", ErrMalformed, m.Type)
		}
		if m.ForwardBy == nil {
			return fmt.Errorf("%w: %s missing forwardBy", ErrMalformed, m.Type)
		}
		for _, id := range m.ForwardBy {
			if id == m.From {
				return fmt.Errorf("%w: %s lists origin %s in forwardBy", ErrMalformed, m.Type, id)
			}
		}
	}
	return nil
}

// Handled reports whether the given peer already touched this message,
// either as its origin or as a forwarder.
func (m *Message) Handled(peerID string) bool {
	if peerID == m.From {
		return true
	}
	for _, id := range m.ForwardBy {
		if id == peerID {
			return true
		}
	}
	return false
}

// Clone returns a shallow copy with its own ForwardBy and Route slices, so
// forwarding never mutates the caller's envelope.
func (m *Message) Clone() *Message {
	c := *m
	if m.ForwardBy != nil {
		c.ForwardBy = append([]string(nil), m.ForwardBy...)
	}
	if m.Route != nil {
		c.Route = append([]string(nil), m.Route...)
	}
	return &c
}
