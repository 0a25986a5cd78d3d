package protocol

import (
	"testing"
)

func TestValidate_RequiredFields(t *testing.T) {
	msg := &Message{Type: TypeGossipRequest, From: "a", To: "b"}
	if err := msg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	msg = &Message{From: "a", To: "b"}
	if err := msg.Validate(); err == nil {
		t.Error("expected error for missing type")
	}

	msg = &Message{Type: TypeGossipRequest, To: "b"}
	if err := msg.Validate(); err == nil {
		t.Error("expected error for missing from")
	}

	msg = &Message{Type: TypeGossipRequest, From: "a"}
	if err := msg.Validate(); err == nil {
		t.Error("expected error for missing to")
	}
}

func TestValidate_Forwardable(t *testing.T) {
	msg := &Message{Type: TypeRequestPeer, From: "a", To: Broadcast, TTL: 3}
	if err := msg.Validate(); err == nil {
		t.Error("expected error for missing forwardBy")
	}

	msg.ForwardBy = []string{}
	if err := msg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	msg.ForwardBy = []string{"a"}
	if err := msg.Validate(); err == nil {
		t.Error("expected error for origin in forwardBy")
	}

	msg.ForwardBy = []string{"b"}
	msg.TTL = -1
	if err := msg.Validate(); err == nil {
		t.Error("expected error for negative ttl")
	}
}

func TestForwardable(t *testing.T) {
	for _, typ := range []string{TypeRequestPeer, TypeOffer, TypeAnswer, TypeICECandidate} {
		if !Forwardable(typ) {
			t.Errorf("expected %s to be forwardable", typ)
		}
	}
	for _, typ := range []string{TypeGossipRequest, TypeMediaPart, TypeConnected, TypeFirstView} {
		if Forwardable(typ) {
			t.Errorf("expected %s not to be forwardable", typ)
		}
	}
}

func TestHandled(t *testing.T) {
	msg := &Message{Type: TypeRequestPeer, From: "a", To: "c", ForwardBy: []string{"b"}}

	if !msg.Handled("a") {
		t.Error("origin should count as handled")
	}
	if !msg.Handled("b") {
		t.Error("forwarder should count as handled")
	}
	if msg.Handled("c") {
		t.Error("destination should not count as handled")
	}
}

func TestClone_IndependentSlices(t *testing.T) {
	msg := &Message{Type: TypeOffer, From: "a", To: "b", TTL: 2, ForwardBy: []string{"x"}, Route: []string{"y"}}
	clone := msg.Clone()

	clone.ForwardBy = append(clone.ForwardBy, "z")
	clone.Route[0] = "w"
	clone.TTL = 1

	if len(msg.ForwardBy) != 1 || msg.Route[0] != "y" || msg.TTL != 2 {
		t.Error("clone mutated the original message")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec()

	msg := &Message{
		Type:      TypeOffer,
		From:      "b",
		To:        "a",
		TTL:       2,
		ForwardBy: []string{"c"},
		Data:      "sdp-blob",
		Route:     []string{"c"},
	}

	data, err := codec.EncodeToBytes(msg)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	if decoded.Type != msg.Type || decoded.From != msg.From || decoded.To != msg.To || decoded.TTL != msg.TTL {
		t.Errorf("envelope mismatch: %+v vs %+v", decoded, msg)
	}
	if len(decoded.ForwardBy) != 1 || decoded.ForwardBy[0] != "c" {
		t.Errorf("forwardBy mismatch: %v", decoded.ForwardBy)
	}
	if len(decoded.Route) != 1 || decoded.Route[0] != "c" {
		t.Errorf("route mismatch: %v", decoded.Route)
	}

	var sdp string
	if err := DataAs(decoded, &sdp); err != nil {
		t.Fatalf("DataAs failed: %v", err)
	}
	if sdp != "sdp-blob" {
		t.Errorf("expected sdp-blob, got %q", sdp)
	}
}

func TestDataAs_Bytes(t *testing.T) {
	codec := NewCodec()
	payload := []byte{0, 1, 2, 250, 255}

	data, err := codec.EncodeToBytes(&Message{Type: TypeMediaPart, From: "a", To: "b", Number: "3:0:1", Data: payload})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	var got []byte
	if err := DataAs(decoded, &got); err != nil {
		t.Fatalf("DataAs failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload mismatch: %v vs %v", got, payload)
	}
}

func TestDataAs_LocalTypedValue(t *testing.T) {
	msg := &Message{Type: TypeMediaHead, From: "a", To: "a", Data: []byte("head")}

	var got []byte
	if err := DataAs(msg, &got); err != nil {
		t.Fatalf("DataAs failed: %v", err)
	}
	if string(got) != "head" {
		t.Errorf("expected head, got %q", got)
	}
}
