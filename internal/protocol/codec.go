package protocol

import (
	"bytes"
	"encoding/json"
	"io"
)

// Codec frames one envelope per transport message as UTF-8 JSON.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg *Message) error {
	return json.NewEncoder(w).Encode(msg)
}

func (c *Codec) Decode(r io.Reader) (*Message, error) {
	msg := &Message{}
	if err := json.NewDecoder(r).Decode(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (*Message, error) {
	return c.Decode(bytes.NewReader(data))
}

// DataAs decodes the envelope payload into out. Locally dispatched messages
// carry typed Go values; messages off the wire carry generic JSON. Both are
// normalized through a marshal round trip when the types do not line up.
func DataAs[T any](msg *Message, out *T) error {
	if v, ok := msg.Data.(T); ok {
		*out = v
		return nil
	}
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
