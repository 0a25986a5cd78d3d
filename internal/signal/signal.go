// Package signal is the rendezvous link: a single websocket carrying the
// same JSON envelopes as the mesh. It bootstraps the first connections and
// serves as broadcast fallback when a peer has no mesh neighbors yet.
package signal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"swarmcast/internal/protocol"
)

// Options configures the link. URL is required.
type Options struct {
	URL    string
	Logger *logrus.Logger
}

// Client implements transport.Signaler over a websocket. Messages received
// on the link are subject to two filters before delivery: echoes of own
// messages are discarded, and a request-peer whose origin compares less
// than the own id is discarded as a stale broadcast replay.
type Client struct {
	conn   *websocket.Conn
	logger *logrus.Logger
	codec  *protocol.Codec

	recv chan *protocol.Message
	done chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	selfID     string
	assignedID string
	idReady    chan struct{}

	closeOnce sync.Once
}

// Dial connects to the rendezvous service and starts the read loop.
func Dial(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	conn, _, err := websocket.DefaultDialer.Dial(opts.URL, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		codec:   protocol.NewCodec(),
		recv:    make(chan *protocol.Message, 64),
		done:    make(chan struct{}),
		idReady: make(chan struct{}),
	}
	go c.readLoop()
	logger.Infof("Connected to rendezvous service at %s", opts.URL)
	return c, nil
}

// SetSelfID installs the peer id the receive filters compare against.
func (c *Client) SetSelfID(id string) {
	c.mu.Lock()
	c.selfID = id
	c.mu.Unlock()
}

// AwaitAssignedID waits for the id the rendezvous service hands out in its
// first-view message. Returns false when none arrives within the timeout.
func (c *Client) AwaitAssignedID(timeout time.Duration) (string, bool) {
	select {
	case <-c.idReady:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.assignedID, true
	case <-time.After(timeout):
		return "", false
	case <-c.done:
		return "", false
	}
}

// Send writes one envelope to the link.
func (c *Client) Send(msg *protocol.Message) error {
	data, err := c.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv returns the channel of filtered inbound messages. It is closed when
// the link goes down.
func (c *Client) Recv() <-chan *protocol.Message {
	return c.recv
}

// Close shuts the link down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.recv)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnf("Signal link closed: %v", err)
				_ = c.Close()
			}
			return
		}

		msg, err := c.codec.DecodeFromBytes(data)
		if err != nil {
			c.logger.Warnf("Undecodable signal message: %v", err)
			continue
		}

		if msg.Type == protocol.TypeFirstView {
			c.adoptAssignedID(msg.To)
		}
		if !c.admit(msg) {
			continue
		}

		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
}

// admit applies the receive filters.
func (c *Client) admit(msg *protocol.Message) bool {
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if selfID == "" {
		return true
	}
	if msg.From == selfID {
		return false
	}
	if msg.Type == protocol.TypeRequestPeer && msg.From < selfID {
		c.logger.Debugf("Discarding stale request-peer from %s", msg.From)
		return false
	}
	return true
}

// adoptAssignedID records the id the service addressed the first-view to.
func (c *Client) adoptAssignedID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignedID != "" || id == "" || id == protocol.Broadcast {
		return
	}
	c.assignedID = id
	close(c.idReady)
}
