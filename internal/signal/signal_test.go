package signal_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"swarmcast/internal/logger"
	"swarmcast/internal/protocol"
	"swarmcast/internal/signal"
)

// testService is a minimal rendezvous endpoint: it exposes the server side
// of one websocket connection.
type testService struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	ts := &testService{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ts.conns <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testService) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testService) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func dialClient(t *testing.T, ts *testService) *signal.Client {
	t.Helper()
	c, err := signal.Dial(signal.Options{URL: ts.url(), Logger: logger.New("panic")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.NewCodec().EncodeToBytes(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestRecvDeliversMessages(t *testing.T) {
	ts := newTestService(t)
	c := dialClient(t, ts)
	server := ts.accept(t)

	writeMessage(t, server, &protocol.Message{Type: "hello", From: "x", To: "m"})

	select {
	case msg := <-c.Recv():
		require.Equal(t, "hello", msg.Type)
		require.Equal(t, "x", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestRecvDropsOwnEchoes(t *testing.T) {
	ts := newTestService(t)
	c := dialClient(t, ts)
	c.SetSelfID("m")
	server := ts.accept(t)

	writeMessage(t, server, &protocol.Message{Type: "hello", From: "m", To: protocol.Broadcast})
	writeMessage(t, server, &protocol.Message{Type: "hello", From: "x", To: "m"})

	select {
	case msg := <-c.Recv():
		require.Equal(t, "x", msg.From, "the echo must have been filtered")
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestRecvDropsStaleRequestPeer(t *testing.T) {
	ts := newTestService(t)
	c := dialClient(t, ts)
	c.SetSelfID("m")
	server := ts.accept(t)

	// From "a" < "m": stale replay, dropped. From "z" > "m": delivered.
	writeMessage(t, server, &protocol.Message{
		Type: protocol.TypeRequestPeer, From: "a", To: protocol.Broadcast, TTL: 0, ForwardBy: []string{},
	})
	writeMessage(t, server, &protocol.Message{
		Type: protocol.TypeRequestPeer, From: "z", To: protocol.Broadcast, TTL: 0, ForwardBy: []string{},
	})

	select {
	case msg := <-c.Recv():
		require.Equal(t, "z", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestAwaitAssignedID(t *testing.T) {
	ts := newTestService(t)
	c := dialClient(t, ts)
	server := ts.accept(t)

	writeMessage(t, server, &protocol.Message{
		Type: protocol.TypeFirstView,
		From: "signal",
		To:   "peer-42",
		Data: []any{},
	})

	id, ok := c.AwaitAssignedID(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, "peer-42", id)

	// The first-view itself still reaches the consumer.
	select {
	case msg := <-c.Recv():
		require.Equal(t, protocol.TypeFirstView, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("first-view never delivered")
	}
}

func TestAwaitAssignedIDTimesOut(t *testing.T) {
	ts := newTestService(t)
	c := dialClient(t, ts)
	ts.accept(t)

	_, ok := c.AwaitAssignedID(50 * time.Millisecond)
	require.False(t, ok)
}

func TestSendReachesService(t *testing.T) {
	ts := newTestService(t)
	c := dialClient(t, ts)
	server := ts.accept(t)

	require.NoError(t, c.Send(&protocol.Message{Type: "hello", From: "m", To: protocol.Broadcast}))

	_, data, err := server.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.NewCodec().DecodeFromBytes(data)
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Type)
	require.Equal(t, "m", msg.From)
}
