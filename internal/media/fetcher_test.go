package media

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swarmcast/internal/bus"
	"swarmcast/internal/gossip"
	"swarmcast/internal/logger"
	"swarmcast/internal/origin"
	"swarmcast/internal/protocol"
)

// memorySink accumulates the stream for assertions.
type memorySink struct {
	mu       sync.Mutex
	buf      []byte
	finished bool
}

func (s *memorySink) Init(head []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, head...)
	return nil
}

func (s *memorySink) Append(part []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, part...)
	return nil
}

func (s *memorySink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *memorySink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

func (s *memorySink) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// sendRecorder captures what the fetcher hands to the mesh.
type sendRecorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	cbs  []func(error)
}

func (r *sendRecorder) send(msg *protocol.Message, _ time.Duration, cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.cbs = append(r.cbs, cb)
	return nil
}

func (r *sendRecorder) byType(msgType string) []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*protocol.Message
	for _, m := range r.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// mediaServer serves a synthetic file and its cluster metadata.
func mediaServer(t *testing.T, file []byte, clusters []Cluster) *httptest.Server {
	t.Helper()
	meta := Metadata{Size: int64(len(file)), Duration: 10, Clusters: clusters}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".json") {
			_ = json.NewEncoder(w).Encode(meta)
			return
		}
		spec := strings.TrimPrefix(r.Header.Get("Range"), "bytes=")
		bounds := strings.SplitN(spec, "-", 2)
		start, _ := strconv.Atoi(bounds[0])
		end, _ := strconv.Atoi(bounds[1])
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(file[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(t *testing.T, b *bus.Bus, rec *sendRecorder, timeout time.Duration, concurrent int) *Fetcher {
	t.Helper()
	return NewFetcher(Options{
		SelfID:          "me",
		Bus:             b,
		Send:            rec.send,
		Origin:          origin.NewClient(origin.Options{Logger: logger.New("panic")}),
		DownloadTimeout: timeout,
		ConcurrentParts: concurrent,
		Logger:          logger.New("panic"),
		Rand:            rand.New(rand.NewSource(1)),
	})
}

func TestFetcherDownloadsFromOrigin(t *testing.T) {
	file := []byte("HDR-AAAAAAAABBBBBBBBCCCCCC")
	clusters := []Cluster{{Offset: 4}, {Offset: 12}, {Offset: 20}}
	srv := mediaServer(t, file, clusters)

	b := bus.New(logger.New("panic"))
	rec := &sendRecorder{}
	// One part in flight at a time keeps the sink output in file order.
	f := newTestFetcher(t, b, rec, time.Second, 1)

	sink := &memorySink{}
	f.Add(srv.URL+"/vid.webm", srv.URL+"/vid.json", sink)

	require.Eventually(t, func() bool {
		return f.Complete(srv.URL + "/vid.webm")
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, file, sink.bytes())
	require.True(t, sink.done())

	added, total := f.Progress(srv.URL + "/vid.webm")
	require.Equal(t, 3, total)
	require.Equal(t, 3, added)
}

func TestFetcherRequestsFromAdvertisingPeer(t *testing.T) {
	file := []byte("HDR-AAAAAAAABBBBBBBB")
	clusters := []Cluster{{Offset: 4}, {Offset: 12}}
	srv := mediaServer(t, file, clusters)
	url := srv.URL + "/vid.webm"

	b := bus.New(logger.New("panic"))
	rec := &sendRecorder{}
	f := newTestFetcher(t, b, rec, time.Hour, 2)

	sink := &memorySink{}
	f.Add(url, srv.URL+"/vid.json", sink)

	// Peer p1 advertises both parts before the head arrives.
	b.Dispatch(&protocol.Message{
		Type: protocol.TypeGossipViewUpdate,
		From: "me",
		To:   "me",
		Data: gossip.View{{ID: "p1", Age: 0, Media: map[string][]int{url: {0, 1}}}},
	})

	require.Eventually(t, func() bool {
		return len(rec.byType(protocol.TypeMediaRequestPart)) == 2
	}, 5*time.Second, 20*time.Millisecond)

	for _, req := range rec.byType(protocol.TypeMediaRequestPart) {
		require.Equal(t, "p1", req.To)
	}

	// p1 answers part 0 in two chunks and part 1 in one.
	part0 := file[4:12]
	for i, chunk := range [][]byte{part0[:5], part0[5:]} {
		b.Dispatch(&protocol.Message{
			Type:   protocol.TypeMediaPart,
			From:   "p1",
			To:     "me",
			URL:    url,
			Number: FormatChunkNumber(0, i, 2),
			Data:   chunk,
		})
	}
	b.Dispatch(&protocol.Message{
		Type:   protocol.TypeMediaPart,
		From:   "p1",
		To:     "me",
		URL:    url,
		Number: "1",
		Data:   file[12:],
	})

	require.Eventually(t, func() bool { return f.Complete(url) }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, file, sink.bytes())
}

func TestFetcherPublishesHeldParts(t *testing.T) {
	file := []byte("HDR-AAAAAAAA")
	clusters := []Cluster{{Offset: 4}}
	srv := mediaServer(t, file, clusters)
	url := srv.URL + "/vid.webm"

	b := bus.New(logger.New("panic"))
	var updateMu sync.Mutex
	var updates []gossip.DescriptorUpdate
	b.On(protocol.TypeGossipDescriptor, func(m *protocol.Message) {
		if u, ok := m.Data.(gossip.DescriptorUpdate); ok {
			updateMu.Lock()
			updates = append(updates, u)
			updateMu.Unlock()
		}
	})

	rec := &sendRecorder{}
	f := newTestFetcher(t, b, rec, time.Second, 1)
	f.Add(url, srv.URL+"/vid.json", &memorySink{})

	require.Eventually(t, func() bool { return f.Complete(url) }, 5*time.Second, 20*time.Millisecond)

	updateMu.Lock()
	defer updateMu.Unlock()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	require.Equal(t, []string{"media", url}, last.Path)
	require.Equal(t, []int{0}, last.Value)
}

func TestFetcherTimeoutFallsBackToOrigin(t *testing.T) {
	file := []byte("HDR-AAAAAAAA")
	clusters := []Cluster{{Offset: 4}}
	srv := mediaServer(t, file, clusters)
	url := srv.URL + "/vid.webm"

	b := bus.New(logger.New("panic"))
	rec := &sendRecorder{}
	// The peer never answers; the 50ms response timer must trigger the
	// origin fallback.
	f := newTestFetcher(t, b, rec, 50*time.Millisecond, 1)

	sink := &memorySink{}
	f.Add(url, srv.URL+"/vid.json", sink)
	b.Dispatch(&protocol.Message{
		Type: protocol.TypeGossipViewUpdate,
		From: "me",
		To:   "me",
		Data: gossip.View{{ID: "silent", Age: 0, Media: map[string][]int{url: {0}}}},
	})

	require.Eventually(t, func() bool { return f.Complete(url) }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, file, sink.bytes())
}

func TestFetcherRejectsUnexpectedPart(t *testing.T) {
	file := []byte("HDR-AAAAAAAA")
	clusters := []Cluster{{Offset: 4}}
	srv := mediaServer(t, file, clusters)
	url := srv.URL + "/vid.webm"

	b := bus.New(logger.New("panic"))
	rec := &sendRecorder{}
	f := newTestFetcher(t, b, rec, time.Second, 1)
	sink := &memorySink{}
	f.Add(url, srv.URL+"/vid.json", sink)

	require.Eventually(t, func() bool { return f.Complete(url) }, 5*time.Second, 20*time.Millisecond)
	before := sink.bytes()

	// Part 0 is already added; a late duplicate must be dropped.
	b.Dispatch(&protocol.Message{
		Type:   protocol.TypeMediaPart,
		From:   "late",
		To:     "me",
		URL:    url,
		Number: "0",
		Data:   []byte("bogus"),
	})
	require.Equal(t, before, sink.bytes())
}

func TestFetcherServesHeldPart(t *testing.T) {
	file := []byte("HDR-AAAAAAAA")
	clusters := []Cluster{{Offset: 4}}
	srv := mediaServer(t, file, clusters)
	url := srv.URL + "/vid.webm"

	b := bus.New(logger.New("panic"))
	rec := &sendRecorder{}
	f := newTestFetcher(t, b, rec, time.Second, 1)
	f.Add(url, srv.URL+"/vid.json", &memorySink{})

	require.Eventually(t, func() bool { return f.Complete(url) }, 5*time.Second, 20*time.Millisecond)

	b.Dispatch(&protocol.Message{
		Type:   protocol.TypeMediaRequestPart,
		From:   "p2",
		To:     "me",
		URL:    url,
		Number: "0",
	})

	require.Eventually(t, func() bool {
		return len(rec.byType(protocol.TypeMediaPart)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	served := rec.byType(protocol.TypeMediaPart)
	require.Equal(t, "p2", served[0].To)
	require.Equal(t, FormatChunkNumber(0, 0, 1), served[0].Number)

	var got []byte
	for _, m := range served {
		chunk, ok := m.Data.([]byte)
		require.True(t, ok)
		got = append(got, chunk...)
	}
	require.Equal(t, file[4:], got)
}
