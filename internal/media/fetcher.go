package media

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"swarmcast/internal/bus"
	"swarmcast/internal/gossip"
	"swarmcast/internal/origin"
	"swarmcast/internal/protocol"
	"swarmcast/internal/telemetry"
)

const (
	defaultDownloadTimeout = 5000 * time.Millisecond
	defaultConcurrentParts = 3
)

// SendFunc hands a message to the mesh. The callback fires when the mesh
// gives up on delivering it.
type SendFunc func(msg *protocol.Message, timeout time.Duration, cb func(error)) error

// Options configures a Fetcher. SelfID, Bus, Send and Origin are required.
type Options struct {
	SelfID string
	Bus    *bus.Bus
	Send   SendFunc
	Origin *origin.Client
	// DownloadTimeout bounds one part request before falling back to the
	// origin. Default 5s.
	DownloadTimeout time.Duration
	// ConcurrentParts is how many parts are in flight at once. Default 3.
	ConcurrentParts int
	// ChunkSize bounds one media:part payload. Default 17500.
	ChunkSize int
	Logger    *logrus.Logger
	Rand      *rand.Rand
}

// Fetcher runs the per-URL download state machine: metadata, head, then
// parts from peers with origin fallback. It also serves held metadata,
// heads and parts to remotes, and keeps per-media availability tables in
// sync with the gossip view.
type Fetcher struct {
	selfID          string
	bus             *bus.Bus
	send            SendFunc
	origin          *origin.Client
	downloadTimeout time.Duration
	concurrentParts int
	chunkSize       int
	logger          *logrus.Logger
	rng             *rand.Rand

	mu    sync.Mutex
	media map[string]*Media
	// lastView is the most recent gossip view, so media added later start
	// with a current availability table.
	lastView gossip.View
}

func NewFetcher(opts Options) *Fetcher {
	f := &Fetcher{
		selfID:          opts.SelfID,
		bus:             opts.Bus,
		send:            opts.Send,
		origin:          opts.Origin,
		downloadTimeout: opts.DownloadTimeout,
		concurrentParts: opts.ConcurrentParts,
		chunkSize:       opts.ChunkSize,
		logger:          opts.Logger,
		rng:             opts.Rand,
		media:           make(map[string]*Media),
	}
	if f.downloadTimeout <= 0 {
		f.downloadTimeout = defaultDownloadTimeout
	}
	if f.concurrentParts <= 0 {
		f.concurrentParts = defaultConcurrentParts
	}
	if f.chunkSize <= 0 {
		f.chunkSize = DefaultChunkSize
	}
	if f.logger == nil {
		f.logger = logrus.New()
	}
	if f.rng == nil {
		f.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	f.bus.On(protocol.TypeMediaRequestMetadata, f.onRequestMetadata)
	f.bus.On(protocol.TypeMediaMetadata, f.onMetadata)
	f.bus.On(protocol.TypeMediaRequestHead, f.onRequestHead)
	f.bus.On(protocol.TypeMediaHead, f.onHead)
	f.bus.On(protocol.TypeMediaRequestPart, f.onRequestPart)
	f.bus.On(protocol.TypeMediaPart, f.onPart)
	f.bus.On(protocol.TypeGossipViewUpdate, f.onViewUpdate)

	return f
}

// Add starts tracking url. The metadata is fetched from metaURL, the
// stream is delivered to sink.
func (f *Fetcher) Add(url, metaURL string, sink Sink) {
	f.mu.Lock()
	if _, ok := f.media[url]; ok {
		f.mu.Unlock()
		f.logger.Warnf("Media %s already tracked", url)
		return
	}
	m := newMedia(url, metaURL, sink)
	f.rebuildRemotesLocked(m)
	f.media[url] = m
	f.mu.Unlock()

	f.logger.Infof("Tracking media %s", url)
	f.bus.Dispatch(&protocol.Message{
		Type: protocol.TypeMediaRequestMetadata,
		From: f.selfID,
		To:   f.selfID,
		URL:  url,
	})
}

// Complete reports whether every part of url has reached the sink.
func (f *Fetcher) Complete(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.media[url]
	return ok && m.Complete()
}

// Progress reports appended and total part counts for url.
func (f *Fetcher) Progress(url string) (added, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.media[url]
	if !ok {
		return 0, 0
	}
	for _, p := range m.Parts {
		if p.Status == StatusAdded {
			added++
		}
	}
	return added, len(m.Parts)
}

func (f *Fetcher) lookup(url string) *Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media[url]
}

// onRequestMetadata either answers a remote from held state or, for the
// local kickoff, fetches the metadata JSON from the origin.
func (f *Fetcher) onRequestMetadata(msg *protocol.Message) {
	m := f.lookup(msg.URL)
	if m == nil {
		f.logger.Debugf("Ignoring request-metadata for untracked %s", msg.URL)
		return
	}

	if msg.From != f.selfID {
		f.mu.Lock()
		meta := m.Metadata
		f.mu.Unlock()
		if meta == nil {
			return
		}
		f.reply(msg.From, protocol.TypeMediaMetadata, msg.URL, "", meta)
		return
	}

	go func() {
		var meta Metadata
		if err := f.origin.FetchJSON(context.Background(), m.MetaURL, &meta); err != nil {
			f.logger.Errorf("Fetching metadata for %s failed: %v", msg.URL, err)
			return
		}
		f.bus.Dispatch(&protocol.Message{
			Type: protocol.TypeMediaMetadata,
			From: f.selfID,
			To:   f.selfID,
			URL:  msg.URL,
			Data: &meta,
		})
	}()
}

func (f *Fetcher) onMetadata(msg *protocol.Message) {
	var meta Metadata
	if err := protocol.DataAs(msg, &meta); err != nil {
		f.logger.Warnf("Dropping metadata for %s: bad payload: %v", msg.URL, err)
		return
	}
	if len(meta.Clusters) == 0 {
		f.logger.Warnf("Dropping metadata for %s: no clusters", msg.URL)
		return
	}

	f.mu.Lock()
	m := f.media[msg.URL]
	if m == nil || m.Metadata != nil {
		f.mu.Unlock()
		return
	}
	m.initParts(&meta)
	f.mu.Unlock()

	f.logger.Infof("Media %s: %d parts, %d bytes", msg.URL, len(meta.Clusters), meta.Size)
	f.bus.Dispatch(&protocol.Message{
		Type: protocol.TypeMediaRequestHead,
		From: f.selfID,
		To:   f.selfID,
		URL:  msg.URL,
	})
}

func (f *Fetcher) onRequestHead(msg *protocol.Message) {
	m := f.lookup(msg.URL)
	if m == nil {
		return
	}

	if msg.From != f.selfID {
		f.mu.Lock()
		head := m.Head
		f.mu.Unlock()
		if head == nil {
			return
		}
		f.reply(msg.From, protocol.TypeMediaHead, msg.URL, "", head)
		return
	}

	f.mu.Lock()
	rng, err := m.HeadRange()
	f.mu.Unlock()
	if err != nil {
		f.logger.Errorf("Cannot request head: %v", err)
		return
	}

	go func() {
		head, err := f.origin.Fetch(context.Background(), msg.URL, &rng)
		if err != nil {
			f.logger.Errorf("Fetching head for %s failed: %v", msg.URL, err)
			return
		}
		f.bus.Dispatch(&protocol.Message{
			Type: protocol.TypeMediaHead,
			From: f.selfID,
			To:   f.selfID,
			URL:  msg.URL,
			Data: head,
		})
	}()
}

func (f *Fetcher) onHead(msg *protocol.Message) {
	var head []byte
	if err := protocol.DataAs(msg, &head); err != nil {
		f.logger.Warnf("Dropping head for %s: bad payload: %v", msg.URL, err)
		return
	}

	f.mu.Lock()
	m := f.media[msg.URL]
	if m == nil || m.Head != nil {
		f.mu.Unlock()
		return
	}
	m.Head = head
	sink := m.sink
	f.mu.Unlock()

	if sink != nil {
		if err := sink.Init(head); err != nil {
			f.logger.Errorf("Initializing sink for %s failed: %v", msg.URL, err)
		}
	}
	f.askForNextParts(msg.URL, f.concurrentParts)
}

// onRequestPart serves one held part to a remote, chunked to fit the
// transport.
func (f *Fetcher) onRequestPart(msg *protocol.Message) {
	if msg.From == f.selfID {
		return
	}
	number, _, _, err := ParseChunkNumber(msg.Number)
	if err != nil {
		f.logger.Warnf("Dropping request-part from %s: %v", msg.From, err)
		return
	}

	f.mu.Lock()
	m := f.media[msg.URL]
	if m == nil {
		f.mu.Unlock()
		return
	}
	p := m.part(number)
	if p == nil || p.data == nil {
		f.mu.Unlock()
		f.logger.Debugf("Cannot serve part %d of %s to %s: not held", number, msg.URL, msg.From)
		return
	}
	chunks := ChunkPart(p.data, f.chunkSize)
	f.mu.Unlock()

	for i, chunk := range chunks {
		f.reply(msg.From, protocol.TypeMediaPart, msg.URL, FormatChunkNumber(number, i, len(chunks)), chunk)
	}
}

// onPart ingests one part chunk, from a peer or from our own origin
// fallback. A part no longer pending is stale and dropped.
func (f *Fetcher) onPart(msg *protocol.Message) {
	number, chunk, total, err := ParseChunkNumber(msg.Number)
	if err != nil {
		f.logger.Warnf("Dropping part from %s: %v", msg.From, err)
		return
	}
	var data []byte
	if err := protocol.DataAs(msg, &data); err != nil {
		f.logger.Warnf("Dropping part %d of %s: bad payload: %v", number, msg.URL, err)
		return
	}

	f.mu.Lock()
	m := f.media[msg.URL]
	if m == nil {
		f.mu.Unlock()
		return
	}
	p := m.part(number)
	if p == nil || p.Status != StatusPending {
		f.mu.Unlock()
		f.logger.Warnf("Unexpected part %d of %s from %s", number, msg.URL, msg.From)
		return
	}
	if !p.ingestChunk(chunk, total, data) {
		f.mu.Unlock()
		return
	}
	p.Status = StatusAvailable
	f.appendAvailableLocked(m)
	held := m.HeldParts()
	f.mu.Unlock()

	source := "peer"
	if msg.From == f.selfID {
		source = "origin"
	}
	telemetry.PartsFetched.WithLabelValues(source).Inc()
	f.logger.Debugf("Part %d of %s received from %s", number, msg.URL, source)

	f.publishHeldParts(msg.URL, held)
	f.askForNextParts(msg.URL, 1)
}

// appendAvailableLocked drains available parts into the sink in ascending
// part order and signals end-of-stream when all parts are in. Caller holds
// f.mu.
func (f *Fetcher) appendAvailableLocked(m *Media) {
	for {
		var next *Part
		for _, p := range m.Parts {
			if p.Status == StatusAvailable {
				next = p
				break
			}
		}
		if next == nil {
			break
		}
		if m.sink != nil {
			if err := m.sink.Append(next.data); err != nil {
				f.logger.Errorf("Appending part %d of %s failed: %v", next.Number, m.URL, err)
			}
		}
		next.Status = StatusAdded
	}

	if m.Complete() && !m.done {
		m.done = true
		if m.sink != nil {
			if err := m.sink.Finish(); err != nil {
				f.logger.Errorf("Finishing sink for %s failed: %v", m.URL, err)
			}
		}
		f.logger.Infof("Media %s complete", m.URL)
	}
}

// askForNextParts selects sources for up to n needed parts and dispatches
// the requests.
func (f *Fetcher) askForNextParts(url string, n int) {
	f.mu.Lock()
	m := f.media[url]
	if m == nil {
		f.mu.Unlock()
		return
	}
	selections := m.NextPartsToDownload(n, f.rng)
	f.mu.Unlock()

	for _, sel := range selections {
		if sel.Peer == OriginSentinel {
			go f.fetchPartFromOrigin(url, sel.Part)
			continue
		}
		f.requestPartFromPeer(url, sel.Peer, sel.Part)
	}
}

// requestPartFromPeer asks one peer for one part. Two things arm the
// origin fallback: the mesh callback, when the request itself could not be
// delivered in time, and a response timer, when the request went out but
// no part came back. Both are no-ops once the part left pending.
func (f *Fetcher) requestPartFromPeer(url, peer string, part int) {
	fallback := func() {
		f.mu.Lock()
		m := f.media[url]
		if m == nil {
			f.mu.Unlock()
			return
		}
		p := m.part(part)
		if p == nil || p.Status != StatusPending {
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
		f.logger.Debugf("Part %d of %s from %s timed out, trying origin", part, url, peer)
		f.fetchPartFromOrigin(url, part)
	}

	msg := &protocol.Message{
		Type:   protocol.TypeMediaRequestPart,
		From:   f.selfID,
		To:     peer,
		URL:    url,
		Number: strconv.Itoa(part),
	}
	if err := f.send(msg, f.downloadTimeout, func(error) { fallback() }); err != nil {
		f.logger.Warnf("Requesting part %d of %s from %s failed: %v", part, url, peer, err)
		go fallback()
		return
	}
	time.AfterFunc(f.downloadTimeout, fallback)
}

// fetchPartFromOrigin downloads one part's byte range and re-enters it
// through the bus as a local media:part. On failure the part reverts to
// needed so a later selection reschedules it.
func (f *Fetcher) fetchPartFromOrigin(url string, part int) {
	f.mu.Lock()
	m := f.media[url]
	if m == nil {
		f.mu.Unlock()
		return
	}
	rng, err := m.PartRange(part)
	f.mu.Unlock()
	if err != nil {
		f.logger.Errorf("Cannot fetch part from origin: %v", err)
		return
	}

	data, err := f.origin.Fetch(context.Background(), url, &rng)
	if err != nil {
		f.logger.Errorf("Origin fetch of part %d of %s failed: %v", part, url, err)
		f.mu.Lock()
		if m := f.media[url]; m != nil {
			if p := m.part(part); p != nil && p.Status == StatusPending {
				p.Status = StatusNeeded
			}
		}
		f.mu.Unlock()
		return
	}

	f.bus.Dispatch(&protocol.Message{
		Type:   protocol.TypeMediaPart,
		From:   f.selfID,
		To:     f.selfID,
		URL:    url,
		Number: strconv.Itoa(part),
		Data:   data,
	})
}

// onViewUpdate rebuilds every tracked media's availability table from the
// new gossip view, then retries source selection: availability changes are
// what reschedule parts that reverted to needed.
func (f *Fetcher) onViewUpdate(msg *protocol.Message) {
	var view gossip.View
	if err := protocol.DataAs(msg, &view); err != nil {
		f.logger.Warnf("Dropping view update: bad payload: %v", err)
		return
	}

	f.mu.Lock()
	f.lastView = view.Clone()
	var retry []string
	for url, m := range f.media {
		f.rebuildRemotesLocked(m)
		if m.Head != nil && !m.Complete() {
			retry = append(retry, url)
		}
	}
	f.mu.Unlock()

	for _, url := range retry {
		f.askForNextParts(url, f.concurrentParts)
	}
}

// rebuildRemotesLocked recomputes one media's availability table from the
// cached view. Caller holds f.mu.
func (f *Fetcher) rebuildRemotesLocked(m *Media) {
	remotes := make(map[string][]int)
	for _, d := range f.lastView {
		if parts, ok := d.Media[m.URL]; ok {
			remotes[d.ID] = append([]int(nil), parts...)
		}
	}
	m.Remotes = remotes
}

// publishHeldParts advertises the parts we hold for url into the own
// gossip descriptor.
func (f *Fetcher) publishHeldParts(url string, held []int) {
	f.bus.Dispatch(&protocol.Message{
		Type: protocol.TypeGossipDescriptor,
		From: f.selfID,
		To:   f.selfID,
		Data: gossip.DescriptorUpdate{
			Path:  []string{"media", url},
			Value: held,
		},
	})
}

// reply sends a media response to one remote.
func (f *Fetcher) reply(to, msgType, url, number string, data any) {
	msg := &protocol.Message{
		Type:   msgType,
		From:   f.selfID,
		To:     to,
		URL:    url,
		Number: number,
		Data:   data,
	}
	if err := f.send(msg, 0, nil); err != nil {
		f.logger.Warnf("Sending %s to %s failed: %v", msgType, to, err)
	}
}
