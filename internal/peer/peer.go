// Package peer assembles a full client from its subsystems: bus, mesh
// node, signal link, and the configured extensions (gossip, media).
package peer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"swarmcast/internal/bus"
	"swarmcast/internal/config"
	"swarmcast/internal/gossip"
	"swarmcast/internal/logger"
	"swarmcast/internal/media"
	"swarmcast/internal/mesh"
	"swarmcast/internal/origin"
	"swarmcast/internal/protocol"
	"swarmcast/internal/signal"
	"swarmcast/internal/telemetry"
	"swarmcast/internal/transport"
	"swarmcast/internal/transport/webrtc"
)

// how long to wait for the rendezvous service to hand out a peer id
// before generating one locally.
const assignedIDWait = 5 * time.Second

// ErrNoMediaExtension is returned by Watch when the media extension is not
// configured.
var ErrNoMediaExtension = errors.New("media extension not enabled")

// Options configures a Peer beyond its Config. Transport and Signal exist
// so tests can swap the WebRTC stack and the websocket link for in-process
// fakes.
type Options struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Transport func(transport.Events) transport.Dialer
	Signal    transport.Signaler
}

// Peer is one running client.
type Peer struct {
	id     string
	cfg    *config.Config
	logger *logrus.Logger

	bus     *bus.Bus
	node    *mesh.Node
	engine  *gossip.Engine
	fetcher *media.Fetcher

	metricsSrv *http.Server
}

func New(opts Options) (*Peer, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Logging.Level)
	}

	b := bus.New(log)

	sig := opts.Signal
	var sigClient *signal.Client
	if sig == nil && cfg.Signal.URL != "" {
		var err error
		sigClient, err = signal.Dial(signal.Options{URL: cfg.Signal.URL, Logger: log})
		if err != nil {
			return nil, err
		}
		sig = sigClient
	}

	id := cfg.Peer.ID
	if id == "" && sigClient != nil {
		if assigned, ok := sigClient.AwaitAssignedID(assignedIDWait); ok {
			id = assigned
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	if sigClient != nil {
		sigClient.SetSelfID(id)
	}

	tf := opts.Transport
	if tf == nil {
		tf = webrtc.New(webrtc.Options{
			STUNServers: cfg.WebRTC.STUNServers,
			Logger:      log,
		}).Bind
	}

	p := &Peer{
		id:     id,
		cfg:    cfg,
		logger: log,
		bus:    b,
	}
	p.node = mesh.NewNode(mesh.Options{
		ID:        id,
		Bus:       b,
		Transport: tf,
		Signal:    sig,
		TTL:       cfg.Peer.TTL,
		QueueTick: cfg.Peer.QueueTimeout,
		Logger:    log,
	})

	for _, ext := range cfg.Extensions {
		switch ext {
		case "gossip":
			p.engine = gossip.NewEngine(gossip.Options{
				SelfID:    id,
				Bus:       b,
				Send:      p.meshSend,
				C:         cfg.Gossip.C,
				H:         cfg.Gossip.H,
				S:         cfg.Gossip.S,
				Period:    cfg.Gossip.GossipPeriod,
				Selection: cfg.Gossip.Selection,
				Logger:    log,
			})
		case "media":
			p.fetcher = media.NewFetcher(media.Options{
				SelfID:          id,
				Bus:             b,
				Send:            p.meshSend,
				Origin:          origin.NewClient(origin.Options{Logger: log}),
				DownloadTimeout: cfg.Media.DownloadTimeout,
				ConcurrentParts: cfg.Media.ConcurrentParts,
				ChunkSize:       cfg.Media.ChunkSize,
				Logger:          log,
			})
		}
	}

	return p, nil
}

// meshSend is the send adapter handed to extensions.
func (p *Peer) meshSend(msg *protocol.Message, timeout time.Duration, cb func(error)) error {
	return p.node.Send(msg, timeout, cb)
}

// ID returns the peer id, assigned by the rendezvous service or generated
// locally.
func (p *Peer) ID() string { return p.id }

// Bus exposes the message bus, the extension point for embedders.
func (p *Peer) Bus() *bus.Bus { return p.bus }

// Node exposes the mesh node.
func (p *Peer) Node() *mesh.Node { return p.node }

// GossipView returns a snapshot of the current partial view, empty when
// the gossip extension is not enabled.
func (p *Peer) GossipView() gossip.View {
	if p.engine == nil {
		return nil
	}
	return p.engine.View()
}

// Start launches the mesh loops, the gossip engine and, when configured,
// the metrics endpoint.
func (p *Peer) Start() {
	p.logger.Infof("Starting peer %s", p.id)
	p.node.Start()
	if p.engine != nil {
		p.engine.Start()
	}
	if p.cfg.Metrics.Enabled {
		p.metricsSrv = &http.Server{Addr: p.cfg.Metrics.Address, Handler: telemetry.Handler()}
		go func() {
			if err := p.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.Warnf("Metrics endpoint failed: %v", err)
			}
		}()
	}
}

// Close tears the peer down.
func (p *Peer) Close() error {
	if p.engine != nil {
		_ = p.engine.Close()
	}
	err := p.node.Close()
	if p.metricsSrv != nil {
		_ = p.metricsSrv.Shutdown(context.Background())
	}
	return err
}

// Watch starts downloading url into sink, with metadata from metaURL.
func (p *Peer) Watch(url, metaURL string, sink media.Sink) error {
	if p.fetcher == nil {
		return ErrNoMediaExtension
	}
	p.fetcher.Add(url, metaURL, sink)
	return nil
}

// Progress reports appended and total part counts for url.
func (p *Peer) Progress(url string) (added, total int) {
	if p.fetcher == nil {
		return 0, 0
	}
	return p.fetcher.Progress(url)
}

// Complete reports whether url finished downloading.
func (p *Peer) Complete(url string) bool {
	return p.fetcher != nil && p.fetcher.Complete(url)
}
