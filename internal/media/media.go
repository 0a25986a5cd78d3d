// Package media drives segmented downloads: metadata, then the head, then
// numbered parts fetched from whichever peer advertises them, with the
// origin server as source of last resort.
package media

import (
	"fmt"
	"math/rand"

	"swarmcast/internal/origin"
)

// PartStatus is the lifecycle of one part. It only ever advances, except
// for the pending to needed reversal after a failed origin fetch.
type PartStatus string

const (
	StatusNeeded    PartStatus = "needed"
	StatusPending   PartStatus = "pending"
	StatusAvailable PartStatus = "available"
	StatusAdded     PartStatus = "added"
)

// Cluster is one metadata-defined byte range starting at a keyframe.
type Cluster struct {
	Offset   int64   `json:"offset"`
	Timecode float64 `json:"timecode"`
}

// Metadata describes a media file: total size and the cluster table that
// defines its parts.
type Metadata struct {
	Size     int64     `json:"size"`
	Duration float64   `json:"duration"`
	Clusters []Cluster `json:"clusters"`
}

// Part is one downloadable segment. Chunked transfers accumulate in chunks
// until all have arrived, then data holds the reassembled bytes.
type Part struct {
	Number int
	Status PartStatus

	data   []byte
	chunks map[int][]byte
	total  int
}

// Data returns the reassembled part bytes, nil until available.
func (p *Part) Data() []byte { return p.data }

// Media is one tracked URL: its metadata, head, parts and the availability
// table gathered from gossip.
type Media struct {
	URL     string
	MetaURL string

	Metadata *Metadata
	Head     []byte
	Parts    []*Part

	// Remotes maps a peer id to the part numbers it advertises for this
	// URL. Rebuilt wholesale on every view update.
	Remotes map[string][]int

	sink Sink
	done bool
}

func newMedia(url, metaURL string, sink Sink) *Media {
	return &Media{
		URL:     url,
		MetaURL: metaURL,
		Remotes: make(map[string][]int),
		sink:    sink,
	}
}

// initParts builds the part table from the cluster count, all needed.
func (m *Media) initParts(meta *Metadata) {
	m.Metadata = meta
	m.Parts = make([]*Part, len(meta.Clusters))
	for i := range m.Parts {
		m.Parts[i] = &Part{Number: i, Status: StatusNeeded}
	}
}

// part returns the part with the given number, or nil when out of range.
func (m *Media) part(n int) *Part {
	if n < 0 || n >= len(m.Parts) {
		return nil
	}
	return m.Parts[n]
}

// PeerHasPart reports whether this peer holds part n.
func (m *Media) PeerHasPart(n int) bool {
	p := m.part(n)
	return p != nil && p.Status == StatusAdded
}

// RemoteHasPart reports whether the given remote advertises part n.
func (m *Media) RemoteHasPart(remote string, n int) bool {
	for _, held := range m.Remotes[remote] {
		if held == n {
			return true
		}
	}
	return false
}

// HeldParts lists the part numbers this peer holds, in order. This is what
// gets published into the own gossip descriptor.
func (m *Media) HeldParts() []int {
	held := make([]int, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Status == StatusAdded {
			held = append(held, p.Number)
		}
	}
	return held
}

// Complete reports whether every part has been appended to the sink.
func (m *Media) Complete() bool {
	if len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.Status != StatusAdded {
			return false
		}
	}
	return true
}

// HeadRange is the byte range of the head, everything before the first
// cluster.
func (m *Media) HeadRange() (origin.Range, error) {
	if m.Metadata == nil || len(m.Metadata.Clusters) == 0 {
		return origin.Range{}, fmt.Errorf("media %s has no cluster table", m.URL)
	}
	return origin.Range{Start: 0, End: m.Metadata.Clusters[0].Offset - 1}, nil
}

// PartRange is the byte range of part n: its cluster offset up to the next
// cluster, the last part running to the end of the file.
func (m *Media) PartRange(n int) (origin.Range, error) {
	if m.Metadata == nil || n < 0 || n >= len(m.Metadata.Clusters) {
		return origin.Range{}, fmt.Errorf("media %s has no part %d", m.URL, n)
	}
	start := m.Metadata.Clusters[n].Offset
	end := m.Metadata.Size - 1
	if n+1 < len(m.Metadata.Clusters) {
		end = m.Metadata.Clusters[n+1].Offset - 1
	}
	return origin.Range{Start: start, End: end}, nil
}

// OriginSentinel marks a selection tuple whose source is the origin server
// rather than a peer.
const OriginSentinel = ""

// Selection pairs a part number with the source chosen for it.
type Selection struct {
	Peer string
	Part int
}

// NextPartsToDownload picks the next n needed parts in order and a source
// for each: a uniformly random peer advertising the part, or the origin
// sentinel when none does. Selected parts move to pending.
func (m *Media) NextPartsToDownload(n int, rng *rand.Rand) []Selection {
	var out []Selection
	for _, p := range m.Parts {
		if len(out) == n {
			break
		}
		if p.Status != StatusNeeded {
			continue
		}

		var holders []string
		for remote := range m.Remotes {
			if m.RemoteHasPart(remote, p.Number) {
				holders = append(holders, remote)
			}
		}
		peer := OriginSentinel
		if len(holders) > 0 {
			peer = holders[rng.Intn(len(holders))]
		}

		p.Status = StatusPending
		out = append(out, Selection{Peer: peer, Part: p.Number})
	}
	return out
}
