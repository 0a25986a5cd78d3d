// Package gossip implements random peer sampling: every node keeps a small
// partial view of the network and periodically swaps a slice of it with a
// random neighbor. The healing parameter H biases exchanges against old
// descriptors, the swap parameter S against descriptors just sent.
package gossip

import (
	"math/rand"
	"sort"
)

// Descriptor is one node's gossiped self-description. Age counts exchange
// rounds since the descriptor was last refreshed at its origin. Media maps
// a media URL to the part numbers that node holds.
type Descriptor struct {
	ID    string           `json:"id"`
	Age   int              `json:"age"`
	Media map[string][]int `json:"media,omitempty"`
}

// Clone copies the descriptor including its media table.
func (d Descriptor) Clone() Descriptor {
	c := d
	if d.Media != nil {
		c.Media = make(map[string][]int, len(d.Media))
		for url, parts := range d.Media {
			c.Media[url] = append([]int(nil), parts...)
		}
	}
	return c
}

// View is an ordered set of descriptors: no duplicate ids, never the own
// id, size bounded by C.
type View []Descriptor

// Clone deep-copies the view.
func (v View) Clone() View {
	c := make(View, len(v))
	for i, d := range v {
		c[i] = d.Clone()
	}
	return c
}

// IndexOf returns the position of id in the view, or -1.
func (v View) IndexOf(id string) int {
	for i, d := range v {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// Age increments every descriptor's age by one round.
func (v View) Age() {
	for i := range v {
		v[i].Age++
	}
}

func (v View) sortByAge() {
	sort.SliceStable(v, func(i, j int) bool { return v[i].Age < v[j].Age })
}

// OldestDescriptor returns the descriptor with the highest age.
func OldestDescriptor(view View) (Descriptor, bool) {
	if len(view) == 0 {
		return Descriptor{}, false
	}
	oldest := view[0]
	for _, d := range view[1:] {
		if d.Age > oldest.Age {
			oldest = d
		}
	}
	return oldest, true
}

// SelectRemotePeer picks the exchange partner: uniformly at random, or the
// oldest descriptor when method is "oldest".
func SelectRemotePeer(method string, view View, rng *rand.Rand) (Descriptor, bool) {
	if len(view) == 0 {
		return Descriptor{}, false
	}
	if method == "oldest" {
		return OldestDescriptor(view)
	}
	return view[rng.Intn(len(view))], true
}

// sample returns n distinct random elements of view.
func sample(view View, n int, rng *rand.Rand) View {
	if n >= len(view) {
		return view.Clone()
	}
	idx := rng.Perm(len(view))[:n]
	sort.Ints(idx)
	out := make(View, 0, n)
	for _, i := range idx {
		out = append(out, view[i].Clone())
	}
	return out
}

// Thread names the side of an exchange a buffer is generated for.
type Thread string

const (
	Active  Thread = "active"
	Passive Thread = "passive"
)

// GenBuffer builds the slice of the view to send to distantID. The active
// side reserves one slot for its own age-zero descriptor. With healing,
// the H oldest descriptors are only drawn on when the younger ones cannot
// fill the buffer.
func GenBuffer(thread Thread, distantID string, self Descriptor, view View, c, h int, rng *rand.Rand) View {
	filtered := make(View, 0, len(view))
	for _, d := range view {
		if d.ID == distantID {
			continue
		}
		filtered = append(filtered, d.Clone())
	}

	target := c / 2
	if thread == Active {
		target = c/2 - 1
	}

	var buf View
	if len(filtered) <= target {
		buf = filtered
	} else {
		filtered.sortByAge()
		split := len(filtered) - h
		if split < 0 {
			split = 0
		}
		head, tail := filtered[:split], filtered[split:]
		switch {
		case target < len(head):
			buf = sample(head, target, rng)
		case target == len(head):
			buf = head
		default:
			buf = append(head.Clone(), sample(tail, target-len(head), rng)...)
		}
	}

	if thread == Active {
		own := self.Clone()
		own.Age = 0
		buf = append(buf, own)
	}
	return buf
}

// MergeView folds a received buffer into the current view and prunes back
// to C descriptors: first the oldest (up to H), then randomly among what
// was just sent (up to S), then uniformly at random.
func MergeView(received, sent, view View, selfID string, c, h, s int, rng *rand.Rand) View {
	merged := view.Clone()

	for _, d := range received {
		if d.ID == selfID {
			continue
		}
		idx := merged.IndexOf(d.ID)
		if idx < 0 {
			merged = append(merged, d.Clone())
			continue
		}
		if d.Age < merged[idx].Age {
			merged[idx] = d.Clone()
		}
	}

	merged.sortByAge()

	if excess := len(merged) - c; excess > 0 && h > 0 {
		drop := min(h, excess)
		merged = merged[:len(merged)-drop]
	}

	if excess := len(merged) - c; excess > 0 && s > 0 {
		drop := min(s, excess)
		sentIDs := make(map[string]bool, len(sent))
		for _, d := range sent {
			sentIDs[d.ID] = true
		}
		for drop > 0 {
			var candidates []int
			for i, d := range merged {
				if sentIDs[d.ID] {
					candidates = append(candidates, i)
				}
			}
			if len(candidates) == 0 {
				break
			}
			i := candidates[rng.Intn(len(candidates))]
			merged = append(merged[:i], merged[i+1:]...)
			drop--
		}
	}

	for len(merged) > c {
		i := rng.Intn(len(merged))
		merged = append(merged[:i], merged[i+1:]...)
	}

	return merged
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
