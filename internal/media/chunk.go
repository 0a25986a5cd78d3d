package media

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultChunkSize keeps a chunk comfortably under the 64 KB data channel
// message ceiling.
const DefaultChunkSize = 17500

// ChunkPart splits data into chunks of at most chunkSize bytes. The chunks
// alias the input; callers must not mutate it afterwards.
func ChunkPart(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunks := make([][]byte, 0, (len(data)+chunkSize-1)/chunkSize)
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// FormatChunkNumber renders the wire form "P:C:N" for chunk c of n of
// part p.
func FormatChunkNumber(p, c, n int) string {
	return fmt.Sprintf("%d:%d:%d", p, c, n)
}

// ParseChunkNumber parses "P:C:N", or a bare "P" for an unchunked part
// (treated as chunk 0 of 1).
func ParseChunkNumber(s string) (part, chunk, total int, err error) {
	fields := strings.Split(s, ":")
	switch len(fields) {
	case 1:
		part, err = strconv.Atoi(fields[0])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("bad part number %q: %w", s, err)
		}
		return part, 0, 1, nil
	case 3:
		part, err = strconv.Atoi(fields[0])
		if err == nil {
			chunk, err = strconv.Atoi(fields[1])
		}
		if err == nil {
			total, err = strconv.Atoi(fields[2])
		}
		if err != nil {
			return 0, 0, 0, fmt.Errorf("bad chunk number %q: %w", s, err)
		}
		if total < 1 || chunk < 0 || chunk >= total {
			return 0, 0, 0, fmt.Errorf("bad chunk number %q: index out of range", s)
		}
		return part, chunk, total, nil
	default:
		return 0, 0, 0, fmt.Errorf("bad chunk number %q", s)
	}
}

// ingestChunk stores one chunk and reports whether the part is now whole.
// A whole part's bytes are concatenated in chunk order into data. The first
// chunk fixes the transfer's chunk count; chunks claiming a different total
// are dropped, so a stray chunk cannot complete the part short.
func (p *Part) ingestChunk(chunk, total int, data []byte) bool {
	if p.chunks == nil {
		if total == 1 && chunk == 0 {
			p.data = data
			return true
		}
		p.chunks = make(map[int][]byte, total)
		p.total = total
	} else if total != p.total {
		return false
	}
	p.chunks[chunk] = data
	if len(p.chunks) < p.total {
		return false
	}

	var size int
	for _, c := range p.chunks {
		size += len(c)
	}
	buf := make([]byte, 0, size)
	for i := 0; i < p.total; i++ {
		buf = append(buf, p.chunks[i]...)
	}
	p.data = buf
	p.chunks = nil
	return true
}
