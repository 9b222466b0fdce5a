package core

import (
	"fmt"
	"sync"
)

const truncationMarker = "\n...[output truncated: %d bytes dropped]\n"

// CappedBuffer collects process output up to a fixed size. Bytes past the
// limit are counted and dropped so a runaway process cannot grow memory.
// Safe for concurrent writers (stdout and stderr share one buffer).
type CappedBuffer struct {
	mu      sync.Mutex
	limit   int
	data    []byte
	dropped int64
}

// NewCappedBuffer returns a buffer that keeps at most limit bytes.
func NewCappedBuffer(limit int) *CappedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &CappedBuffer{limit: limit}
}

// Write never fails; it reports the full length so writers keep going.
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.data)
	if room > 0 {
		n := len(p)
		if n > room {
			n = room
		}
		b.data = append(b.data, p[:n]...)
		b.dropped += int64(len(p) - n)
	} else {
		b.dropped += int64(len(p))
	}
	return len(p), nil
}

// Truncated reports whether output was dropped.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// Bytes returns the kept output followed by a marker when truncated.
func (b *CappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]byte(nil), b.data...)
	if b.dropped > 0 {
		out = append(out, fmt.Sprintf(truncationMarker, b.dropped)...)
	}
	return out
}
