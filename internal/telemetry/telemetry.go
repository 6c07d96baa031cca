package telemetry

import (
	"log/slog"
	"sync"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// DefaultBufferSize bounds the number of entries a Buffer retains.
const DefaultBufferSize = 10000

// Provider returns the full resource timeline observed so far.
type Provider interface {
	ListResourceEntries() []types.ResourceEntry
}

// Static is a Provider over a fixed set of entries.
type Static []types.ResourceEntry

func (s Static) ListResourceEntries() []types.ResourceEntry {
	out := make([]types.ResourceEntry, len(s))
	copy(out, s)
	return out
}

// Buffer is an append-only resource timeline. It is safe for concurrent use.
// Once full, further entries are dropped: evicting old entries would shift
// the timeline under the delta tracker.
type Buffer struct {
	mu      sync.RWMutex
	entries []types.ResourceEntry
	max     int
	dropped int
}

// NewBuffer returns a Buffer holding at most max entries.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &Buffer{max: max}
}

// Append adds entries in order and returns how many were accepted.
func (b *Buffer) Append(entries ...types.ResourceEntry) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.entries)
	if room < 0 {
		room = 0
	}
	accepted := entries
	if len(accepted) > room {
		accepted = accepted[:room]
		b.dropped += len(entries) - room
		slog.Warn("telemetry: buffer full, dropping entries",
			"dropped", len(entries)-room, "buffer_cap", b.max)
	}
	b.entries = append(b.entries, accepted...)
	return len(accepted)
}

func (b *Buffer) ListResourceEntries() []types.ResourceEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ResourceEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Dropped returns how many entries were refused because the buffer was full.
func (b *Buffer) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Reset empties the timeline for a new page view.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.dropped = 0
}
