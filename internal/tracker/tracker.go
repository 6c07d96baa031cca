package tracker

import (
	"strings"
	"sync"

	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// ExclusionSet is a fixed list of URL prefixes excluded from measurement.
type ExclusionSet []string

// Excludes reports whether url starts with any prefix in the set.
func (s ExclusionSet) Excludes(url string) bool {
	for _, prefix := range s {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// Checkpoint is a copy of the tracker's delta state.
type Checkpoint struct {
	LastStartTime float64
	Seen          []types.ResourceEntry
}

type entryKey struct {
	url       string
	startTime float64
}

// Tracker is safe for concurrent use, although the estimator drives it from
// one pass at a time.
type Tracker struct {
	provider telemetry.Provider
	exclude  ExclusionSet

	mu            sync.Mutex
	lastStartTime float64
	seen          []types.ResourceEntry
	seenKeys      map[entryKey]struct{}
}

// New returns a Tracker reading from provider.
func New(provider telemetry.Provider, exclude ExclusionSet) *Tracker {
	return &Tracker{
		provider: provider,
		exclude:  exclude,
		seenKeys: make(map[entryKey]struct{}),
	}
}

// NewResources returns the entries with StartTime > since that are not
// excluded and not already seen, in timeline order. They are appended to the
// seen list and the last start time advances to the largest StartTime among
// them.
func (t *Tracker) NewResources(since float64) []types.ResourceEntry {
	entries := t.provider.ListResourceEntries()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.ResourceEntry
	for _, e := range entries {
		if e.StartTime <= since || t.exclude.Excludes(e.URL) {
			continue
		}
		k := entryKey{url: e.URL, startTime: e.StartTime}
		if _, dup := t.seenKeys[k]; dup {
			continue
		}
		t.seenKeys[k] = struct{}{}
		out = append(out, e)
		if e.StartTime > t.lastStartTime {
			t.lastStartTime = e.StartTime
		}
	}
	t.seen = append(t.seen, out...)
	return out
}

// Relevant returns the entries with StartTime > since that are not excluded,
// without recording them.
func (t *Tracker) Relevant(since float64) []types.ResourceEntry {
	var out []types.ResourceEntry
	for _, e := range t.provider.ListResourceEntries() {
		if e.StartTime > since && !t.exclude.Excludes(e.URL) {
			out = append(out, e)
		}
	}
	return out
}

// Observable counts the distinct entries currently in the timeline with a
// positive start time that are not excluded.
func (t *Tracker) Observable() int {
	keys := make(map[entryKey]struct{})
	for _, e := range t.Relevant(0) {
		keys[entryKey{url: e.URL, startTime: e.StartTime}] = struct{}{}
	}
	return len(keys)
}

// Advance records that processing reached startTime. The last start time
// never moves backwards.
func (t *Tracker) Advance(startTime float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if startTime > t.lastStartTime {
		t.lastStartTime = startTime
	}
}

// Reset clears the checkpoint.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastStartTime = 0
	t.seen = nil
	t.seenKeys = make(map[entryKey]struct{})
}

// LastStartTime returns the checkpoint's last start time.
func (t *Tracker) LastStartTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStartTime
}

// SeenCount returns the number of entries accounted for since the last reset.
func (t *Tracker) SeenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Checkpoint returns a copy of the current delta state.
func (t *Tracker) Checkpoint() Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make([]types.ResourceEntry, len(t.seen))
	copy(seen, t.seen)
	return Checkpoint{LastStartTime: t.lastStartTime, Seen: seen}
}

// Excluded returns the tracker's exclusion set.
func (t *Tracker) Excluded() ExclusionSet { return t.exclude }
