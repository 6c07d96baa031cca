package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

var testExclusions = ExclusionSet{
	"https://cloudflare-dns.com/dns-query",
	"https://api.thegreenwebfoundation.org/api/v3/greencheck/",
	"https://api.thegreenwebfoundation.org/api/v3/ip-to-co2intensity/",
}

func entry(url string, start float64, size int64) types.ResourceEntry {
	return types.ResourceEntry{URL: url, StartTime: start, TransferSize: size}
}

func TestExclusionSet_Excludes(t *testing.T) {
	assert.True(t, testExclusions.Excludes("https://cloudflare-dns.com/dns-query?name=a.test&type=A"))
	assert.True(t, testExclusions.Excludes("https://api.thegreenwebfoundation.org/api/v3/greencheck/a.test"))
	assert.False(t, testExclusions.Excludes("https://example.com/a.js"))
	assert.False(t, testExclusions.Excludes("https://example.com/?u=https://cloudflare-dns.com/dns-query"))
	assert.False(t, ExclusionSet{""}.Excludes("https://example.com/"))
}

func TestNewResources_FiltersByStartTimeAndExclusion(t *testing.T) {
	buf := telemetry.NewBuffer(0)
	buf.Append(
		entry("https://example.com/a.js", 10, 100),
		entry("https://cloudflare-dns.com/dns-query?name=example.com&type=A", 12, 50),
		entry("https://example.com/b.css", 20, 200),
		entry("https://example.com/early.js", 0, 300),
	)
	tr := New(buf, testExclusions)

	got := tr.NewResources(0)
	require.Len(t, got, 2)
	assert.Equal(t, "https://example.com/a.js", got[0].URL)
	assert.Equal(t, "https://example.com/b.css", got[1].URL)
	assert.Equal(t, 20.0, tr.LastStartTime())
	assert.Equal(t, 2, tr.SeenCount())

	got = tr.NewResources(15)
	assert.Empty(t, got, "b.css was already seen")
}

func TestNewResources_EmptyKeepsLastStartTime(t *testing.T) {
	buf := telemetry.NewBuffer(0)
	buf.Append(entry("https://example.com/a.js", 10, 100))
	tr := New(buf, nil)

	tr.NewResources(0)
	require.Equal(t, 10.0, tr.LastStartTime())

	assert.Empty(t, tr.NewResources(tr.LastStartTime()))
	assert.Equal(t, 10.0, tr.LastStartTime())
}

func TestNewResources_MaxStartTimeNotLast(t *testing.T) {
	buf := telemetry.NewBuffer(0)
	buf.Append(
		entry("https://example.com/late.js", 40, 1),
		entry("https://example.com/early.js", 5, 1),
	)
	tr := New(buf, nil)
	tr.NewResources(0)
	assert.Equal(t, 40.0, tr.LastStartTime())
}

func TestLastStartTime_Monotonic(t *testing.T) {
	buf := telemetry.NewBuffer(0)
	tr := New(buf, nil)

	prev := tr.LastStartTime()
	steps := [][]types.ResourceEntry{
		{entry("https://a.test/1", 3, 1)},
		{entry("https://a.test/2", 1, 1)},
		{entry("https://a.test/3", 9, 1), entry("https://a.test/4", 7, 1)},
		{},
	}
	for i, batch := range steps {
		buf.Append(batch...)
		tr.NewResources(tr.LastStartTime())
		tr.Advance(float64(i))
		cur := tr.LastStartTime()
		assert.GreaterOrEqual(t, cur, prev, "step %d", i)
		prev = cur
	}
}

func TestReset_ClearsCheckpoint(t *testing.T) {
	buf := telemetry.NewBuffer(0)
	buf.Append(entry("https://example.com/a.js", 10, 100))
	tr := New(buf, nil)

	first := tr.NewResources(0)
	tr.Reset()
	assert.Equal(t, 0.0, tr.LastStartTime())
	assert.Equal(t, 0, tr.SeenCount())

	second := tr.NewResources(0)
	assert.Equal(t, first, second, "reset makes the same entries new again")
	assert.Equal(t, Checkpoint{LastStartTime: 10, Seen: first}, tr.Checkpoint())
}

func TestObservable(t *testing.T) {
	buf := telemetry.NewBuffer(0)
	buf.Append(
		entry("https://example.com/a.js", 10, 1),
		entry("https://example.com/zero.js", 0, 1),
		entry("https://api.thegreenwebfoundation.org/api/v3/greencheck/example.com", 11, 1),
	)
	tr := New(buf, testExclusions)
	assert.Equal(t, 1, tr.Observable())
}

func TestAdvance_NeverBackwards(t *testing.T) {
	tr := New(telemetry.Static{}, nil)
	tr.Advance(50)
	tr.Advance(20)
	assert.Equal(t, 50.0, tr.LastStartTime())
}

func TestObservable_CountsDuplicatesOnce(t *testing.T) {
	tr := New(telemetry.Static{
		entry("https://example.com/a.js", 10, 1),
		entry("https://example.com/a.js", 10, 1),
		entry("https://example.com/a.js", 12, 1),
	}, nil)
	assert.Equal(t, 2, tr.Observable())
	tr.NewResources(0)
	assert.Equal(t, tr.Observable(), tr.SeenCount())
}

func TestRelevant_DoesNotRecord(t *testing.T) {
	tr := New(telemetry.Static{
		entry("https://example.com/a.js", 10, 1),
		entry("https://example.com/b.js", 20, 1),
		entry("https://cloudflare-dns.com/dns-query?name=example.com", 30, 1),
	}, testExclusions)

	got := tr.Relevant(10)
	require.Len(t, got, 1)
	assert.Equal(t, "https://example.com/b.js", got[0].URL)
	assert.Zero(t, tr.SeenCount())
	assert.Zero(t, tr.LastStartTime())
}
