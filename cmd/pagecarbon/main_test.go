package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

const testHAR = `{
  "log": {
    "pages": [{"startedDateTime": "2024-05-01T12:00:00.000Z"}],
    "entries": [
      {"startedDateTime": "2024-05-01T12:00:00.000Z",
       "request": {"url": "https://example.com/"},
       "response": {"bodySize": 9000, "headersSize": 300, "content": {"size": 30000}}},
      {"startedDateTime": "2024-05-01T12:00:00.120Z",
       "request": {"url": "https://example.com/app.js"},
       "response": {"bodySize": 4000, "headersSize": 200, "content": {"size": 12000}}},
      {"startedDateTime": "2024-05-01T12:00:00.250Z",
       "request": {"url": "https://cdn.example.net/hero.jpg"},
       "response": {"bodySize": 6000, "headersSize": 200, "content": {"size": 6000}}},
      {"startedDateTime": "2024-05-01T12:00:00.300Z",
       "request": {"url": "https://cloudflare-dns.com/dns-query?name=example.com&type=A"},
       "response": {"bodySize": 100, "headersSize": 50, "content": {"size": 100}}}
    ]
  }
}`

func writeHAR(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.har")
	require.NoError(t, os.WriteFile(path, []byte(testHAR), 0o600))
	return path
}

func TestRunEstimate_Offline(t *testing.T) {
	var out bytes.Buffer
	err := runEstimate(context.Background(), estimateOpts{harPath: writeHAR(t), offline: true}, &out)
	require.NoError(t, err)

	var rep report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, 2, rep.Resources)
	assert.Equal(t, 1, rep.Excluded, "lookup endpoint traffic is not measured")
	assert.Equal(t, 1, rep.Unstarted, "the document itself starts at zero")
	assert.Equal(t, types.DefaultGridIntensity(), rep.Grid)
	assert.Equal(t, int64(10000), rep.Coarse.WeightBytes)
	assert.Equal(t, rep.Coarse, rep.Detailed, "offline detailed pass uses the same defaults")
	assert.Greater(t, rep.CoarseSplit.Total, 0.0)
	assert.InDelta(t, rep.Coarse.CO2Grams, rep.CoarseSplit.Total, 0.0005)
	assert.Nil(t, rep.Lookups)
}

func TestRunEstimate_GridOverride(t *testing.T) {
	har := writeHAR(t)

	var fra, pol bytes.Buffer
	require.NoError(t, runEstimate(context.Background(), estimateOpts{harPath: har, offline: true}, &fra))
	require.NoError(t, runEstimate(context.Background(), estimateOpts{
		harPath: har, offline: true, deviceCountry: "POL", networkCountry: "POL", dataCenter: 600,
	}, &pol))

	var a, b report
	require.NoError(t, json.Unmarshal(fra.Bytes(), &a))
	require.NoError(t, json.Unmarshal(pol.Bytes(), &b))
	assert.Equal(t, "POL", b.Grid.NetworkCountry)
	assert.Greater(t, b.Detailed.CO2Grams, a.Detailed.CO2Grams)
}

func TestRunEstimate_Errors(t *testing.T) {
	err := runEstimate(context.Background(), estimateOpts{harPath: filepath.Join(t.TempDir(), "missing.har")}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "open har")

	bad := filepath.Join(t.TempDir(), "bad.har")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	err = runEstimate(context.Background(), estimateOpts{harPath: bad, offline: true}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "decode har")
}

func TestEstimateCmd_RequiresHAR(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"estimate"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}

func TestSetupLogging(t *testing.T) {
	assert.NoError(t, setupLogging(&bytes.Buffer{}, "DEBUG"))
	assert.Error(t, setupLogging(&bytes.Buffer{}, "loud"))
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	check := originChecker([]string{"https://shop.example"})
	req := httptest.NewRequest("GET", "http://carbon.internal/ws/stream", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://shop.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	req.Header.Set("Origin", "http://carbon.internal")
	assert.True(t, check(req), "same host")
}
