package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/pagecarbon/pagecarbon/internal/enrich"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

type fakeEstimate types.Snapshot

func (f fakeEstimate) Snapshot() types.Snapshot { return types.Snapshot(f) }

type fakeEnrich enrich.Stats

func (f fakeEnrich) Stats() enrich.Stats { return enrich.Stats(f) }

type fakeFailures uint64

func (f fakeFailures) Failures() uint64 { return uint64(f) }

type fakeBuffer struct{ n, dropped int }

func (f fakeBuffer) Len() int     { return f.n }
func (f fakeBuffer) Dropped() int { return f.dropped }

type fakeRefiner uint64

func (f fakeRefiner) Passes() uint64 { return uint64(f) }

func fullSources() Sources {
	return Sources{
		Estimate: fakeEstimate{WeightBytes: 1500, CO2Grams: 0.321, State: types.StateDetailed},
		Enrich: fakeEnrich{
			Lookups:   map[string]uint64{enrich.ServiceDNS: 4, enrich.ServiceGreen: 4, enrich.ServiceIntensity: 3},
			Fallbacks: map[string]uint64{enrich.ServiceDNS: 1, enrich.ServiceGreen: 0, enrich.ServiceIntensity: 0},
		},
		Aggregator: fakeFailures(2),
		Telemetry:  fakeBuffer{n: 12, dropped: 1},
		Refiner:    fakeRefiner(5),
	}
}

func scrape(t *testing.T, h http.Handler) map[string]*dto.MetricFamily {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content-type: got %q", ct)
	}
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(rr.Body)
	if err != nil {
		t.Fatalf("parse exposition: %v", err)
	}
	return mfs
}

func value(mf *dto.MetricFamily, label string) float64 {
	for _, m := range mf.GetMetric() {
		if label != "" {
			if len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != label {
				continue
			}
		}
		if m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
		return m.GetCounter().GetValue()
	}
	return -1
}

func TestServeHTTP_AllFamilies(t *testing.T) {
	mfs := scrape(t, New(fullSources()))

	tests := []struct {
		name  string
		label string
		want  float64
	}{
		{WeightBytes, "", 1500},
		{CO2Grams, "", 0.321},
		{EstimatorState, "", 2},
		{EnrichLookups, enrich.ServiceIntensity, 3},
		{EnrichFallbacks, enrich.ServiceDNS, 1},
		{ModelFailures, "", 2},
		{TelemetryLen, "", 12},
		{TelemetryDrops, "", 1},
		{RefinePasses, "", 5},
	}
	for _, tc := range tests {
		mf, ok := mfs[tc.name]
		if !ok {
			t.Errorf("%s: missing", tc.name)
			continue
		}
		if got := value(mf, tc.label); got != tc.want {
			t.Errorf("%s{%s}: got %v, want %v", tc.name, tc.label, got, tc.want)
		}
	}
}

func TestServeHTTP_EstimateOnly(t *testing.T) {
	mfs := scrape(t, New(Sources{Estimate: fakeEstimate{}}))
	if len(mfs) != 3 {
		t.Errorf("families: got %d, want 3", len(mfs))
	}
	if _, ok := mfs[EnrichLookups]; ok {
		t.Error("enrich families present without an enrich source")
	}
}

func TestGather_SortedByName(t *testing.T) {
	mfs := New(fullSources()).Gather()
	for i := 1; i < len(mfs); i++ {
		if mfs[i-1].GetName() > mfs[i].GetName() {
			t.Fatalf("families not sorted: %q before %q", mfs[i-1].GetName(), mfs[i].GetName())
		}
	}
}

func TestGather_TypeMapping(t *testing.T) {
	for _, mf := range New(fullSources()).Gather() {
		isCounter := strings.HasSuffix(mf.GetName(), "_total")
		if isCounter && mf.GetType() != dto.MetricType_COUNTER {
			t.Errorf("%s: type %v, want counter", mf.GetName(), mf.GetType())
		}
		if !isCounter && mf.GetType() != dto.MetricType_GAUGE {
			t.Errorf("%s: type %v, want gauge", mf.GetName(), mf.GetType())
		}
	}
}
