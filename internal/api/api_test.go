package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pagecarbon/pagecarbon/internal/alerts"
	"github.com/pagecarbon/pagecarbon/internal/api"
	"github.com/pagecarbon/pagecarbon/internal/auth"
	"github.com/pagecarbon/pagecarbon/internal/clock"
	"github.com/pagecarbon/pagecarbon/internal/co2model"
	"github.com/pagecarbon/pagecarbon/internal/emissions"
	"github.com/pagecarbon/pagecarbon/internal/enrich"
	"github.com/pagecarbon/pagecarbon/internal/estimator"
	"github.com/pagecarbon/pagecarbon/internal/history"
	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/internal/tracker"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// --- test helpers -----------------------------------------------------------

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	h   http.Handler
	buf *telemetry.Buffer
	clk *clock.FakeClock
	est *estimator.Estimator
}

func newEnv(t *testing.T, mutate func(*api.Deps)) *env {
	t.Helper()
	buf := telemetry.NewBuffer(0)
	clk := clock.Fake(t0)
	tr := tracker.New(buf, tracker.ExclusionSet(enrich.DefaultConfig().Exclusions()))
	est := estimator.New(tr, enrich.Offline{}, emissions.New(co2model.New(nil)), clk, estimator.DefaultConfig())
	d := api.Deps{Estimator: est, Buffer: buf, Refiner: estimator.NewRefiner(est)}
	if mutate != nil {
		mutate(&d)
	}
	return &env{h: api.New(context.Background(), d), buf: buf, clk: clk, est: est}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

const beacon = `[
  {"name":"https://example.com/app.js","startTime":10,"transferSize":100000},
  {"name":"https://cdn.example.com/a.png","startTime":20,"encodedBodySize":500000}
]`

// --- /api/v1/health ---------------------------------------------------------

func TestHealth_Uninitialized(t *testing.T) {
	e := newEnv(t, nil)
	rr := do(t, e.h, http.MethodGet, "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.State != "uninitialized" {
		t.Errorf("health: got %+v", resp)
	}
}

// --- load and emissions -----------------------------------------------------

func TestLoad_CoarseThenDetailed(t *testing.T) {
	e := newEnv(t, nil)

	rr := do(t, e.h, http.MethodPost, "/api/v1/resources", beacon)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("resources status: got %d, want 202", rr.Code)
	}
	var rres api.ResourcesResponse
	decode(t, rr, &rres)
	if rres.Accepted != 2 || rres.Dispatched {
		t.Errorf("resources: got %+v, want 2 accepted and no dispatch before detailed", rres)
	}

	rr = do(t, e.h, http.MethodPost, "/api/v1/load", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("load status: got %d (%s)", rr.Code, rr.Body.String())
	}
	var lres api.LoadResponse
	decode(t, rr, &lres)
	if lres.WeightBytes != 600000 {
		t.Errorf("coarse weight: got %d, want 600000", lres.WeightBytes)
	}
	if lres.SessionID == "" {
		t.Error("load returned no session id")
	}

	var snap types.Snapshot
	decode(t, do(t, e.h, http.MethodGet, "/api/v1/emissions", ""), &snap)
	if snap.State != types.StateCoarse || snap.StateName != "coarse" {
		t.Errorf("state after load: got %v", snap.State)
	}

	e.clk.WaitForTimers(1)
	e.clk.Advance(estimator.DefaultDetailedDelay)

	var st api.StateResponse
	decode(t, do(t, e.h, http.MethodGet, "/api/v1/state", ""), &st)
	if st.State != types.StateDetailed || st.StateName != "detailed" {
		t.Errorf("state after delay: got %+v", st)
	}
	decode(t, do(t, e.h, http.MethodGet, "/api/v1/emissions", ""), &snap)
	if snap.WeightBytes != 600000 || snap.CO2Grams <= 0 {
		t.Errorf("detailed snapshot: got %+v", snap)
	}
}

func TestLoad_ResetClearsTimeline(t *testing.T) {
	e := newEnv(t, nil)
	do(t, e.h, http.MethodPost, "/api/v1/resources", beacon)

	rr := do(t, e.h, http.MethodPost, "/api/v1/load", `{"reset":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var lres api.LoadResponse
	decode(t, rr, &lres)
	if lres.WeightBytes != 0 {
		t.Errorf("weight after reset: got %d, want 0", lres.WeightBytes)
	}
	if e.buf.Len() != 0 {
		t.Errorf("buffer not reset: %d entries", e.buf.Len())
	}
}

func TestLoad_BadBody(t *testing.T) {
	e := newEnv(t, nil)
	rr := do(t, e.h, http.MethodPost, "/api/v1/load", `{"reset":`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rr.Code)
	}
}

// --- /api/v1/resources ------------------------------------------------------

func TestResources_ObjectForm(t *testing.T) {
	e := newEnv(t, nil)
	rr := do(t, e.h, http.MethodPost, "/api/v1/resources",
		`{"entries":[{"name":"https://example.com/x.css","startTime":3,"decodedBodySize":10}]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d", rr.Code)
	}
	entries := e.buf.ListResourceEntries()
	if len(entries) != 1 || entries[0].DecodedBodySize != 10 {
		t.Errorf("entries: got %+v", entries)
	}
}

func TestResources_Invalid(t *testing.T) {
	e := newEnv(t, nil)
	for _, body := range []string{"", "   ", "nope", `[{"name":1}]`} {
		rr := do(t, e.h, http.MethodPost, "/api/v1/resources", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: got %d, want 400", body, rr.Code)
		}
	}
}

func TestResources_DispatchesRefineWhenDetailed(t *testing.T) {
	e := newEnv(t, nil)
	do(t, e.h, http.MethodPost, "/api/v1/load", "")
	e.clk.WaitForTimers(1)
	e.clk.Advance(estimator.DefaultDetailedDelay)

	var rres api.ResourcesResponse
	decode(t, do(t, e.h, http.MethodPost, "/api/v1/resources", beacon), &rres)
	if !rres.Dispatched {
		t.Fatal("expected a refinement pass to be dispatched")
	}

	e.clk.WaitForTimers(1)
	e.clk.Advance(estimator.DefaultRefineDelay)

	var snap types.Snapshot
	decode(t, do(t, e.h, http.MethodGet, "/api/v1/emissions", ""), &snap)
	if snap.WeightBytes != 600000 {
		t.Errorf("refined weight: got %d, want 600000", snap.WeightBytes)
	}

	var cres api.CheckResponse
	decode(t, do(t, e.h, http.MethodPost, "/api/v1/check", ""), &cres)
	if cres.Dispatched {
		t.Error("check dispatched with nothing new")
	}
}

// --- /api/v1/grid-intensity -------------------------------------------------

func TestGridIntensity_GetPut(t *testing.T) {
	e := newEnv(t, nil)

	var g types.GridIntensity
	decode(t, do(t, e.h, http.MethodGet, "/api/v1/grid-intensity", ""), &g)
	if g != types.DefaultGridIntensity() {
		t.Errorf("default: got %+v", g)
	}

	rr := do(t, e.h, http.MethodPut, "/api/v1/grid-intensity",
		`{"device_country":"DEU","data_center":120,"network_country":"POL"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put status: got %d (%s)", rr.Code, rr.Body.String())
	}
	want := types.GridIntensity{DeviceCountry: "DEU", DataCenter: 120, NetworkCountry: "POL"}
	if got := e.est.DefaultGridIntensity(); got != want {
		t.Errorf("after put: got %+v, want %+v", got, want)
	}
}

func TestGridIntensity_PutInvalid(t *testing.T) {
	e := newEnv(t, nil)
	tests := []string{
		`{"device_country":"DEU","data_center":-1,"network_country":"POL"}`,
		`{"device_country":"","data_center":1,"network_country":"POL"}`,
		`{"device_country":"DEU","data_center":1,"network_country":"POL","extra":1}`,
		`not json`,
	}
	for _, body := range tests {
		rr := do(t, e.h, http.MethodPut, "/api/v1/grid-intensity", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: got %d, want 400", body, rr.Code)
		}
	}
	if got := e.est.DefaultGridIntensity(); got != types.DefaultGridIntensity() {
		t.Errorf("invalid put changed defaults: %+v", got)
	}
}

// --- routing, auth and CORS -------------------------------------------------

func TestRouting_NotFoundAndMethod(t *testing.T) {
	e := newEnv(t, func(d *api.Deps) { d.Refiner = nil })
	if rr := do(t, e.h, http.MethodGet, "/api/v1/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown route: got %d, want 404", rr.Code)
	}
	if rr := do(t, e.h, http.MethodDelete, "/api/v1/emissions", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method: got %d, want 405", rr.Code)
	}
	if rr := do(t, e.h, http.MethodPost, "/api/v1/check", ""); rr.Code != http.StatusNotFound {
		t.Errorf("check without refiner: got %d, want 404", rr.Code)
	}
	if rr := do(t, e.h, http.MethodGet, "/api/v1/history", ""); rr.Code != http.StatusNotFound {
		t.Errorf("history without store: got %d, want 404", rr.Code)
	}
}

func TestAuth_GuardsWritesOnly(t *testing.T) {
	e := newEnv(t, func(d *api.Deps) {
		d.Auth = auth.APIKey("apikey", "X-API-Key", "secret")
		d.AuthHeader = "X-API-Key"
	})

	if rr := do(t, e.h, http.MethodGet, "/api/v1/emissions", ""); rr.Code != http.StatusOK {
		t.Errorf("read without key: got %d, want 200", rr.Code)
	}
	if rr := do(t, e.h, http.MethodPost, "/api/v1/load", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("write without key: got %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/load", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("write with key: got %d, want 200", rr.Code)
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	e := newEnv(t, func(d *api.Deps) { d.CORSOrigins = []string{"https://shop.example"} })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/emissions", nil)
	req.Header.Set("Origin", "https://shop.example")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
		t.Errorf("allowed origin: got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/emissions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin: got %q, want empty", got)
	}
}

// --- history, alerts, metrics -----------------------------------------------

type fakeHistory struct {
	got  history.Query
	out  []types.Update
	fail bool
}

func (f *fakeHistory) List(_ context.Context, q history.Query) ([]types.Update, error) {
	f.got = q
	if f.fail {
		return nil, errors.New("disk full")
	}
	return f.out, nil
}

func TestHistory_Query(t *testing.T) {
	fh := &fakeHistory{out: []types.Update{{SessionID: "s1", Phase: types.PhaseCoarse}}}
	e := newEnv(t, func(d *api.Deps) { d.History = fh })

	rr := do(t, e.h, http.MethodGet, "/api/v1/history?session=s1&since=2024-05-01T11:00:00Z&limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var out []types.Update
	decode(t, rr, &out)
	if len(out) != 1 || out[0].SessionID != "s1" {
		t.Errorf("history: got %+v", out)
	}
	want := history.Query{SessionID: "s1", Since: t0.Add(-time.Hour), Limit: 5}
	if !fh.got.Since.Equal(want.Since) || fh.got.SessionID != want.SessionID || fh.got.Limit != want.Limit {
		t.Errorf("query: got %+v, want %+v", fh.got, want)
	}
}

func TestHistory_BadParamsAndFailure(t *testing.T) {
	fh := &fakeHistory{}
	e := newEnv(t, func(d *api.Deps) { d.History = fh })
	for _, q := range []string{"since=yesterday", "limit=-1", "limit=x"} {
		if rr := do(t, e.h, http.MethodGet, "/api/v1/history?"+q, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", q, rr.Code)
		}
	}
	fh.fail = true
	if rr := do(t, e.h, http.MethodGet, "/api/v1/history", ""); rr.Code != http.StatusInternalServerError {
		t.Errorf("store failure: got %d, want 500", rr.Code)
	}
}

type fakeAlerts []*alerts.Alert

func (f fakeAlerts) Active() []*alerts.Alert { return f }

func TestAlerts(t *testing.T) {
	e := newEnv(t, nil)
	rr := do(t, e.h, http.MethodGet, "/api/v1/alerts", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("no engine: got %s, want []", rr.Body.String())
	}

	e = newEnv(t, func(d *api.Deps) {
		d.Alerts = fakeAlerts{{ID: "a1", RuleName: "heavy", State: alerts.StateFiring}}
	})
	var out []alerts.Alert
	decode(t, do(t, e.h, http.MethodGet, "/api/v1/alerts", ""), &out)
	if len(out) != 1 || out[0].RuleName != "heavy" {
		t.Errorf("alerts: got %+v", out)
	}
}

func TestMetricsAndStreamMounted(t *testing.T) {
	mounted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	e := newEnv(t, func(d *api.Deps) {
		d.Metrics = mounted
		d.Stream = mounted
	})
	if rr := do(t, e.h, http.MethodGet, "/metrics", ""); rr.Code != http.StatusTeapot {
		t.Errorf("/metrics: got %d", rr.Code)
	}
	if rr := do(t, e.h, http.MethodGet, "/ws/stream", ""); rr.Code != http.StatusTeapot {
		t.Errorf("/ws/stream: got %d", rr.Code)
	}
}
