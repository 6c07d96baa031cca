package metrics

import (
	"log/slog"
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/pagecarbon/pagecarbon/internal/enrich"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Metric names.
const (
	WeightBytes     = "pagecarbon_page_weight_bytes"
	CO2Grams        = "pagecarbon_page_co2_grams"
	EstimatorState  = "pagecarbon_estimator_state"
	EnrichLookups   = "pagecarbon_enrich_lookups_total"
	EnrichFallbacks = "pagecarbon_enrich_fallbacks_total"
	ModelFailures   = "pagecarbon_model_failures_total"
	TelemetryLen    = "pagecarbon_telemetry_entries"
	TelemetryDrops  = "pagecarbon_telemetry_dropped_total"
	RefinePasses    = "pagecarbon_refine_passes_total"
)

// Sources are the live values read on every scrape. Only Estimate is
// required.
type Sources struct {
	Estimate   interface{ Snapshot() types.Snapshot }
	Enrich     interface{ Stats() enrich.Stats }
	Aggregator interface{ Failures() uint64 }
	Telemetry  interface {
		Len() int
		Dropped() int
	}
	Refiner interface{ Passes() uint64 }
}

// Handler serves the metrics endpoint.
type Handler struct {
	src Sources
}

// New returns a Handler reading from src.
func New(src Sources) *Handler {
	return &Handler{src: src}
}

// Gather builds the current metric families, sorted by name.
func (h *Handler) Gather() []*dto.MetricFamily {
	snap := h.src.Estimate.Snapshot()
	out := []*dto.MetricFamily{
		gauge(WeightBytes, "Byte weight of the resources folded into the published estimate.", float64(snap.WeightBytes)),
		gauge(CO2Grams, "Published CO2 estimate in grams.", snap.CO2Grams),
		gauge(EstimatorState, "Estimator state: 0 uninitialized, 1 coarse, 2 detailed.", float64(snap.State)),
	}

	if h.src.Enrich != nil {
		st := h.src.Enrich.Stats()
		out = append(out,
			perService(EnrichLookups, "Enrichment lookups started, by service.", st.Lookups),
			perService(EnrichFallbacks, "Enrichment lookups that fell back after retries, by service.", st.Fallbacks),
		)
	}
	if h.src.Aggregator != nil {
		out = append(out, counter(ModelFailures, "Per-item CO2 computations that failed and counted 0.", float64(h.src.Aggregator.Failures())))
	}
	if h.src.Telemetry != nil {
		out = append(out,
			gauge(TelemetryLen, "Resource entries in the telemetry buffer.", float64(h.src.Telemetry.Len())),
			counter(TelemetryDrops, "Resource entries refused because the buffer was full.", float64(h.src.Telemetry.Dropped())),
		)
	}
	if h.src.Refiner != nil {
		out = append(out, counter(RefinePasses, "Continuous refinement passes run.", float64(h.src.Refiner.Passes())))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// ServeHTTP writes the families in the format negotiated from Accept.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := expfmt.Negotiate(r.Header)
	w.Header().Set("Content-Type", string(format))

	enc := expfmt.NewEncoder(w, format)
	for _, mf := range h.Gather() {
		if err := enc.Encode(mf); err != nil {
			slog.Error("metrics: encode family", "family", mf.GetName(), "err", err)
			return
		}
	}
	if c, ok := enc.(expfmt.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Error("metrics: close encoder", "err", err)
		}
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}},
	}
}

func perService(name, help string, values map[string]uint64) *dto.MetricFamily {
	services := make([]string, 0, len(values))
	for s := range values {
		services = append(services, s)
	}
	sort.Strings(services)

	mf := &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, s := range services {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String("service"), Value: proto.String(s)}},
			Counter: &dto.Counter{Value: proto.Float64(float64(values[s]))},
		})
	}
	return mf
}
