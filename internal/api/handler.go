package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"

	"github.com/pagecarbon/pagecarbon/internal/alerts"
	"github.com/pagecarbon/pagecarbon/internal/config"
	"github.com/pagecarbon/pagecarbon/internal/estimator"
	"github.com/pagecarbon/pagecarbon/internal/history"
	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

const maxBodyBytes = 4 << 20

// HistoryLister reads persisted updates.
type HistoryLister interface {
	List(ctx context.Context, q history.Query) ([]types.Update, error)
}

// AlertLister reports firing and recently resolved alerts.
type AlertLister interface {
	Active() []*alerts.Alert
}

// Deps are the components the API serves. Estimator and Buffer are
// required; nil optional fields leave their routes unregistered, except
// Alerts which then reports an empty list.
type Deps struct {
	Estimator *estimator.Estimator
	Buffer    *telemetry.Buffer
	Refiner   *estimator.Refiner
	History   HistoryLister
	Alerts    AlertLister
	Metrics   http.Handler
	Stream    http.Handler

	// Auth wraps the state-changing routes.
	Auth func(http.Handler) http.Handler

	// CORSOrigins lists origins allowed to call the API. Empty allows all.
	CORSOrigins []string
	// AuthHeader is added to the allowed CORS request headers.
	AuthHeader string
}

// Handler serves every /api/v1 route plus the optional metrics and stream
// endpoints.
type Handler struct {
	d Deps
	// ctx outlives requests and bounds passes started by a request, such as
	// the detailed pass scheduled by the load signal.
	ctx    context.Context
	router chi.Router
}

// New creates a Handler and registers all routes. ctx bounds the estimation
// passes requests start.
func New(ctx context.Context, d Deps) http.Handler {
	h := &Handler{d: d, ctx: ctx, router: chi.NewRouter()}
	if h.d.Auth == nil {
		h.d.Auth = func(next http.Handler) http.Handler { return next }
	}

	r := h.router
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/emissions", h.emissions)
		r.Get("/state", h.state)
		r.Get("/grid-intensity", h.getGrid)
		r.Get("/alerts", h.alerts)
		if d.History != nil {
			r.Get("/history", h.history)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.d.Auth)
			r.Put("/grid-intensity", h.putGrid)
			r.Post("/resources", h.resources)
			r.Post("/load", h.load)
			if d.Refiner != nil {
				r.Post("/check", h.check)
			}
		})
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Stream != nil {
		r.Handle("/ws/stream", d.Stream)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	allowedHeaders := []string{"Content-Type"}
	if d.AuthHeader != "" {
		allowedHeaders = append(allowedHeaders, d.AuthHeader)
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders(allowedHeaders),
	)(r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	snap := h.d.Estimator.Snapshot()
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		State:     snap.StateName,
		SessionID: snap.SessionID,
		Buffered:  h.d.Buffer.Len(),
		Dropped:   h.d.Buffer.Dropped(),
	})
}

// emissions returns GET /api/v1/emissions, the published estimate.
func (h *Handler) emissions(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.d.Estimator.Snapshot())
}

// state returns GET /api/v1/state.
func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	s := h.d.Estimator.State()
	jsonResp(w, http.StatusOK, StateResponse{State: s, StateName: s.String()})
}

// getGrid returns GET /api/v1/grid-intensity, the default grid intensity.
func (h *Handler) getGrid(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.d.Estimator.DefaultGridIntensity())
}

// putGrid handles PUT /api/v1/grid-intensity. The value replaces the
// default wholesale and applies to later passes only.
func (h *Handler) putGrid(w http.ResponseWriter, r *http.Request) {
	var g types.GridIntensity
	if err := decodeBody(w, r, &g); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.ValidateGrid(g); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	h.d.Estimator.ChangeDefaultGridIntensity(g)
	jsonResp(w, http.StatusOK, g)
}

// resources handles POST /api/v1/resources, a beacon of resource entries.
func (h *Handler) resources(w http.ResponseWriter, r *http.Request) {
	entries, err := decodeEntries(w, r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	accepted := h.d.Buffer.Append(entries...)

	resp := ResourcesResponse{Accepted: accepted, Dropped: len(entries) - accepted}
	if h.d.Refiner != nil && accepted > 0 {
		resp.Dispatched = h.d.Refiner.TriggerCheck(h.ctx)
	}
	slog.Debug("api: resources received", "accepted", accepted, "dropped", resp.Dropped)
	jsonResp(w, http.StatusAccepted, resp)
}

// load handles POST /api/v1/load, the page-load signal.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reset {
		h.d.Buffer.Reset()
	}
	est := h.d.Estimator.OnLoad(h.ctx)
	jsonResp(w, http.StatusOK, LoadResponse{Estimate: est, SessionID: h.d.Estimator.Snapshot().SessionID})
}

// check handles POST /api/v1/check, an on-demand refinement check.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, CheckResponse{Dispatched: h.d.Refiner.TriggerCheck(h.ctx)})
}

// alerts returns GET /api/v1/alerts.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if h.d.Alerts == nil {
		jsonResp(w, http.StatusOK, []struct{}{})
		return
	}
	jsonResp(w, http.StatusOK, h.d.Alerts.Active())
}

// history returns GET /api/v1/history?session=&since=&limit=.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	q := history.Query{SessionID: r.URL.Query().Get("session")}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	out, err := h.d.History.List(r.Context(), q)
	if err != nil {
		slog.Error("api: list history", "err", err)
		jsonErr(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// decodeEntries accepts either a JSON array of entries or a
// ResourcesRequest object.
func decodeEntries(w http.ResponseWriter, r *http.Request) ([]types.ResourceEntry, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}

	if raw[0] == '[' {
		var entries []types.ResourceEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return entries, nil
	}
	var req ResourcesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return req.Entries, nil
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
