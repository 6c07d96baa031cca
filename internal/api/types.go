package api

import "github.com/pagecarbon/pagecarbon/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Buffered  int    `json:"buffered"`
	Dropped   int    `json:"dropped"`
}

// StateResponse is the payload for GET /api/v1/state.
type StateResponse struct {
	State     types.State `json:"state"`
	StateName string      `json:"state_name"`
}

// ResourcesRequest is the object form of a POST /api/v1/resources body. A
// bare JSON array of entries is accepted as well.
type ResourcesRequest struct {
	Entries []types.ResourceEntry `json:"entries"`
}

// ResourcesResponse is the payload for POST /api/v1/resources.
type ResourcesResponse struct {
	Accepted   int  `json:"accepted"`
	Dropped    int  `json:"dropped"`
	Dispatched bool `json:"dispatched"`
}

// LoadRequest is the optional body of POST /api/v1/load. Reset clears the
// resource timeline before the load signal, for a new page view.
type LoadRequest struct {
	Reset bool `json:"reset"`
}

// LoadResponse is the payload for POST /api/v1/load: the coarse estimate.
type LoadResponse struct {
	types.Estimate
	SessionID string `json:"session_id"`
}

// CheckResponse is the payload for POST /api/v1/check.
type CheckResponse struct {
	Dispatched bool `json:"dispatched"`
}

type errorResponse struct {
	Error string `json:"error"`
}
