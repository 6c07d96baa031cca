package types

import "time"

// ResourceEntry is one resource-load record as reported by the page's
// performance timeline. JSON field names match PerformanceResourceTiming so a
// beacon can post entries verbatim. Entries are never mutated once observed.
type ResourceEntry struct {
	URL             string  `json:"name"`
	StartTime       float64 `json:"startTime"`
	EncodedBodySize int64   `json:"encodedBodySize"`
	DecodedBodySize int64   `json:"decodedBodySize"`
	TransferSize    int64   `json:"transferSize"`
}

// Size returns the byte size used for weight accounting: the encoded body
// size, else the decoded body size, else the transfer size, else 0.
func (r ResourceEntry) Size() int64 {
	switch {
	case r.EncodedBodySize > 0:
		return r.EncodedBodySize
	case r.DecodedBodySize > 0:
		return r.DecodedBodySize
	case r.TransferSize > 0:
		return r.TransferSize
	default:
		return 0
	}
}

// GridIntensity describes the electricity grid assumptions used by the CO2
// model. DataCenter is in gCO2/kWh; the countries are ISO 3166-1 alpha-3 codes.
// Values are always replaced wholesale, never merged field by field.
type GridIntensity struct {
	DeviceCountry  string  `json:"device_country" yaml:"device_country"`
	DataCenter     float64 `json:"data_center" yaml:"data_center"`
	NetworkCountry string  `json:"network_country" yaml:"network_country"`
}

// DefaultGridIntensity is the process-wide default used until the host
// overrides it.
func DefaultGridIntensity() GridIntensity {
	return GridIntensity{
		DeviceCountry:  "FRA",
		DataCenter:     207,
		NetworkCountry: "FRA",
	}
}

// Estimate is a published emissions estimate. WeightBytes is the sum of the
// sizes of every resource folded so far; CO2Grams is rounded to 3 decimals on
// publish.
type Estimate struct {
	WeightBytes int64   `json:"weight"`
	CO2Grams    float64 `json:"co2weight"`
}

// State is the observable estimation lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateCoarse
	StateDetailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCoarse:
		return "coarse"
	case StateDetailed:
		return "detailed"
	default:
		return "unknown"
	}
}

// Phase names the pass that produced an Update.
type Phase string

const (
	PhaseCoarse   Phase = "coarse"
	PhaseDetailed Phase = "detailed"
	PhaseRefined  Phase = "refined"
)

// Update is emitted every time the estimator publishes a new estimate.
type Update struct {
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	State     State     `json:"state"`
	Estimate  Estimate  `json:"estimate"`
	Resources int       `json:"resources"`
	At        time.Time `json:"at"`
}

// Snapshot is the externally visible estimator status. The weight and
// co2weight field names match the emissions object exposed to pages.
type Snapshot struct {
	WeightBytes int64     `json:"weight"`
	CO2Grams    float64   `json:"co2weight"`
	State       State     `json:"state"`
	StateName   string    `json:"state_name"`
	SessionID   string    `json:"session_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
