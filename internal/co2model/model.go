package co2model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Model errors.
var (
	ErrNegativeBytes    = errors.New("co2model: negative byte count")
	ErrInvalidIntensity = errors.New("co2model: invalid grid intensity")
)

// Config holds model coefficients.
// GreenIntensity is a pointer because zero is a valid intensity; nil leaves
// the default in place.
// Units:
//   - KWhPerByte*: kWh per transferred byte
//   - *Intensity and Countries values: gCO2 per kWh
//   - Countries keys: ISO 3166-1 alpha-3 codes
type Config struct {
	KWhPerByteDataCenter float64
	KWhPerByteNetwork    float64
	KWhPerByteDevice     float64
	GreenIntensity       *float64
	GlobalIntensity      float64
	Countries            map[string]float64
}

// Energy per byte of the "1byte" model. Network energy is the mean of the
// wired, wifi and 4G figures.
const (
	kwhDataCenter = 7.2e-11
	kwhFixedWired = 4.29e-10
	kwhFixedWifi  = 1.52e-10
	kwhMobile4G   = 8.84e-10
	kwhDevice     = 1.3e-10
)

// Float64 returns a pointer to v, for setting GreenIntensity.
func Float64(v float64) *float64 { return &v }

// _defaultConfig returns the default coefficients and country table.
func _defaultConfig() *Config {
	return &Config{
		KWhPerByteDataCenter: kwhDataCenter,
		KWhPerByteNetwork:    (kwhFixedWired + kwhFixedWifi + kwhMobile4G) / 3,
		KWhPerByteDevice:     kwhDevice,
		GreenIntensity:       Float64(33), // renewables lifecycle
		GlobalIntensity:      494, // world average
		Countries:            defaultCountries(),
	}
}

// DefaultConfig returns a copy of the default coefficients.
func DefaultConfig() Config { return *_defaultConfig() }

func defaultCountries() map[string]float64 {
	return map[string]float64{
		"AUS": 549, "BEL": 155, "BRA": 103, "CAN": 128, "CHE": 46,
		"CHN": 582, "DEU": 381, "DNK": 151, "ESP": 174, "FIN": 79,
		"FRA": 56, "GBR": 238, "IND": 713, "IRL": 346, "ITA": 331,
		"JPN": 485, "NLD": 356, "NOR": 29, "POL": 662, "PRT": 165,
		"SWE": 41, "USA": 369, "ZAF": 709,
	}
}

// Breakdown is the per-segment result of one model evaluation, in grams.
type Breakdown struct {
	DataCenter float64 `json:"data_center"`
	Network    float64 `json:"network"`
	Device     float64 `json:"device"`
	Total      float64 `json:"total"`
}

// Model evaluates the per-byte model. It is immutable and safe for
// concurrent use.
type Model struct {
	cfg *Config
}

// New creates a model with the given config.
// Coefficient fields > 0 and a non-nil GreenIntensity >= 0 override the
// defaults; Countries entries > 0 are merged over the default table key by
// key (codes are upper-cased). A nil cfg uses defaults.
func New(cfg *Config) *Model {
	base := _defaultConfig()
	if cfg == nil {
		return &Model{cfg: base}
	}

	merged := *base
	if cfg.KWhPerByteDataCenter > 0 {
		merged.KWhPerByteDataCenter = cfg.KWhPerByteDataCenter
	}
	if cfg.KWhPerByteNetwork > 0 {
		merged.KWhPerByteNetwork = cfg.KWhPerByteNetwork
	}
	if cfg.KWhPerByteDevice > 0 {
		merged.KWhPerByteDevice = cfg.KWhPerByteDevice
	}
	if cfg.GreenIntensity != nil && *cfg.GreenIntensity >= 0 {
		merged.GreenIntensity = Float64(*cfg.GreenIntensity)
	}
	if cfg.GlobalIntensity > 0 {
		merged.GlobalIntensity = cfg.GlobalIntensity
	}
	for code, v := range cfg.Countries {
		if v > 0 {
			merged.Countries[strings.ToUpper(code)] = v
		}
	}
	return &Model{cfg: &merged}
}

// Config returns a copy of the effective coefficients.
func (m *Model) Config() Config {
	cp := *m.cfg
	cp.GreenIntensity = Float64(*m.cfg.GreenIntensity)
	cp.Countries = make(map[string]float64, len(m.cfg.Countries))
	for k, v := range m.cfg.Countries {
		cp.Countries[k] = v
	}
	return cp
}

// CountryIntensity returns the grid intensity of an ISO alpha-3 country code,
// or GlobalIntensity when the code is unknown.
func (m *Model) CountryIntensity(code string) float64 {
	if v, ok := m.cfg.Countries[strings.ToUpper(code)]; ok {
		return v
	}
	return m.cfg.GlobalIntensity
}

// PerByte returns the grams of CO2 for transferring bytes.
func (m *Model) PerByte(bytes int64, green bool, grid types.GridIntensity) (float64, error) {
	b, err := m.Trace(bytes, green, grid)
	if err != nil {
		return 0, err
	}
	return b.Total, nil
}

// Trace returns the per-segment breakdown for transferring bytes.
// A non-positive DataCenter intensity is treated as unknown and replaced by
// GlobalIntensity.
func (m *Model) Trace(bytes int64, green bool, grid types.GridIntensity) (Breakdown, error) {
	if bytes < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrNegativeBytes, bytes)
	}
	if math.IsNaN(grid.DataCenter) || math.IsInf(grid.DataCenter, 0) {
		return Breakdown{}, fmt.Errorf("%w: data centre %v", ErrInvalidIntensity, grid.DataCenter)
	}
	if bytes == 0 {
		return Breakdown{}, nil
	}

	dcIntensity := grid.DataCenter
	if dcIntensity <= 0 {
		dcIntensity = m.cfg.GlobalIntensity
	}
	if green {
		dcIntensity = *m.cfg.GreenIntensity
	}

	n := float64(bytes)
	out := Breakdown{
		DataCenter: n * m.cfg.KWhPerByteDataCenter * dcIntensity,
		Network:    n * m.cfg.KWhPerByteNetwork * m.CountryIntensity(grid.NetworkCountry),
		Device:     n * m.cfg.KWhPerByteDevice * m.CountryIntensity(grid.DeviceCountry),
	}
	out.Total = out.DataCenter + out.Network + out.Device
	return out, nil
}
