package emissions

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Model maps transferred bytes, hosting greenness and grid intensity to grams
// of CO2. *co2model.Model implements it.
type Model interface {
	PerByte(bytes int64, green bool, grid types.GridIntensity) (float64, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(bytes int64, green bool, grid types.GridIntensity) (float64, error)

func (f ModelFunc) PerByte(bytes int64, green bool, grid types.GridIntensity) (float64, error) {
	return f(bytes, green, grid)
}

// ModelError is a failed per-item CO2 computation.
type ModelError struct {
	Bytes int64
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("emissions: model failed for %d bytes: %v", e.Bytes, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Aggregator is safe for concurrent use.
type Aggregator struct {
	model    Model
	failures atomic.Uint64
}

// New returns an Aggregator evaluating model.
func New(model Model) *Aggregator {
	return &Aggregator{model: model}
}

// Fold returns acc with res added: its size to the weight and its CO2 to the
// total. The result is not rounded; use Round before publishing.
func (a *Aggregator) Fold(acc types.Estimate, res types.ResourceEntry, green bool, grid types.GridIntensity) types.Estimate {
	size := res.Size()
	acc.WeightBytes += size

	co2, err := a.Item(size, green, grid)
	if err != nil {
		a.failures.Add(1)
		slog.Error("emissions: co2 computation failed, counting 0", "url", res.URL, "err", err)
		return acc
	}
	acc.CO2Grams += co2
	return acc
}

// Coarse sums the sizes of resources and evaluates the model once over the
// total with green=false and grid. The result is rounded.
func (a *Aggregator) Coarse(resources []types.ResourceEntry, grid types.GridIntensity) types.Estimate {
	var total int64
	for _, r := range resources {
		total += r.Size()
	}
	out := types.Estimate{WeightBytes: total}
	co2, err := a.Item(total, false, grid)
	if err != nil {
		a.failures.Add(1)
		slog.Error("emissions: coarse co2 computation failed, counting 0", "bytes", total, "err", err)
		return out
	}
	out.CO2Grams = co2
	return Round(out)
}

// Item evaluates the model for one item. Errors, panics and results that are
// negative or not finite are returned as *ModelError.
func (a *Aggregator) Item(bytes int64, green bool, grid types.GridIntensity) (co2 float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			co2, err = 0, &ModelError{Bytes: bytes, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	v, err := a.model.PerByte(bytes, green, grid)
	if err != nil {
		return 0, &ModelError{Bytes: bytes, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, &ModelError{Bytes: bytes, Err: fmt.Errorf("result %v out of range", v)}
	}
	return v, nil
}

// Failures returns the number of model failures since creation.
func (a *Aggregator) Failures() uint64 { return a.failures.Load() }

// Round returns est with CO2Grams rounded to 3 decimal places.
func Round(est types.Estimate) types.Estimate {
	est.CO2Grams = math.Round(est.CO2Grams*1000) / 1000
	return est
}
