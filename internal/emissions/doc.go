// Package emissions folds per-resource byte sizes and CO2 contributions into
// a running estimate.
//
// The CO2 model is opaque to the aggregator. A model error or panic for one
// resource is logged and contributes 0 grams; the resource's bytes are still
// counted and the fold carries on.
package emissions
