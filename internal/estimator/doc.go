// Package estimator runs the estimation lifecycle for one monitored page.
//
// State moves Uninitialized -> Coarse -> Detailed and stays in Detailed for
// the page's lifetime:
//
//   - OnLoad resets the delta tracker and publishes a coarse estimate from
//     raw byte sizes with the default grid intensity and no network calls.
//   - DetailedDelay later the detailed pass enriches every unseen resource
//     in timeline order and publishes the refined total.
//   - A Refiner, when attached, folds resources that appear afterwards into
//     the published total, one pass at a time.
//
// Estimation passes are serialised: resources are enriched and folded
// strictly one after another, and no two passes overlap.
package estimator
