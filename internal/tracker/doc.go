// Package tracker implements delta tracking over the resource timeline.
//
// Tracker keeps a checkpoint (last start time plus the ordered list of entries
// already accounted for) and hands out only entries that are newer than a
// given start time, not excluded, and not already seen. The checkpoint is
// cleared once, before the first estimation, and is append-only afterwards.
//
// ExclusionSet lists the URL prefixes of the estimator's own lookups (DNS over
// HTTPS, green-hosting check, grid-intensity lookup) so they never count
// towards page weight.
package tracker
