// Package telemetry supplies resource-load records to the estimator.
//
// Provider is the single-operation interface the delta tracker reads from:
// ListResourceEntries returns every record observed since navigation start,
// in discovery order. Two providers are included:
//   - Buffer — an in-memory, append-only timeline fed by page beacons
//     (POST /api/v1/resources); capped at a configured size.
//   - Static — a fixed snapshot, built from a HAR file by LoadHAR for the
//     one-shot `pagecarbon estimate` command.
package telemetry
