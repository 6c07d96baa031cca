// Package enrich resolves, for one resource, whether its host runs on green
// energy and which grid intensity applies to it.
//
// Stages, each independently fallible and each run through the retry
// executor:
//
//  1. ExtractDomain — third "/"-separated URL segment, "www." stripped.
//  2. ResolveIP — DNS over HTTPS (application/dns-json); no IP on failure.
//  3. CheckGreen — green-hosting registry; false on failure.
//  4. LookupIntensity — grid intensity by IP; the caller's defaults when
//     there is no IP or the lookup fails. Missing fields in a successful
//     response fall back to 460 gCO2/kWh and "FRA".
//
// Stage 3 runs concurrently with stages 2→4. Pipeline.Enrich never returns an
// error: every failure is converted into its documented fallback and counted
// in Stats.
package enrich
