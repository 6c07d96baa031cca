// Package metrics exposes the estimator and enrichment counters in the
// Prometheus exposition formats.
//
// Families are built on each scrape from the live sources; nothing is
// registered globally. The response format follows the scraper's Accept
// header (text or protobuf).
package metrics
