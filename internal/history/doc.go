// Package history persists published estimates to SQLite.
//
// Updates are queued by Publish without blocking the estimator and written
// by Run, which also evicts rows older than the retention window. List
// serves the history API newest first.
package history
