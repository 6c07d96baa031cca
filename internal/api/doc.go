// Package api implements the pagecarbon REST surface under /api/v1.
//
// Read endpoints expose the published estimate, lifecycle state, default grid
// intensity, estimate history and alerts. Write endpoints accept resource
// beacons from the measured page, the page-load signal, on-demand
// refinement checks and grid intensity overrides; they can be guarded by
// API key middleware.
package api
