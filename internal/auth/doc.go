// Package auth provides API key middleware for the pagecarbon HTTP API.
//
// APIKey(mode, header, key) returns middleware that validates the key sent in
// the named request header. When mode != "apikey" or key == "", all requests
// pass through, which keeps local development unauthenticated. A missing or
// incorrect key is answered with 401 before the wrapped handler runs.
package auth
