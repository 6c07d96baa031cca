package enrich

import (
	"net"
	"net/url"
	"strings"
)

// ExtractDomain returns the host part of a resource URL: the third
// "/"-separated segment with any "www." prefix and port removed. URLs without
// that segment (relative or malformed) fall back to url.Parse and finally to
// the raw string, so callers always get something to look up.
func ExtractDomain(rawURL string) string {
	host := ""
	if parts := strings.Split(rawURL, "/"); len(parts) > 2 && parts[2] != "" {
		host = parts[2]
	} else if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	} else {
		host = strings.TrimSpace(rawURL)
	}

	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}
