package enrich

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Default lookup service endpoints.
const (
	DefaultDoHURL        = "https://cloudflare-dns.com/dns-query"
	DefaultGreenCheckURL = "https://api.thegreenwebfoundation.org/api/v3/greencheck/"
	DefaultIntensityURL  = "https://api.thegreenwebfoundation.org/api/v3/ip-to-co2intensity/"

	// Substituted for fields missing from a successful intensity response.
	DefaultFallbackIntensity = 460
	DefaultFallbackCountry   = "FRA"

	defaultHTTPTimeout = 10 * time.Second
	maxBodyBytes       = 1 << 20
)

// Service names used in errors, logs and Stats.
const (
	ServiceDNS       = "dns"
	ServiceGreen     = "greencheck"
	ServiceIntensity = "intensity"
)

// Config configures the lookup clients.
type Config struct {
	DoHURL        string
	GreenCheckURL string
	IntensityURL  string

	FallbackIntensity float64
	FallbackCountry   string
	DeviceCountry     string

	HTTPTimeout        time.Duration
	InsecureSkipVerify bool
	UserAgent          string
}

// DefaultConfig returns the public service endpoints and fallbacks.
func DefaultConfig() Config {
	return Config{
		DoHURL:            DefaultDoHURL,
		GreenCheckURL:     DefaultGreenCheckURL,
		IntensityURL:      DefaultIntensityURL,
		FallbackIntensity: DefaultFallbackIntensity,
		FallbackCountry:   DefaultFallbackCountry,
		DeviceCountry:     DefaultFallbackCountry,
		HTTPTimeout:       defaultHTTPTimeout,
		UserAgent:         "pagecarbon",
	}
}

// Exclusions returns the URL prefixes of the lookup services, so the
// estimator never measures its own requests.
func (c Config) Exclusions() []string {
	return []string{c.DoHURL, c.GreenCheckURL, c.IntensityURL}
}

// Client performs single, unretried calls to the lookup services.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a Client and its HTTP transport once.
func NewClient(cfg Config) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	transport := &userAgentRoundTripper{
		base: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec // user-configured
		},
		userAgent: cfg.UserAgent,
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: cfg.HTTPTimeout},
	}
}

// newClientWithHTTP is used by tests to inject httptest clients.
func newClientWithHTTP(cfg Config, hc *http.Client) *Client {
	return &Client{cfg: cfg, http: hc}
}

// userAgentRoundTripper stamps every outgoing lookup request.
type userAgentRoundTripper struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

type dohResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Name string `json:"name"`
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// ResolveIP queries the DNS-over-HTTPS resolver for an A record and returns
// the first answer that is an IP address.
func (c *Client) ResolveIP(ctx context.Context, domain string) (string, error) {
	q := url.Values{}
	q.Set("name", domain)
	q.Set("type", "A")

	var resp dohResponse
	if err := c.getJSON(ctx, ServiceDNS, c.cfg.DoHURL+"?"+q.Encode(), "application/dns-json", &resp); err != nil {
		return "", err
	}
	if resp.Status != 0 {
		return "", &MalformedResponseError{Service: ServiceDNS, Reason: fmt.Sprintf("dns status %d", resp.Status)}
	}
	for _, a := range resp.Answer {
		if ip := net.ParseIP(a.Data); ip != nil {
			return ip.String(), nil
		}
	}
	return "", &MalformedResponseError{Service: ServiceDNS, Reason: "no address in answer"}
}

type greenResponse struct {
	Green *bool `json:"green"`
}

// CheckGreen asks the green-hosting registry whether domain runs on green
// energy.
func (c *Client) CheckGreen(ctx context.Context, domain string) (bool, error) {
	var resp greenResponse
	if err := c.getJSON(ctx, ServiceGreen, c.cfg.GreenCheckURL+url.PathEscape(domain), "application/json", &resp); err != nil {
		return false, err
	}
	if resp.Green == nil {
		return false, &MalformedResponseError{Service: ServiceGreen, Reason: `missing "green" field`}
	}
	return *resp.Green, nil
}

type intensityResponse struct {
	CarbonIntensity float64 `json:"carbon_intensity"`
	CountryCodeISO3 string  `json:"country_code_iso_3"`
}

// LookupIntensity returns grid options for the data center serving ip. Zero
// or missing fields in the registry's answer are replaced by the configured
// fallbacks.
func (c *Client) LookupIntensity(ctx context.Context, ip string) (types.GridIntensity, error) {
	var resp intensityResponse
	if err := c.getJSON(ctx, ServiceIntensity, c.cfg.IntensityURL+url.PathEscape(ip), "application/json", &resp); err != nil {
		return types.GridIntensity{}, err
	}

	grid := types.GridIntensity{
		DeviceCountry:  c.cfg.DeviceCountry,
		DataCenter:     resp.CarbonIntensity,
		NetworkCountry: resp.CountryCodeISO3,
	}
	if grid.DataCenter <= 0 {
		grid.DataCenter = c.cfg.FallbackIntensity
	}
	if grid.NetworkCountry == "" {
		grid.NetworkCountry = c.cfg.FallbackCountry
	}
	if grid.DeviceCountry == "" {
		grid.DeviceCountry = c.cfg.FallbackCountry
	}
	return grid, nil
}

// getJSON performs a GET and decodes a JSON body into out.
func (c *Client) getJSON(ctx context.Context, service, rawURL, accept string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &NetworkError{Service: service, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Service: service, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &NetworkError{Service: service, Err: fmt.Errorf("read body: %w", err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedResponseError{Service: service, Reason: err.Error()}
	}
	return nil
}
