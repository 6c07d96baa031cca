package enrich

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pagecarbon/pagecarbon/internal/retry"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Lookups is the set of single-attempt service calls the pipeline retries.
// *Client implements it.
type Lookups interface {
	ResolveIP(ctx context.Context, domain string) (string, error)
	CheckGreen(ctx context.Context, domain string) (bool, error)
	LookupIntensity(ctx context.Context, ip string) (types.GridIntensity, error)
}

// Result is the enrichment outcome for one resource.
type Result struct {
	Domain string
	IP     string
	Green  bool
	Grid   types.GridIntensity
}

// Stats counts lookups and fallbacks per service since the pipeline was
// created.
type Stats struct {
	Lookups   map[string]uint64
	Fallbacks map[string]uint64
}

type counters struct {
	lookups, fallbacks atomic.Uint64
}

// Pipeline runs the enrichment stages for a resource.
type Pipeline struct {
	lookups Lookups
	exec    *retry.Executor

	dns, green, intensity counters
}

// NewPipeline returns a Pipeline calling lookups through exec.
func NewPipeline(lookups Lookups, exec *retry.Executor) *Pipeline {
	return &Pipeline{lookups: lookups, exec: exec}
}

// Enrich resolves green-hosting status and grid options for res. defaults is
// the grid intensity to use when no IP-specific value can be obtained.
func (p *Pipeline) Enrich(ctx context.Context, res types.ResourceEntry, defaults types.GridIntensity) Result {
	out := Result{Domain: ExtractDomain(res.URL)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out.Green = p.checkGreen(gctx, out.Domain)
		return nil
	})
	g.Go(func() error {
		out.IP = p.resolveIP(gctx, out.Domain)
		out.Grid = p.resolveGrid(gctx, out.IP, defaults)
		return nil
	})
	_ = g.Wait() // stages never fail; they fall back

	return out
}

func (p *Pipeline) resolveIP(ctx context.Context, domain string) string {
	p.dns.lookups.Add(1)
	ip, err := retry.Do(ctx, p.exec, ServiceDNS+" "+domain, func(ctx context.Context) (string, error) {
		return p.lookups.ResolveIP(ctx, domain)
	})
	if err != nil {
		p.dns.fallbacks.Add(1)
		slog.Warn("enrich: dns lookup failed, continuing without ip", "domain", domain, "err", err)
		return ""
	}
	return ip
}

func (p *Pipeline) checkGreen(ctx context.Context, domain string) bool {
	p.green.lookups.Add(1)
	green, err := retry.Do(ctx, p.exec, ServiceGreen+" "+domain, func(ctx context.Context) (bool, error) {
		return p.lookups.CheckGreen(ctx, domain)
	})
	if err != nil {
		p.green.fallbacks.Add(1)
		slog.Warn("enrich: green check failed, assuming not green", "domain", domain, "err", err)
		return false
	}
	return green
}

func (p *Pipeline) resolveGrid(ctx context.Context, ip string, defaults types.GridIntensity) types.GridIntensity {
	if ip == "" {
		return defaults
	}
	p.intensity.lookups.Add(1)
	grid, err := retry.Do(ctx, p.exec, ServiceIntensity+" "+ip, func(ctx context.Context) (types.GridIntensity, error) {
		return p.lookups.LookupIntensity(ctx, ip)
	})
	if err != nil {
		p.intensity.fallbacks.Add(1)
		slog.Warn("enrich: intensity lookup failed, using defaults", "ip", ip, "err", err)
		return defaults
	}
	return grid
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Lookups: map[string]uint64{
			ServiceDNS:       p.dns.lookups.Load(),
			ServiceGreen:     p.green.lookups.Load(),
			ServiceIntensity: p.intensity.lookups.Load(),
		},
		Fallbacks: map[string]uint64{
			ServiceDNS:       p.dns.fallbacks.Load(),
			ServiceGreen:     p.green.fallbacks.Load(),
			ServiceIntensity: p.intensity.fallbacks.Load(),
		},
	}
}

// Offline is an enricher that makes no lookups: every resource is treated as
// not green-hosted and gets the defaults.
type Offline struct{}

// Enrich returns the domain of res with green=false and defaults.
func (Offline) Enrich(_ context.Context, res types.ResourceEntry, defaults types.GridIntensity) Result {
	return Result{Domain: ExtractDomain(res.URL), Grid: defaults}
}
