package main

import (
	"github.com/pagecarbon/pagecarbon/internal/clock"
	"github.com/pagecarbon/pagecarbon/internal/co2model"
	"github.com/pagecarbon/pagecarbon/internal/config"
	"github.com/pagecarbon/pagecarbon/internal/emissions"
	"github.com/pagecarbon/pagecarbon/internal/enrich"
	"github.com/pagecarbon/pagecarbon/internal/estimator"
	"github.com/pagecarbon/pagecarbon/internal/retry"
	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/internal/tracker"
)

// stack is the estimation core built from a config.
type stack struct {
	est      *estimator.Estimator
	agg      *emissions.Aggregator
	model    *co2model.Model
	pipeline *enrich.Pipeline // nil when offline
}

func buildStack(cfg *config.Config, provider telemetry.Provider, clk clock.Clock) *stack {
	model := co2model.New(cfg.Model.Coefficients())
	agg := emissions.New(model)
	tr := tracker.New(provider, tracker.ExclusionSet(cfg.Exclusions()))

	s := &stack{agg: agg, model: model}
	var en estimator.Enricher = enrich.Offline{}
	if !cfg.Enrich.Offline {
		s.pipeline = enrich.NewPipeline(
			enrich.NewClient(cfg.Enrich.Client()),
			retry.New(cfg.Retry.Policy(), clock.Real()),
		)
		en = s.pipeline
	}

	s.est = estimator.New(tr, en, agg, clk, cfg.Monitor.Lifecycle())
	s.est.ChangeDefaultGridIntensity(cfg.Grid)
	return s
}
