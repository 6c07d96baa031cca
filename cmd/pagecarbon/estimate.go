package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pagecarbon/pagecarbon/internal/clock"
	"github.com/pagecarbon/pagecarbon/internal/co2model"
	"github.com/pagecarbon/pagecarbon/internal/config"
	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

type estimateOpts struct {
	harPath    string
	configPath string
	offline    bool
	pretty     bool

	deviceCountry  string
	networkCountry string
	dataCenter     float64
}

// report is the JSON document printed by the estimate command.
type report struct {
	Source        string              `json:"source"`
	Resources     int                 `json:"resources"`
	Excluded      int                 `json:"excluded"`
	Unstarted     int                 `json:"unstarted"`
	Grid          types.GridIntensity `json:"grid"`
	Coarse        types.Estimate      `json:"coarse"`
	Detailed      types.Estimate      `json:"detailed"`
	CoarseSplit   co2model.Breakdown  `json:"coarse_breakdown"`
	ModelFailures uint64              `json:"model_failures"`
	Lookups       map[string]uint64   `json:"lookups,omitempty"`
	Fallbacks     map[string]uint64   `json:"fallbacks,omitempty"`
}

func newEstimateCmd() *cobra.Command {
	var o estimateOpts
	cmd := &cobra.Command{
		Use:   "estimate --har FILE",
		Short: "Estimate the emissions of a recorded page load (HAR file) and print a JSON report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEstimate(cmd.Context(), o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.harPath, "har", "", "HAR file recorded while loading the page")
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	cmd.Flags().BoolVar(&o.offline, "offline", false, "skip green hosting and grid intensity lookups")
	cmd.Flags().BoolVar(&o.pretty, "pretty", true, "indent the JSON report")
	cmd.Flags().StringVar(&o.deviceCountry, "device-country", "", "override the default device country (ISO alpha-3)")
	cmd.Flags().StringVar(&o.networkCountry, "network-country", "", "override the default network country (ISO alpha-3)")
	cmd.Flags().Float64Var(&o.dataCenter, "data-center", 0, "override the default data centre intensity in gCO2/kWh")
	_ = cmd.MarkFlagRequired("har")
	return cmd
}

func runEstimate(ctx context.Context, o estimateOpts, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.offline {
		cfg.Enrich.Offline = true
	}
	if o.deviceCountry != "" {
		cfg.Grid.DeviceCountry = o.deviceCountry
	}
	if o.networkCountry != "" {
		cfg.Grid.NetworkCountry = o.networkCountry
	}
	if o.dataCenter > 0 {
		cfg.Grid.DataCenter = o.dataCenter
	}
	if err := config.ValidateGrid(cfg.Grid); err != nil {
		return fmt.Errorf("grid: %w", err)
	}

	f, err := os.Open(o.harPath)
	if err != nil {
		return fmt.Errorf("open har: %w", err)
	}
	defer f.Close()
	entries, err := telemetry.LoadHAR(f)
	if err != nil {
		return err
	}

	st := buildStack(cfg, entries, clock.Real())
	coarse := st.est.Coarse()
	relevant := st.est.Tracker().Relevant(0)
	detailed := st.est.Detailed(ctx)

	var weight int64
	for _, r := range relevant {
		weight += r.Size()
	}
	var excluded, unstarted int
	for _, e := range entries {
		switch {
		case st.est.Tracker().Excluded().Excludes(e.URL):
			excluded++
		case e.StartTime <= 0:
			unstarted++
		}
	}

	split, err := st.model.Trace(weight, false, cfg.Grid)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	rep := report{
		Source:        o.harPath,
		Resources:     len(relevant),
		Excluded:      excluded,
		Unstarted:     unstarted,
		Grid:          cfg.Grid,
		Coarse:        coarse,
		Detailed:      detailed,
		CoarseSplit:   split,
		ModelFailures: st.agg.Failures(),
	}
	if st.pipeline != nil {
		stats := st.pipeline.Stats()
		rep.Lookups, rep.Fallbacks = stats.Lookups, stats.Fallbacks
	}
	return writeJSON(out, rep, o.pretty)
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

