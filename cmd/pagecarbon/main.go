package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "pagecarbon",
		Short: "Incremental CO2 emissions estimation for web pages",
		Long: `pagecarbon estimates the carbon footprint of loading a web page from the
resources it fetches. A coarse estimate is published as soon as the page
loads; a detailed estimate follows once every resource's hosting is checked
for green energy and its grid intensity is looked up, and the estimate keeps
being refined as new resources appear.

Examples:
  pagecarbon serve --config pagecarbon.yaml
  pagecarbon estimate --har page.har --offline`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = os.Stdout
			if cmd.Name() == "estimate" {
				w = os.Stderr
			}
			return setupLogging(w, logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")

	root.AddCommand(newServeCmd(), newEstimateCmd())
	return root
}

func setupLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}
