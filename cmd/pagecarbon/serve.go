package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pagecarbon/pagecarbon/internal/alerts"
	"github.com/pagecarbon/pagecarbon/internal/api"
	"github.com/pagecarbon/pagecarbon/internal/auth"
	"github.com/pagecarbon/pagecarbon/internal/clock"
	"github.com/pagecarbon/pagecarbon/internal/config"
	"github.com/pagecarbon/pagecarbon/internal/estimator"
	"github.com/pagecarbon/pagecarbon/internal/history"
	"github.com/pagecarbon/pagecarbon/internal/metrics"
	"github.com/pagecarbon/pagecarbon/internal/publish"
	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/internal/ws"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the estimation server: beacon intake, REST API, metrics and live stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func serve(ctx context.Context, configPath string) error {
	slog.Info("pagecarbon starting", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"offline", cfg.Enrich.Offline,
		"continuous", cfg.Monitor.Continuous,
		"storage", cfg.Storage.Backend,
		"kafka_brokers", len(cfg.Kafka.Brokers),
		"alert_rules", len(cfg.Alerts.Rules),
	)

	buf := telemetry.NewBuffer(cfg.Monitor.BufferSize)
	st := buildStack(cfg, buf, clock.Real())
	est := st.est
	refiner := estimator.NewRefiner(est)

	g, ctx := errgroup.WithContext(ctx)

	// Live stream: every published update goes to connected clients.
	hub := ws.New(est, cfg.Server.BroadcastInterval, originChecker(cfg.Server.CORSOrigins))
	est.Subscribe(hub.Publish)
	g.Go(func() error { hub.Run(ctx); return nil })

	alertEngine := alerts.New(cfg.Alerts)
	est.Subscribe(alertEngine.Evaluate)

	deps := api.Deps{
		Estimator:   est,
		Buffer:      buf,
		Refiner:     refiner,
		Alerts:      alertEngine,
		Stream:      hub,
		Auth:        auth.APIKey(cfg.Server.Auth.Mode, cfg.Server.Auth.EffectiveHeader(), cfg.Server.Auth.Key()),
		AuthHeader:  cfg.Server.Auth.EffectiveHeader(),
		CORSOrigins: cfg.Server.CORSOrigins,
	}

	if cfg.Storage.Backend == "sqlite" {
		store, err := history.Open(cfg.Storage.Path, cfg.Storage.Retention)
		if err != nil {
			return err
		}
		defer store.Close()
		est.Subscribe(store.Publish)
		deps.History = store
		g.Go(func() error { store.Run(ctx); return nil })
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub := publish.New(publish.Config{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			BufferSize: cfg.Kafka.BufferSize,
		})
		est.Subscribe(pub.Publish)
		g.Go(func() error { pub.Run(ctx); return nil })
	}

	src := metrics.Sources{
		Estimate:   est,
		Aggregator: st.agg,
		Telemetry:  buf,
		Refiner:    refiner,
	}
	if st.pipeline != nil {
		src.Enrich = st.pipeline
	}
	deps.Metrics = metrics.New(src)

	if cfg.Monitor.Continuous {
		g.Go(func() error { refiner.Run(ctx, cfg.Monitor.PollInterval); return nil })
	}

	// Hot reload: only the default grid intensity applies to a running
	// estimator; other sections need a restart.
	if configPath != "" {
		g.Go(func() error {
			err := config.Watch(ctx, configPath, func(updated *config.Config) {
				est.ChangeDefaultGridIntensity(updated.Grid)
				slog.Info("config hot-reloaded", "grid", updated.Grid)
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handlers.CustomLoggingHandler(io.Discard, api.New(ctx, deps), logRequest),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("pagecarbon shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.Monitor.LoadOnStart {
		est.OnLoad(ctx)
	}

	err = g.Wait()
	alertEngine.Wait()
	return err
}

// logRequest writes one access log record per request through slog.
func logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	slog.Debug("http: request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote", p.Request.RemoteAddr,
	)
}

// originChecker returns a WebSocket origin check matching the CORS origins.
// An empty list allows all origins.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
