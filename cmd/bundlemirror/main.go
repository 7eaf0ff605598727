package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"bundlemirror/internal/config"
	"bundlemirror/internal/crawler"
	"bundlemirror/internal/crawlstate"
	"bundlemirror/internal/detector"
	"bundlemirror/internal/fetcher"
	"bundlemirror/internal/mirror"
	"bundlemirror/internal/robots"
	"bundlemirror/internal/scraper"
	"bundlemirror/internal/storage"
)

var cfgPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bundlemirror: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bundlemirror",
		Short:         "Mirror the asset graph of a bundled web application",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML configuration (defaults plus environment when empty)")
	root.AddCommand(newSyncCmd(), newDetectCmd(), newIndexScriptsCmd(), newImportCmd(), newBuildsCmd(), newServeCmd())
	return root
}

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	cache    *storage.FileStore
	fetcher  *fetcher.HTTPFetcher
	engine   *crawler.Engine
	detector *detector.Detector
	state    crawlstate.Store
	builds   *storage.SQLBuildStore
	service  *mirror.Service
	registry *prometheus.Registry
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := crawler.BuildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.cache, err = storage.NewFileStore(cfg.Mirror.CacheDir)
	if err != nil {
		return nil, err
	}
	a.fetcher, err = fetcher.NewHTTPFetcher(fetcher.Options{
		BaseURL:      cfg.Mirror.BaseURL,
		UserAgent:    cfg.Fetch.UserAgent,
		Headers:      cfg.Fetch.Headers,
		Timeout:      cfg.Fetch.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		ProxyURL:     cfg.Fetch.ProxyURL,
	})
	if err != nil {
		return nil, err
	}
	a.state, err = crawlstate.NewStore(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("crawl state: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.engine, err = crawler.NewEngine(*cfg, a.cache, a.fetcher,
		crawler.WithLogger(logger),
		crawler.WithRobots(robots.NewAgent(cfg.Robots, a.fetcher.Client())),
		crawler.WithStateStore(a.state),
		crawler.WithMetrics(crawler.NewMetrics(a.registry)),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.detector = detector.New(cfg.Detect, logger)

	opts := mirror.Options{
		Live:   scraper.New(a.fetcher, cfg.Mirror.BaseURL, cfg.Mirror.LivePath, logger),
		Logger: logger,
	}
	if cfg.DB.Enabled() {
		a.builds, err = storage.NewSQLBuildStore(cfg.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("build store: %w", err)
		}
		opts.Builds = a.builds
	}
	a.service, err = mirror.NewService(a.engine, a.detector, a.cache, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.state != nil {
		_ = a.state.Close()
	}
	if a.builds != nil {
		_ = a.builds.Close()
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
