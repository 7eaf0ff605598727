package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"bundlemirror/internal/api"
	"bundlemirror/internal/mirror"
	"bundlemirror/internal/scraper"
	"bundlemirror/pkg/types"
)

// buildFlags selects a build from the command line or a saved record.
type buildFlags struct {
	hash    string
	scripts []string
	channel string
	record  string
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.hash, "build", "", "Build hash")
	cmd.Flags().StringSliceVar(&f.scripts, "script", nil, "Bootstrap script name (repeatable)")
	cmd.Flags().StringVar(&f.channel, "channel", "canary", "Release channel recorded with the build")
	cmd.Flags().StringVar(&f.record, "record", "", "Path to a JSON build record")
}

func (f *buildFlags) resolve() (types.Build, error) {
	if f.record != "" {
		if f.hash != "" || len(f.scripts) > 0 {
			return types.Build{}, errors.New("--record cannot be combined with --build or --script")
		}
		fh, err := os.Open(f.record)
		if err != nil {
			return types.Build{}, err
		}
		defer fh.Close()
		return scraper.ParseBuildRecord(fh)
	}
	if strings.TrimSpace(f.hash) == "" {
		return types.Build{}, errors.New("--build or --record is required")
	}
	if len(f.scripts) == 0 {
		return types.Build{}, errors.New("at least one --script is required")
	}
	return types.Build{
		Hash:      strings.TrimSpace(f.hash),
		Channel:   f.channel,
		Scripts:   f.scripts,
		Timestamp: time.Now().UTC(),
	}, nil
}

func newSyncCmd() *cobra.Command {
	var (
		flags  buildFlags
		live   bool
		stored bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download a build's asset graph and detect its entry scripts",
		Example: `  bundlemirror sync --build 1a2b3c --script web.js --script app.css
  bundlemirror sync --record builds/1a2b3c.json
  bundlemirror sync --live`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var build types.Build
			switch {
			case live:
				build, err = a.service.SyncLive(ctx)
			case stored:
				build, err = a.service.SyncStored(ctx, flags.hash)
			default:
				build, err = flags.resolve()
				if err == nil {
					build, err = a.service.Sync(ctx, build)
				}
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), build)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&live, "live", false, "Scrape the live page and sync the build it serves")
	cmd.Flags().BoolVar(&stored, "stored", false, "Resync the build recorded under --build in the build store")
	cmd.MarkFlagsMutuallyExclusive("live", "stored", "record")
	cmd.MarkFlagsMutuallyExclusive("live", "build")
	return cmd
}

func newDetectCmd() *cobra.Command {
	var (
		flags buildFlags
		save  bool
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Classify the scripts of an already cached build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			build, err := flags.resolve()
			if err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			build.Scripts = mirror.AssetNames(build.Scripts)
			report := a.detector.Analyze(os.DirFS(a.cache.BuildDir(build.Hash)), build.Scripts)
			if save {
				if err := a.service.SetIndexScripts(cmd.Context(), build.Hash, report.Entries); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&save, "save", false, "Store the detected entry scripts in the build store")
	return cmd
}

func newIndexScriptsCmd() *cobra.Command {
	var (
		hash    string
		scripts []string
	)
	cmd := &cobra.Command{
		Use:     "index-scripts",
		Short:   "Override the entry scripts recorded for a build",
		Example: `  bundlemirror index-scripts --build 1a2b3c --script web.js --script app.js`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash = strings.TrimSpace(hash)
			if hash == "" {
				return errors.New("--build is required")
			}
			if len(scripts) == 0 {
				return errors.New("at least one --script is required")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.service.SetIndexScripts(ctx, hash, scripts); err != nil {
				return err
			}
			build, err := a.service.Lookup(ctx, hash)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), build)
		},
	}
	cmd.Flags().StringVar(&hash, "build", "", "Build hash")
	cmd.Flags().StringSliceVar(&scripts, "script", nil, "Entry script name (repeatable)")
	return cmd
}

func newImportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Record every build listed in an archive's builds.json",
		Long: `Reads {dir}/builds.json, a map of build hash to {"date", "path"}, and records
each {dir}/{path}/{hash}.json. Builds already in the store are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				return errors.New("--dir is required")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.service.Import(cmd.Context(), os.DirFS(dir))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Archive directory holding builds.json")
	return cmd
}

func newBuildsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "builds",
		Short: "List cached builds and recorded crawl progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			cached, err := a.cache.ListBuilds()
			if err != nil {
				return err
			}
			crawls, err := a.state.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list crawl state: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"cached": cached,
				"crawls": crawls,
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		addr           string
		maxConcurrency int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			maxConcurrency = resolveMaxConcurrency(maxConcurrency)
			manager := api.NewJobManager(a.service, maxConcurrency, ctx, a.logger)
			server := api.NewServer(manager, api.Options{
				State:   a.state,
				Builds:  a.service,
				Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
				Logger:  a.logger,
			})

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("http shutdown error", "error", err)
				}
			}()

			a.logger.Info("api server listening", "addr", addr, "max_concurrency", maxConcurrency)
			err = httpServer.ListenAndServe()
			manager.Shutdown()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			a.logger.Info("api server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "Maximum concurrent build syncs")
	return cmd
}

func resolveMaxConcurrency(flagValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv("BUNDLEMIRROR_MAX_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return 5
}
