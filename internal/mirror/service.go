// Package mirror runs a full build sync: crawl every asset, detect the
// bootstrap scripts and record the result.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"bundlemirror/internal/storage"
	"bundlemirror/pkg/types"
)

// ErrInvalidBuild is returned for builds without a hash or scripts.
var ErrInvalidBuild = errors.New("build needs a hash and at least one script")

// ErrNoLiveSource is returned by SyncLive when no scraper is configured.
var ErrNoLiveSource = errors.New("live scraping not configured")

// ErrNoBuildStore is returned by operations that need recorded builds.
var ErrNoBuildStore = errors.New("build store not configured")

// Downloader materialises a build's asset graph into the cache.
type Downloader interface {
	Download(ctx context.Context, buildHash string, bootstrap []string) ([]string, error)
}

// EntryDetector picks the scripts the page loads directly.
type EntryDetector interface {
	Detect(buildDir string, scripts []string) []string
}

// LiveSource reports the build the upstream currently serves.
type LiveSource interface {
	FetchLive(ctx context.Context) (*types.LiveBuild, error)
}

// Service coordinates syncs. Runs for the same build hash are collapsed so
// only one crawl per hash is in flight.
type Service struct {
	engine   Downloader
	detector EntryDetector
	cache    storage.AssetCache
	builds   storage.BuildStore
	live     LiveSource
	logger   *slog.Logger

	group singleflight.Group
}

// Options wires optional collaborators.
type Options struct {
	Builds storage.BuildStore
	Live   LiveSource
	Logger *slog.Logger
}

// NewService constructs a Service.
func NewService(engine Downloader, detector EntryDetector, cache storage.AssetCache, opts Options) (*Service, error) {
	if engine == nil || detector == nil || cache == nil {
		return nil, errors.New("mirror service requires an engine, a detector and a cache")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		engine:   engine,
		detector: detector,
		cache:    cache,
		builds:   opts.Builds,
		live:     opts.Live,
		logger:   logger,
	}, nil
}

// Sync downloads the build, detects its entry scripts and stores the
// metadata. Concurrent calls for one hash wait for and share a single run,
// which uses the context of the caller that started it.
func (s *Service) Sync(ctx context.Context, build types.Build) (types.Build, error) {
	build.Hash = strings.TrimSpace(build.Hash)
	build.Scripts = AssetNames(build.Scripts)
	if build.Hash == "" || len(build.Scripts) == 0 {
		return types.Build{}, ErrInvalidBuild
	}
	v, err, shared := s.group.Do(build.Hash, func() (any, error) {
		return s.sync(ctx, build)
	})
	if shared {
		s.logger.Debug("joined running sync", "build", build.Hash)
	}
	out, _ := v.(types.Build)
	return out, err
}

func (s *Service) sync(ctx context.Context, build types.Build) (types.Build, error) {
	start := time.Now()
	logger := s.logger.With("build", build.Hash)
	logger.Info("sync started", "scripts", len(build.Scripts), "channel", build.Channel)

	downloaded, err := s.engine.Download(ctx, build.Hash, build.Scripts)
	if err != nil {
		return build, fmt.Errorf("download build %s: %w", build.Hash, err)
	}
	build.Assets = downloaded
	build.IndexScripts = s.detector.Detect(s.cache.BuildDir(build.Hash), build.Scripts)

	if err := s.save(ctx, build); err != nil {
		return build, err
	}
	logger.Info("sync finished",
		"assets", len(build.Assets),
		"index_scripts", len(build.IndexScripts),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return build, nil
}

// SyncLive scrapes the upstream index page and syncs the build it serves.
func (s *Service) SyncLive(ctx context.Context) (types.Build, error) {
	if s.live == nil {
		return types.Build{}, ErrNoLiveSource
	}
	live, err := s.live.FetchLive(ctx)
	if err != nil {
		return types.Build{}, fmt.Errorf("scrape live build: %w", err)
	}
	return s.Sync(ctx, live.Build)
}

// SyncStored resyncs a build previously recorded in the build store.
func (s *Service) SyncStored(ctx context.Context, buildHash string) (types.Build, error) {
	build, err := s.Lookup(ctx, buildHash)
	if err != nil {
		return types.Build{}, err
	}
	return s.Sync(ctx, build)
}

// Lookup returns stored metadata for a build.
func (s *Service) Lookup(ctx context.Context, buildHash string) (types.Build, error) {
	if s.builds == nil {
		return types.Build{}, storage.ErrBuildNotFound
	}
	return s.builds.GetBuild(ctx, buildHash)
}

// Redetect recomputes the entry scripts of an already cached build without
// touching the network. A recorded build keeps every other field; only its
// entry scripts are updated.
func (s *Service) Redetect(ctx context.Context, build types.Build) (types.Build, error) {
	build.Hash = strings.TrimSpace(build.Hash)
	build.Scripts = AssetNames(build.Scripts)
	if build.Hash == "" {
		return types.Build{}, ErrInvalidBuild
	}
	if s.builds != nil {
		stored, err := s.builds.GetBuild(ctx, build.Hash)
		switch {
		case err == nil:
			if len(build.Scripts) == 0 {
				build.Scripts = stored.Scripts
			}
			stored.Scripts = build.Scripts
			build = stored
		case !errors.Is(err, storage.ErrBuildNotFound):
			return types.Build{}, fmt.Errorf("load build %s: %w", build.Hash, err)
		}
	}
	if len(build.Scripts) == 0 {
		return types.Build{}, ErrInvalidBuild
	}
	build.IndexScripts = s.detector.Detect(s.cache.BuildDir(build.Hash), build.Scripts)
	if s.builds == nil {
		return build, nil
	}
	if err := s.SetIndexScripts(ctx, build.Hash, build.IndexScripts); err != nil {
		return build, err
	}
	return build, nil
}

// SetIndexScripts overrides the entry scripts of a recorded build, leaving
// the rest of its record alone.
func (s *Service) SetIndexScripts(ctx context.Context, buildHash string, scripts []string) error {
	if s.builds == nil {
		return ErrNoBuildStore
	}
	if err := s.builds.SetIndexScripts(ctx, buildHash, AssetNames(scripts)); err != nil {
		return fmt.Errorf("set index scripts of %s: %w", buildHash, err)
	}
	return nil
}

func (s *Service) save(ctx context.Context, build types.Build) error {
	if s.builds == nil {
		return nil
	}
	if err := s.builds.SaveBuild(ctx, build); err != nil {
		return fmt.Errorf("save build %s: %w", build.Hash, err)
	}
	return nil
}

// AssetNames drops blanks and the "/assets/" prefix page markup carries, and
// gives extensionless names the script extension the crawler caches them
// under.
func AssetNames(scripts []string) []string {
	out := make([]string, 0, len(scripts))
	for _, name := range scripts {
		name = strings.TrimPrefix(strings.TrimSpace(name), "/assets/")
		if name == "" {
			continue
		}
		if !strings.Contains(name, ".") {
			name += ".js"
		}
		out = append(out, name)
	}
	return out
}
