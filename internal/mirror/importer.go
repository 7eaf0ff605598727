package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"bundlemirror/internal/scraper"
)

// IndexFile is the name of the build index inside an archive directory.
const IndexFile = "builds.json"

// indexEntry locates one archived record: {path}/{hash}.json.
type indexEntry struct {
	Date int64  `json:"date"`
	Path string `json:"path"`
}

// ImportStats summarises a bulk import.
type ImportStats struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Existing int `json:"existing"`
	Failed   int `json:"failed"`
}

// Import records every build listed in an archive's builds.json. Builds
// already in the store are left untouched. Unreadable records are counted
// and skipped.
func (s *Service) Import(ctx context.Context, archive fs.FS) (ImportStats, error) {
	var stats ImportStats
	if s.builds == nil {
		return stats, ErrNoBuildStore
	}
	raw, err := fs.ReadFile(archive, IndexFile)
	if err != nil {
		return stats, fmt.Errorf("read build index: %w", err)
	}
	var index map[string]indexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		return stats, fmt.Errorf("decode build index: %w", err)
	}

	hashes := make([]string, 0, len(index))
	for hash := range index {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	stats.Total = len(hashes)
	s.logger.Info("importing builds", "total", stats.Total)

	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		inserted, err := s.importOne(ctx, archive, hash, index[hash])
		switch {
		case err != nil:
			stats.Failed++
			if stats.Failed <= 5 {
				s.logger.Warn("import build failed", "build", hash, "error", err)
			}
		case inserted:
			stats.Imported++
		default:
			stats.Existing++
		}
		if done := stats.Imported + stats.Existing + stats.Failed; done%500 == 0 {
			s.logger.Info("import progress", "done", done, "total", stats.Total)
		}
	}
	s.logger.Info("import complete",
		"imported", stats.Imported,
		"existing", stats.Existing,
		"failed", stats.Failed,
	)
	return stats, nil
}

func (s *Service) importOne(ctx context.Context, archive fs.FS, hash string, entry indexEntry) (bool, error) {
	f, err := archive.Open(path.Join(entry.Path, hash+".json"))
	if err != nil {
		return false, err
	}
	defer f.Close()
	build, err := scraper.ParseBuildRecord(f)
	if err != nil {
		return false, err
	}
	if build.Hash != hash {
		return false, fmt.Errorf("record id %q does not match index", build.Hash)
	}
	if build.Timestamp.IsZero() && entry.Date > 0 {
		build.Timestamp = time.UnixMilli(entry.Date).UTC()
	}
	build.Scripts = AssetNames(build.Scripts)
	return s.builds.InsertBuild(ctx, build)
}
