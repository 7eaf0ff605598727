package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AssetCache stores asset bytes in a namespace per build hash.
type AssetCache interface {
	Prepare(ctx context.Context, buildHash string) error
	Exists(ctx context.Context, buildHash, name string) (bool, error)
	Read(ctx context.Context, buildHash, name string) ([]byte, error)
	Write(ctx context.Context, buildHash, name string, data []byte) error
	BuildDir(buildHash string) string
}

// FileStore writes assets to {baseDir}/{buildHash}/{name}.
type FileStore struct {
	baseDir string
}

// NewFileStore constructs a filesystem-backed asset cache.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// BuildDir returns the directory holding a build's assets.
func (s *FileStore) BuildDir(buildHash string) string {
	return filepath.Join(s.baseDir, buildHash)
}

// Prepare creates the build namespace.
func (s *FileStore) Prepare(ctx context.Context, buildHash string) error {
	if err := checkBuildHash(buildHash); err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(s.BuildDir(buildHash), 0o755); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}
	return nil
}

// Exists reports whether the asset is already on disk.
func (s *FileStore) Exists(ctx context.Context, buildHash, name string) (bool, error) {
	path, err := s.path(buildHash, name)
	if err != nil {
		return false, err
	}
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat asset: %w", err)
	}
	return !info.IsDir(), nil
}

// Read returns the cached asset bytes.
func (s *FileStore) Read(ctx context.Context, buildHash, name string) ([]byte, error) {
	path, err := s.path(buildHash, name)
	if err != nil {
		return nil, err
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	return data, nil
}

// Write stores data under the asset name, replacing any previous file atomically.
func (s *FileStore) Write(ctx context.Context, buildHash, name string, data []byte) error {
	path, err := s.path(buildHash, name)
	if err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close asset: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod asset: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename asset: %w", err)
	}
	return nil
}

// ListBuilds returns the build hashes that have a namespace on disk.
func (s *FileStore) ListBuilds() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list builds: %w", err)
	}
	builds := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			builds = append(builds, entry.Name())
		}
	}
	sort.Strings(builds)
	return builds, nil
}

func (s *FileStore) path(buildHash, name string) (string, error) {
	if err := checkBuildHash(buildHash); err != nil {
		return "", err
	}
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	return filepath.Join(s.BuildDir(buildHash), name), nil
}

func checkBuildHash(buildHash string) error {
	if buildHash == "" || strings.ContainsAny(buildHash, `/\`) || !filepath.IsLocal(buildHash) {
		return fmt.Errorf("invalid build hash %q", buildHash)
	}
	return nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
