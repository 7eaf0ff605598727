package mirror

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bundlemirror/internal/storage"
	"bundlemirror/pkg/types"
)

type fakeEngine struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeEngine) Download(ctx context.Context, hash string, names []string) ([]string, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return append(append([]string{}, names...), "extra.js"), nil
}

type fakeDetector struct{ dirs []string }

func (f *fakeDetector) Detect(dir string, scripts []string) []string {
	f.dirs = append(f.dirs, dir)
	return scripts[:1]
}

type memBuilds struct {
	mu     sync.Mutex
	builds map[string]types.Build
}

func (m *memBuilds) SaveBuild(_ context.Context, b types.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.builds == nil {
		m.builds = map[string]types.Build{}
	}
	m.builds[b.Hash] = b
	return nil
}

func (m *memBuilds) InsertBuild(_ context.Context, b types.Build) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[b.Hash]; ok {
		return false, nil
	}
	if m.builds == nil {
		m.builds = map[string]types.Build{}
	}
	m.builds[b.Hash] = b
	return true, nil
}

func (m *memBuilds) SetIndexScripts(_ context.Context, hash string, scripts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[hash]
	if !ok {
		return storage.ErrBuildNotFound
	}
	b.IndexScripts = scripts
	m.builds[hash] = b
	return nil
}

func (m *memBuilds) GetBuild(_ context.Context, hash string) (types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[hash]
	if !ok {
		return types.Build{}, storage.ErrBuildNotFound
	}
	return b, nil
}

type fakeLive struct{ build types.Build }

func (f fakeLive) FetchLive(context.Context) (*types.LiveBuild, error) {
	return &types.LiveBuild{Build: f.build}, nil
}

func newTestService(t *testing.T, engine Downloader, opts Options) (*Service, *fakeDetector, *storage.FileStore) {
	t.Helper()
	cache, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	det := &fakeDetector{}
	svc, err := NewService(engine, det, cache, opts)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc, det, cache
}

func TestSyncRecordsBuild(t *testing.T) {
	builds := &memBuilds{}
	svc, det, cache := newTestService(t, &fakeEngine{}, Options{Builds: builds})

	got, err := svc.Sync(context.Background(), types.Build{Hash: " abc ", Scripts: []string{"a.js", "b.js"}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !reflect.DeepEqual(got.Assets, []string{"a.js", "b.js", "extra.js"}) {
		t.Fatalf("assets = %v", got.Assets)
	}
	if !reflect.DeepEqual(got.IndexScripts, []string{"a.js"}) {
		t.Fatalf("index scripts = %v", got.IndexScripts)
	}
	if len(det.dirs) != 1 || det.dirs[0] != cache.BuildDir("abc") {
		t.Fatalf("detector ran on %v", det.dirs)
	}
	stored, err := builds.GetBuild(context.Background(), "abc")
	if err != nil || !reflect.DeepEqual(stored, got) {
		t.Fatalf("stored build mismatch: %+v err=%v", stored, err)
	}
}

func TestSyncStripsAssetPrefix(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{}, Options{})

	got, err := svc.Sync(context.Background(), types.Build{Hash: "abc", Scripts: []string{"/assets/a.js", " ", "b.js"}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !reflect.DeepEqual(got.Scripts, []string{"a.js", "b.js"}) {
		t.Fatalf("scripts = %v", got.Scripts)
	}
	if _, err := svc.Sync(context.Background(), types.Build{Hash: "abc", Scripts: []string{"/assets/"}}); !errors.Is(err, ErrInvalidBuild) {
		t.Fatalf("expected ErrInvalidBuild for empty names, got %v", err)
	}
}

func TestSyncRejectsInvalidBuild(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{}, Options{})
	if _, err := svc.Sync(context.Background(), types.Build{Hash: "abc"}); !errors.Is(err, ErrInvalidBuild) {
		t.Fatalf("expected ErrInvalidBuild, got %v", err)
	}
}

func TestSyncCollapsesConcurrentRuns(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{})}
	svc, _, _ := newTestService(t, engine, Options{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]types.Build, callers)
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			results[i], _ = svc.Sync(context.Background(), types.Build{Hash: "same", Scripts: []string{"a.js"}})
		}()
	}
	for i := 0; i < callers; i++ {
		<-started
	}
	for engine.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	// Give the remaining callers time to join the in-flight run.
	time.Sleep(50 * time.Millisecond)
	close(engine.release)
	wg.Wait()

	if n := engine.calls.Load(); n != 1 {
		t.Fatalf("expected one download for concurrent syncs, got %d", n)
	}
	for i, r := range results {
		if r.Hash != "same" || len(r.Assets) != 2 {
			t.Fatalf("caller %d got %+v", i, r)
		}
	}
}

func TestSyncPropagatesDownloadError(t *testing.T) {
	boom := errors.New("boom")
	builds := &memBuilds{}
	svc, _, _ := newTestService(t, &fakeEngine{err: boom}, Options{Builds: builds})
	if _, err := svc.Sync(context.Background(), types.Build{Hash: "x", Scripts: []string{"a.js"}}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := builds.GetBuild(context.Background(), "x"); !errors.Is(err, storage.ErrBuildNotFound) {
		t.Fatalf("failed sync must not be stored, got %v", err)
	}
}

func TestSyncLiveAndStored(t *testing.T) {
	builds := &memBuilds{}
	live := fakeLive{build: types.Build{Hash: "live1", Channel: "canary", Scripts: []string{"web.js"}}}
	engine := &fakeEngine{}
	svc, _, _ := newTestService(t, engine, Options{Builds: builds, Live: live})

	got, err := svc.SyncLive(context.Background())
	if err != nil || got.Hash != "live1" {
		t.Fatalf("sync live: %+v err=%v", got, err)
	}
	again, err := svc.SyncStored(context.Background(), "live1")
	if err != nil || again.Hash != "live1" {
		t.Fatalf("sync stored: %+v err=%v", again, err)
	}
	if engine.calls.Load() != 2 {
		t.Fatalf("expected two downloads, got %d", engine.calls.Load())
	}
	if _, err := svc.SyncStored(context.Background(), "unknown"); !errors.Is(err, storage.ErrBuildNotFound) {
		t.Fatalf("expected ErrBuildNotFound, got %v", err)
	}

	bare, _, _ := newTestService(t, engine, Options{})
	if _, err := bare.SyncLive(context.Background()); !errors.Is(err, ErrNoLiveSource) {
		t.Fatalf("expected ErrNoLiveSource, got %v", err)
	}
}

func TestRedetectSkipsDownload(t *testing.T) {
	engine := &fakeEngine{}
	builds := &memBuilds{}
	_ = builds.SaveBuild(context.Background(), types.Build{Hash: "h", Scripts: []string{"x.js", "y.js"}})
	svc, det, _ := newTestService(t, engine, Options{Builds: builds})

	got, err := svc.Redetect(context.Background(), types.Build{Hash: "h", Scripts: []string{"x.js", "y.js"}})
	if err != nil {
		t.Fatalf("redetect: %v", err)
	}
	if engine.calls.Load() != 0 || len(det.dirs) != 1 {
		t.Fatalf("redetect should only run detection")
	}
	if !reflect.DeepEqual(got.IndexScripts, []string{"x.js"}) {
		t.Fatalf("index scripts = %v", got.IndexScripts)
	}
}

func TestRedetectKeepsRecordedBuild(t *testing.T) {
	builds := &memBuilds{}
	svc, _, _ := newTestService(t, &fakeEngine{}, Options{Builds: builds})
	ctx := context.Background()

	synced, err := svc.Sync(ctx, types.Build{Hash: "h", Channel: "canary", Scripts: []string{"a.js", "b.js"}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Only hash and scripts are known on the command line.
	got, err := svc.Redetect(ctx, types.Build{Hash: "h", Scripts: []string{"b.js", "a.js"}})
	if err != nil {
		t.Fatalf("redetect: %v", err)
	}
	if !reflect.DeepEqual(got.IndexScripts, []string{"b.js"}) {
		t.Fatalf("index scripts = %v", got.IndexScripts)
	}

	stored, _ := builds.GetBuild(ctx, "h")
	if !reflect.DeepEqual(stored.Assets, synced.Assets) || stored.Channel != "canary" {
		t.Fatalf("redetect changed recorded build: %+v", stored)
	}
	if !reflect.DeepEqual(stored.IndexScripts, []string{"b.js"}) {
		t.Fatalf("stored index scripts = %v", stored.IndexScripts)
	}

	// Without scripts the recorded ones are used.
	got, err = svc.Redetect(ctx, types.Build{Hash: "h"})
	if err != nil || !reflect.DeepEqual(got.IndexScripts, []string{"a.js"}) {
		t.Fatalf("redetect from record: %v err=%v", got.IndexScripts, err)
	}
}

func TestRedetectUnknownBuild(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{}, Options{Builds: &memBuilds{}})
	if _, err := svc.Redetect(context.Background(), types.Build{Hash: "nope", Scripts: []string{"a.js"}}); !errors.Is(err, storage.ErrBuildNotFound) {
		t.Fatalf("expected ErrBuildNotFound, got %v", err)
	}
	if _, err := svc.Redetect(context.Background(), types.Build{Hash: "nope"}); !errors.Is(err, ErrInvalidBuild) {
		t.Fatalf("expected ErrInvalidBuild, got %v", err)
	}
}

func TestSetIndexScripts(t *testing.T) {
	builds := &memBuilds{}
	_ = builds.SaveBuild(context.Background(), types.Build{Hash: "h", Channel: "stable", Assets: []string{"a.js"}})
	svc, _, _ := newTestService(t, &fakeEngine{}, Options{Builds: builds})

	if err := svc.SetIndexScripts(context.Background(), "h", []string{"/assets/web", "app.js"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	stored, _ := builds.GetBuild(context.Background(), "h")
	if !reflect.DeepEqual(stored.IndexScripts, []string{"web.js", "app.js"}) || stored.Channel != "stable" {
		t.Fatalf("unexpected build: %+v", stored)
	}
	if err := svc.SetIndexScripts(context.Background(), "other", []string{"a.js"}); !errors.Is(err, storage.ErrBuildNotFound) {
		t.Fatalf("expected ErrBuildNotFound, got %v", err)
	}
}

func TestSyncNormalizesExtensionlessNames(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeEngine{}, Options{})

	got, err := svc.Sync(context.Background(), types.Build{Hash: "abc", Scripts: []string{"web", "/assets/app.css"}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !reflect.DeepEqual(got.Scripts, []string{"web.js", "app.css"}) {
		t.Fatalf("scripts = %v", got.Scripts)
	}
	if !reflect.DeepEqual(got.IndexScripts, []string{"web.js"}) {
		t.Fatalf("detector should see the cached name, got %v", got.IndexScripts)
	}
}
