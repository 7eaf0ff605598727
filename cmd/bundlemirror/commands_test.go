package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"bundlemirror/internal/mirror"
)

func TestBuildFlagsResolve(t *testing.T) {
	f := buildFlags{hash: " abc ", scripts: []string{"web.js", "app.css"}, channel: "stable"}
	build, err := f.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if build.Hash != "abc" || build.Channel != "stable" || !reflect.DeepEqual(build.Scripts, []string{"web.js", "app.css"}) {
		t.Fatalf("unexpected build: %+v", build)
	}

	for _, bad := range []buildFlags{
		{},
		{hash: "abc"},
		{hash: "abc", record: "x.json"},
	} {
		if _, err := bad.resolve(); err == nil {
			t.Fatalf("expected error for %+v", bad)
		}
	}
}

func TestBuildFlagsResolveRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.json")
	record := `{"id":"abc","date":"2024-03-01T12:00:00Z","GLOBAL_ENV":{"RELEASE_CHANNEL":"ptb"},"scripts":["/assets/web.js"]}`
	if err := os.WriteFile(path, []byte(record), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
	build, err := (&buildFlags{record: path}).resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if build.Hash != "abc" || build.Channel != "ptb" || !reflect.DeepEqual(build.Scripts, []string{"web.js"}) {
		t.Fatalf("unexpected build: %+v", build)
	}
}

func TestResolveMaxConcurrency(t *testing.T) {
	t.Setenv("BUNDLEMIRROR_MAX_CONCURRENCY", "")
	if got := resolveMaxConcurrency(0); got != 5 {
		t.Fatalf("default = %d", got)
	}
	t.Setenv("BUNDLEMIRROR_MAX_CONCURRENCY", "9")
	if got := resolveMaxConcurrency(0); got != 9 {
		t.Fatalf("env = %d", got)
	}
	if got := resolveMaxConcurrency(2); got != 2 {
		t.Fatalf("flag = %d", got)
	}
}

func writeCachedBuild(t *testing.T) {
	t.Helper()
	cacheDir := t.TempDir()
	buildDir := filepath.Join(cacheDir, "abc")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"runtime.js": "(()=>{})();",
		"boot.js":    "console.log('boot');",
		"lazy.js":    `(self.webpackChunkapp=self.webpackChunkapp||[]).push([[7],{1:()=>{}}]);`,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(buildDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("CACHE_PATH", cacheDir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("MIRROR_BASE_URL", "")
	cfgPath = ""
}

func runRoot(args ...string) (*bytes.Buffer, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	return &out, root.Execute()
}

func TestDetectCommand(t *testing.T) {
	writeCachedBuild(t)
	out, err := runRoot("detect", "--build", "abc", "--script", "/assets/runtime,boot.js,lazy.js")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}

	var report struct {
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out.String())
	}
	if !reflect.DeepEqual(report.Entries, []string{"runtime.js", "boot.js"}) {
		t.Fatalf("entries = %v", report.Entries)
	}
}

func TestDetectSaveNeedsBuildStore(t *testing.T) {
	writeCachedBuild(t)
	_, err := runRoot("detect", "--build", "abc", "--script", "runtime.js,boot.js", "--save")
	if !errors.Is(err, mirror.ErrNoBuildStore) {
		t.Fatalf("expected ErrNoBuildStore, got %v", err)
	}
}

func TestAmendCommandsValidateFlags(t *testing.T) {
	writeCachedBuild(t)
	for _, args := range [][]string{
		{"index-scripts", "--script", "web.js"},
		{"index-scripts", "--build", "abc"},
		{"import"},
	} {
		if _, err := runRoot(args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if _, err := runRoot("index-scripts", "--build", "abc", "--script", "web.js"); !errors.Is(err, mirror.ErrNoBuildStore) {
		t.Fatalf("expected ErrNoBuildStore, got %v", err)
	}
	if _, err := runRoot("import", "--dir", t.TempDir()); !errors.Is(err, mirror.ErrNoBuildStore) {
		t.Fatalf("expected ErrNoBuildStore, got %v", err)
	}
}
