// Package detector decides which downloaded scripts the host page has to
// load itself. Everything else is pulled in on demand by the bundle's own
// chunk loader once those scripts run.
package detector

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"bundlemirror/internal/config"
)

var (
	chunkIDsRE = regexp.MustCompile(`\.push\(\[\[(\d+(?:,\d+)*)\]`)
	deferredRE = regexp.MustCompile(`\.O\(\s*(?:0|void 0)\s*,\s*\[(\d+(?:\s*,\s*\d+)*)\]`)
)

const sourceMapMarker = "//# sourceMappingURL="

// Kind classifies a script after detection.
type Kind string

const (
	KindRuntime      Kind = "runtime"      // index 0, always loaded
	KindBootstrap    Kind = "bootstrap"    // not a chunk wrapper
	KindEntry        Kind = "entry"        // chunk whose tail starts the app
	KindPrerequisite Kind = "prerequisite" // chunk an entry needs synchronously
	KindChunk        Kind = "chunk"        // loaded on demand
	KindUnreadable   Kind = "unreadable"
	KindUnscanned    Kind = "unscanned" // past the scan limit
)

// Script is the verdict for one input name.
type Script struct {
	Index    int      `json:"index"`
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Provides []uint64 `json:"provides,omitempty"`
	Requires []uint64 `json:"requires,omitempty"`
}

// Report is the full outcome of a detection pass.
type Report struct {
	Entries []string `json:"entries"`
	Scripts []Script `json:"scripts"`
}

// Detector holds the byte windows used to inspect each script.
type Detector struct {
	scanLimit     int
	headBytes     int
	providesBytes int
	tailBytes     int
	checkBytes    int
	logger        *slog.Logger
}

// New builds a detector from configuration. A nil logger discards output.
func New(cfg config.DetectConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Detector{
		scanLimit:     cfg.ScanLimit,
		headBytes:     cfg.HeadBytes,
		providesBytes: cfg.ProvidesBytes,
		tailBytes:     cfg.TailBytes,
		checkBytes:    cfg.CheckBytes,
		logger:        logger,
	}
}

// Detect returns the ordered subset of scripts the page must load. It is
// never empty when scripts is non-empty.
func (d *Detector) Detect(buildDir string, scripts []string) []string {
	return d.Analyze(os.DirFS(buildDir), scripts).Entries
}

// Analyze runs detection over scripts stored in fsys and reports how each
// one was classified.
func (d *Detector) Analyze(fsys fs.FS, scripts []string) Report {
	report := Report{Scripts: make([]Script, len(scripts))}
	if len(scripts) == 0 {
		report.Entries = []string{}
		return report
	}
	for i, name := range scripts {
		report.Scripts[i] = Script{Index: i, Name: name, Kind: KindUnscanned}
	}
	report.Scripts[0].Kind = KindRuntime

	required := make(map[uint64]struct{})
	limit := min(len(scripts), d.scanLimit)
	for i := 1; i < limit; i++ {
		s := &report.Scripts[i]
		file := strings.TrimPrefix(s.Name, "/assets/")
		head, tail, err := d.readWindows(fsys, file)
		if err != nil {
			d.logger.Debug("skipping unreadable script", "script", file, "error", err)
			s.Kind = KindUnreadable
			continue
		}
		if !IsChunk(clipHead(head, d.headBytes)) {
			s.Kind = KindBootstrap
			continue
		}
		s.Kind = KindChunk
		s.Provides = ChunkIDs(clipHead(head, d.providesBytes))

		region, ok := d.checkRegion(tail)
		if !ok || !HasEntryFactory(region) {
			continue
		}
		s.Kind = KindEntry
		s.Requires = DeferredIDs(region)
		for _, id := range s.Requires {
			required[id] = struct{}{}
		}
		d.logger.Debug("entry chunk", "index", i, "script", file)
	}

	if len(required) > 0 {
		for i := range report.Scripts {
			s := &report.Scripts[i]
			if s.Kind != KindChunk {
				continue
			}
			for _, id := range s.Provides {
				if _, ok := required[id]; ok {
					s.Kind = KindPrerequisite
					d.logger.Debug("prerequisite chunk", "index", i, "provides", s.Provides)
					break
				}
			}
		}
	}

	// Scripts are already in index order.
	for _, s := range report.Scripts {
		switch s.Kind {
		case KindRuntime, KindBootstrap, KindEntry, KindPrerequisite:
			report.Entries = append(report.Entries, s.Name)
		}
	}
	if len(report.Entries) == 0 {
		d.logger.Warn("no entry scripts detected, falling back to first script")
		report.Entries = []string{scripts[0]}
	}
	d.logger.Info("detected entry scripts", "entries", len(report.Entries), "scripts", len(scripts))
	return report
}

// checkRegion strips a trailing source map comment from the tail and returns
// its last checkBytes. ok is false when the code does not end in "]);".
func (d *Detector) checkRegion(tail string) (string, bool) {
	code := tail
	if pos := strings.LastIndex(code, sourceMapMarker); pos >= 0 {
		code = code[:pos]
	}
	code = strings.TrimRightFunc(code, unicode.IsSpace)
	if !strings.HasSuffix(code, "]);") {
		return "", false
	}
	return clipTail(code, d.checkBytes), true
}

// readWindows returns the first max(head, provides) bytes and the last
// tailBytes bytes of a file without reading the middle.
func (d *Detector) readWindows(fsys fs.FS, name string) (head, tail string, err error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", "", err
	}
	if info.IsDir() {
		return "", "", errors.New("is a directory")
	}
	size := info.Size()
	headLen := int64(max(d.headBytes, d.providesBytes))

	// A few spare bytes before the tail window let clipTail realign on a
	// rune boundary.
	tailLen := int64(d.tailBytes) + utf8.UTFMax

	ra, ok := f.(io.ReaderAt)
	if !ok || size <= headLen+tailLen {
		data, err := io.ReadAll(f)
		if err != nil {
			return "", "", err
		}
		return string(data), clipTail(string(data), d.tailBytes), nil
	}

	headBuf := make([]byte, headLen)
	if _, err := ra.ReadAt(headBuf, 0); err != nil && !errors.Is(err, io.EOF) {
		return "", "", err
	}
	tailBuf := make([]byte, tailLen)
	if _, err := ra.ReadAt(tailBuf, size-tailLen); err != nil && !errors.Is(err, io.EOF) {
		return "", "", err
	}
	return string(headBuf), clipTail(string(tailBuf), d.tailBytes), nil
}

// IsChunk reports whether head looks like a chunk registration wrapper.
func IsChunk(head string) bool {
	return strings.Contains(head, "webpackChunk") && strings.Contains(head, ".push(")
}

// ChunkIDs returns the chunk ids registered by the first push call in head.
func ChunkIDs(head string) []uint64 {
	m := chunkIDsRE.FindStringSubmatch(head)
	if m == nil {
		return nil
	}
	return parseIDs(m[1])
}

// HasEntryFactory reports whether region carries startup code: a deferred
// dependency call or an assignment to the active module.
func HasEntryFactory(region string) bool {
	return deferredRE.MatchString(region) || strings.Contains(region, ".s=")
}

// DeferredIDs returns every id referenced by deferred dependency calls in
// region, in order of appearance.
func DeferredIDs(region string) []uint64 {
	var ids []uint64
	for _, m := range deferredRE.FindAllStringSubmatch(region, -1) {
		ids = append(ids, parseIDs(m[1])...)
	}
	return ids
}

func parseIDs(list string) []uint64 {
	parts := strings.Split(list, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// clipHead returns at most n leading bytes of s, backing off so a
// multi-byte rune is never split.
func clipHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// clipTail returns at most n trailing bytes of s, moving forward to the
// next rune start.
func clipTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
