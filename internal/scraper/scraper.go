// Package scraper reads build descriptions: the live index page served by
// the upstream and archived build records.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"bundlemirror/pkg/types"
)

const defaultChannel = "canary"

var globalEnvRE = regexp.MustCompile(`(?s)window\.GLOBAL_ENV\s*=\s*(\{.+?\})\s*;?\s*$`)

// ErrNoBuildHash is returned when the page does not say which build it serves.
var ErrNoBuildHash = errors.New("no build hash in GLOBAL_ENV")

// ErrNoScripts is returned when the page references no bundle assets.
var ErrNoScripts = errors.New("no asset scripts in page")

// PageGetter issues GET requests and decodes bodies.
type PageGetter interface {
	Get(ctx context.Context, target string) (*http.Response, error)
	ReadBody(resp *http.Response) ([]byte, error)
}

// Scraper fetches the live index page of the upstream.
type Scraper struct {
	getter  PageGetter
	pageURL string
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a scraper for {baseURL}{livePath}.
func New(getter PageGetter, baseURL, livePath string, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scraper{
		getter:  getter,
		pageURL: strings.TrimRight(baseURL, "/") + livePath,
		logger:  logger,
		now:     time.Now,
	}
}

// FetchLive downloads and parses the build currently served upstream.
func (s *Scraper) FetchLive(ctx context.Context) (*types.LiveBuild, error) {
	resp, err := s.getter.Get(ctx, s.pageURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %d", s.pageURL, resp.StatusCode)
	}
	body, err := s.getter.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	live, err := ParseIndexHTML(body)
	if err != nil {
		return nil, err
	}
	if live.Timestamp.IsZero() {
		live.Timestamp = s.now().UTC()
	}
	s.logger.Info("scraped live build", "build", live.Hash, "channel", live.Channel, "scripts", len(live.Scripts))
	return live, nil
}

// ParseIndexHTML extracts the build hash, channel, bundle scripts and
// stylesheets from an index page. Stylesheets are appended after scripts in
// Build.Scripts so they are crawled too. A missing BUILT_AT leaves the
// timestamp zero.
func ParseIndexHTML(page []byte) (*types.LiveBuild, error) {
	root, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	var scripts, styles []string
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if name, ok := assetName(src, ".js"); ok {
			scripts = append(scripts, name)
		}
	})
	doc.Find("link[href]").Each(func(_ int, sel *goquery.Selection) {
		rel, _ := sel.Attr("rel")
		if !strings.EqualFold(strings.TrimSpace(rel), "stylesheet") {
			return
		}
		href, _ := sel.Attr("href")
		if name, ok := assetName(href, ".css"); ok {
			styles = append(styles, name)
		}
	})

	env := json.RawMessage(`{}`)
	doc.Find("script:not([src])").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		m := globalEnvRE.FindStringSubmatch(strings.TrimSpace(sel.Text()))
		if m == nil {
			return true
		}
		raw := strings.ReplaceAll(m[1], "Date.now()", "0")
		if json.Valid([]byte(raw)) {
			env = json.RawMessage(raw)
		}
		return false
	})

	fields := parseEnv(env)
	hash := fields.VersionHash
	if hash == "" {
		hash = fields.SentryTags.BuildID
	}
	if hash == "" {
		return nil, ErrNoBuildHash
	}
	if len(scripts)+len(styles) == 0 {
		return nil, ErrNoScripts
	}

	live := &types.LiveBuild{
		Build: types.Build{
			Hash:      hash,
			Channel:   fields.channel(),
			Scripts:   append(append([]string{}, scripts...), styles...),
			GlobalEnv: env,
		},
		Stylesheets: styles,
	}
	if ms, err := strconv.ParseInt(strings.TrimSpace(string(fields.BuiltAt)), 10, 64); err == nil {
		live.Timestamp = time.UnixMilli(ms).UTC()
	}
	return live, nil
}

// record is the archived build format.
type record struct {
	ID        string          `json:"id"`
	Date      string          `json:"date"`
	GlobalEnv json.RawMessage `json:"GLOBAL_ENV"`
	Scripts   []string        `json:"scripts"`
}

// ParseBuildRecord decodes an archived build record. The date field is
// RFC 3339; when it is unusable GLOBAL_ENV.HTML_TIMESTAMP (milliseconds)
// is used instead.
func ParseBuildRecord(r io.Reader) (types.Build, error) {
	var rec record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return types.Build{}, fmt.Errorf("decode build record: %w", err)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return types.Build{}, errors.New("build record missing id")
	}
	if len(rec.GlobalEnv) == 0 || string(rec.GlobalEnv) == "null" {
		rec.GlobalEnv = json.RawMessage(`{}`)
	}
	fields := parseEnv(rec.GlobalEnv)

	build := types.Build{
		Hash:      strings.TrimSpace(rec.ID),
		Channel:   fields.channel(),
		Scripts:   make([]string, 0, len(rec.Scripts)),
		GlobalEnv: rec.GlobalEnv,
	}
	for _, s := range rec.Scripts {
		if name := strings.TrimPrefix(strings.TrimSpace(s), "/assets/"); name != "" {
			build.Scripts = append(build.Scripts, name)
		}
	}
	if ts, err := time.Parse(time.RFC3339, rec.Date); err == nil {
		build.Timestamp = ts.UTC()
	} else if fields.HTMLTimestamp != nil {
		build.Timestamp = time.UnixMilli(*fields.HTMLTimestamp).UTC()
	}
	return build, nil
}

// envFields are the GLOBAL_ENV keys the mirror cares about.
type envFields struct {
	VersionHash    string          `json:"VERSION_HASH"`
	ReleaseChannel string          `json:"RELEASE_CHANNEL"`
	BuiltAt        json.RawMessage `json:"BUILT_AT"`
	HTMLTimestamp  *int64          `json:"HTML_TIMESTAMP"`
	SentryTags     struct {
		BuildID string `json:"buildId"`
	} `json:"SENTRY_TAGS"`
}

func parseEnv(env json.RawMessage) envFields {
	var f envFields
	// Unknown shapes just leave fields empty.
	_ = json.Unmarshal(env, &f)
	if n := len(f.BuiltAt); n >= 2 && f.BuiltAt[0] == '"' {
		f.BuiltAt = f.BuiltAt[1 : n-1]
	}
	return f
}

func (f envFields) channel() string {
	if c := strings.TrimSpace(f.ReleaseChannel); c != "" {
		return c
	}
	return defaultChannel
}

func assetName(ref, ext string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "/assets/") || !strings.HasSuffix(ref, ext) {
		return "", false
	}
	name := strings.TrimPrefix(ref, "/assets/")
	if name == ext {
		return "", false
	}
	return name, true
}
