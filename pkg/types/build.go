package types

import (
	"encoding/json"
	"time"
)

// Build describes one mirrored release of the upstream application.
type Build struct {
	Hash         string          `json:"build_hash"`
	Channel      string          `json:"channel"`
	Scripts      []string        `json:"scripts"`
	IndexScripts []string        `json:"index_scripts"`
	Assets       []string        `json:"assets,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	GlobalEnv    json.RawMessage `json:"global_env,omitempty"`
}

// Asset is a single fetched file belonging to a build.
type Asset struct {
	Name            string
	URL             string
	Body            []byte
	ContentType     string
	StatusCode      int
	FetchedAt       time.Time
	ResponseLatency time.Duration
}

// LiveBuild is what the upstream index page advertises right now.
type LiveBuild struct {
	Build
	// Stylesheets lists the css assets linked from the page; they are also
	// appended to Build.Scripts so the crawl picks them up.
	Stylesheets []string `json:"stylesheets,omitempty"`
}
