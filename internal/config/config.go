package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to mirror an upstream bundle.
type Config struct {
	Mirror  MirrorConfig  `yaml:"mirror"`
	Worker  WorkerConfig  `yaml:"worker"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Robots  RobotsConfig  `yaml:"robots"`
	Detect  DetectConfig  `yaml:"detect"`
	DB      SQLConfig     `yaml:"db"`
	State   StateConfig   `yaml:"state"`
	Logging LoggingConfig `yaml:"logging"`
}

// MirrorConfig identifies the upstream origin and the local cache root.
type MirrorConfig struct {
	BaseURL  string `yaml:"base_url"`
	CacheDir string `yaml:"cache_dir"`
	LivePath string `yaml:"live_path"`
}

// WorkerConfig controls fetch concurrency and retry behaviour.
type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// FetchConfig tunes the outbound HTTP client.
type FetchConfig struct {
	UserAgent      string            `yaml:"user_agent"`
	Headers        map[string]string `yaml:"headers"`
	ProxyURL       string            `yaml:"proxy_url"`
	RequestTimeout Duration          `yaml:"request_timeout"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	PerHostDelay   Duration          `yaml:"per_host_delay"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket per upstream host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// RobotsConfig configures robots.txt handling for asset fetches.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// DetectConfig bounds how much of each script the entry detector inspects.
type DetectConfig struct {
	ScanLimit     int `yaml:"scan_limit"`
	HeadBytes     int `yaml:"head_bytes"`
	ProvidesBytes int `yaml:"provides_bytes"`
	TailBytes     int `yaml:"tail_bytes"`
	CheckBytes    int `yaml:"check_bytes"`
}

// SQLConfig describes the relational database holding build metadata.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// StateConfig points at the Redis instance that records crawl progress.
type StateConfig struct {
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"`
	DB       int      `yaml:"db"`
	Password string   `yaml:"password"`
	Key      string   `yaml:"key"`
	Timeout  Duration `yaml:"timeout"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Mirror: MirrorConfig{
			BaseURL:  "https://discord.com",
			CacheDir: "./assets/cache",
			LivePath: "/app",
		},
		Worker: WorkerConfig{
			Concurrency:  100,
			MaxRetries:   3,
			RetryBackoff: DurationFrom(500 * time.Millisecond),
		},
		Fetch: FetchConfig{
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			Headers:        map[string]string{},
			RequestTimeout: DurationFrom(30 * time.Second),
			MaxBodyBytes:   64 * 1024 * 1024,
		},
		Robots: RobotsConfig{
			Respect:   false,
			UserAgent: "bundlemirror/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Detect: DetectConfig{
			ScanLimit:     30,
			HeadBytes:     500,
			ProvidesBytes: 2000,
			TailBytes:     3000,
			CheckBytes:    500,
		},
		DB: SQLConfig{
			Driver:      "postgres",
			AutoMigrate: true,
		},
		State: StateConfig{
			Port:    "6379",
			Timeout: DurationFrom(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
// An empty path yields the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer fh.Close()
		if err := decodeYAML(fh, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("MIRROR_BASE_URL")); v != "" {
		c.Mirror.BaseURL = v
	}
	if v := strings.TrimSpace(getenv("CACHE_PATH")); v != "" {
		c.Mirror.CacheDir = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		c.DB.DSN = v
	}
	if v := strings.TrimSpace(getenv("REDIS_HOST")); v != "" {
		c.State.Host = v
	}
	if v := strings.TrimSpace(getenv("REDIS_PORT")); v != "" {
		c.State.Port = v
	}
	if v := strings.TrimSpace(getenv("REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.State.DB = db
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.State.Password = v
	}
	return nil
}

// Validate enforces required invariants for the mirror configuration.
func (c Config) Validate() error {
	if c.Mirror.BaseURL == "" {
		return errors.New("mirror.base_url must be set")
	}
	parsed, err := url.Parse(c.Mirror.BaseURL)
	if err != nil {
		return fmt.Errorf("mirror.base_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("mirror.base_url must be http(s) (got %q)", c.Mirror.BaseURL)
	}
	if c.Mirror.CacheDir == "" {
		return errors.New("mirror.cache_dir must be set")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0 (got %d)", c.Worker.MaxRetries)
	}
	if c.Worker.RetryBackoff.Duration < 0 {
		return fmt.Errorf("worker.retry_backoff must be >= 0 (got %s)", c.Worker.RetryBackoff)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Fetch.UserAgent) == "" {
		return errors.New("fetch.user_agent must be set")
	}
	if rl := c.Fetch.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	d := c.Detect
	if d.ScanLimit <= 0 || d.HeadBytes <= 0 || d.ProvidesBytes <= 0 || d.TailBytes <= 0 || d.CheckBytes <= 0 {
		return errors.New("detect limits must all be > 0")
	}
	if d.CheckBytes > d.TailBytes {
		return fmt.Errorf("detect.check_bytes (%d) cannot exceed detect.tail_bytes (%d)", d.CheckBytes, d.TailBytes)
	}
	return nil
}

func (c *Config) normalise() {
	c.Mirror.BaseURL = strings.TrimRight(strings.TrimSpace(c.Mirror.BaseURL), "/")
	c.Mirror.CacheDir = strings.TrimSpace(c.Mirror.CacheDir)
	c.Mirror.LivePath = strings.TrimSpace(c.Mirror.LivePath)
	if c.Mirror.LivePath == "" {
		c.Mirror.LivePath = "/app"
	}
	if !strings.HasPrefix(c.Mirror.LivePath, "/") {
		c.Mirror.LivePath = "/" + c.Mirror.LivePath
	}
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Fetch.ProxyURL = strings.TrimSpace(c.Fetch.ProxyURL)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.State.Host = strings.TrimSpace(c.State.Host)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// Enabled reports whether a Redis crawl-state store is configured.
func (s StateConfig) Enabled() bool {
	return s.Host != ""
}

// Enabled reports whether a build metadata database is configured.
func (s SQLConfig) Enabled() bool {
	return s.Driver != "" && s.DSN != ""
}
