package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"bundlemirror/internal/config"
	"bundlemirror/pkg/types"
)

// ErrBuildNotFound is returned when no metadata exists for a build hash.
var ErrBuildNotFound = errors.New("build not found")

// BuildStore persists build metadata produced by a sync.
type BuildStore interface {
	// SaveBuild writes every column of the build, replacing an existing row.
	SaveBuild(ctx context.Context, build types.Build) error
	// InsertBuild adds the build unless its hash is already recorded.
	InsertBuild(ctx context.Context, build types.Build) (bool, error)
	GetBuild(ctx context.Context, buildHash string) (types.Build, error)
	// SetIndexScripts replaces only the entry scripts of a recorded build.
	SetIndexScripts(ctx context.Context, buildHash string, scripts []string) error
}

// SQLBuildStore keeps builds in a Postgres table.
type SQLBuildStore struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLBuildStore initialises a SQLBuildStore from configuration.
func NewSQLBuildStore(cfg config.SQLConfig) (*SQLBuildStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	return newSQLBuildStore(db, cfg)
}

func newSQLBuildStore(db *sql.DB, cfg config.SQLConfig) (*SQLBuildStore, error) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	store := &SQLBuildStore{
		db:          db,
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

// SaveBuild upserts the build row keyed by hash.
func (s *SQLBuildStore) SaveBuild(ctx context.Context, build types.Build) error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.withSchema(ctx, func() error { return s.upsertBuild(ctx, build) })
	if err != nil {
		return fmt.Errorf("upsert build: %w", err)
	}
	return nil
}

// withSchema runs op and, when auto-migration is on and the table is
// missing, creates the schema and runs op once more.
func (s *SQLBuildStore) withSchema(ctx context.Context, op func() error) error {
	err := op()
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		err = op()
	}
	return err
}

// InsertBuild records the build unless a row for its hash exists. It
// reports whether a row was added.
func (s *SQLBuildStore) InsertBuild(ctx context.Context, build types.Build) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var inserted bool
	err := s.withSchema(ctx, func() error {
		args, err := buildArgs(build)
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx, `
        INSERT INTO builds (build_hash, channel, build_date, global_env, scripts, index_scripts, assets, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
        ON CONFLICT (build_hash) DO NOTHING`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert build: %w", err)
	}
	return inserted, nil
}

// SetIndexScripts overwrites the index_scripts column of one build.
func (s *SQLBuildStore) SetIndexScripts(ctx context.Context, buildHash string, scripts []string) error {
	if s == nil || s.db == nil {
		return nil
	}
	encoded, err := json.Marshal(nonNil(scripts))
	if err != nil {
		return err
	}
	var affected int64
	err = s.withSchema(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE builds SET index_scripts = $2, updated_at = NOW() WHERE build_hash = $1`,
			buildHash, string(encoded))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set index scripts: %w", err)
	}
	if affected == 0 {
		return ErrBuildNotFound
	}
	return nil
}

// buildArgs encodes a build as the seven insert parameters.
func buildArgs(build types.Build) ([]any, error) {
	scripts, err := json.Marshal(nonNil(build.Scripts))
	if err != nil {
		return nil, err
	}
	indexScripts, err := json.Marshal(nonNil(build.IndexScripts))
	if err != nil {
		return nil, err
	}
	assets, err := json.Marshal(nonNil(build.Assets))
	if err != nil {
		return nil, err
	}
	// jsonb params go over the wire as text; []byte would be sent as bytea.
	var env any
	if len(build.GlobalEnv) > 0 && string(build.GlobalEnv) != "{}" && string(build.GlobalEnv) != "null" {
		env = string(build.GlobalEnv)
	}
	return []any{
		build.Hash,
		build.Channel,
		build.Timestamp,
		env,
		string(scripts),
		string(indexScripts),
		string(assets),
	}, nil
}

func (s *SQLBuildStore) upsertBuild(ctx context.Context, build types.Build) error {
	args, err := buildArgs(build)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO builds (build_hash, channel, build_date, global_env, scripts, index_scripts, assets, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
        ON CONFLICT (build_hash) DO UPDATE SET
            channel = EXCLUDED.channel,
            build_date = EXCLUDED.build_date,
            global_env = COALESCE(EXCLUDED.global_env, builds.global_env),
            scripts = EXCLUDED.scripts,
            index_scripts = EXCLUDED.index_scripts,
            assets = EXCLUDED.assets,
            updated_at = NOW()
    `
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// GetBuild loads build metadata by hash.
func (s *SQLBuildStore) GetBuild(ctx context.Context, buildHash string) (types.Build, error) {
	var (
		build                           types.Build
		buildDate                       sql.NullTime
		env                             []byte
		scripts, indexScripts, assetsJS []byte
	)
	row := s.db.QueryRowContext(ctx, `
        SELECT build_hash, channel, build_date, global_env, scripts, index_scripts, assets
        FROM builds WHERE build_hash = $1`, buildHash)
	if err := row.Scan(&build.Hash, &build.Channel, &buildDate, &env, &scripts, &indexScripts, &assetsJS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Build{}, ErrBuildNotFound
		}
		return types.Build{}, fmt.Errorf("select build: %w", err)
	}
	if buildDate.Valid {
		build.Timestamp = buildDate.Time
	}
	if len(env) > 0 {
		build.GlobalEnv = json.RawMessage(env)
	}
	for _, col := range []struct {
		raw []byte
		dst *[]string
	}{
		{scripts, &build.Scripts},
		{indexScripts, &build.IndexScripts},
		{assetsJS, &build.Assets},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return types.Build{}, fmt.Errorf("decode build column: %w", err)
		}
	}
	return build, nil
}

// Close closes the underlying DB connection.
func (s *SQLBuildStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *SQLBuildStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS builds (
		    id SERIAL PRIMARY KEY,
		    build_hash TEXT NOT NULL UNIQUE,
		    channel TEXT NOT NULL DEFAULT 'canary',
		    build_date TIMESTAMPTZ,
		    global_env JSONB,
		    scripts JSONB NOT NULL DEFAULT '[]',
		    index_scripts JSONB NOT NULL DEFAULT '[]',
		    assets JSONB NOT NULL DEFAULT '[]',
		    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_build_date ON builds (build_date DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
