// Package seed rescans an external store once at process start to give the
// counter board its initial values. Each configured category query must
// return (status, count) rows.
package seed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/fanout/internal/config"
	"github.com/Tyrowin/fanout/internal/counters"
)

// Driver names accepted in config.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Source runs one category query.
type Source interface {
	StatusCounts(ctx context.Context, query string) ([]counters.StatusCount, error)
	Close()
}

// Open connects the source named by cfg.Driver.
func Open(ctx context.Context, cfg config.SeedConfig) (Source, error) {
	switch cfg.Driver {
	case DriverPostgres:
		pg, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case DriverSQLite:
		lite, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unsupported seed driver %q", cfg.Driver)
	}
}

// Collect runs every configured query against src. Categories are visited
// in a stable order; the first failure aborts the rescan.
func Collect(ctx context.Context, src Source, queries map[string]string) (map[string][]counters.StatusCount, error) {
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string][]counters.StatusCount, len(names))
	for _, name := range names {
		if !counters.IsCategory(name) {
			return nil, fmt.Errorf("seed query for unknown category %q", name)
		}
		rows, err := src.StatusCounts(ctx, queries[name])
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", name, err)
		}
		out[name] = rows
	}
	return out, nil
}

// pgQuerier is the subset of pgxpool.Pool used by Postgres.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres reads counts through a pgx pool.
type Postgres struct {
	pool  pgQuerier
	close func()
}

// OpenPostgres creates and pings a pgx pool for dsn.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse seed DSN: %w", err)
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create seed pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping seed DB: %w", err)
	}
	return &Postgres{pool: pool, close: pool.Close}, nil
}

// StatusCounts runs query and scans (status, count) rows.
func (p *Postgres) StatusCounts(ctx context.Context, query string) ([]counters.StatusCount, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []counters.StatusCount
	for rows.Next() {
		var sc counters.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the pool.
func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}

// SQLite reads counts through database/sql with the modernc driver.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the "sqlite" driver.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open seed DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping seed DB: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewSQLite wraps an existing handle.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("sqlite seed source requires db")
	}
	return &SQLite{db: db}, nil
}

// StatusCounts runs query and scans (status, count) rows.
func (s *SQLite) StatusCounts(ctx context.Context, query string) ([]counters.StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []counters.StatusCount
	for rows.Next() {
		var sc counters.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() {
	_ = s.db.Close()
}
