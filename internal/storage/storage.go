// Package storage opens the databases behind the suppression and domain
// health stores.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/suppression"
)

// Supported backends
const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Options selects and configures the backend
type Options struct {
	Backend      string
	Path         string
	DSN          string
	MaxOpenConns int
}

// Stores holds the opened stores. The bolt database is always opened
// since quota counters are persisted there.
type Stores struct {
	Suppressions suppression.Store
	Health       health.Store

	bolt *bolt.DB
	sql  *sql.DB
}

// Bolt returns the bolt database
func (s *Stores) Bolt() *bolt.DB {
	return s.bolt
}

// OpenBolt opens the bolt database at path, creating its directory
func OpenBolt(path string) (*bolt.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// OpenPostgres connects to dsn and verifies the connection
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	return db, nil
}

// Open opens the stores selected by opts
func Open(ctx context.Context, opts Options) (*Stores, error) {
	boltDB, err := OpenBolt(opts.Path)
	if err != nil {
		return nil, err
	}
	s := &Stores{bolt: boltDB}

	switch opts.Backend {
	case BackendBolt, "":
		err = s.useBolt()
	case BackendPostgres:
		var db *sql.DB
		if db, err = OpenPostgres(ctx, opts.DSN, opts.MaxOpenConns); err == nil {
			err = s.usePostgres(ctx, db)
		}
	default:
		err = fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stores) useBolt() error {
	suppressions, err := suppression.NewBoltStore(s.bolt)
	if err != nil {
		return fmt.Errorf("suppression store: %w", err)
	}
	domains, err := health.NewBoltStore(s.bolt)
	if err != nil {
		return fmt.Errorf("health store: %w", err)
	}
	s.Suppressions = suppressions
	s.Health = domains
	return nil
}

func (s *Stores) usePostgres(ctx context.Context, db *sql.DB) error {
	s.sql = db
	suppressions := suppression.NewPostgresStore(db)
	domains := health.NewPostgresStore(db)
	if err := Migrate(ctx, suppressions, domains); err != nil {
		return err
	}
	s.Suppressions = suppressions
	s.Health = domains
	return nil
}

// Migrator creates the tables of a SQL store
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Migrate runs each migrator in order
func Migrate(ctx context.Context, migrators ...Migrator) error {
	for _, m := range migrators {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all opened databases
func (s *Stores) Close() error {
	var errs []error
	if s.sql != nil {
		errs = append(errs, s.sql.Close())
	}
	if s.bolt != nil {
		errs = append(errs, s.bolt.Close())
	}
	return errors.Join(errs...)
}
