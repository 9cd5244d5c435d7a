// Package sqlite provides the embedded SQLite implementation of store.Store.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"github.com/adsdev/ads/internal/db"
	"github.com/adsdev/ads/internal/store"
)

// Options tune history retention. Zero values take the defaults.
type Options struct {
	MaxHistoryEntries int // ring size per (namespace, session), default 500
	MaxHistoryTextLen int // runes kept per entry text, default 4000
}

func (o Options) withDefaults() Options {
	if o.MaxHistoryEntries <= 0 {
		o.MaxHistoryEntries = 500
	}
	if o.MaxHistoryTextLen <= 0 {
		o.MaxHistoryTextLen = 4000
	}
	return o
}

// Repository provides SQLite-based storage for tasks, conversations,
// history, model config and KV state.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
	opts   Options
}

var _ store.Store = (*Repository)(nil)

// New opens the database at dbPath, applies migrations and absorbs any
// legacy JSON state found next to it.
func New(dbPath string, opts Options) (*Repository, error) {
	writer, reader, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	repo, err := newRepository(writer, reader, true, opts)
	if err != nil {
		return nil, err
	}
	if err := repo.importLegacyState(filepath.Dir(dbPath)); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("failed to import legacy state: %w", err)
	}
	return repo, nil
}

// NewWithDB creates a repository over existing connections (shared ownership).
// Legacy import is skipped; the owner decides when to run it.
func NewWithDB(writer, reader *sqlx.DB, opts Options) (*Repository, error) {
	return newRepository(writer, reader, false, opts)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool, opts Options) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB, opts: opts.withDefaults()}
	if err := repo.runMigrations(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after migration error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

// Close closes the database connections when this repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	if err := r.ro.Close(); err != nil {
		_ = r.db.Close()
		return err
	}
	return r.db.Close()
}

// DB returns the underlying writer for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}
