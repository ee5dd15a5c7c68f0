// Package runstore is the SQLite-backed recording store: run
// lifecycle, typed per-tick sample rows, and a streaming reader for
// post-run analysis (spec §4.10).
//
// Grounded on internal/db/db.go's embed-schema + apply-pragmas +
// version-gated-migration shape, trimmed to this spec's much simpler
// single schema_meta row instead of the teacher's full migration
// directory/baseline machinery; run id generation follows the
// teacher's own use of github.com/google/uuid (internal/lidar's scene
// and sweep stores).
package runstore

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var freshSchemaSQL string

//go:embed migration_v4_to_v5.sql
var migrationV4ToV5SQL string

const currentSchemaVersion = "5"

// Errors returned by Store operations (spec §4.10 "guarantees").
var (
	// ErrRunActive is returned by create_run when another run is
	// already recording, and by delete_run when targeting a recording
	// run.
	ErrRunActive = errors.New("runstore: a run is already recording")
	// ErrUnknownRun addresses a run_id the store has never seen.
	ErrUnknownRun = errors.New("runstore: unknown run")
	// ErrSchemaMismatch is returned when schema_meta.version is neither
	// absent, "4", nor "5" (spec §4.10 "non-recoverable").
	ErrSchemaMismatch = errors.New("runstore: schema version mismatch, manual intervention required")
)

// RunStatus is one of the run lifecycle's states (spec §4.11).
type RunStatus string

const (
	StatusRecording RunStatus = "recording"
	StatusAnalyzing RunStatus = "analyzing"
	StatusComplete  RunStatus = "complete"
	StatusError     RunStatus = "error"
)

// Run is one runs(...) row (spec §4.10).
type Run struct {
	RunID               string
	Status              RunStatus
	StartTimeUTC        time.Time
	EndTimeUTC          *time.Time
	MetadataJSON        string
	AnalysisJSON        string
	ErrorMessage        string
	SampleCount         int
	CreatedAt           time.Time
	AnalysisVersion     int
	AnalysisStartedAt   *time.Time
	AnalysisCompletedAt *time.Time
}

// Store owns the run store's *sql.DB. All operations are safe for
// concurrent use: the pool holds a single connection (see Open), so
// operations run one at a time and a read waits for an in-progress
// write.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// applies the performance pragmas, and runs schema migration (spec
// §4.10 "Performance contract", "Migration").
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open %s: %w", path, err)
	}
	// SQLite has one writer; a single-connection pool avoids
	// "database is locked" churn under WAL the way the teacher's db.go
	// sidesteps it with busy_timeout, but here we fix it at the pool
	// level since this store's write volume is an append-only log.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA wal_autocheckpoint = 500",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("runstore: apply pragma %q: %w", p, err)
		}
	}
	return nil
}

// migrate reads schema_meta.version and brings the database up to
// currentSchemaVersion (spec §4.10 "Migration"). Absent -> fresh v5
// tables. "4" -> additive samples_v2/client_names via
// migration_v4_to_v5.sql. "5" -> no-op. Anything else -> ErrSchemaMismatch.
func migrate(db *sql.DB) error {
	var hasSchemaMeta bool
	err := db.QueryRow(`SELECT COUNT(*) > 0 FROM sqlite_master WHERE type='table' AND name='schema_meta'`).Scan(&hasSchemaMeta)
	if err != nil {
		return fmt.Errorf("runstore: check schema_meta: %w", err)
	}

	if !hasSchemaMeta {
		if _, err := db.Exec(freshSchemaSQL); err != nil {
			return fmt.Errorf("runstore: create fresh schema: %w", err)
		}
		if _, err := db.Exec(`INSERT INTO schema_meta(key, value) VALUES ('version', ?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("runstore: record schema version: %w", err)
		}
		return nil
	}

	var version string
	err = db.QueryRow(`SELECT value FROM schema_meta WHERE key = 'version'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		version = ""
	} else if err != nil {
		return fmt.Errorf("runstore: read schema version: %w", err)
	}

	switch version {
	case "":
		if _, err := db.Exec(freshSchemaSQL); err != nil {
			return fmt.Errorf("runstore: create fresh schema: %w", err)
		}
		_, err := db.Exec(`INSERT OR REPLACE INTO schema_meta(key, value) VALUES ('version', ?)`, currentSchemaVersion)
		return err
	case "4":
		if _, err := db.Exec(migrationV4ToV5SQL); err != nil {
			return fmt.Errorf("runstore: migrate v4 to v5: %w", err)
		}
		_, err := db.Exec(`UPDATE schema_meta SET value = ? WHERE key = 'version'`, currentSchemaVersion)
		return err
	case currentSchemaVersion:
		return nil
	default:
		return fmt.Errorf("%w: found %q", ErrSchemaMismatch, version)
	}
}

func newRunID() string { return uuid.NewString() }
