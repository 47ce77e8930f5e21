// Package capturehistory persists a record of every completed Snapshot
// Pipeline capture. Generalizes the teacher's config/database.go (a bare
// database/sql sqlite opener with a hand-run migration file) into a proper
// golang-migrate-managed schema queried through doug-martin/goqu, the
// combination helixml-helix's go.mod carries for its own sqlite-backed
// stores.
package capturehistory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"corestream/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one completed capture, grounded on models.CaptureResult plus
// the columns needed to reconstruct the persisted-state path (spec.md §6).
type Record struct {
	CaptureID  string
	Serial     string
	Width      int
	Height     int
	CapturedAt time.Time
	Path       string
	Bytes      int
}

// Store owns the sqlite-backed capture_history table.
type Store struct {
	db     *sql.DB
	goquDB *goqu.Database
}

// Open opens (creating if necessary) the sqlite file at dbPath and applies
// any pending migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("capturehistory: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("capturehistory: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("capturehistory: ping db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("capturehistory: migrate: %w", err)
	}

	return &Store{db: db, goquDB: goqu.New("sqlite3", db)}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Insert records one completed capture.
func (s *Store) Insert(ctx context.Context, r Record) error {
	_, err := s.goquDB.Insert("capture_history").Rows(goqu.Record{
		"capture_id":  r.CaptureID,
		"serial":      r.Serial,
		"width":       r.Width,
		"height":      r.Height,
		"captured_at": r.CapturedAt.UTC().Format(time.RFC3339),
		"path":        r.Path,
		"bytes":       r.Bytes,
	}).Executor().ExecContext(ctx)
	return err
}

// ForResult builds a Record from a models.CaptureResult plus the path it
// was (or would be) saved under.
func ForResult(res models.CaptureResult) Record {
	path := ""
	if res.Path != nil {
		path = *res.Path
	}
	return Record{
		CaptureID:  res.CaptureID,
		Serial:     res.Serial,
		Width:      res.Width,
		Height:     res.Height,
		CapturedAt: res.CapturedAt,
		Path:       path,
		Bytes:      res.Bytes,
	}
}

// RecentForDevice returns the most recent n capture records for a device,
// newest first.
func (s *Store) RecentForDevice(ctx context.Context, serial string, n int) ([]Record, error) {
	var rows []struct {
		CaptureID  string `db:"capture_id"`
		Serial     string `db:"serial"`
		Width      int    `db:"width"`
		Height     int    `db:"height"`
		CapturedAt string `db:"captured_at"`
		Path       string `db:"path"`
		Bytes      int    `db:"bytes"`
	}
	err := s.goquDB.From("capture_history").
		Where(goqu.C("serial").Eq(serial)).
		Order(goqu.C("captured_at").Desc()).
		Limit(uint(n)).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		at, _ := time.Parse(time.RFC3339, row.CapturedAt)
		out = append(out, Record{
			CaptureID:  row.CaptureID,
			Serial:     row.Serial,
			Width:      row.Width,
			Height:     row.Height,
			CapturedAt: at,
			Path:       row.Path,
			Bytes:      row.Bytes,
		})
	}
	return out, nil
}
