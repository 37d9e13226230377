// Package journal keeps a SQLite record of base scans and the anchors they
// found, so a later session can see which bases were seen for which build.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rostermem/internal/common"
	"rostermem/internal/scanner"
)

// Entry is one recorded scan.
type Entry struct {
	ID            int64
	Entity        string
	Status        string
	Address       uint64
	Confidence    float64
	Votes         int
	Elements      int
	Reason        string
	SchemaVersion string
	At            time.Time
	Anchors       []uint64
}

// FromResult converts a scan result into a journal entry.
func FromResult(res scanner.Result, version string, at time.Time) Entry {
	return Entry{
		Entity:        res.Entity,
		Status:        res.Status.String(),
		Address:       res.Address,
		Confidence:    res.Confidence,
		Votes:         res.Votes,
		Elements:      res.Elements,
		Reason:        res.Reason,
		SchemaVersion: version,
		At:            at.UTC(),
		Anchors:       res.Anchors,
	}
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, common.Errorf(common.ErrInvalidParam, "empty journal path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "journal directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, common.Wrap(common.ErrFileAccess, err, "open journal %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, common.Wrap(common.ErrFileAccess, err, "init journal %s", path)
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity TEXT NOT NULL,
			status TEXT NOT NULL,
			address INTEGER NOT NULL,
			confidence REAL NOT NULL,
			votes INTEGER NOT NULL,
			elements INTEGER NOT NULL,
			reason TEXT NOT NULL,
			schema_version TEXT NOT NULL,
			scanned_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS scans_entity ON scans(entity, id);`,
		`CREATE TABLE IF NOT EXISTS anchors (
			scan_id INTEGER NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
			address INTEGER NOT NULL,
			PRIMARY KEY (scan_id, address)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e and its anchors in one transaction and returns its id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO scans(entity,status,address,confidence,votes,elements,reason,schema_version,scanned_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.Entity, e.Status, int64(e.Address), e.Confidence, e.Votes, e.Elements,
		e.Reason, e.SchemaVersion, e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, a := range e.Anchors {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO anchors(scan_id,address) VALUES(?,?)`, id, int64(a)); err != nil {
			return 0, fmt.Errorf("insert anchor: %w", err)
		}
	}
	return id, tx.Commit()
}

// List returns up to limit entries, newest first. An empty entity lists
// every entity; a non-positive limit lists everything.
func (s *Store) List(ctx context.Context, entity string, limit int) ([]Entry, error) {
	q := `SELECT id,entity,status,address,confidence,votes,elements,reason,schema_version,scanned_at
	      FROM scans WHERE (?1 = '' OR entity = ?1) ORDER BY id DESC`
	args := []any{entity}
	if limit > 0 {
		q += ` LIMIT ?2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			addr int64
			at   string
		)
		if err := rows.Scan(&e.ID, &e.Entity, &e.Status, &addr, &e.Confidence, &e.Votes,
			&e.Elements, &e.Reason, &e.SchemaVersion, &at); err != nil {
			return nil, err
		}
		e.Address = uint64(addr)
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("scan %d time %q: %w", e.ID, at, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range out {
		if out[i].Anchors, err = s.anchors(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) anchors(ctx context.Context, id int64) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM anchors WHERE scan_id = ? ORDER BY address`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var a int64
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, uint64(a))
	}
	return out, rows.Err()
}

// LastFound returns the newest successful scan of entity for version.
func (s *Store) LastFound(ctx context.Context, entity, version string) (Entry, bool, error) {
	var (
		e    Entry
		addr int64
		at   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id,entity,status,address,confidence,votes,elements,reason,schema_version,scanned_at
		 FROM scans WHERE entity = ? AND schema_version = ? AND status = ?
		 ORDER BY id DESC LIMIT 1`, entity, version, scanner.Found.String()).
		Scan(&e.ID, &e.Entity, &e.Status, &addr, &e.Confidence, &e.Votes, &e.Elements, &e.Reason, &e.SchemaVersion, &at)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Address = uint64(addr)
	if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return Entry{}, false, err
	}
	e.Anchors, err = s.anchors(ctx, e.ID)
	return e, err == nil, err
}
