package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// ErrNotFound is returned when an appointment id is unknown.
var ErrNotFound = errors.New("not found")

// DefaultFile is the database file name inside a peer directory.
const DefaultFile = "telehealth.db"

// DB wraps the SQLite database holding appointments and the call log.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path. A directory is taken to mean
// DefaultFile inside it.
func Open(path string) (*DB, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DefaultFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS appointments (
			id           INTEGER PRIMARY KEY,
			patient_id   TEXT NOT NULL,
			doctor_id    TEXT NOT NULL,
			patient_name TEXT DEFAULT '',
			doctor_name  TEXT DEFAULT '',
			specialty    TEXT DEFAULT '',
			date         TEXT DEFAULT '',
			reason       TEXT DEFAULT '',
			notes        TEXT DEFAULT '',
			notes_updated_at DATETIME,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create appointments table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments(patient_id);
		CREATE INDEX IF NOT EXISTS idx_appointments_doctor  ON appointments(doctor_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create appointment indexes: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_log (
			id             TEXT PRIMARY KEY,
			appointment_id INTEGER NOT NULL,
			patient_id     TEXT NOT NULL,
			doctor_id      TEXT NOT NULL,
			direction      TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			started_at     INTEGER DEFAULT 0,
			answered_at    INTEGER DEFAULT 0,
			ended_at       INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call log table: %w", err)
	}

	log.Debugf("opened %s", path)
	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
