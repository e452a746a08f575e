package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable, single-writer State Store described in spec §4.A.
// HasRecords and HasResearchRecords read without writeLock. Every other
// query takes it, including the ones the Scheduler reaches through a
// feature's NextEventTime, because most reads apply lazy completion and so
// write.
type Store struct {
	db        *sql.DB
	writeLock sync.Mutex
}

// Open creates (or reuses) a SQLite database at path and ensures the schema
// exists. WAL journal mode gives concurrent readers with a serialized
// writer, matching the "journal mode enabling concurrent readers" contract
// in spec §6.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // the write lock already serializes writers; keep one physical connection

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate is additive-only: it never drops a column, it only creates
// tables/columns that don't exist yet, per spec §6 ("Schema evolution is
// additive").
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buildings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			emulator_id INTEGER NOT NULL,
			building_name TEXT NOT NULL,
			building_type TEXT NOT NULL,
			building_index INTEGER,
			current_level INTEGER NOT NULL DEFAULT 0,
			upgrading_to_level INTEGER,
			target_level INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			action TEXT NOT NULL DEFAULT 'upgrade',
			timer_finish DATETIME,
			last_updated DATETIME NOT NULL,
			UNIQUE(emulator_id, building_name, building_index)
		)`,
		`CREATE TABLE IF NOT EXISTS builders (
			emulator_id INTEGER NOT NULL,
			builder_slot INTEGER NOT NULL,
			is_busy INTEGER NOT NULL DEFAULT 0,
			building_id INTEGER,
			finish_time DATETIME,
			PRIMARY KEY (emulator_id, builder_slot)
		)`,
		`CREATE TABLE IF NOT EXISTS evolutions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			emulator_id INTEGER NOT NULL,
			tech_name TEXT NOT NULL,
			section_name TEXT NOT NULL,
			lord_level INTEGER NOT NULL,
			current_level INTEGER NOT NULL DEFAULT 0,
			target_level INTEGER NOT NULL,
			max_level INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			timer_finish DATETIME,
			order_index INTEGER NOT NULL,
			swipe_group TEXT NOT NULL DEFAULT '',
			scanned INTEGER NOT NULL DEFAULT 0,
			UNIQUE(emulator_id, tech_name, section_name)
		)`,
		`CREATE TABLE IF NOT EXISTS research_slot (
			emulator_id INTEGER PRIMARY KEY,
			is_busy INTEGER NOT NULL DEFAULT 0,
			tech_id INTEGER,
			finish_time DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS refills (
			emulator_id INTEGER NOT NULL,
			feature_name TEXT NOT NULL,
			last_refill_time DATETIME NOT NULL,
			resource_level INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (emulator_id, feature_name)
		)`,
		`CREATE TABLE IF NOT EXISTS function_freeze (
			emulator_id INTEGER NOT NULL,
			function_name TEXT NOT NULL,
			unfreeze_at DATETIME NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (emulator_id, function_name)
		)`,
		`CREATE TABLE IF NOT EXISTS init_state (
			emulator_id INTEGER NOT NULL,
			feature_name TEXT NOT NULL,
			records_created INTEGER NOT NULL DEFAULT 0,
			initial_scan_complete INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (emulator_id, feature_name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func scanNullTime(raw sql.NullTime) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := raw.Time
	return &t
}

func scanNullInt(raw sql.NullInt64) *int {
	if !raw.Valid {
		return nil
	}
	v := int(raw.Int64)
	return &v
}

func scanNullInt64(raw sql.NullInt64) *int64 {
	if !raw.Valid {
		return nil
	}
	v := raw.Int64
	return &v
}
