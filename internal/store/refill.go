package store

import (
	"database/sql"
	"time"
)

// GetRefill returns the refill record for (emu, feature), or nil if one has
// never been recorded.
func (s *Store) GetRefill(emu int, feature string) (*Refill, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var r Refill
	err := s.db.QueryRow(`SELECT emulator_id, feature_name, last_refill_time, resource_level FROM refills WHERE emulator_id = ? AND feature_name = ?`, emu, feature).
		Scan(&r.EmulatorID, &r.FeatureName, &r.LastRefillTime, &r.ResourceLevel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordRefill stamps last_refill_time = now and updates resource_level.
func (s *Store) RecordRefill(emu int, feature string, resourceLevel int, at time.Time) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO refills (emulator_id, feature_name, last_refill_time, resource_level)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(emulator_id, feature_name) DO UPDATE SET last_refill_time = excluded.last_refill_time, resource_level = excluded.resource_level
	`, emu, feature, at, resourceLevel)
	return err
}
