package store

import "database/sql"

// GetInitState returns the (records_created, initial_scan_complete) pair
// for (emu, feature), defaulting to both false if no row exists.
func (s *Store) GetInitState(emu int, feature string) (InitState, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	st := InitState{EmulatorID: emu, FeatureName: feature}
	var created, scanComplete int
	err := s.db.QueryRow(`SELECT records_created, initial_scan_complete FROM init_state WHERE emulator_id = ? AND feature_name = ?`, emu, feature).
		Scan(&created, &scanComplete)
	if err == sql.ErrNoRows {
		return st, nil // no row yet: both flags false
	}
	if err != nil {
		return st, err
	}
	st.RecordsCreated = created != 0
	st.InitialScanComplete = scanComplete != 0
	return st, nil
}

// SetInitState upserts the init-state flags for (emu, feature).
func (s *Store) SetInitState(emu int, feature string, recordsCreated, initialScanComplete bool) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO init_state (emulator_id, feature_name, records_created, initial_scan_complete)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(emulator_id, feature_name) DO UPDATE SET records_created = excluded.records_created, initial_scan_complete = excluded.initial_scan_complete
	`, emu, feature, boolToInt(recordsCreated), boolToInt(initialScanComplete))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
