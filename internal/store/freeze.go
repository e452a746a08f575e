package store

import (
	"time"

	"github.com/vkazachenko/ldfleet/internal/freeze"
)

// MirrorFreeze persists a best-effort durable copy of a freeze registry
// entry. Called only after the in-memory registry write already succeeded
// (spec §4.B, §9 "two-writer risk": the registry is authoritative, the
// store is a restart-recovery mirror).
func (s *Store) MirrorFreeze(emu int, function string, unfreezeAt time.Time, reason string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO function_freeze (emulator_id, function_name, unfreeze_at, reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(emulator_id, function_name) DO UPDATE SET unfreeze_at = excluded.unfreeze_at, reason = excluded.reason
	`, emu, function, unfreezeAt, reason)
	return err
}

// MirrorUnfreeze removes the durable mirror entry for (emu, function).
func (s *Store) MirrorUnfreeze(emu int, function string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.db.Exec(`DELETE FROM function_freeze WHERE emulator_id = ? AND function_name = ?`, emu, function)
	return err
}

// LoadFreezeMirror returns every non-expired durable freeze entry, used to
// rebuild the in-memory registry on process start (spec §4.B).
func (s *Store) LoadFreezeMirror() ([]freeze.MirrorEntry, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	rows, err := s.db.Query(`SELECT emulator_id, function_name, unfreeze_at, reason FROM function_freeze WHERE unfreeze_at > ?`, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []freeze.MirrorEntry
	for rows.Next() {
		var f freeze.MirrorEntry
		if err := rows.Scan(&f.EmulatorID, &f.Function, &f.UnfreezeAt, &f.Reason); err != nil {
			return nil, err
		}
		out = append(out, f)
	}

	// Drop expired rows opportunistically; errors here are non-fatal.
	s.db.Exec(`DELETE FROM function_freeze WHERE unfreeze_at <= ?`, time.Now())
	return out, nil
}
