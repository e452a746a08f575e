package store

import (
	"database/sql"
	"time"
)

// TechPlanEntry is one line of a lord-level research plan (spec §6,
// "lord_<N>.techs: [{name, section, target_level, max_level, swipe_group}]").
type TechPlanEntry struct {
	Name        string
	Section     string
	LordLevel   int
	TargetLevel int
	MaxLevel    int
	SwipeGroup  string
	OrderIndex  int
	Deferred    bool // section is in the "deferred" set (spec §4.A.2)
}

// SwipeSection is a research section's configured scroll gestures, used to
// reach technologies further down the section before OCR (spec §6
// "swipe_config.<section>"; grounded on the original's get_swipe_config).
type SwipeSection struct {
	Swipe1 [4]int
	Swipe2 [4]int
	HasOne bool
	HasTwo bool
}

const researchCols = `id, emulator_id, tech_name, section_name, lord_level, current_level, target_level, max_level, status, timer_finish, order_index, swipe_group, scanned`

func scanEvolution(row interface{ Scan(dest ...interface{}) error }) (*Evolution, error) {
	var e Evolution
	var timerFinish sql.NullTime
	var status string
	var scanned int
	err := row.Scan(&e.ID, &e.EmulatorID, &e.TechName, &e.SectionName, &e.LordLevel, &e.CurrentLevel, &e.TargetLevel, &e.MaxLevel, &status, &timerFinish, &e.OrderIndex, &e.SwipeGroup, &scanned)
	if err != nil {
		return nil, err
	}
	e.Status = EvolutionStatus(status)
	e.TimerFinish = scanNullTime(timerFinish)
	e.Scanned = scanned != 0
	return &e, nil
}

// HasResearchRecords reports whether emu's evolution table has ever been
// populated, mirroring HasRecords for the building table.
func (s *Store) HasResearchRecords(emu int) (bool, error) {
	return s.hasResearchLocked(emu)
}

func (s *Store) hasResearchLocked(emu int) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM evolutions WHERE emulator_id = ?`, emu).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InitializeEvolutions populates the evolutions table and research slot for
// emu from plan if not already populated. Idempotent.
func (s *Store) InitializeEvolutions(emu int, plan []TechPlanEntry) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	has, err := s.hasResearchLocked(emu)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range plan {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO evolutions
				(emulator_id, tech_name, section_name, lord_level, current_level, target_level, max_level, status, order_index, swipe_group, scanned)
			VALUES (?, ?, ?, ?, 0, ?, ?, 'idle', ?, ?, 0)
		`, emu, e.Name, e.Section, e.LordLevel, e.TargetLevel, e.MaxLevel, e.OrderIndex, e.SwipeGroup); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO research_slot (emulator_id, is_busy) VALUES (?, 0)`, emu); err != nil {
		return err
	}
	return tx.Commit()
}

// promoteExpiredResearchLocked applies lazy completion to the research slot
// and the evolution it was occupying.
func (s *Store) promoteExpiredResearchLocked(emu int) error {
	var techID sql.NullInt64
	var finish sql.NullTime
	var busy int
	err := s.db.QueryRow(`SELECT is_busy, tech_id, finish_time FROM research_slot WHERE emulator_id = ?`, emu).Scan(&busy, &techID, &finish)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if busy == 0 || !finish.Valid || finish.Time.After(time.Now()) {
		return nil
	}

	if techID.Valid {
		if _, err := s.db.Exec(`UPDATE evolutions SET status = 'idle', current_level = current_level + 1, timer_finish = NULL WHERE id = ?`, techID.Int64); err != nil {
			return err
		}
		var cur, target int
		if err := s.db.QueryRow(`SELECT current_level, target_level FROM evolutions WHERE id = ?`, techID.Int64).Scan(&cur, &target); err == nil && cur >= target {
			s.db.Exec(`UPDATE evolutions SET status = 'completed' WHERE id = ?`, techID.Int64)
		}
	}
	_, err = s.db.Exec(`UPDATE research_slot SET is_busy = 0, tech_id = NULL, finish_time = NULL WHERE emulator_id = ?`, emu)
	return err
}

// NextTechToResearch implements spec §4.A.2. deferredSections holds the
// section names whose initial scan can be deferred until some record in
// that section already has progress. Returns the candidate, and whether a
// deferred scan of its section must happen first (a worker-side concern:
// the feature module performs the scan, then calls MarkSectionScanned and
// retries).
func (s *Store) NextTechToResearch(emu int, lordLevel int, deferredSections map[string]bool) (*Evolution, bool, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := s.promoteExpiredResearchLocked(emu); err != nil {
		return nil, false, err
	}

	rows, err := s.db.Query(`SELECT `+researchCols+` FROM evolutions WHERE emulator_id = ? ORDER BY order_index ASC`, emu)
	if err != nil {
		return nil, false, err
	}
	var all []*Evolution
	for rows.Next() {
		e, err := scanEvolution(rows)
		if err != nil {
			rows.Close()
			return nil, false, err
		}
		all = append(all, e)
	}
	rows.Close()

	sectionProgress := map[string]bool{}
	for _, e := range all {
		if e.CurrentLevel > 0 {
			sectionProgress[e.SectionName] = true
		}
	}

	for _, e := range all {
		if e.LordLevel > lordLevel {
			continue
		}
		if e.Status == EvolutionResearching {
			continue
		}
		if e.CurrentLevel >= e.TargetLevel {
			continue
		}
		if deferredSections[e.SectionName] && !sectionProgress[e.SectionName] {
			return e, true, nil
		}
		return e, false, nil
	}
	return nil, false, nil
}

// StartResearch atomically occupies the research slot for tech.
func (s *Store) StartResearch(techID int64, finishTime time.Time) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var emu int
	if err := tx.QueryRow(`SELECT emulator_id FROM evolutions WHERE id = ?`, techID).Scan(&emu); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE evolutions SET status = 'researching', timer_finish = ? WHERE id = ?`, finishTime, techID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE research_slot SET is_busy = 1, tech_id = ?, finish_time = ? WHERE emulator_id = ?`, techID, finishTime, emu); err != nil {
		return err
	}
	return tx.Commit()
}

// ResearchFinish returns the current research completion time for emu, or
// nil if the research slot is idle.
func (s *Store) ResearchFinish(emu int) (*time.Time, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := s.promoteExpiredResearchLocked(emu); err != nil {
		return nil, err
	}
	var finish sql.NullTime
	err := s.db.QueryRow(`SELECT finish_time FROM research_slot WHERE emulator_id = ? AND is_busy = 1`, emu).Scan(&finish)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scanNullTime(finish), nil
}

// MarkSectionScanned records that a research section has been visited at
// least once (the scanned column). NextTechToResearch's deferred-scan gate
// does not read this mark; it keys on current_level > 0.
func (s *Store) MarkSectionScanned(emu int, section string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.db.Exec(`UPDATE evolutions SET scanned = 1 WHERE emulator_id = ? AND section_name = ?`, emu, section)
	return err
}
