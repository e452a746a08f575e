package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// BuildingPlanEntry is one line of a lord-level building plan (spec §6,
// "Feature plans... lord_<N>.buildings: [{name, count, target_level, type,
// action}]").
type BuildingPlanEntry struct {
	Name        string
	Count       int
	TargetLevel int
	Type        BuildingType
	Action      BuildingAction
}

const lordBuildingName = "Лорд"

// InitializeBuildings populates the buildings table for emu from plan if it
// has not already been populated. Idempotent: a second call is a no-op.
func (s *Store) InitializeBuildings(emu int, totalBuilders int, plan []BuildingPlanEntry) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	has, err := s.hasBuildingsLocked(emu)
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

	now := time.Now()
	for _, entry := range plan {
		if entry.Type == BuildingMultiple && entry.Count > 1 {
			for idx := 1; idx <= entry.Count; idx++ {
				i := idx
				if err := insertBuilding(tx, emu, entry, &i, now); err != nil {
					return err
				}
			}
		} else {
			var idx *int
			if entry.Type == BuildingMultiple {
				one := 1
				idx = &one
			}
			if err := insertBuilding(tx, emu, entry, idx, now); err != nil {
				return err
			}
		}
	}
	for slot := 1; slot <= totalBuilders; slot++ {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO builders (emulator_id, builder_slot, is_busy) VALUES (?, ?, 0)`, emu, slot); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// insertBuilding seeds a level-0 placeholder row. Upgrade-action entries
// with no build counterpart start at level 0 awaiting first scan (spec
// §4.A.1: "Level-0 records with action=upgrade trigger a scan request").
func insertBuilding(tx *sql.Tx, emu int, entry BuildingPlanEntry, idx *int, now time.Time) error {
	const level = 0
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO buildings
			(emulator_id, building_name, building_type, building_index, current_level, target_level, status, action, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, 'idle', ?, ?)
	`, emu, entry.Name, string(entry.Type), nullInt(idx), level, entry.TargetLevel, string(entry.Action), now)
	return err
}

func (s *Store) hasBuildingsLocked(emu int) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM buildings WHERE emulator_id = ?`, emu).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasRecords reports whether emu has ever been initialized.
func (s *Store) HasRecords(emu int) (bool, error) {
	return s.hasBuildingsLocked(emu)
}

func scanBuilding(row interface {
	Scan(dest ...interface{}) error
}) (*Building, error) {
	var b Building
	var idx, upTo sql.NullInt64
	var timerFinish, lastUpdated sql.NullTime
	var typ, status, action string
	err := row.Scan(&b.ID, &b.EmulatorID, &b.Name, &typ, &idx, &b.CurrentLevel, &upTo, &b.TargetLevel, &status, &action, &timerFinish, &lastUpdated)
	if err != nil {
		return nil, err
	}
	b.Type = BuildingType(typ)
	b.Status = BuildingStatus(status)
	b.Action = BuildingAction(action)
	b.Index = scanNullInt(idx)
	b.UpgradingToLevel = scanNullInt(upTo)
	b.TimerFinish = scanNullTime(timerFinish)
	if lastUpdated.Valid {
		b.LastUpdated = lastUpdated.Time
	}
	return &b, nil
}

const buildingCols = `id, emulator_id, building_name, building_type, building_index, current_level, upgrading_to_level, target_level, status, action, timer_finish, last_updated`

// promoteExpiredBuildingsLocked applies lazy completion (spec §4.A, §9): any
// building whose timer_finish has passed is promoted to idle at its target
// level and its timer cleared. Must be called under writeLock.
func (s *Store) promoteExpiredBuildingsLocked(emu int) error {
	rows, err := s.db.Query(`SELECT `+buildingCols+` FROM buildings WHERE emulator_id = ? AND status = 'upgrading' AND timer_finish IS NOT NULL AND timer_finish <= ?`, emu, time.Now())
	if err != nil {
		return err
	}
	var expired []*Building
	for rows.Next() {
		b, err := scanBuilding(rows)
		if err != nil {
			rows.Close()
			return err
		}
		expired = append(expired, b)
	}
	rows.Close()

	names := map[string]bool{}
	for _, b := range expired {
		newLevel := b.CurrentLevel
		if b.UpgradingToLevel != nil {
			newLevel = *b.UpgradingToLevel
		}
		if _, err := s.db.Exec(`UPDATE buildings SET status = 'idle', current_level = ?, upgrading_to_level = NULL, timer_finish = NULL, last_updated = ? WHERE id = ?`,
			newLevel, time.Now(), b.ID); err != nil {
			return err
		}
		if _, err := s.db.Exec(`UPDATE builders SET is_busy = 0, building_id = NULL, finish_time = NULL WHERE emulator_id = ? AND building_id = ?`, emu, b.ID); err != nil {
			return err
		}
		if b.Type == BuildingMultiple {
			names[b.Name] = true
		}
	}
	for name := range names {
		if err := s.recalculateIndicesLocked(emu, name); err != nil {
			return err
		}
	}
	return nil
}

// recalculateIndicesLocked re-numbers a multiple building's instances per
// spec §4.A.3: ordered by (current_level ASC, last_updated ASC), via a
// two-phase negative-index swap to avoid UNIQUE collisions mid-rewrite.
func (s *Store) recalculateIndicesLocked(emu int, name string) error {
	rows, err := s.db.Query(`SELECT id FROM buildings WHERE emulator_id = ? AND building_name = ? ORDER BY current_level ASC, last_updated ASC`, emu, name)
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for i, id := range ids {
		if _, err := s.db.Exec(`UPDATE buildings SET building_index = ? WHERE id = ?`, -(i + 1), id); err != nil {
			return err
		}
	}
	for i, id := range ids {
		if _, err := s.db.Exec(`UPDATE buildings SET building_index = ? WHERE id = ?`, i+1, id); err != nil {
			return err
		}
	}
	return nil
}

// listBuildingInstancesLocked applies lazy completion then returns every
// instance of name for emu, ordered by index.
func (s *Store) listBuildingInstancesLocked(emu int, name string) ([]*Building, error) {
	if err := s.promoteExpiredBuildingsLocked(emu); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT `+buildingCols+` FROM buildings WHERE emulator_id = ? AND building_name = ? ORDER BY building_index ASC`, emu, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Building
	for rows.Next() {
		b, err := scanBuilding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// GetBuilding returns the single instance of a unique building (index nil),
// applying lazy completion first.
func (s *Store) GetBuilding(emu int, name string) (*Building, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	instances, err := s.listBuildingInstancesLocked(emu, name)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return instances[0], nil
}

func currentLordLevel(s *Store, emu int) (int, error) {
	b, err := s.listBuildingInstancesLocked(emu, lordBuildingName)
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	return b[0].CurrentLevel, nil
}

// NextBuildingToUpgrade implements the building-selection algorithm of spec
// §4.A.1. plan is the ordered list of entries declared for the emulator's
// current lord level.
func (s *Store) NextBuildingToUpgrade(emu int, plan []BuildingPlanEntry) (*Building, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	lordLevel, err := currentLordLevel(s, emu)
	if err != nil {
		return nil, err
	}

	for _, entry := range plan {
		if entry.Name == lordBuildingName {
			ready, err := s.prerequisitesReadyLocked(emu, plan)
			if err != nil {
				return nil, err
			}
			if !ready {
				continue // skip this entry and continue with the rest, per §4.A.1 step 1
			}
		}

		candidate, err := s.selectEntryLocked(emu, entry, lordLevel)
		if err != nil {
			return nil, err
		}
		if candidate != nil {
			return candidate, nil
		}
	}
	return nil, nil
}

// prerequisitesReadyLocked reports whether every non-Лорд entry declared
// for this lord level has reached its target (spec §4.A.1 step 1).
func (s *Store) prerequisitesReadyLocked(emu int, plan []BuildingPlanEntry) (bool, error) {
	for _, entry := range plan {
		if entry.Name == lordBuildingName {
			continue
		}
		instances, err := s.listBuildingInstancesLocked(emu, entry.Name)
		if err != nil {
			return false, err
		}
		if entry.Type == BuildingMultiple {
			met := 0
			for _, b := range instances {
				if b.CurrentLevel >= entry.TargetLevel {
					met++
				}
			}
			if met < entry.Count {
				return false, nil
			}
		} else {
			if len(instances) == 0 || instances[0].CurrentLevel < entry.TargetLevel {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *Store) selectEntryLocked(emu int, entry BuildingPlanEntry, lordLevel int) (*Building, error) {
	switch {
	case entry.Type == BuildingMultiple && entry.Count > 1:
		return s.selectGrowAllLocked(emu, entry, lordLevel)
	case entry.Type == BuildingMultiple: // count == 1: concentrate on one copy
		return s.selectConcentrateLocked(emu, entry, lordLevel)
	default:
		return s.selectUniqueLocked(emu, entry, lordLevel)
	}
}

// selectGrowAllLocked is spec §4.A.1 step 2.
func (s *Store) selectGrowAllLocked(emu int, entry BuildingPlanEntry, lordLevel int) (*Building, error) {
	instances, err := s.listBuildingInstancesLocked(emu, entry.Name)
	if err != nil {
		return nil, err
	}
	for _, b := range instances {
		if b.Action == ActionBuild && b.CurrentLevel == 0 {
			return b, nil // construction trumps upgrade within the entry
		}
	}

	var survivors []*Building
	for _, b := range instances {
		if b.Status == StatusUpgrading {
			continue
		}
		if b.CurrentLevel >= entry.TargetLevel {
			continue
		}
		if b.CurrentLevel+1 > lordLevel {
			continue
		}
		survivors = append(survivors, b)
	}
	if len(survivors) == 0 {
		return nil, nil
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].CurrentLevel != survivors[j].CurrentLevel {
			return survivors[i].CurrentLevel < survivors[j].CurrentLevel
		}
		return indexOf(survivors[i]) < indexOf(survivors[j])
	})
	return survivors[0], nil
}

// selectConcentrateLocked is spec §4.A.1 step 3: count=1 "grow only one of
// several identical instances". Preserved exactly per §9 open question: if
// any instance is upgrading or already at target, skip the ENTIRE entry —
// never fall back to another instance.
func (s *Store) selectConcentrateLocked(emu int, entry BuildingPlanEntry, lordLevel int) (*Building, error) {
	instances, err := s.listBuildingInstancesLocked(emu, entry.Name)
	if err != nil {
		return nil, err
	}
	for _, b := range instances {
		if b.Status == StatusUpgrading || b.CurrentLevel >= entry.TargetLevel {
			return nil, nil
		}
	}

	var eligible []*Building
	for _, b := range instances {
		if b.CurrentLevel+1 > lordLevel {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CurrentLevel > eligible[j].CurrentLevel // maximum current_level
	})
	return eligible[0], nil
}

// selectUniqueLocked is spec §4.A.1 step 4.
func (s *Store) selectUniqueLocked(emu int, entry BuildingPlanEntry, lordLevel int) (*Building, error) {
	instances, err := s.listBuildingInstancesLocked(emu, entry.Name)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		if entry.Action == ActionBuild && lordLevel >= 0 {
			return &Building{EmulatorID: emu, Name: entry.Name, Type: BuildingUnique, Action: ActionBuild, TargetLevel: entry.TargetLevel}, nil
		}
		return nil, nil
	}
	b := instances[0]
	if b.Action == ActionBuild && b.CurrentLevel == 0 {
		return b, nil // construction trumps upgrade within the entry, not lord-level gated
	}
	if b.Status == StatusUpgrading {
		return nil, nil
	}
	if b.CurrentLevel >= entry.TargetLevel {
		return nil, nil
	}
	if b.CurrentLevel+1 > lordLevel {
		return nil, nil
	}
	return b, nil
}

func indexOf(b *Building) int {
	if b.Index == nil {
		return 0
	}
	return *b.Index
}

// StartUpgrade atomically transitions a building to status=upgrading,
// occupies a builder slot, and sets the completion timer.
func (s *Store) StartUpgrade(buildingID int64, builderSlot int, finishTime time.Time) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var emu int
	var currentLevel int
	if err := tx.QueryRow(`SELECT emulator_id, current_level FROM buildings WHERE id = ?`, buildingID).Scan(&emu, &currentLevel); err != nil {
		return fmt.Errorf("start upgrade: lookup building %d: %w", buildingID, err)
	}
	nextLevel := currentLevel + 1
	if _, err := tx.Exec(`UPDATE buildings SET status = 'upgrading', upgrading_to_level = ?, timer_finish = ?, last_updated = ? WHERE id = ?`,
		nextLevel, finishTime, time.Now(), buildingID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE builders SET is_busy = 1, building_id = ?, finish_time = ? WHERE emulator_id = ? AND builder_slot = ?`,
		buildingID, finishTime, emu, builderSlot); err != nil {
		return err
	}
	return tx.Commit()
}

// StartConstruction places a brand-new building instance: creates its row
// (if it doesn't already exist as a level-0 placeholder) and starts its
// build timer on builderSlot.
func (s *Store) StartConstruction(emu int, name string, index *int, targetLevel int, builderSlot int, finishTime time.Time) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	// Looked up with IS so a unique building's NULL index matches its
	// placeholder row: the UNIQUE constraint never treats two NULLs as equal.
	var buildingID int64
	err = tx.QueryRow(`SELECT id FROM buildings WHERE emulator_id = ? AND building_name = ? AND building_index IS ?`, emu, name, nullInt(index)).Scan(&buildingID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`
			INSERT INTO buildings (emulator_id, building_name, building_type, building_index, current_level, target_level, status, action, timer_finish, last_updated)
			VALUES (?, ?, ?, ?, 0, ?, 'upgrading', 'build', ?, ?)
		`, emu, name, buildingTypeFor(index), nullInt(index), targetLevel, finishTime, now)
		if err != nil {
			return err
		}
		if buildingID, err = res.LastInsertId(); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(`UPDATE buildings SET status = 'upgrading', timer_finish = ?, last_updated = ? WHERE id = ?`, finishTime, now, buildingID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE buildings SET upgrading_to_level = 1 WHERE id = ?`, buildingID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE builders SET is_busy = 1, building_id = ?, finish_time = ? WHERE emulator_id = ? AND builder_slot = ?`,
		buildingID, finishTime, emu, builderSlot); err != nil {
		return err
	}
	return tx.Commit()
}

func buildingTypeFor(index *int) BuildingType {
	if index != nil {
		return BuildingMultiple
	}
	return BuildingUnique
}

// GetFreeBuilder releases every expired busy slot (lazy completion),
// re-indexes affected multiple buildings, then returns the lowest-numbered
// idle slot (spec §4.A, testable property 4).
func (s *Store) GetFreeBuilder(emu int) (*int, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := s.promoteExpiredBuildingsLocked(emu); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT builder_slot FROM builders WHERE emulator_id = ? AND is_busy = 0 ORDER BY builder_slot ASC LIMIT 1`, emu)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		return &slot, nil
	}
	return nil, nil
}

// FreeBuilderSlot is an alias for GetFreeBuilder, named to satisfy the
// featureimpl.BuilderCoordinator contract the building feature module
// depends on.
func (s *Store) FreeBuilderSlot(emu int) (*int, error) {
	return s.GetFreeBuilder(emu)
}

// BusyBuilderCount is a top-level query — spec §9 notes the original
// source nested this helper inside another method (likely a bug); this
// repo keeps it as its own exported operation.
func (s *Store) BusyBuilderCount(emu int) (int, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := s.promoteExpiredBuildingsLocked(emu); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM builders WHERE emulator_id = ? AND is_busy = 1`, emu).Scan(&n)
	return n, err
}

// SetBuilderCount ensures builder slots 1..n exist for emu. It is called
// once per emulator at first service, by featureimpl.Building's
// initialization with featureimpl.DefaultTotalBuilders; the count is not
// re-detected on every read.
func (s *Store) SetBuilderCount(emu int, n int) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	for slot := 1; slot <= n; slot++ {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO builders (emulator_id, builder_slot, is_busy) VALUES (?, ?, 0)`, emu, slot); err != nil {
			return err
		}
	}
	return nil
}

// NearestBuilderFinish returns the soonest builder completion time for emu,
// or nil if no builder is busy.
func (s *Store) NearestBuilderFinish(emu int) (*time.Time, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var t sql.NullTime
	err := s.db.QueryRow(`SELECT MIN(finish_time) FROM builders WHERE emulator_id = ? AND is_busy = 1`, emu).Scan(&t)
	if err != nil {
		return nil, err
	}
	return scanNullTime(t), nil
}

// AllBuilderFinishTimes returns every busy builder's completion time for emu.
func (s *Store) AllBuilderFinishTimes(emu int) ([]time.Time, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	rows, err := s.db.Query(`SELECT finish_time FROM builders WHERE emulator_id = ? AND is_busy = 1 AND finish_time IS NOT NULL`, emu)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
