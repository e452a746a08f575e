// Package featureimpl holds the concrete feature modules the Worker
// dispatches against each emulator: building upgrades, research, and the
// periodic-resource refill family (spec §12, supplemented from the
// original bot's functions/building, functions/research and
// functions/ponds packages).
package featureimpl

import (
	"context"
	"fmt"
	"time"

	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/freeze"
	"github.com/vkazachenko/ldfleet/internal/store"
)

// Name is the fixed feature-registry key used by config, metrics and the
// freeze registry to refer to the building feature.
const Name = "building"

// DefaultFreezeHorizon is applied when a building run fails critically and
// no per-plan override is configured (spec §4.A.1, §4.B).
const DefaultFreezeHorizon = 4 * time.Hour

// DefaultTotalBuilders is the builder-slot count seeded for every emulator
// at first service, grounded on the original's
// initialize_buildings_for_emulator(self, emulator_id, total_builders: int = 3).
const DefaultTotalBuilders = 3

// BuildingPlan answers "what is the current plan for this emulator" —
// implemented by the config-loaded per-lord-level plan table (spec §6,
// building_order.yaml / plans/building.yaml).
type BuildingPlan interface {
	BuildingPlanFor(lordLevel int) []store.BuildingPlanEntry
	BuildTime(name string, fromLevel int) time.Duration
	// AllEntries returns every plan entry across every lord level, used to
	// seed a brand-new emulator's building table in full (spec §3).
	AllEntries() []store.BuildingPlanEntry
}

// Building is the building-upgrade feature module grounded on
// building_database.py's get_next_building_to_upgrade/set_building_upgrading
// pair, replayed against internal/store instead of a bespoke sqlite3
// connection.
type Building struct {
	Store   *store.Store
	Freeze  *freeze.Registry
	Plan    BuildingPlan
	Builder BuilderCoordinator
}

// BuilderCoordinator is the thin slice of builder-slot state the building
// feature needs: which builder slot is free right now (store.Store
// implements it).
type BuilderCoordinator interface {
	FreeBuilderSlot(emu int) (*int, error)
}

// ensureInitialized seeds the building table and builder slots the first
// time an emulator is serviced (spec §3: "created once at first service of
// an emulator"). Idempotent; cheap to call from every entry point.
func (b *Building) ensureInitialized(emu int) error {
	has, err := b.Store.HasRecords(emu)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := b.Store.InitializeBuildings(emu, DefaultTotalBuilders, b.Plan.AllEntries()); err != nil {
		return err
	}
	return b.Store.SetBuilderCount(emu, DefaultTotalBuilders)
}

func (b *Building) lordLevel(emu int) (int, error) {
	lord, err := b.Store.GetBuilding(emu, "Лорд")
	if err != nil {
		return 0, err
	}
	if lord == nil {
		return 0, nil
	}
	return lord.CurrentLevel, nil
}

// NextEventTime is a pure store query: no device touch (spec §4.C item 1).
func (b *Building) NextEventTime(ctx context.Context, emulatorID int) (feature.EventTime, error) {
	if frozen, until := b.Freeze.IsFrozen(emulatorID, Name); frozen {
		return feature.AtTime(until), nil
	}

	has, err := b.Store.HasRecords(emulatorID)
	if err != nil {
		return feature.EventTime{}, err
	}
	if !has {
		// Signals the Scheduler to dispatch a Worker now; the Worker's
		// CanExecute/Run path performs the actual initialization (spec §8
		// Scenario 1: "Worker boots emulator... initialises records").
		return feature.NeedsImmediate(), nil
	}

	lordLevel, err := b.lordLevel(emulatorID)
	if err != nil {
		return feature.EventTime{}, err
	}
	plan := b.Plan.BuildingPlanFor(lordLevel)

	candidate, err := b.Store.NextBuildingToUpgrade(emulatorID, plan)
	if err != nil {
		return feature.EventTime{}, err
	}
	if candidate == nil {
		return feature.NoEvent(), nil
	}
	if candidate.Status == store.StatusIdle {
		// A buildable/upgradeable candidate with no timer is due now.
		return feature.AtTime(time.Now()), nil
	}
	if candidate.TimerFinish != nil {
		return feature.AtTime(*candidate.TimerFinish), nil
	}
	return feature.NeedsImmediate(), nil
}

// CanExecute re-validates the precondition under the device session: a
// free builder slot must still exist (spec §4.C item 2, §4.D step 1).
func (b *Building) CanExecute(ctx context.Context, session feature.Session) (bool, error) {
	if err := b.ensureInitialized(session.EmulatorID()); err != nil {
		return false, err
	}
	slot, err := b.Builder.FreeBuilderSlot(session.EmulatorID())
	if err != nil {
		return false, err
	}
	return slot != nil, nil
}

// Run performs one building-upgrade cycle: re-select the candidate,
// re-confirm a builder slot, drive the device, then commit the new state
// (grounded on get_next_building_to_upgrade + set_building_upgrading /
// set_building_constructed in building_database.py).
func (b *Building) Run(ctx context.Context, session feature.Session) feature.Result {
	emu := session.EmulatorID()

	if err := b.ensureInitialized(emu); err != nil {
		return feature.Failed(fmt.Errorf("building: initialize: %w", err))
	}

	lordLevel, err := b.lordLevel(emu)
	if err != nil {
		return feature.Failed(fmt.Errorf("building: lord level: %w", err))
	}
	plan := b.Plan.BuildingPlanFor(lordLevel)

	candidate, err := b.Store.NextBuildingToUpgrade(emu, plan)
	if err != nil {
		return feature.Failed(fmt.Errorf("building: select candidate: %w", err))
	}
	if candidate == nil {
		return feature.Skipped()
	}

	slot, err := b.Builder.FreeBuilderSlot(emu)
	if err != nil {
		return feature.Failed(fmt.Errorf("building: free builder: %w", err))
	}
	if slot == nil {
		return feature.Skipped()
	}

	if err := driveBuildingUI(ctx, session.Device(), candidate); err != nil {
		return feature.Failed(fmt.Errorf("building: device drive: %w", err))
	}

	buildTime := b.Plan.BuildTime(candidate.Name, candidate.CurrentLevel)
	finish := time.Now().Add(buildTime)

	if candidate.Action == store.ActionBuild && candidate.CurrentLevel == 0 {
		// Not yet physically placed, spec §4.A.1 "construction trumps
		// upgrade"; StartConstruction upserts whether or not a level-0
		// placeholder row already exists.
		if err := b.Store.StartConstruction(emu, candidate.Name, candidate.Index, candidate.TargetLevel, *slot, finish); err != nil {
			return feature.Failed(fmt.Errorf("building: start construction: %w", err))
		}
		return feature.OK()
	}
	if err := b.Store.StartUpgrade(candidate.ID, *slot, finish); err != nil {
		return feature.Failed(fmt.Errorf("building: start upgrade: %w", err))
	}
	return feature.OK()
}

// driveBuildingUI is the boundary onto the tap/swipe/template-match
// pipeline. The real navigation sequence (nav panel -> building ->
// upgrade button -> confirm) is out of scope (spec §1); this stands in for
// it with the minimal interaction the Device interface exposes.
func driveBuildingUI(ctx context.Context, dev feature.Device, b *store.Building) error {
	found, x, y, err := dev.FindTemplate(ctx, "building/"+b.Name+"_upgrade_button")
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("upgrade button not found for %s", b.Name)
	}
	return dev.Tap(ctx, x, y)
}
