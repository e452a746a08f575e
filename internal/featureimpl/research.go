package featureimpl

import (
	"context"
	"fmt"
	"time"

	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/freeze"
	"github.com/vkazachenko/ldfleet/internal/store"
)

// ResearchName is the fixed feature-registry key for the research feature.
const ResearchName = "research"

// ResearchPlan answers which technology plan applies at a given lord level
// and which sections defer their initial scan (spec §4.A.2, §6
// plans/research.yaml).
type ResearchPlan interface {
	TechPlanFor(lordLevel int) []store.TechPlanEntry
	DeferredSections() map[string]bool
	ResearchTime(name string, fromLevel int) time.Duration
	// AllEntries returns every tech entry across every lord level, used to
	// seed a brand-new emulator's evolution table in full (spec §3).
	AllEntries() []store.TechPlanEntry
	// SwipeConfigFor returns a section's configured scroll gestures (spec
	// §6 "swipe_config.<section>"), used to reach technologies further
	// down the section before the section scan.
	SwipeConfigFor(section string) store.SwipeSection
}

// Research is the research-selection feature module, grounded on the
// original evolution_database.py's get_next_tech_to_research /
// start_research pair.
type Research struct {
	Store  *store.Store
	Freeze *freeze.Registry
	Plan   ResearchPlan
}

// ensureInitialized seeds the evolution table the first time an emulator is
// serviced (spec §3). InitializeEvolutions is itself idempotent, so this is
// cheap to call from every entry point rather than track a separate flag.
func (r *Research) ensureInitialized(emu int) error {
	return r.Store.InitializeEvolutions(emu, r.Plan.AllEntries())
}

func (r *Research) lordLevel(emu int) (int, error) {
	lord, err := r.Store.GetBuilding(emu, "Лорд")
	if err != nil {
		return 0, err
	}
	if lord == nil {
		return 0, nil
	}
	return lord.CurrentLevel, nil
}

// NextEventTime is a pure store query (spec §4.C item 1).
func (r *Research) NextEventTime(ctx context.Context, emulatorID int) (feature.EventTime, error) {
	if frozen, until := r.Freeze.IsFrozen(emulatorID, ResearchName); frozen {
		return feature.AtTime(until), nil
	}

	has, err := r.Store.HasResearchRecords(emulatorID)
	if err != nil {
		return feature.EventTime{}, err
	}
	if !has {
		// Signals the Scheduler to dispatch a Worker now; the Worker's
		// CanExecute/Run path performs the actual initialization (spec §8
		// Scenario 1).
		return feature.NeedsImmediate(), nil
	}

	finish, err := r.Store.ResearchFinish(emulatorID)
	if err != nil {
		return feature.EventTime{}, err
	}
	if finish != nil {
		return feature.AtTime(*finish), nil
	}

	lordLevel, err := r.lordLevel(emulatorID)
	if err != nil {
		return feature.EventTime{}, err
	}
	candidate, _, err := r.Store.NextTechToResearch(emulatorID, lordLevel, r.Plan.DeferredSections())
	if err != nil {
		return feature.EventTime{}, err
	}
	if candidate == nil {
		return feature.NoEvent(), nil
	}
	return feature.AtTime(time.Now()), nil
}

// CanExecute confirms the research slot is still idle (spec §4.C item 2).
func (r *Research) CanExecute(ctx context.Context, session feature.Session) (bool, error) {
	if err := r.ensureInitialized(session.EmulatorID()); err != nil {
		return false, err
	}
	finish, err := r.Store.ResearchFinish(session.EmulatorID())
	if err != nil {
		return false, err
	}
	return finish == nil, nil
}

// Run re-selects the candidate technology, optionally performs a deferred
// section scan, then commits the research start.
func (r *Research) Run(ctx context.Context, session feature.Session) feature.Result {
	emu := session.EmulatorID()

	if err := r.ensureInitialized(emu); err != nil {
		return feature.Failed(fmt.Errorf("research: initialize: %w", err))
	}

	lordLevel, err := r.lordLevel(emu)
	if err != nil {
		return feature.Failed(fmt.Errorf("research: lord level: %w", err))
	}

	candidate, needsScan, err := r.Store.NextTechToResearch(emu, lordLevel, r.Plan.DeferredSections())
	if err != nil {
		return feature.Failed(fmt.Errorf("research: select candidate: %w", err))
	}
	if candidate == nil {
		return feature.Skipped()
	}

	if needsScan {
		swipes := r.Plan.SwipeConfigFor(candidate.SectionName)
		if err := driveSectionScan(ctx, session.Device(), candidate.SectionName, swipes); err != nil {
			return feature.Failed(fmt.Errorf("research: section scan: %w", err))
		}
		if err := r.Store.MarkSectionScanned(emu, candidate.SectionName); err != nil {
			return feature.Failed(fmt.Errorf("research: mark scanned: %w", err))
		}
		// Re-select after the scan. The deferred gate keys on
		// current_level > 0, not on the scanned mark, so the retry's
		// needsScan result is ignored here.
		candidate, _, err = r.Store.NextTechToResearch(emu, lordLevel, r.Plan.DeferredSections())
		if err != nil {
			return feature.Failed(fmt.Errorf("research: re-select after scan: %w", err))
		}
		if candidate == nil {
			return feature.Skipped()
		}
	}

	if err := driveResearchUI(ctx, session.Device(), candidate); err != nil {
		return feature.Failed(fmt.Errorf("research: device drive: %w", err))
	}

	researchTime := r.Plan.ResearchTime(candidate.TechName, candidate.CurrentLevel)
	finish := time.Now().Add(researchTime)
	if err := r.Store.StartResearch(candidate.ID, finish); err != nil {
		return feature.Failed(fmt.Errorf("research: start: %w", err))
	}
	return feature.OK()
}

// driveSectionScan opens section and scrolls it into view via its
// configured swipe gestures, if any, before the caller OCR-scans it
// (grounded on the original's perform_swipes).
func driveSectionScan(ctx context.Context, dev feature.Device, section string, swipes store.SwipeSection) error {
	found, x, y, err := dev.FindTemplate(ctx, "research/section_"+section)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("research section %s not found", section)
	}
	if err := dev.Tap(ctx, x, y); err != nil {
		return err
	}
	if swipes.HasOne {
		s := swipes.Swipe1
		if err := dev.Swipe(ctx, s[0], s[1], s[2], s[3], swipeDuration); err != nil {
			return err
		}
	}
	if swipes.HasTwo {
		s := swipes.Swipe2
		if err := dev.Swipe(ctx, s[0], s[1], s[2], s[3], swipeDuration); err != nil {
			return err
		}
	}
	return nil
}

// swipeDuration matches the original's perform_swipes gesture length.
const swipeDuration = 1200 * time.Millisecond

func driveResearchUI(ctx context.Context, dev feature.Device, e *store.Evolution) error {
	found, x, y, err := dev.FindTemplate(ctx, "research/"+e.TechName+"_research_button")
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("research button not found for %s", e.TechName)
	}
	return dev.Tap(ctx, x, y)
}
