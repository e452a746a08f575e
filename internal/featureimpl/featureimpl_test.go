package featureimpl

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/freeze"
	"github.com/vkazachenko/ldfleet/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeDevice struct {
	templateFound map[string]bool
	findErr       error
	tapErr        error
	tapCalls      int
}

func (d *fakeDevice) Tap(ctx context.Context, x, y int) error {
	d.tapCalls++
	return d.tapErr
}
func (d *fakeDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return nil
}
func (d *fakeDevice) PressKey(ctx context.Context, keycode int) error        { return nil }
func (d *fakeDevice) Screenshot(ctx context.Context) ([]byte, error)         { return nil, nil }
func (d *fakeDevice) FindTemplate(ctx context.Context, name string) (bool, int, int, error) {
	if d.findErr != nil {
		return false, 0, 0, d.findErr
	}
	if d.templateFound == nil {
		return true, 1, 1, nil
	}
	return d.templateFound[name], 1, 1, nil
}

type fakeSession struct {
	emu int
	dev feature.Device
}

func (s fakeSession) EmulatorID() int        { return s.emu }
func (s fakeSession) Device() feature.Device { return s.dev }

type fakeBuilderCoordinator struct {
	slot *int
	err  error
}

func (f *fakeBuilderCoordinator) FreeBuilderSlot(emu int) (*int, error) { return f.slot, f.err }

func intp(v int) *int { return &v }

type fakeBuildingPlan struct {
	entries   []store.BuildingPlanEntry
	buildTime time.Duration
}

func (p *fakeBuildingPlan) BuildingPlanFor(lordLevel int) []store.BuildingPlanEntry { return p.entries }
func (p *fakeBuildingPlan) BuildTime(name string, fromLevel int) time.Duration      { return p.buildTime }
func (p *fakeBuildingPlan) AllEntries() []store.BuildingPlanEntry                   { return p.entries }

func TestBuildingNextEventTimeRespectsFreeze(t *testing.T) {
	s := newTestStore(t)
	fr := freeze.New(nil)
	fr.Freeze(1, Name, time.Hour, "jammed")
	b := &Building{Store: s, Freeze: fr, Plan: &fakeBuildingPlan{}, Builder: &fakeBuilderCoordinator{}}

	et, err := b.NextEventTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextEventTime: %v", err)
	}
	if et.Immediate || et.None {
		t.Fatalf("expected a frozen-until time, got %+v", et)
	}
}

func TestBuildingNextEventTimeNeedsImmediateWhenUninitialized(t *testing.T) {
	s := newTestStore(t)
	b := &Building{Store: s, Freeze: freeze.New(nil), Plan: &fakeBuildingPlan{}, Builder: &fakeBuilderCoordinator{}}

	et, err := b.NextEventTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextEventTime: %v", err)
	}
	if !et.Immediate {
		t.Fatalf("expected Immediate for a never-initialized emulator, got %+v", et)
	}
}

// TestBuildingNextEventTimeDueNowOnIdleCandidate covers the case where a
// cap-eligible candidate exists and has no timer running: it is reported as
// due now, not as the first-run sentinel.
func TestBuildingNextEventTimeDueNowOnIdleCandidate(t *testing.T) {
	s := newTestStore(t)
	plan := []store.BuildingPlanEntry{
		{Name: "Лорд", Count: 1, TargetLevel: 20, Type: store.BuildingUnique, Action: store.ActionUpgrade},
		{Name: "Farm", Count: 1, TargetLevel: 5, Type: store.BuildingUnique, Action: store.ActionUpgrade},
	}
	if err := s.InitializeBuildings(1, 3, plan); err != nil {
		t.Fatalf("InitializeBuildings: %v", err)
	}
	lord, _ := s.GetBuilding(1, "Лорд")
	if err := s.StartUpgrade(lord.ID, 1, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("StartUpgrade lord: %v", err)
	}

	b := &Building{Store: s, Freeze: freeze.New(nil), Plan: &fakeBuildingPlan{entries: plan}, Builder: &fakeBuilderCoordinator{}}
	et, err := b.NextEventTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextEventTime: %v", err)
	}
	if et.Immediate || et.None || et.At.After(time.Now()) {
		t.Fatalf("expected a due-now time for an idle, cap-eligible candidate, got %+v", et)
	}
}

// TestBuildingNextEventTimeNoEventWhenTargetReached covers the "nothing to
// do" branch once every plan entry has hit its target level.
func TestBuildingNextEventTimeNoEventWhenTargetReached(t *testing.T) {
	s := newTestStore(t)
	plan := []store.BuildingPlanEntry{
		{Name: "Лорд", Count: 1, TargetLevel: 20, Type: store.BuildingUnique, Action: store.ActionUpgrade},
		{Name: "Farm", Count: 1, TargetLevel: 1, Type: store.BuildingUnique, Action: store.ActionUpgrade},
	}
	if err := s.InitializeBuildings(1, 3, plan); err != nil {
		t.Fatalf("InitializeBuildings: %v", err)
	}
	lord, _ := s.GetBuilding(1, "Лорд")
	if err := s.StartUpgrade(lord.ID, 1, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("StartUpgrade lord: %v", err)
	}
	farm, _ := s.GetBuilding(1, "Farm")
	if err := s.StartUpgrade(farm.ID, 2, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("StartUpgrade farm: %v", err)
	}

	b := &Building{Store: s, Freeze: freeze.New(nil), Plan: &fakeBuildingPlan{entries: plan}, Builder: &fakeBuilderCoordinator{}}
	et, err := b.NextEventTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextEventTime: %v", err)
	}
	if !et.None {
		t.Fatalf("expected NoEvent once Farm has reached its target level, got %+v", et)
	}
}

func TestBuildingCanExecuteReflectsBuilderAvailability(t *testing.T) {
	s := newTestStore(t)
	b := &Building{Store: s, Freeze: freeze.New(nil), Plan: &fakeBuildingPlan{}, Builder: &fakeBuilderCoordinator{slot: nil}}
	can, err := b.CanExecute(context.Background(), fakeSession{emu: 1})
	if err != nil {
		t.Fatalf("CanExecute: %v", err)
	}
	if can {
		t.Fatal("expected CanExecute false when no builder slot is free")
	}

	b.Builder = &fakeBuilderCoordinator{slot: intp(2)}
	can, err = b.CanExecute(context.Background(), fakeSession{emu: 1})
	if err != nil {
		t.Fatalf("CanExecute: %v", err)
	}
	if !can {
		t.Fatal("expected CanExecute true when a builder slot is free")
	}
}

func TestBuildingRunStartsConstructionForBrandNewUniqueBuilding(t *testing.T) {
	s := newTestStore(t)
	plan := []store.BuildingPlanEntry{{Name: "Castle", Count: 0, TargetLevel: 5, Type: store.BuildingUnique, Action: store.ActionBuild}}
	b := &Building{
		Store:   s,
		Freeze:  freeze.New(nil),
		Plan:    &fakeBuildingPlan{entries: plan, buildTime: time.Minute},
		Builder: &fakeBuilderCoordinator{slot: intp(1)},
	}
	if err := s.SetBuilderCount(1, 3); err != nil {
		t.Fatalf("SetBuilderCount: %v", err)
	}
	dev := &fakeDevice{}
	result := b.Run(context.Background(), fakeSession{emu: 1, dev: dev})
	if result.Kind != feature.ResultOK {
		t.Fatalf("expected ResultOK, got %+v", result)
	}
	if dev.tapCalls != 1 {
		t.Fatalf("expected the UI to be driven once, got %d taps", dev.tapCalls)
	}
	castle, err := s.GetBuilding(1, "Castle")
	if err != nil {
		t.Fatalf("GetBuilding: %v", err)
	}
	if castle == nil || castle.Status != store.StatusUpgrading {
		t.Fatalf("expected Castle to be under construction, got %+v", castle)
	}
}

func TestBuildingRunSkipsWhenNoCandidate(t *testing.T) {
	s := newTestStore(t)
	b := &Building{Store: s, Freeze: freeze.New(nil), Plan: &fakeBuildingPlan{}, Builder: &fakeBuilderCoordinator{slot: intp(1)}}
	result := b.Run(context.Background(), fakeSession{emu: 1, dev: &fakeDevice{}})
	if result.Kind != feature.ResultSkipped {
		t.Fatalf("expected ResultSkipped with an empty plan, got %+v", result)
	}
}

func TestBuildingRunFailsWhenTemplateNotFound(t *testing.T) {
	s := newTestStore(t)
	plan := []store.BuildingPlanEntry{{Name: "Castle", Count: 0, TargetLevel: 5, Type: store.BuildingUnique, Action: store.ActionBuild}}
	b := &Building{
		Store:   s,
		Freeze:  freeze.New(nil),
		Plan:    &fakeBuildingPlan{entries: plan, buildTime: time.Minute},
		Builder: &fakeBuilderCoordinator{slot: intp(1)},
	}
	if err := s.SetBuilderCount(1, 3); err != nil {
		t.Fatalf("SetBuilderCount: %v", err)
	}
	dev := &fakeDevice{templateFound: map[string]bool{}} // nothing found
	result := b.Run(context.Background(), fakeSession{emu: 1, dev: dev})
	if result.Kind != feature.ResultFailed {
		t.Fatalf("expected ResultFailed when the upgrade button isn't found, got %+v", result)
	}
}

type fakeResearchPlan struct {
	entries    []store.TechPlanEntry
	deferred   map[string]bool
	researchOn time.Duration
}

func (p *fakeResearchPlan) TechPlanFor(lordLevel int) []store.TechPlanEntry { return p.entries }
func (p *fakeResearchPlan) DeferredSections() map[string]bool              { return p.deferred }
func (p *fakeResearchPlan) ResearchTime(name string, fromLevel int) time.Duration {
	return p.researchOn
}
func (p *fakeResearchPlan) AllEntries() []store.TechPlanEntry { return p.entries }
func (p *fakeResearchPlan) SwipeConfigFor(section string) store.SwipeSection {
	return store.SwipeSection{}
}

func TestResearchNextEventTimeReportsBusySlot(t *testing.T) {
	s := newTestStore(t)
	plan := []store.TechPlanEntry{{Name: "Archery", Section: "Military", LordLevel: 1, TargetLevel: 5, MaxLevel: 10, OrderIndex: 0}}
	if err := s.InitializeEvolutions(1, plan); err != nil {
		t.Fatalf("InitializeEvolutions: %v", err)
	}
	candidate, _, _ := s.NextTechToResearch(1, 1, map[string]bool{})
	if err := s.StartResearch(candidate.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("StartResearch: %v", err)
	}

	r := &Research{Store: s, Freeze: freeze.New(nil), Plan: &fakeResearchPlan{entries: plan}}
	et, err := r.NextEventTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextEventTime: %v", err)
	}
	if et.Immediate || et.None {
		t.Fatalf("expected a scheduled completion time while researching, got %+v", et)
	}
}

func TestResearchCanExecuteFalseWhileSlotBusy(t *testing.T) {
	s := newTestStore(t)
	plan := []store.TechPlanEntry{{Name: "Archery", Section: "Military", LordLevel: 1, TargetLevel: 5, MaxLevel: 10, OrderIndex: 0}}
	if err := s.InitializeEvolutions(1, plan); err != nil {
		t.Fatalf("InitializeEvolutions: %v", err)
	}
	candidate, _, _ := s.NextTechToResearch(1, 1, map[string]bool{})
	if err := s.StartResearch(candidate.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("StartResearch: %v", err)
	}

	r := &Research{Store: s, Freeze: freeze.New(nil), Plan: &fakeResearchPlan{entries: plan}}
	can, err := r.CanExecute(context.Background(), fakeSession{emu: 1})
	if err != nil {
		t.Fatalf("CanExecute: %v", err)
	}
	if can {
		t.Fatal("expected CanExecute false while the research slot is busy")
	}
}

func TestResearchRunPerformsDeferredScanThenStarts(t *testing.T) {
	s := newTestStore(t)
	plan := []store.TechPlanEntry{{Name: "Hidden Tech", Section: "Secret", LordLevel: 0, TargetLevel: 5, MaxLevel: 10, OrderIndex: 0}}
	if err := s.InitializeEvolutions(1, plan); err != nil {
		t.Fatalf("InitializeEvolutions: %v", err)
	}
	r := &Research{Store: s, Freeze: freeze.New(nil), Plan: &fakeResearchPlan{entries: plan, deferred: map[string]bool{"Secret": true}, researchOn: time.Hour}}

	dev := &fakeDevice{}
	result := r.Run(context.Background(), fakeSession{emu: 1, dev: dev})
	if result.Kind != feature.ResultOK {
		t.Fatalf("expected ResultOK, got %+v", result)
	}
	if dev.tapCalls != 2 {
		t.Fatalf("expected a scan tap plus a research-start tap, got %d", dev.tapCalls)
	}
	finish, err := s.ResearchFinish(1)
	if err != nil {
		t.Fatalf("ResearchFinish: %v", err)
	}
	if finish == nil {
		t.Fatal("expected research to have started")
	}
}

func TestResearchRunSkipsWhenNoCandidate(t *testing.T) {
	s := newTestStore(t)
	r := &Research{Store: s, Freeze: freeze.New(nil), Plan: &fakeResearchPlan{}}
	result := r.Run(context.Background(), fakeSession{emu: 1, dev: &fakeDevice{}})
	if result.Kind != feature.ResultSkipped {
		t.Fatalf("expected ResultSkipped with an empty plan, got %+v", result)
	}
}

func TestRefillNextEventTimeNeedsImmediateWhenNeverRecorded(t *testing.T) {
	s := newTestStore(t)
	r := &Refill{Kind: RefillKind{Name: "ponds", StationIDs: []int{1}, Interval: PondIntervals}, Store: s, Freeze: freeze.New(nil)}
	et, err := r.NextEventTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextEventTime: %v", err)
	}
	if !et.Immediate {
		t.Fatalf("expected Immediate before any refill has been recorded, got %+v", et)
	}
}

func TestRefillNextEventTimeScheduledAfterRecord(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordRefill(1, "ponds", 7, time.Now()); err != nil {
		t.Fatalf("RecordRefill: %v", err)
	}
	r := &Refill{Kind: RefillKind{Name: "ponds", StationIDs: []int{1}, Interval: PondIntervals}, Store: s, Freeze: freeze.New(nil)}
	et, err := r.NextEventTime(context.Background(), 1)
	if err != nil {
		t.Fatalf("NextEventTime: %v", err)
	}
	if et.Immediate || et.None {
		t.Fatalf("expected a future scheduled time right after a refill, got %+v", et)
	}
}

func TestRefillCanExecuteEarlyAfterMinInterval(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-3 * time.Hour)
	if err := s.RecordRefill(1, "ponds", 7, past); err != nil {
		t.Fatalf("RecordRefill: %v", err)
	}
	r := &Refill{Kind: RefillKind{Name: "ponds", StationIDs: []int{1}, Interval: PondIntervals}, Store: s, Freeze: freeze.New(nil)}
	can, err := r.CanExecute(context.Background(), fakeSession{emu: 1})
	if err != nil {
		t.Fatalf("CanExecute: %v", err)
	}
	// PondIntervals min for level 7 is 2.5h; 3h have elapsed, so an early
	// opportunistic run is allowed.
	if !can {
		t.Fatal("expected CanExecute true once the min interval has elapsed")
	}
}

func TestRefillRunDrivesEveryStationAndRecords(t *testing.T) {
	s := newTestStore(t)
	r := &Refill{Kind: RefillKind{Name: "ponds", StationIDs: []int{1, 2, 3}, Interval: PondIntervals}, Store: s, Freeze: freeze.New(nil)}
	dev := &fakeDevice{}
	result := r.Run(context.Background(), fakeSession{emu: 1, dev: dev})
	if result.Kind != feature.ResultOK {
		t.Fatalf("expected ResultOK, got %+v", result)
	}
	if dev.tapCalls != 6 { // 2 taps (supply icon + delivery button) per station
		t.Fatalf("expected 6 taps across 3 stations, got %d", dev.tapCalls)
	}
	rec, err := s.GetRefill(1, "ponds")
	if err != nil {
		t.Fatalf("GetRefill: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a refill record to be written")
	}
}

func TestRefillRunFailsWhenStationNotFound(t *testing.T) {
	s := newTestStore(t)
	r := &Refill{Kind: RefillKind{Name: "ponds", StationIDs: []int{1}, Interval: PondIntervals}, Store: s, Freeze: freeze.New(nil)}
	dev := &fakeDevice{findErr: errors.New("screen capture failed")}
	result := r.Run(context.Background(), fakeSession{emu: 1, dev: dev})
	if result.Kind != feature.ResultFailed {
		t.Fatalf("expected ResultFailed on a device error, got %+v", result)
	}
}
