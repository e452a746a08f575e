package featureimpl

import (
	"context"
	"fmt"
	"time"

	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/freeze"
	"github.com/vkazachenko/ldfleet/internal/store"
)

// RefillName is the fixed feature-registry key. RefillKind distinguishes
// the handful of periodic resource-delivery routines (ponds, etc.) that all
// share one max/min interval shape (spec §12, original functions/ponds).
type RefillKind struct {
	Name       string
	StationIDs []int // e.g. pond #1..#4
	Interval   func(resourceLevel int) (max, min time.Duration)
}

// PondIntervals mirrors PondsFunction.INTERVALS: level 7 ponds empty on a
// 6.2h cycle, level 8+ on an 8.2h cycle, each with a shorter "can execute
// early" minimum.
func PondIntervals(resourceLevel int) (max, min time.Duration) {
	if resourceLevel >= 8 {
		return 8*time.Hour + 12*time.Minute, 4 * time.Hour
	}
	return 6*time.Hour + 12*time.Minute, 2*time.Hour + 30*time.Minute
}

// Refill is a generic periodic-resource-delivery feature module: a
// max-interval forces a run, a min-interval allows an early opportunistic
// one (spec §12, grounded on ponds.py get_next_event_time/can_execute).
type Refill struct {
	Kind   RefillKind
	Store  *store.Store
	Freeze *freeze.Registry
}

// NextEventTime is a pure store query (spec §4.C item 1).
func (r *Refill) NextEventTime(ctx context.Context, emulatorID int) (feature.EventTime, error) {
	if frozen, until := r.Freeze.IsFrozen(emulatorID, r.Kind.Name); frozen {
		return feature.AtTime(until), nil
	}

	rec, err := r.Store.GetRefill(emulatorID, r.Kind.Name)
	if err != nil {
		return feature.EventTime{}, err
	}
	if rec == nil {
		return feature.NeedsImmediate(), nil
	}

	max, _ := r.Kind.Interval(rec.ResourceLevel)
	deadline := rec.LastRefillTime.Add(max)
	// A deadline already in the past is reported as-is: overdue, due now.
	return feature.AtTime(deadline), nil
}

// CanExecute allows a run once the min interval has elapsed, letting the
// Worker batch this feature in alongside others that need the emulator
// sooner (spec §12, "можно заодно").
func (r *Refill) CanExecute(ctx context.Context, session feature.Session) (bool, error) {
	rec, err := r.Store.GetRefill(session.EmulatorID(), r.Kind.Name)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}
	_, min := r.Kind.Interval(rec.ResourceLevel)
	return time.Since(rec.LastRefillTime) >= min, nil
}

// Run drives every station (pond, etc.) in turn and stamps the refill
// record on success.
func (r *Refill) Run(ctx context.Context, session feature.Session) feature.Result {
	dev := session.Device()
	resourceLevel := 7
	if rec, err := r.Store.GetRefill(session.EmulatorID(), r.Kind.Name); err == nil && rec != nil {
		resourceLevel = rec.ResourceLevel
	}

	for _, id := range r.Kind.StationIDs {
		if err := driveRefillStation(ctx, dev, r.Kind.Name, id); err != nil {
			return feature.Failed(fmt.Errorf("%s: station %d: %w", r.Kind.Name, id, err))
		}
	}

	if err := r.Store.RecordRefill(session.EmulatorID(), r.Kind.Name, resourceLevel, time.Now()); err != nil {
		return feature.Failed(fmt.Errorf("%s: record refill: %w", r.Kind.Name, err))
	}
	return feature.OK()
}

func driveRefillStation(ctx context.Context, dev feature.Device, name string, stationID int) error {
	found, x, y, err := dev.FindTemplate(ctx, fmt.Sprintf("%s/station_%d_supply_icon", name, stationID))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("supply icon not found for station %d", stationID)
	}
	if err := dev.Tap(ctx, x, y); err != nil {
		return err
	}
	found, x, y, err = dev.FindTemplate(ctx, fmt.Sprintf("%s/delivery_button", name))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("delivery button not found for station %d", stationID)
	}
	return dev.Tap(ctx, x, y)
}
