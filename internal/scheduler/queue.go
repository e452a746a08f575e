package scheduler

import (
	"sort"
	"time"
)

// Batch implements spec §4.E.1: given one emulator's sorted events, compress
// bursts within window into a single launch time and an aggregated reason
// list.
//
// events must already be sorted ascending by At. If any event is the
// epoch-min sentinel (IsNew), the emulator's effective launch time is the
// sentinel and every "new" feature is reported as a reason (spec §4.E step
// 4).
func Batch(emulatorID int, events []Event, window time.Duration) *ScheduleEntry {
	if len(events) == 0 {
		return nil
	}

	var newReasons []string
	for _, e := range events {
		if e.IsNew {
			newReasons = append(newReasons, e.Feature)
		}
	}
	if len(newReasons) > 0 {
		return &ScheduleEntry{EmulatorID: emulatorID, LaunchAt: time.Time{}, Reasons: newReasons, IsNew: true}
	}

	optimal := events[0].At
	reasons := []string{events[0].Feature}

	for _, e := range events[1:] {
		delta := e.At.Sub(optimal)
		switch {
		case delta <= 0:
			reasons = append(reasons, e.Feature)
		case delta <= window:
			optimal = e.At
			reasons = append(reasons, e.Feature)
		default:
			// too far out: stop batching, service the rest in a later cycle
			return &ScheduleEntry{EmulatorID: emulatorID, LaunchAt: optimal, Reasons: reasons}
		}
	}
	return &ScheduleEntry{EmulatorID: emulatorID, LaunchAt: optimal, Reasons: reasons}
}

// SortEntries orders entries ascending by LaunchAt, with sentinel (IsNew)
// entries first (spec §4.E step 5).
func SortEntries(entries []*ScheduleEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsNew != b.IsNew {
			return a.IsNew // new-sentinel entries sort first
		}
		if a.IsNew && b.IsNew {
			return false // both sentinel: stable order, no further tiebreak
		}
		return a.LaunchAt.Before(b.LaunchAt)
	})
}
