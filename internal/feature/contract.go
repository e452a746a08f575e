// Package feature defines the contract every pluggable game-routine module
// must satisfy (spec §4.C) and the fixed, explicit registry that replaces
// the original implementation's runtime class lookup (spec §9, "Dynamic
// feature registry").
package feature

import (
	"context"
	"time"
)

// EventTime is the result of a feature's next_event_time query. Exactly one
// of the three forms applies; Immediate and None are mutually exclusive
// tagged variants rather than sentinel timestamps (spec §9,
// "Optional-field records").
type EventTime struct {
	// Immediate marks "needs emulator immediately, first-run
	// initialization pending" — the epoch-min sentinel of spec §4.C.
	Immediate bool
	// At is the scheduled or overdue time. Zero (time.Time{}) when None.
	At time.Time
	// None marks "nothing to do / feature is a stub".
	None bool
}

// AtTime returns a scheduled EventTime.
func AtTime(t time.Time) EventTime { return EventTime{At: t} }

// NoEvent returns the "nothing to do" EventTime.
func NoEvent() EventTime { return EventTime{None: true} }

// NeedsImmediate returns the epoch-min-sentinel EventTime.
func NeedsImmediate() EventTime { return EventTime{Immediate: true} }

// ResultKind classifies a feature's run() outcome (spec §4.C, §7).
type ResultKind int

const (
	// ResultOK: successful, or self-handled (including a self-imposed
	// freeze the feature already wrote to the registry).
	ResultOK ResultKind = iota
	// ResultSkipped: the precondition was false.
	ResultSkipped
	// ResultFailed: critical failure — the Worker freezes this feature.
	ResultFailed
)

// Result is what run() returns.
type Result struct {
	Kind ResultKind
	Err  error // set when Kind == ResultFailed, for logging
}

func OK() Result              { return Result{Kind: ResultOK} }
func Skipped() Result         { return Result{Kind: ResultSkipped} }
func Failed(err error) Result { return Result{Kind: ResultFailed, Err: err} }

// Module is the interface every feature (building, research, refill, ...)
// implements against a specific emulator context.
type Module interface {
	// NextEventTime is a pure function of the store (plus the freeze
	// registry) — it never touches the device (spec §4.C item 1).
	NextEventTime(ctx context.Context, emulatorID int) (EventTime, error)
	// CanExecute is a cheap, side-effect-free precondition check
	// (spec §4.C item 2).
	CanExecute(ctx context.Context, session Session) (bool, error)
	// Run performs the device-touching execution (spec §4.C item 3).
	Run(ctx context.Context, session Session) Result
}

// Session is what a Module needs from the Worker to act on one emulator for
// one cycle: device access plus the emulator id. Kept deliberately narrow —
// the real ADB/OCR/template-matching pipeline lives behind it and is out of
// scope (spec §1).
type Session interface {
	EmulatorID() int
	Device() Device
}

// Device is the thin boundary onto the external ADB/screen-capture/template
// matching pipeline (spec §1 "explicitly out of scope"). Feature modules
// touch the device only through this interface.
type Device interface {
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	PressKey(ctx context.Context, keycode int) error
	Screenshot(ctx context.Context) ([]byte, error)
	FindTemplate(ctx context.Context, templateName string) (found bool, x, y int, err error)
}

// Descriptor is one entry in the fixed, ordered feature registry
// constructed at startup (spec §9).
type Descriptor struct {
	Name          string
	Module        Module
	FreezeHorizon time.Duration // default horizon applied on ResultFailed
}

// Registry is the fixed ordered list of features, intersected with the
// user's enabled-features set at dispatch time (spec §4.C, §4.D, §5:
// "global feature-order list intersected with the enabled set").
type Registry struct {
	order []Descriptor
}

// NewRegistry builds a registry from descriptors in the order they must
// execute (short/cheap features first, core gameplay features last,
// spec §4.C).
func NewRegistry(descriptors ...Descriptor) *Registry {
	return &Registry{order: descriptors}
}

// Enabled returns the registry's descriptors filtered to enabled, preserving
// the fixed total order.
func (r *Registry) Enabled(enabled map[string]bool) []Descriptor {
	var out []Descriptor
	for _, d := range r.order {
		if enabled[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// All returns every registered descriptor in fixed order, regardless of the
// enabled set — used by the Scheduler to compute next_event_time across all
// enabled features without needing a Worker.
func (r *Registry) All() []Descriptor {
	return append([]Descriptor(nil), r.order...)
}
