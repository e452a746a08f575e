// Package freeze holds the in-memory Freeze Registry: the authoritative
// record of which (emulator, function) pairs must not be serviced until a
// deadline passes (spec §4.B).
package freeze

import (
	"sync"
	"time"
)

// Mirror is the durable-store side of the freeze contract. Writes are
// best-effort: the registry stays authoritative even if the mirror write
// fails (spec §9, "two-writer risk").
type Mirror interface {
	MirrorFreeze(emulatorID int, function string, unfreezeAt time.Time, reason string) error
	MirrorUnfreeze(emulatorID int, function string) error
	LoadFreezeMirror() ([]MirrorEntry, error)
}

// MirrorEntry is one durable row loaded back into the registry on startup.
type MirrorEntry struct {
	EmulatorID int
	Function   string
	UnfreezeAt time.Time
	Reason     string
}

type key struct {
	emulatorID int
	function   string
}

// Registry is the mutex-guarded map described in spec §4.B.
type Registry struct {
	mu      sync.Mutex
	entries map[key]entry
	mirror  Mirror
}

type entry struct {
	unfreezeAt time.Time
	reason     string
}

// New creates an empty registry. If mirror is non-nil, Freeze/Unfreeze also
// write through to it on a best-effort basis.
func New(mirror Mirror) *Registry {
	return &Registry{
		entries: make(map[key]entry),
		mirror:  mirror,
	}
}

// Restore rebuilds the registry from the durable mirror on process start.
// Expired entries are dropped by LoadFreezeMirror itself (spec §4.B).
func Restore(mirror Mirror) (*Registry, error) {
	r := New(mirror)
	rows, err := mirror.LoadFreezeMirror()
	if err != nil {
		return r, err
	}
	for _, row := range rows {
		r.entries[key{row.EmulatorID, row.Function}] = entry{unfreezeAt: row.UnfreezeAt, reason: row.Reason}
	}
	return r, nil
}

// Freeze overwrites any existing entry for (emulatorID, function): a later
// failure supersedes an earlier one (spec §4.B, §8 round-trip property).
func (r *Registry) Freeze(emulatorID int, function string, horizon time.Duration, reason string) {
	unfreezeAt := time.Now().Add(horizon)

	r.mu.Lock()
	r.entries[key{emulatorID, function}] = entry{unfreezeAt: unfreezeAt, reason: reason}
	r.mu.Unlock()

	if r.mirror != nil {
		r.mirror.MirrorFreeze(emulatorID, function, unfreezeAt, reason)
	}
}

// IsFrozen is a pure function of now versus the stored deadline. Expired
// entries are evicted lazily on read.
func (r *Registry) IsFrozen(emulatorID int, function string) (bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{emulatorID, function}
	e, ok := r.entries[k]
	if !ok {
		return false, time.Time{}
	}
	if !e.unfreezeAt.After(time.Now()) {
		delete(r.entries, k)
		return false, time.Time{}
	}
	return true, e.unfreezeAt
}

// Unfreeze removes the entry for (emulatorID, function), if any.
func (r *Registry) Unfreeze(emulatorID int, function string) {
	r.mu.Lock()
	delete(r.entries, key{emulatorID, function})
	r.mu.Unlock()

	if r.mirror != nil {
		r.mirror.MirrorUnfreeze(emulatorID, function)
	}
}

// Snapshot returns every live freeze entry for emulatorID, keyed by
// function name. Used by the Scheduler to build GUI-facing "reasons" lists.
func (r *Registry) Snapshot(emulatorID int) map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]time.Time)
	now := time.Now()
	for k, e := range r.entries {
		if k.emulatorID != emulatorID {
			continue
		}
		if e.unfreezeAt.After(now) {
			out[k.function] = e.unfreezeAt
		}
	}
	return out
}
