package freeze

import (
	"testing"
	"time"
)

type fakeMirror struct {
	frozen    map[key]entry
	unfreezes int
}

type mirrorCall struct {
	emu    int
	fn     string
	until  time.Time
	reason string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{frozen: make(map[key]entry)}
}

func (m *fakeMirror) MirrorFreeze(emu int, function string, unfreezeAt time.Time, reason string) error {
	m.frozen[key{emu, function}] = entry{unfreezeAt: unfreezeAt, reason: reason}
	return nil
}

func (m *fakeMirror) MirrorUnfreeze(emu int, function string) error {
	delete(m.frozen, key{emu, function})
	m.unfreezes++
	return nil
}

func (m *fakeMirror) LoadFreezeMirror() ([]MirrorEntry, error) {
	var out []MirrorEntry
	for k, e := range m.frozen {
		out = append(out, MirrorEntry{EmulatorID: k.emulatorID, Function: k.function, UnfreezeAt: e.unfreezeAt, Reason: e.reason})
	}
	return out, nil
}

func TestFreezeOverwritesPreviousEntry(t *testing.T) {
	r := New(nil)
	r.Freeze(1, "building", time.Minute, "first failure")
	r.Freeze(1, "building", time.Hour, "second failure")

	frozen, until := r.IsFrozen(1, "building")
	if !frozen {
		t.Fatal("expected emulator 1's building feature to be frozen")
	}
	if until.Before(time.Now().Add(59 * time.Minute)) {
		t.Fatalf("expected the later freeze to win, got deadline %v", until)
	}
}

func TestIsFrozenEvictsExpiredEntries(t *testing.T) {
	r := New(nil)
	r.Freeze(1, "refill", -time.Minute, "already expired")

	frozen, _ := r.IsFrozen(1, "refill")
	if frozen {
		t.Fatal("expected an already-past deadline to report not frozen")
	}

	snap := r.Snapshot(1)
	if len(snap) != 0 {
		t.Fatalf("expected the expired entry to have been evicted, got %v", snap)
	}
}

func TestUnfreezeRemovesEntry(t *testing.T) {
	r := New(nil)
	r.Freeze(2, "research", time.Hour, "boom")
	r.Unfreeze(2, "research")

	frozen, _ := r.IsFrozen(2, "research")
	if frozen {
		t.Fatal("expected unfreeze to clear the entry")
	}
}

func TestMirrorRoundTrip(t *testing.T) {
	mirror := newFakeMirror()
	r := New(mirror)
	r.Freeze(3, "building", time.Hour, "device error")

	restored, err := Restore(mirror)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	frozen, _ := restored.IsFrozen(3, "building")
	if !frozen {
		t.Fatal("expected the restored registry to carry over the mirrored freeze")
	}

	r.Unfreeze(3, "building")
	if mirror.unfreezes != 1 {
		t.Fatalf("expected Unfreeze to write through to the mirror, got %d calls", mirror.unfreezes)
	}
}

func TestSnapshotOnlyReturnsLiveEntriesForRequestedEmulator(t *testing.T) {
	r := New(nil)
	r.Freeze(1, "building", time.Hour, "x")
	r.Freeze(2, "research", time.Hour, "y")

	snap := r.Snapshot(1)
	if len(snap) != 1 {
		t.Fatalf("expected exactly one entry for emulator 1, got %v", snap)
	}
	if _, ok := snap["building"]; !ok {
		t.Fatalf("expected building to be present, got %v", snap)
	}
}
