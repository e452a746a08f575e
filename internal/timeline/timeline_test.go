package timeline

import "testing"

func TestRecordStampsTimestampWhenUnset(t *testing.T) {
	s := NewStore(10)
	s.Record(Entry{EmulatorID: 1, Stage: StageQueued})
	got := s.ForEmulator(1)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Timestamp.IsZero() {
		t.Fatalf("expected Timestamp to be stamped")
	}
}

func TestForEmulatorFiltersByID(t *testing.T) {
	s := NewStore(10)
	s.Record(Entry{EmulatorID: 1, Stage: StageQueued})
	s.Record(Entry{EmulatorID: 2, Stage: StageQueued})
	s.Record(Entry{EmulatorID: 1, Stage: StageBooted})

	got := s.ForEmulator(1)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Stage != StageQueued || got[1].Stage != StageBooted {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestCapacityDropsOldestEntries(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Record(Entry{EmulatorID: i, Stage: StageQueued})
	}
	got := s.Recent(10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].EmulatorID != 2 || got[2].EmulatorID != 4 {
		t.Fatalf("expected oldest dropped, got %+v", got)
	}
}

func TestNewStoreDefaultsNonPositiveCapacity(t *testing.T) {
	s := NewStore(0)
	if s.cap != 10000 {
		t.Fatalf("cap = %d, want default 10000", s.cap)
	}
}

func TestRecentClampsNToAvailableEntries(t *testing.T) {
	s := NewStore(10)
	s.Record(Entry{EmulatorID: 1, Stage: StageQueued})
	got := s.Recent(50)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestRecentZeroOrNegativeReturnsAll(t *testing.T) {
	s := NewStore(10)
	s.Record(Entry{EmulatorID: 1, Stage: StageQueued})
	s.Record(Entry{EmulatorID: 2, Stage: StageQueued})
	if got := s.Recent(0); len(got) != 2 {
		t.Fatalf("Recent(0) len = %d, want 2", len(got))
	}
	if got := s.Recent(-1); len(got) != 2 {
		t.Fatalf("Recent(-1) len = %d, want 2", len(got))
	}
}
