package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vkazachenko/ldfleet/internal/scheduler"
	"github.com/vkazachenko/ldfleet/internal/timeline"
)

type fakeSnapshotSource struct {
	snap scheduler.Snapshot
}

func (f *fakeSnapshotSource) Snapshot() scheduler.Snapshot { return f.snap }

func TestHandleHealthReportsOK(t *testing.T) {
	s := NewServer(&fakeSnapshotSource{}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestHandleSnapshotReturnsSourceSnapshot(t *testing.T) {
	want := scheduler.Snapshot{
		Active:       []scheduler.ActiveEntry{{ID: 1, Name: "1", Status: scheduler.StatusProcessing}, {ID: 2, Name: "2", Status: scheduler.StatusProcessing}},
		IdleCount:    3,
		TotalEnabled: 5,
		UpdatedAt:    time.Now().Truncate(time.Second),
	}
	s := NewServer(&fakeSnapshotSource{snap: want}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/snapshot")
	if err != nil {
		t.Fatalf("GET /api/snapshot: %v", err)
	}
	defer resp.Body.Close()
	var got scheduler.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TotalEnabled != want.TotalEnabled || got.IdleCount != want.IdleCount || len(got.Active) != 2 {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestHandleTimelineWithoutStoreReturnsNotImplemented(t *testing.T) {
	s := NewServer(&fakeSnapshotSource{}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/timeline/")
	if err != nil {
		t.Fatalf("GET /api/timeline/: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func TestHandleTimelineReturnsRecentEntries(t *testing.T) {
	tl := timeline.NewStore(10)
	tl.Record(timeline.Entry{EmulatorID: 7, Stage: timeline.StageBooted})
	s := NewServer(&fakeSnapshotSource{}, tl)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/timeline/")
	if err != nil {
		t.Fatalf("GET /api/timeline/: %v", err)
	}
	defer resp.Body.Close()
	var entries []timeline.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].EmulatorID != 7 {
		t.Fatalf("entries = %+v", entries)
	}
}
