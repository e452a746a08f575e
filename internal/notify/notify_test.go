package notify

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
)

type recordingSink struct {
	incidents []Incident
	notifyErr error
	closed    bool
}

func (s *recordingSink) Notify(ctx context.Context, incident Incident) error {
	s.incidents = append(s.incidents, incident)
	return s.notifyErr
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestLogSinkNotifyStampsAtWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink()
	s.logger = log.New(&buf, "", 0)
	if err := s.Notify(context.Background(), Incident{EmulatorID: 1, Kind: "boot_failed"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if strings.Contains(buf.String(), "0001-01-01T00:00:00Z") {
		t.Fatalf("expected At to be stamped, got %s", buf.String())
	}
}

func TestFanoutDeliversToEveryConfiguredSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	f := &Fanout{Sinks: []Sink{a, b}}

	incident := Incident{EmulatorID: 3, Kind: "feature_frozen", Reason: "template not found"}
	if err := f.Notify(context.Background(), incident); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(a.incidents) != 1 || a.incidents[0] != incident {
		t.Fatalf("sink a = %+v", a.incidents)
	}
	if len(b.incidents) != 1 || b.incidents[0] != incident {
		t.Fatalf("sink b = %+v", b.incidents)
	}
}

func TestFanoutSurvivesASinkFailure(t *testing.T) {
	failing := &recordingSink{notifyErr: errors.New("webhook unreachable")}
	ok := &recordingSink{}
	f := &Fanout{Sinks: []Sink{failing, ok}}

	if err := f.Notify(context.Background(), Incident{EmulatorID: 1, Kind: "restart_requested"}); err != nil {
		t.Fatalf("Fanout.Notify must not propagate a single sink's failure, got %v", err)
	}
	if len(ok.incidents) != 1 {
		t.Fatalf("expected the second sink to still receive the incident")
	}
}

func TestFanoutCloseClosesEverySink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	f := &Fanout{Sinks: []Sink{a, b}}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatalf("expected both sinks closed: a=%v b=%v", a.closed, b.closed)
	}
}
