// Package notify is the sink for the alerts spec §6's GUI config names
// under notifications (stuck-state restarts, repeated freezes, boot
// failures). Adapted from the teacher's streaming.Publisher interface:
// same Publish/Close contract, narrowed from an arbitrary pub/sub topic
// bus to the fixed small set of fleet incidents this system raises.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Incident is one notification-worthy event (spec §4.D step 2's restart
// requests, §4.B's repeated-freeze escalation).
type Incident struct {
	EmulatorID int       `json:"emulator_id"`
	Kind       string    `json:"kind"` // restart_requested, feature_frozen, boot_failed
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Sink delivers Incidents to wherever spec §6's notifications list points
// (today: a log line; the interface leaves room for the webhook/Telegram
// sinks the original bot's config schema names without committing to
// implementing them here).
type Sink interface {
	Notify(ctx context.Context, incident Incident) error
	Close() error
}

// LogSink is the default Sink: every incident becomes one structured log
// line, the same stand-in role the teacher's LogPublisher plays before a
// real transport is wired in.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink builds a Sink that writes to the standard logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.Default()}
}

func (s *LogSink) Notify(ctx context.Context, incident Incident) error {
	if incident.At.IsZero() {
		incident.At = time.Now()
	}
	data, err := json.Marshal(incident)
	if err != nil {
		return err
	}
	s.logger.Printf("[NOTIFY] %s emu=%d: %s", incident.Kind, incident.EmulatorID, string(data))
	return nil
}

func (s *LogSink) Close() error {
	s.logger.Println("[NOTIFY] sink closed")
	return nil
}

// Fanout delivers every Incident to all configured Sinks, logging (not
// failing) on an individual sink's error — a notification failure must
// never block the Scheduler loop (spec §5).
type Fanout struct {
	Sinks []Sink
}

func (f *Fanout) Notify(ctx context.Context, incident Incident) error {
	for _, s := range f.Sinks {
		if err := s.Notify(ctx, incident); err != nil {
			log.Printf("notify: sink delivery failed: %v", err)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	for _, s := range f.Sinks {
		_ = s.Close()
	}
	return nil
}
