package scheduler

import "time"

// Event is one (time, feature) pair collected from a feature's
// next_event_time query (spec §4.E step 4).
type Event struct {
	At      time.Time
	Feature string
	IsNew   bool // epoch-min sentinel; Batch lists the bare feature name as the reason, with no "new" suffix
}

// ScheduleEntry is one emulator's computed launch time plus the reasons
// that produced it, after batching (spec §4.E.1).
type ScheduleEntry struct {
	EmulatorID int
	LaunchAt   time.Time
	Reasons    []string
	IsNew      bool
}

// EntryStatus mirrors the GUI-facing queue states spec §4.E step 7 names.
type EntryStatus string

const (
	StatusProcessing EntryStatus = "processing"
	StatusNew        EntryStatus = "new"
	StatusReady      EntryStatus = "ready"
	StatusWaiting    EntryStatus = "waiting"
)

// ActiveEntry is one line of the GUI-facing active-worker list (spec §6:
// "active: [{id, name, status=\"processing\"}]").
type ActiveEntry struct {
	ID     int         `json:"id"`
	Name   string      `json:"name"`
	Status EntryStatus `json:"status"`
}

// QueueRow is one line of the GUI-facing queue list (spec §6: "queue:
// [{id, name, launch_time, wait_minutes, reasons, status}]"). LaunchTime is
// pre-formatted for display: "NOW" for the epoch-min sentinel, "READY" for
// a due-now entry waiting only on a free concurrency slot, or "HH:MM" for a
// future launch.
type QueueRow struct {
	EmulatorID  int         `json:"id"`
	Name        string      `json:"name"`
	LaunchTime  string      `json:"launch_time"`
	Status      EntryStatus `json:"status"`
	WaitMinutes float64     `json:"wait_minutes"`
	Reasons     []string    `json:"reasons"`
}

// Snapshot is the atomic, GUI-facing view published once per scheduling
// iteration (spec §4.E step 7, §6).
type Snapshot struct {
	Active        []ActiveEntry `json:"active"`
	Queue         []QueueRow    `json:"queue"`
	IdleCount     int           `json:"idle_count"`
	TotalEnabled  int           `json:"total_enabled"`
	MaxConcurrent int           `json:"max_concurrent"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Config is the tunable subset of scheduler.yaml (spec §6).
type Config struct {
	BatchWindow   time.Duration
	CheckInterval time.Duration
	MaxConcurrent int
	EnabledEmus   []int
	EnabledFeats  map[string]bool
	// EmulatorNames maps emulator ID to its configured display name
	// (emulators.yaml, spec §6); an ID absent from the map falls back to
	// its numeric ID as a string in the published snapshot.
	EmulatorNames map[int]string
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		BatchWindow:   300 * time.Second,
		CheckInterval: 60 * time.Second,
		MaxConcurrent: 3,
		EnabledFeats:  map[string]bool{},
	}
}
