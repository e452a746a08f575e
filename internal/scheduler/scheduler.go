// Package scheduler implements the single long-running coordinator loop
// (spec §4.E): refresh config, reap finished workers, build and batch the
// schedule, dispatch up to max_concurrent Workers, publish a GUI snapshot,
// sleep interruptibly. Adapted from the teacher's Scheduler — the same
// mutex-guarded active-task bookkeeping and token-bucket admission control,
// repurposed from a task-queue-drain loop to a fixed-cadence rebuild loop
// because this system's "queue" is recomputed from store state every
// iteration rather than accumulated from inbound submissions.
package scheduler

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/observability"
	"github.com/vkazachenko/ldfleet/internal/recovery"
)

// Runner is the minimal shape a Worker exposes to the Scheduler.
type Runner interface {
	Run(ctx context.Context)
}

// WorkerFactory builds a fresh Runner for one servicing cycle of
// emulatorID, scoped to the currently enabled feature set.
type WorkerFactory func(emulatorID int, enabledFeatures map[string]bool) Runner

// ConfigSource reloads the GUI/scheduler config (spec §4.E step 1, §6).
type ConfigSource interface {
	Load() (Config, error)
}

// Scheduler is the coordinator loop described in spec §4.E.
type Scheduler struct {
	registry      *feature.Registry
	configSource  ConfigSource
	workerFactory WorkerFactory
	restarts      *recovery.RestartRequests
	bootLimiter   *BootLimiter

	mu           sync.Mutex
	config       Config
	active       map[int]struct{} // processing_ids
	running      bool
	stopChan     chan struct{}
	nextFutureAt *time.Time // soonest undispatched entry's launch time from the last tick

	inFlight sync.WaitGroup // every spawned worker, joined by shutdown

	snapMu   sync.RWMutex
	snapshot Snapshot
}

// New builds a Scheduler. initial is used until the first config refresh.
func New(registry *feature.Registry, cs ConfigSource, wf WorkerFactory, restarts *recovery.RestartRequests, initial Config) *Scheduler {
	return &Scheduler{
		registry:      registry,
		configSource:  cs,
		workerFactory: wf,
		restarts:      restarts,
		bootLimiter:   NewBootLimiter(1, 2), // spec §5: avoid a boot storm on bulk restarts
		config:        initial,
		active:        make(map[int]struct{}),
	}
}

// Run executes the coordinator loop until ctx is cancelled or Stop is
// called. Shutdown is cooperative (spec §5: "the running flag plus
// one-second sleep granularity").
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	for {
		if !s.isRunning() || ctx.Err() != nil {
			s.shutdown(ctx)
			return
		}

		s.tick(ctx)

		if !s.interruptibleSleep(ctx, s.nextSleep()) {
			s.shutdown(ctx)
			return
		}
	}
}

// Stop requests cooperative shutdown (spec §4.E: "On shutdown...").
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		close(s.stopChan)
	}
}

func (s *Scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tick runs steps 1-7 of spec §4.E once.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() { observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds()) }()

	s.refreshConfig() // step 1
	s.reap()          // step 2
	s.warnHeldRestarts()

	cfg := s.currentConfig()
	entries := s.buildSchedule(ctx, cfg) // step 4
	SortEntries(entries)                 // step 5
	s.dispatch(ctx, entries, cfg)         // step 6
	s.publishSnapshot(entries, cfg)       // step 7
}

// refreshConfig is step 1: changes take effect next iteration, never
// mid-cycle.
func (s *Scheduler) refreshConfig() {
	if s.configSource == nil {
		return
	}
	cfg, err := s.configSource.Load()
	if err != nil {
		log.Printf("scheduler: config refresh failed, keeping previous config: %v", err)
		return
	}
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
}

func (s *Scheduler) currentConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// reap is step 2: this implementation removes an emulator from the active
// set the instant its Runner.Run returns (see spawn's goroutine), so
// reap here is a no-op pass reserved for future externally-supervised
// worker pools; kept as its own step to match the spec's loop shape.
func (s *Scheduler) reap() {}

// warnHeldRestarts is step 3: an emulator with a pending restart request
// still claimed by a live worker only gets a log line here — the restart
// itself happens inside that worker's next cycle (spec §4.E step 3).
func (s *Scheduler) warnHeldRestarts() {
	if s.restarts == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for emu := range s.active {
		if reason, pending := s.restarts.Pending(emu); pending {
			log.Printf("scheduler: emu %d has pending restart (%s), held by active worker", emu, reason)
		}
	}
}

// buildSchedule is step 4.
func (s *Scheduler) buildSchedule(ctx context.Context, cfg Config) []*ScheduleEntry {
	var entries []*ScheduleEntry
	for _, emu := range cfg.EnabledEmus {
		if s.isProcessing(emu) {
			continue
		}
		events := s.collectEvents(ctx, emu, cfg)
		if len(events) == 0 {
			continue // idle, counted in publishSnapshot
		}
		if e := Batch(emu, events, cfg.BatchWindow); e != nil {
			if coalesced := len(events) - len(e.Reasons); coalesced > 0 {
				observability.BatchingSavings.Add(float64(coalesced))
			}
			entries = append(entries, e)
		}
	}
	return entries
}

func (s *Scheduler) collectEvents(ctx context.Context, emu int, cfg Config) []Event {
	var events []Event
	for _, d := range s.registry.Enabled(cfg.EnabledFeats) {
		et, err := d.Module.NextEventTime(ctx, emu)
		if err != nil {
			log.Printf("scheduler: emu %d feature %s: next_event_time error: %v", emu, d.Name, err)
			continue
		}
		switch {
		case et.Immediate:
			events = append(events, Event{Feature: d.Name, IsNew: true})
		case !et.None:
			events = append(events, Event{At: et.At, Feature: d.Name})
		}
	}
	eventsSortByTime(events)
	return events
}

func eventsSortByTime(events []Event) {
	// small N per emulator (feature count): insertion sort keeps this
	// allocation-free and avoids pulling in sort for a handful of items.
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].At.Before(events[j-1].At); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// dispatch is step 6: walk the sorted list, spawning a Worker for every
// due entry until concurrency saturates or the next entry is still in the
// future.
func (s *Scheduler) dispatch(ctx context.Context, entries []*ScheduleEntry, cfg Config) {
	now := time.Now()
	var pending *time.Time // soonest entry left undispatched after this pass
	for i, e := range entries {
		due := e.IsNew || !e.LaunchAt.After(now)
		if !due {
			pending = &entries[i].LaunchAt // first future entry: stop dispatching
			break
		}
		if !s.claimSlot(cfg.MaxConcurrent) {
			observability.DispatchDecisions.WithLabelValues("concurrency_limited").Inc()
			pending = &now // still-due work waiting on a free slot: retry ASAP
			break
		}
		if !s.bootLimiter.Allow("dispatch") {
			observability.DispatchDecisions.WithLabelValues("boot_limited").Inc()
			pending = &now // boot-storm limit reached; remaining entries wait for next tick
			break
		}
		observability.DispatchDecisions.WithLabelValues("spawned").Inc()
		s.spawn(ctx, e.EmulatorID, cfg.EnabledFeats)
	}
	if cfg.MaxConcurrent > 0 {
		observability.WorkerSaturation.Set(float64(s.activeCount()) / float64(cfg.MaxConcurrent))
	}

	s.mu.Lock()
	s.nextFutureAt = pending
	s.mu.Unlock()
}

func (s *Scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) claimSlot(maxConcurrent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) >= maxConcurrent {
		return false
	}
	return true
}

func (s *Scheduler) isProcessing(emu int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[emu]
	return ok
}

// spawn marks emu as processing (visible to the rest of the Scheduler
// under the same lock, per spec §5 ordering guarantee) and runs its
// Worker in a new goroutine.
func (s *Scheduler) spawn(ctx context.Context, emu int, enabledFeats map[string]bool) {
	s.mu.Lock()
	s.active[emu] = struct{}{}
	s.mu.Unlock()

	w := s.workerFactory(emu, enabledFeats)
	s.inFlight.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("scheduler: worker for emu %d panicked: %v", emu, r)
			}
			s.mu.Lock()
			delete(s.active, emu)
			s.mu.Unlock()
			s.inFlight.Done()
		}()
		w.Run(ctx)
	}()
}

// publishSnapshot is step 7. It is published under its own mutex,
// distinct from the scheduling-state mutex, so GUI reads never block
// scheduling (spec §4.E step 7, §5).
func (s *Scheduler) publishSnapshot(entries []*ScheduleEntry, cfg Config) {
	now := time.Now()

	s.mu.Lock()
	activeList := make([]ActiveEntry, 0, len(s.active))
	for emu := range s.active {
		activeList = append(activeList, ActiveEntry{ID: emu, Name: emulatorName(cfg, emu), Status: StatusProcessing})
	}
	s.mu.Unlock()

	rows := make([]QueueRow, 0, len(entries))
	for _, e := range entries {
		status := StatusWaiting
		wait := 0.0
		launchTime := "READY"
		switch {
		case e.IsNew:
			status = StatusNew
			launchTime = "NOW"
		case !e.LaunchAt.After(now):
			status = StatusReady
		default:
			wait = e.LaunchAt.Sub(now).Minutes()
			launchTime = e.LaunchAt.Format("15:04")
		}
		rows = append(rows, QueueRow{
			EmulatorID:  e.EmulatorID,
			Name:        emulatorName(cfg, e.EmulatorID),
			LaunchTime:  launchTime,
			Status:      status,
			WaitMinutes: wait,
			Reasons:     e.Reasons,
		})
	}

	idle := len(cfg.EnabledEmus) - len(activeList) - len(rows)
	if idle < 0 {
		idle = 0
	}

	var newCount, readyCount, waitingCount int
	for _, row := range rows {
		switch row.Status {
		case StatusNew:
			newCount++
		case StatusReady:
			readyCount++
		case StatusWaiting:
			waitingCount++
		}
	}
	observability.QueueDepth.WithLabelValues(string(StatusNew)).Set(float64(newCount))
	observability.QueueDepth.WithLabelValues(string(StatusReady)).Set(float64(readyCount))
	observability.QueueDepth.WithLabelValues(string(StatusWaiting)).Set(float64(waitingCount))

	snap := Snapshot{
		Active:        activeList,
		Queue:         rows,
		IdleCount:     idle,
		TotalEnabled:  len(cfg.EnabledEmus),
		MaxConcurrent: cfg.MaxConcurrent,
		UpdatedAt:     now,
	}

	s.snapMu.Lock()
	s.snapshot = snap
	s.snapMu.Unlock()
}

// emulatorName looks up emu's configured display name, falling back to its
// numeric ID when the emulator list doesn't name it (spec §6).
func emulatorName(cfg Config, emu int) string {
	if name, ok := cfg.EmulatorNames[emu]; ok && name != "" {
		return name
	}
	return strconv.Itoa(emu)
}

// Snapshot returns the most recently published schedule snapshot.
func (s *Scheduler) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshot
}

// nextSleep computes step 8's clip(time_until_next_future_launch, 1s,
// check_interval), using the soonest undispatched entry dispatch() found
// on the tick that just ran.
func (s *Scheduler) nextSleep() time.Duration {
	cfg := s.currentConfig()
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = time.Second
	}

	s.mu.Lock()
	pending := s.nextFutureAt
	s.mu.Unlock()
	if pending == nil {
		return checkInterval
	}

	until := time.Until(*pending)
	switch {
	case until < time.Second:
		return time.Second
	case until > checkInterval:
		return checkInterval
	default:
		return until
	}
}

// interruptibleSleep sleeps in 1-second increments, returning false if
// shutdown is requested mid-sleep (spec §4.E step 8, §5).
func (s *Scheduler) interruptibleSleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-s.stopSignal():
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}

func (s *Scheduler) stopSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopChan
}

// shutdown is the cleanup spec §4.E names: set running false, wait for
// every in-flight worker to finish its current cycle and self-remove from
// s.active, then clear the snapshot (spec §5: "Workers complete their
// current emulator cycle... and are joined"). Callers must not cancel the
// context threaded into spawned Workers until Run returns, or this wait
// races an in-flight feature chain being aborted mid-cycle instead of
// completing.
func (s *Scheduler) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log.Printf("scheduler: shutdown waiting for %d in-flight worker(s)", s.activeCount())
	s.inFlight.Wait()

	s.snapMu.Lock()
	s.snapshot = Snapshot{}
	s.snapMu.Unlock()

	log.Printf("scheduler: shutdown complete")
}
