// Package worker drives a single emulator through one servicing cycle:
// restart check, boot, game-load handshake, feature execution, guaranteed
// release (spec §4.D). Grounded on the teacher's Reconciler — the same
// check/apply/final-check shape, hard per-task timeout via
// context.WithTimeout, and a guaranteed-cleanup defer — repurposed from
// "reconcile desired state on one node" to "service one emulator for one
// cycle".
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/freeze"
	"github.com/vkazachenko/ldfleet/internal/notify"
	"github.com/vkazachenko/ldfleet/internal/observability"
	"github.com/vkazachenko/ldfleet/internal/recovery"
)

// EmulatorController is the boundary onto the ldconsole adapter (spec §6,
// "An external controller (ldconsole.exe in the source)"). Out of scope to
// implement for real; Worker only depends on this narrow shape.
type EmulatorController interface {
	Start(ctx context.Context, emulatorID int) error
	Stop(ctx context.Context, emulatorID int) error
	WaitADBReady(ctx context.Context, emulatorID int, timeout time.Duration) error
	LaunchGame(ctx context.Context, emulatorID int) error
	LoadingScreenVisible(ctx context.Context, emulatorID int) (bool, error)
	PopupCloseMarkerVisible(ctx context.Context, emulatorID int) (bool, error)
	WorldMapMarkerVisible(ctx context.Context, emulatorID int) (bool, error)
	ExitDialogVisible(ctx context.Context, emulatorID int) (bool, error)
	PressESC(ctx context.Context, emulatorID int) error
}

// Timeouts bundles the phase deadlines spec §4.D leaves tunable ("typical
// 90 s", "within T seconds").
type Timeouts struct {
	ADBReady          time.Duration
	LoadingAppears    time.Duration
	LoadingDisappears time.Duration
	PollInterval      time.Duration
}

// DefaultTimeouts matches the spec's stated defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ADBReady:          90 * time.Second,
		LoadingAppears:    30 * time.Second,
		LoadingDisappears: 45 * time.Second,
		PollInterval:      1500 * time.Millisecond,
	}
}

// InterFeaturePacing is the minimum delay between feature invocations
// (spec §4.D, "allow the game UI to settle").
const InterFeaturePacing = time.Second

// FeatureRetryAttempts bounds the total number of Run attempts for a
// failing feature (the first try plus retries after a recovery clear)
// before the failure is allowed to freeze the feature (spec §4.F,
// retry_with_recovery).
const FeatureRetryAttempts = 2

// clearableDevice is the slice of feature.Device a session's device may
// additionally implement to participate in UI recovery (spec §4.F). Not
// every Device needs it; runOne degrades to no recovery when absent.
type clearableDevice interface {
	DialogOpen(ctx context.Context) (bool, error)
	PressForRecovery(ctx context.Context, keycode int) error
}

// Worker services one emulator for one cycle.
type Worker struct {
	EmulatorID int
	Enabled    map[string]bool
	Registry   *feature.Registry
	Controller EmulatorController
	Restarts   *recovery.RestartRequests
	Freeze     *freeze.Registry
	Session    feature.Session
	Timeouts   Timeouts
	Notify     notify.Sink // optional; nil disables notifications

	pacer *rate.Limiter
}

// New builds a Worker with default pacing and timeouts.
func New(emulatorID int, enabled map[string]bool, registry *feature.Registry, ctrl EmulatorController, restarts *recovery.RestartRequests, fr *freeze.Registry, session feature.Session) *Worker {
	return &Worker{
		EmulatorID: emulatorID,
		Enabled:    enabled,
		Registry:   registry,
		Controller: ctrl,
		Restarts:   restarts,
		Freeze:     fr,
		Session:    session,
		Timeouts:   DefaultTimeouts(),
		pacer:      rate.NewLimiter(rate.Every(InterFeaturePacing), 1),
	}
}

func (w *Worker) notify(kind, reason string) {
	if w.Notify == nil {
		return
	}
	w.Notify.Notify(context.Background(), notify.Incident{EmulatorID: w.EmulatorID, Kind: kind, Reason: reason})
}

// Run executes the full 6-step sequence. Failures surface as freezes on
// the responsible feature (step 5) or as a logged, clean return (steps
// 2-4) — never as a process-level panic (spec §4.D preamble).
func (w *Worker) Run(ctx context.Context) {
	defer w.release(ctx) // step 6: guaranteed on every exit path

	if err := w.restartCheck(ctx); err != nil {
		log.Printf("[emu %d] restart check failed, ending cycle: %v", w.EmulatorID, err)
		return
	}

	if err := w.boot(ctx); err != nil {
		log.Printf("[emu %d] boot failed, ending cycle: %v", w.EmulatorID, err)
		w.notify("boot_failed", err.Error())
		return
	}

	if err := w.loadGame(ctx); err != nil {
		reason := fmt.Sprintf("game load stuck: %v", err)
		log.Printf("[emu %d] game load failed, attempting recovery before requesting restart: %v", w.EmulatorID, err)
		recovery.ClearUIState(ctx, w.pressESC, w.exitDialogVisible)
		w.Restarts.Request(w.EmulatorID, reason)
		observability.RestartRequests.WithLabelValues("game_load_stuck").Inc()
		w.notify("restart_requested", reason)
		return
	}

	w.executeFeatures(ctx)
}

// restartCheck is step 2: if a prior cycle's Recovery helper left a
// pending restart request, perform a full stop/start/ADB-wait first.
func (w *Worker) restartCheck(ctx context.Context) error {
	reason, pending := w.Restarts.Pending(w.EmulatorID)
	if !pending {
		return nil
	}
	log.Printf("[emu %d] servicing pending restart request: %s", w.EmulatorID, reason)

	if err := w.Controller.Stop(ctx, w.EmulatorID); err != nil {
		return fmt.Errorf("stop for restart: %w", err)
	}
	if err := w.Controller.Start(ctx, w.EmulatorID); err != nil {
		return fmt.Errorf("start for restart: %w", err)
	}
	if err := w.Controller.WaitADBReady(ctx, w.EmulatorID, w.Timeouts.ADBReady); err != nil {
		return fmt.Errorf("ADB wait after restart: %w", err)
	}
	w.Restarts.Clear(w.EmulatorID)
	return nil
}

// boot is step 3.
func (w *Worker) boot(ctx context.Context) error {
	if err := w.Controller.Start(ctx, w.EmulatorID); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := w.Controller.WaitADBReady(ctx, w.EmulatorID, w.Timeouts.ADBReady); err != nil {
		w.Controller.Stop(ctx, w.EmulatorID)
		return fmt.Errorf("ADB not ready: %w", err)
	}
	return nil
}

// loadGame is step 4, the three-phase ready protocol.
func (w *Worker) loadGame(ctx context.Context) error {
	if err := w.Controller.LaunchGame(ctx, w.EmulatorID); err != nil {
		return fmt.Errorf("launch game: %w", err)
	}

	if err := w.pollUntil(ctx, w.Timeouts.LoadingAppears, w.Controller.LoadingScreenVisible); err != nil {
		return fmt.Errorf("phase 1 (loading screen appear): %w", err)
	}
	if err := w.pollUntilNot(ctx, w.Timeouts.LoadingDisappears, w.Controller.LoadingScreenVisible); err != nil {
		return fmt.Errorf("phase 2 (loading screen disappear): %w", err)
	}
	return w.phase3(ctx)
}

// phase3: up to 10 attempts, closing popups via the shared recovery helper,
// until the world-map marker appears.
func (w *Worker) phase3(ctx context.Context) error {
	for attempt := 1; attempt <= 10; attempt++ {
		ready, err := w.Controller.WorldMapMarkerVisible(ctx, w.EmulatorID)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		popup, err := w.Controller.PopupCloseMarkerVisible(ctx, w.EmulatorID)
		if err != nil {
			return err
		}
		if popup {
			recovery.ClearUIState(ctx, w.pressESC, w.exitDialogVisible)
		}
		if err := sleepOrDone(ctx, w.Timeouts.PollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("world map marker not visible after 10 attempts")
}

// pressESC and exitDialogVisible adapt the EmulatorController's
// keycode-less ESC press and exit-dialog probe to the shapes
// recovery.ClearUIState expects.
func (w *Worker) pressESC(ctx context.Context, _ int) error {
	return w.Controller.PressESC(ctx, w.EmulatorID)
}

func (w *Worker) exitDialogVisible(ctx context.Context) (bool, error) {
	return w.Controller.ExitDialogVisible(ctx, w.EmulatorID)
}

func (w *Worker) pollUntil(ctx context.Context, timeout time.Duration, probe func(context.Context, int) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ok, err := probe(ctx, w.EmulatorID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleepOrDone(ctx, w.Timeouts.PollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("timed out after %v", timeout)
}

func (w *Worker) pollUntilNot(ctx context.Context, timeout time.Duration, probe func(context.Context, int) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ok, err := probe(ctx, w.EmulatorID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := sleepOrDone(ctx, w.Timeouts.PollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("timed out after %v", timeout)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// executeFeatures is step 5: walk the enabled, ordered feature set. A
// feature's own CanExecute=false is a skip, not a failure; a run() failure
// freezes only that feature (spec §4.D step 5).
func (w *Worker) executeFeatures(ctx context.Context) {
	// The pacer starts holding one token, so waiting before every feature,
	// the first included, spaces consecutive feature starts by at least
	// InterFeaturePacing.
	for _, d := range w.Registry.Enabled(w.Enabled) {
		if err := w.pacer.Wait(ctx); err != nil {
			return
		}
		w.runOne(ctx, d)
	}
}

func (w *Worker) runOne(ctx context.Context, d feature.Descriptor) {
	can, err := d.Module.CanExecute(ctx, w.Session)
	if err != nil {
		log.Printf("[emu %d] %s: CanExecute error: %v", w.EmulatorID, d.Name, err)
		w.freezeFeature(d, err)
		return
	}
	if !can {
		log.Printf("[emu %d] %s: precondition false, skipping", w.EmulatorID, d.Name)
		return
	}

	result := w.runWithRecovery(ctx, d)
	switch result.Kind {
	case feature.ResultOK:
		log.Printf("[emu %d] %s: ok", w.EmulatorID, d.Name)
		observability.FeatureRuns.WithLabelValues(d.Name, "ok").Inc()
	case feature.ResultSkipped:
		log.Printf("[emu %d] %s: skipped", w.EmulatorID, d.Name)
		observability.FeatureRuns.WithLabelValues(d.Name, "skipped").Inc()
	case feature.ResultFailed:
		log.Printf("[emu %d] %s: failed: %v", w.EmulatorID, d.Name, result.Err)
		observability.FeatureRuns.WithLabelValues(d.Name, "failed").Inc()
		w.freezeFeature(d, result.Err)
	}
}

// runWithRecovery runs d.Module.Run, retrying once through a UI-clearing
// pass when the session's device supports it and the first attempt failed
// (spec §4.F, retry_with_recovery). Devices that don't implement
// clearableDevice run without the retry wrapper.
func (w *Worker) runWithRecovery(ctx context.Context, d feature.Descriptor) feature.Result {
	var result feature.Result
	attempt := func(ctx context.Context) (bool, error) {
		result = d.Module.Run(ctx, w.Session)
		return result.Kind != feature.ResultFailed, result.Err
	}

	cd, ok := w.Session.Device().(clearableDevice)
	if !ok {
		attempt(ctx)
		return result
	}

	clearUI := func(ctx context.Context) bool {
		return recovery.ClearUIState(ctx, cd.PressForRecovery, cd.DialogOpen)
	}
	recovery.WithRecovery(ctx, FeatureRetryAttempts, clearUI, attempt)
	return result
}

func (w *Worker) freezeFeature(d feature.Descriptor, cause error) {
	horizon := d.FreezeHorizon
	if horizon <= 0 {
		horizon = time.Hour
	}
	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	w.Freeze.Freeze(w.EmulatorID, d.Name, horizon, reason)
	observability.FeatureFreezes.WithLabelValues(d.Name, reason).Inc()
	w.notify("feature_frozen", fmt.Sprintf("%s: %s", d.Name, reason))
}

// release is step 6: guaranteed on every exit path.
func (w *Worker) release(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Controller.Stop(stopCtx, w.EmulatorID); err != nil {
		log.Printf("[emu %d] stop on release failed: %v", w.EmulatorID, err)
	}
}
