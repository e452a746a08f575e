// Package recovery implements the clear-to-known-state and
// retry-with-recovery primitives the Worker wraps every feature run in
// (spec §4.F), grounded on the original bot's utils/recovery_manager.py.
package recovery

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MaxESCAttempts bounds how many ESC presses clear_ui_state will try before
// giving up, mirroring RecoveryManager.MAX_ESC_ATTEMPTS.
const MaxESCAttempts = 10

// escLimiter paces consecutive ESC presses; RecoveryManager used a flat
// time.sleep(0.8) — expressed here as a token-bucket limiter so the same
// pacing primitive also serves inter-feature throttling in internal/worker.
var escLimiter = rate.NewLimiter(rate.Every(800*time.Millisecond), 1)

const escKeycode = 111 // Android KEYCODE_ESCAPE

// ClearUIState presses ESC, probing for the "exit game?" dialog before each
// press, for up to MaxESCAttempts attempts. Once the dialog is seen, one ESC
// dismisses it, and ClearUIState returns true when a second probe shows it
// closed: the UI is back at the main screen. It returns false if the dialog
// never appears within MaxESCAttempts attempts, if a probe or press fails,
// or if ctx ends. The ESC press and dialog probe are passed in as functions
// rather than a feature.Device, to avoid an import cycle.
func ClearUIState(ctx context.Context, press func(context.Context, int) error, dialogOpen func(context.Context) (bool, error)) bool {
	for attempt := 1; attempt <= MaxESCAttempts; attempt++ {
		if err := escLimiter.Wait(ctx); err != nil {
			return false
		}

		open, err := dialogOpen(ctx)
		if err != nil {
			log.Printf("recovery: screenshot probe failed: %v", err)
			return false
		}
		if open {
			if err := press(ctx, escKeycode); err != nil {
				log.Printf("recovery: ESC press failed: %v", err)
				return false
			}
			if err := escLimiter.Wait(ctx); err != nil {
				return false
			}
			stillOpen, err := dialogOpen(ctx)
			if err == nil && !stillOpen {
				return true
			}
			continue
		}
		if err := press(ctx, escKeycode); err != nil {
			log.Printf("recovery: ESC press failed: %v", err)
			return false
		}
	}
	log.Printf("recovery: could not clear UI state after %d attempts", MaxESCAttempts)
	return false
}

// RestartRequests tracks pending emulator-restart requests. The Worker
// raises one when the game load is stuck and consumes it in its restart
// check on the emulator's next cycle (spec §4.D step 2, §4.F). Equivalent
// to RecoveryManager.restart_requests.
type RestartRequests struct {
	mu       sync.Mutex
	requests map[int]restartRequest
}

type restartRequest struct {
	reason string
	at     time.Time
}

func NewRestartRequests() *RestartRequests {
	return &RestartRequests{requests: make(map[int]restartRequest)}
}

// Request records that emulatorID needs a restart.
func (r *RestartRequests) Request(emulatorID int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[emulatorID] = restartRequest{reason: reason, at: time.Now()}
	log.Printf("[emu %d] restart requested: %s", emulatorID, reason)
}

// Pending reports whether emulatorID has an outstanding restart request and
// its reason.
func (r *RestartRequests) Pending(emulatorID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[emulatorID]
	if !ok {
		return "", false
	}
	return req.reason, true
}

// Clear removes the restart request once the Worker's restart check has
// serviced it.
func (r *RestartRequests) Clear(emulatorID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, emulatorID)
}

// WithRecovery retries fn up to maxAttempts times, running clearUI between
// attempts on failure (spec §4.F, grounded on retry_with_recovery).
// fn returns true on success; WithRecovery returns true only if some
// attempt succeeded.
func WithRecovery(ctx context.Context, maxAttempts int, clearUI func(context.Context) bool, fn func(context.Context) (bool, error)) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ok, err := fn(ctx)
		if err != nil {
			log.Printf("recovery: attempt %d/%d failed: %v", attempt, maxAttempts, err)
		} else if ok {
			return true
		}
		if attempt < maxAttempts && clearUI != nil {
			clearUI(ctx)
			time.Sleep(time.Second)
		}
	}
	return false
}
