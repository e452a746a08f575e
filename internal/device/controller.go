package device

import (
	"context"
	"log"
	"time"
)

// LoggingController is a logging stand-in for the ldconsole adapter (spec
// §6: "An external controller (ldconsole.exe in the source) invoked with
// list2, launch --index N, quit --index N"). Start, Stop, WaitADBReady and
// LaunchGame succeed immediately and the world-map probe follows
// WorldMapAfter. LoadingScreenVisible always reports false, so a Worker
// driven by this controller times out in game-load phase 1 (waiting for
// the loading screen to appear) and ends its cycle before any feature runs.
type LoggingController struct {
	// WorldMapAfter makes WorldMapMarkerVisible report false for the first
	// N calls per emulator before succeeding, so tests can exercise the
	// phase-3 popup-closing loop. Zero means "always ready".
	WorldMapAfter int

	calls map[int]int
}

func NewLoggingController() *LoggingController {
	return &LoggingController{calls: make(map[int]int)}
}

func (c *LoggingController) Start(ctx context.Context, emulatorID int) error {
	log.Printf("ldconsole: launch --index %d", emulatorID)
	return nil
}

func (c *LoggingController) Stop(ctx context.Context, emulatorID int) error {
	log.Printf("ldconsole: quit --index %d", emulatorID)
	return nil
}

func (c *LoggingController) WaitADBReady(ctx context.Context, emulatorID int, timeout time.Duration) error {
	return nil
}

func (c *LoggingController) LaunchGame(ctx context.Context, emulatorID int) error {
	log.Printf("emu %d: launching game activity", emulatorID)
	return nil
}

func (c *LoggingController) LoadingScreenVisible(ctx context.Context, emulatorID int) (bool, error) {
	return false, nil
}

func (c *LoggingController) PopupCloseMarkerVisible(ctx context.Context, emulatorID int) (bool, error) {
	return false, nil
}

func (c *LoggingController) WorldMapMarkerVisible(ctx context.Context, emulatorID int) (bool, error) {
	if c.WorldMapAfter == 0 {
		return true, nil
	}
	c.calls[emulatorID]++
	return c.calls[emulatorID] > c.WorldMapAfter, nil
}

func (c *LoggingController) ExitDialogVisible(ctx context.Context, emulatorID int) (bool, error) {
	return false, nil
}

func (c *LoggingController) PressESC(ctx context.Context, emulatorID int) error {
	log.Printf("emu %d: press ESC", emulatorID)
	return nil
}
