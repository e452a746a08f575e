// Package device is the boundary onto the real ADB/ldconsole/screen-capture
// and OCR pipeline, which spec §1 places explicitly out of scope. It
// supplies a logging stub that satisfies feature.Device and feature.Session
// so the Scheduler-Worker-Store triangle can be built, wired and tested
// without a live emulator attached (grounded on the original bot's
// utils/adb_controller.py and utils/image_recognition.py call shapes).
package device

import (
	"context"
	"log"
	"time"

	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/store"
)

// Session is a stub feature.Session: one emulator, one logging Device.
type Session struct {
	emulatorID int
	dev        *LoggingDevice
}

// NewSession builds a session bound to emu's ADB port (store.Port) for
// logging purposes only — no connection is actually opened.
func NewSession(emulatorID int) *Session {
	return &Session{emulatorID: emulatorID, dev: &LoggingDevice{port: store.Port(emulatorID)}}
}

func (s *Session) EmulatorID() int         { return s.emulatorID }
func (s *Session) Device() feature.Device  { return s.dev }
func (s *Session) Logging() *LoggingDevice { return s.dev }

// LoggingDevice implements feature.Device by logging every call instead of
// touching a real ADB endpoint. FindTemplate always reports "found" at
// (0, 0), which is enough to exercise the Worker and feature logic
// in tests and dry runs.
type LoggingDevice struct {
	port int
}

func (d *LoggingDevice) Tap(ctx context.Context, x, y int) error {
	log.Printf("device:%d tap (%d,%d)", d.port, x, y)
	return nil
}

func (d *LoggingDevice) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	log.Printf("device:%d swipe (%d,%d)->(%d,%d) over %v", d.port, x1, y1, x2, y2, duration)
	return nil
}

func (d *LoggingDevice) PressKey(ctx context.Context, keycode int) error {
	log.Printf("device:%d keypress %d", d.port, keycode)
	return nil
}

func (d *LoggingDevice) Screenshot(ctx context.Context) ([]byte, error) {
	log.Printf("device:%d screenshot", d.port)
	return nil, nil
}

func (d *LoggingDevice) FindTemplate(ctx context.Context, templateName string) (bool, int, int, error) {
	log.Printf("device:%d find-template %s", d.port, templateName)
	return true, 0, 0, nil
}

// DialogOpen is the exit-dialog probe internal/recovery.ClearUIState needs;
// the stub never reports a dialog open.
func (d *LoggingDevice) DialogOpen(ctx context.Context) (bool, error) {
	return false, nil
}

// PressForRecovery adapts PressKey to the (ctx, keycode) error shape
// internal/recovery.ClearUIState expects.
func (d *LoggingDevice) PressForRecovery(ctx context.Context, keycode int) error {
	return d.PressKey(ctx, keycode)
}
