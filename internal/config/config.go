// Package config loads the three YAML configuration files spec §6 names
// (GUI config, emulator list, scheduler config) plus per-feature plan
// files, grounded on the original bot's utils/config_manager.py
// load_config/save_config pair but using gopkg.in/yaml.v3 in place of
// PyYAML, matching the rest of the ecosystem pack's YAML usage.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vkazachenko/ldfleet/internal/scheduler"
	"github.com/vkazachenko/ldfleet/internal/store"
)

// GUIConfig is gui_config.yaml (spec §6).
type GUIConfig struct {
	Emulators struct {
		Enabled []int `yaml:"enabled"`
	} `yaml:"emulators"`
	Functions map[string]bool `yaml:"functions"`
	Settings  struct {
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"settings"`
	Notifications    []string                  `yaml:"notifications"`
	EmulatorSettings map[string]EmulatorSetting `yaml:"emulator_settings"`
}

// EmulatorSetting is the per-emulator squads block of the GUI config.
type EmulatorSetting struct {
	Squads map[string]SquadSetting `yaml:"squads"`
}

// SquadSetting is one emulator_settings.<id>.squads.<key> entry.
type SquadSetting struct {
	Enabled  bool `yaml:"enabled"`
	WildLevel int `yaml:"wild_level"`
}

// EmulatorList is emulators.yaml, autogenerated by scanning `ldconsole
// list2` (spec §6).
type EmulatorList struct {
	Emulators []store.EmulatorDescriptor `yaml:"emulators"`
}

// SchedulerYAML is scheduler.yaml. BatchWindow is a pointer so an absent
// field can be told apart from an explicit 0 (spec §8: "Batch window = 0
// disables batching" — the zero value must survive the default-fill pass
// below, not be mistaken for "unset").
type SchedulerYAML struct {
	Scheduler struct {
		BatchWindow   *int `yaml:"batch_window"`
		CheckInterval int  `yaml:"check_interval"`
	} `yaml:"scheduler"`
}

// Load reads path and unmarshals it as YAML into out. A missing file
// returns a zero-value out and no error (load_config's "file not found ->
// empty dict" behavior, spec §6 configs are optional until first GUI
// save).
func Load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Save writes out as YAML to path, mirroring save_config's round-trip
// contract for the GUI's "apply settings" action.
func Save(path string, out interface{}) error {
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// FileSource implements scheduler.ConfigSource by re-reading the GUI,
// scheduler, and emulator-list YAML files on every call, so edits the GUI
// writes take effect on the Scheduler's next loop iteration (spec §4.E
// step 1). EmulatorListPath is optional; when empty (or the file is
// missing), emulator names fall back to their numeric ID in the published
// snapshot (spec §6).
type FileSource struct {
	GUIPath          string
	SchedulerPath    string
	EmulatorListPath string
}

func (f *FileSource) Load() (scheduler.Config, error) {
	var gui GUIConfig
	if err := Load(f.GUIPath, &gui); err != nil {
		return scheduler.Config{}, err
	}
	var sch SchedulerYAML
	if err := Load(f.SchedulerPath, &sch); err != nil {
		return scheduler.Config{}, err
	}

	cfg := scheduler.Config{
		EnabledEmus:   gui.Emulators.Enabled,
		EnabledFeats:  gui.Functions,
		MaxConcurrent: gui.Settings.MaxConcurrent,
		CheckInterval: time.Duration(sch.Scheduler.CheckInterval) * time.Second,
	}
	if sch.Scheduler.BatchWindow != nil {
		cfg.BatchWindow = time.Duration(*sch.Scheduler.BatchWindow) * time.Second
	} else {
		cfg.BatchWindow = scheduler.DefaultConfig().BatchWindow
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = scheduler.DefaultConfig().MaxConcurrent
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = scheduler.DefaultConfig().CheckInterval
	}
	if cfg.EnabledFeats == nil {
		cfg.EnabledFeats = map[string]bool{}
	}

	if f.EmulatorListPath != "" {
		var list EmulatorList
		if err := Load(f.EmulatorListPath, &list); err != nil {
			return scheduler.Config{}, err
		}
		if len(list.Emulators) > 0 {
			cfg.EmulatorNames = make(map[int]string, len(list.Emulators))
			for _, e := range list.Emulators {
				cfg.EmulatorNames[e.ID] = e.Name
			}
		}
	}
	return cfg, nil
}
