package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/vkazachenko/ldfleet/internal/store"
)

// buildingPlanYAML is plans/building.yaml (spec §6):
//
//	lord_1:
//	  buildings:
//	    - {name: Farm, count: 4, target_level: 5, type: multiple, action: build}
//	  durations:
//	    Farm/1: 5m
type buildingPlanYAML struct {
	Buildings []struct {
		Name        string `yaml:"name"`
		Count       int    `yaml:"count"`
		TargetLevel int    `yaml:"target_level"`
		Type        string `yaml:"type"`
		Action      string `yaml:"action"`
	} `yaml:"buildings"`
	Durations map[string]string `yaml:"durations"`
}

type buildingPlanFileYAML struct {
	Lords map[string]buildingPlanYAML `yaml:",inline"`
}

// researchPlanYAML is plans/research.yaml (spec §6):
//
//	lord_1:
//	  techs:
//	    - {name: Metal Mining, section: Economy, target_level: 3, max_level: 10, swipe_group: left}
//	  durations:
//	    Metal Mining/1: 10m
type researchPlanYAML struct {
	Techs []struct {
		Name        string `yaml:"name"`
		Section     string `yaml:"section"`
		TargetLevel int    `yaml:"target_level"`
		MaxLevel    int    `yaml:"max_level"`
		SwipeGroup  string `yaml:"swipe_group"`
	} `yaml:"techs"`
	Durations map[string]string `yaml:"durations"`
	Deferred  []string          `yaml:"deferred_sections"`
}

// swipeSectionConfigYAML is one swipe_config.<section> block (spec §6:
// "plus swipe_config.<section> blocks"), grounded on the original's
// get_swipe_config/perform_swipes: up to two scroll gestures used to reach
// technologies further down a research section before OCR.
type swipeSectionConfigYAML struct {
	Swipe1 []int `yaml:"swipe_1"`
	Swipe2 []int `yaml:"swipe_2"`
}

type researchPlanFileYAML struct {
	SwipeConfig map[string]swipeSectionConfigYAML `yaml:"swipe_config"`
	Lords       map[string]researchPlanYAML       `yaml:",inline"`
}

// BuildingPlan implements featureimpl.BuildingPlan over a loaded YAML plan
// file, with a flat per-(name,from-level) build-time table.
type BuildingPlan struct {
	ByLevel   map[int][]store.BuildingPlanEntry
	Durations map[string]time.Duration // keyed "name/from_level+1"
}

// LoadBuildingPlan reads path (plans/building.yaml) and builds a BuildingPlan.
// A missing file yields an empty, usable plan (matches Load's missing-file
// behavior).
func LoadBuildingPlan(path string) (*BuildingPlan, error) {
	var raw buildingPlanFileYAML
	if err := Load(path, &raw); err != nil {
		return nil, err
	}

	plan := &BuildingPlan{
		ByLevel:   make(map[int][]store.BuildingPlanEntry),
		Durations: make(map[string]time.Duration),
	}
	for key, lord := range raw.Lords {
		level, err := lordKeyLevel(key)
		if err != nil {
			continue // not a lord_<N> key (e.g. stray top-level comment key)
		}
		for _, b := range lord.Buildings {
			plan.ByLevel[level] = append(plan.ByLevel[level], store.BuildingPlanEntry{
				Name:        b.Name,
				Count:       b.Count,
				TargetLevel: b.TargetLevel,
				Type:        store.BuildingType(b.Type),
				Action:      store.BuildingAction(b.Action),
			})
		}
		for k, v := range lord.Durations {
			d, err := time.ParseDuration(v)
			if err != nil {
				continue
			}
			plan.Durations[k] = d
		}
	}
	return plan, nil
}

func (p *BuildingPlan) BuildingPlanFor(lordLevel int) []store.BuildingPlanEntry {
	var out []store.BuildingPlanEntry
	for level := 0; level <= lordLevel; level++ {
		out = append(out, p.ByLevel[level]...)
	}
	return out
}

// AllEntries returns every plan entry across every configured lord level, in
// ascending-level order, for seeding a brand-new emulator's building table
// (spec §3: "created once at first service of an emulator"; grounded on the
// original's _extract_unique_buildings() full-config walk).
func (p *BuildingPlan) AllEntries() []store.BuildingPlanEntry {
	var out []store.BuildingPlanEntry
	for _, level := range sortedLevels(p.ByLevel) {
		out = append(out, p.ByLevel[level]...)
	}
	return out
}

func (p *BuildingPlan) BuildTime(name string, fromLevel int) time.Duration {
	if d, ok := p.Durations[fmt.Sprintf("%s/%d", name, fromLevel+1)]; ok {
		return d
	}
	return time.Hour // conservative default when the plan omits a duration
}

// ResearchPlan implements featureimpl.ResearchPlan.
type ResearchPlan struct {
	ByLevel           map[int][]store.TechPlanEntry
	Deferred          map[string]bool
	ResearchDurations map[string]time.Duration      // keyed "tech/from_level+1"
	SwipeConfig       map[string]store.SwipeSection // keyed by section name
}

// LoadResearchPlan reads path (plans/research.yaml) and builds a ResearchPlan.
func LoadResearchPlan(path string) (*ResearchPlan, error) {
	var raw researchPlanFileYAML
	if err := Load(path, &raw); err != nil {
		return nil, err
	}

	plan := &ResearchPlan{
		ByLevel:           make(map[int][]store.TechPlanEntry),
		Deferred:          make(map[string]bool),
		ResearchDurations: make(map[string]time.Duration),
		SwipeConfig:       make(map[string]store.SwipeSection, len(raw.SwipeConfig)),
	}
	for section, cfg := range raw.SwipeConfig {
		var sec store.SwipeSection
		if len(cfg.Swipe1) == 4 {
			sec.Swipe1 = [4]int{cfg.Swipe1[0], cfg.Swipe1[1], cfg.Swipe1[2], cfg.Swipe1[3]}
			sec.HasOne = true
		}
		if len(cfg.Swipe2) == 4 {
			sec.Swipe2 = [4]int{cfg.Swipe2[0], cfg.Swipe2[1], cfg.Swipe2[2], cfg.Swipe2[3]}
			sec.HasTwo = true
		}
		plan.SwipeConfig[section] = sec
	}
	for key, lord := range raw.Lords {
		level, err := lordKeyLevel(key)
		if err != nil {
			continue
		}
		for i, t := range lord.Techs {
			plan.ByLevel[level] = append(plan.ByLevel[level], store.TechPlanEntry{
				Name:        t.Name,
				Section:     t.Section,
				LordLevel:   level,
				TargetLevel: t.TargetLevel,
				MaxLevel:    t.MaxLevel,
				SwipeGroup:  t.SwipeGroup,
				OrderIndex:  i,
			})
		}
		for k, v := range lord.Durations {
			d, err := time.ParseDuration(v)
			if err != nil {
				continue
			}
			plan.ResearchDurations[k] = d
		}
		for _, section := range lord.Deferred {
			plan.Deferred[section] = true
		}
	}
	// OrderIndex is the global insertion order: renumber across lord
	// levels in ascending order so every lord_1 tech precedes lord_2's.
	next := 0
	for _, level := range sortedLevels(plan.ByLevel) {
		for i := range plan.ByLevel[level] {
			plan.ByLevel[level][i].OrderIndex = next
			next++
		}
	}
	return plan, nil
}

func (p *ResearchPlan) TechPlanFor(lordLevel int) []store.TechPlanEntry {
	var out []store.TechPlanEntry
	for level := 0; level <= lordLevel; level++ {
		out = append(out, p.ByLevel[level]...)
	}
	return out
}

// AllEntries returns every tech entry across every configured lord level, in
// ascending-level order, for seeding a brand-new emulator's evolution table
// (grounded on the original's initialize_evolutions_for_emulator, which
// walks sorted(config.keys()) over every lord_ tier).
func (p *ResearchPlan) AllEntries() []store.TechPlanEntry {
	var out []store.TechPlanEntry
	for _, level := range sortedLevels(p.ByLevel) {
		out = append(out, p.ByLevel[level]...)
	}
	return out
}

// sortedLevels returns m's keys in ascending order.
func sortedLevels[T any](m map[int][]T) []int {
	levels := make([]int, 0, len(m))
	for level := range m {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels
}

func (p *ResearchPlan) DeferredSections() map[string]bool {
	return p.Deferred
}

// SwipeConfigFor returns section's configured scroll gestures, or the zero
// SwipeSection (no scrolling) if the section has none configured.
func (p *ResearchPlan) SwipeConfigFor(section string) store.SwipeSection {
	return p.SwipeConfig[section]
}

func (p *ResearchPlan) ResearchTime(name string, fromLevel int) time.Duration {
	if d, ok := p.ResearchDurations[fmt.Sprintf("%s/%d", name, fromLevel+1)]; ok {
		return d
	}
	return time.Hour
}

// lordKeyLevel parses a "lord_<N>" YAML key into N.
func lordKeyLevel(key string) (int, error) {
	var level int
	n, err := fmt.Sscanf(key, "lord_%d", &level)
	if err != nil || n != 1 {
		return 0, fmt.Errorf("not a lord_<N> key: %q", key)
	}
	return level, nil
}
