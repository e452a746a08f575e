// Command ldfleetd is the fleet daemon: it opens the SQLite store,
// restores the freeze registry, builds the fixed feature registry, and
// runs the Scheduler loop alongside the dashboard HTTP/WebSocket server.
// Grounded on the teacher's control_plane/main.go wiring shape, stripped
// of the Redis/leader-election/multi-node machinery (spec §1 Non-goals:
// single operator, single process).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vkazachenko/ldfleet/internal/config"
	"github.com/vkazachenko/ldfleet/internal/device"
	"github.com/vkazachenko/ldfleet/internal/feature"
	"github.com/vkazachenko/ldfleet/internal/featureimpl"
	"github.com/vkazachenko/ldfleet/internal/freeze"
	"github.com/vkazachenko/ldfleet/internal/httpapi"
	"github.com/vkazachenko/ldfleet/internal/notify"
	"github.com/vkazachenko/ldfleet/internal/observability"
	"github.com/vkazachenko/ldfleet/internal/recovery"
	"github.com/vkazachenko/ldfleet/internal/scheduler"
	"github.com/vkazachenko/ldfleet/internal/store"
	"github.com/vkazachenko/ldfleet/internal/timeline"
	"github.com/vkazachenko/ldfleet/internal/worker"
)

func main() {
	dbPath := flag.String("db", "ldfleet.db", "path to the SQLite state database")
	guiConfigPath := flag.String("gui-config", "config/gui_config.yaml", "path to the GUI config YAML")
	schedConfigPath := flag.String("scheduler-config", "config/scheduler.yaml", "path to the scheduler config YAML")
	emulatorListPath := flag.String("emulator-list", "config/emulators.yaml", "path to the autogenerated emulator list YAML")
	buildingPlanPath := flag.String("building-plan", "plans/building.yaml", "path to the building plan YAML")
	researchPlanPath := flag.String("research-plan", "plans/research.yaml", "path to the research plan YAML")
	addr := flag.String("addr", ":8080", "dashboard HTTP listen address")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("ldfleetd: open store: %v", err)
	}
	defer st.Close()

	freezeRegistry, err := freeze.Restore(st)
	if err != nil {
		log.Printf("ldfleetd: freeze registry restore failed, starting empty: %v", err)
		freezeRegistry = freeze.New(st)
	}

	buildingPlan, err := config.LoadBuildingPlan(*buildingPlanPath)
	if err != nil {
		log.Fatalf("ldfleetd: load building plan: %v", err)
	}
	researchPlan, err := config.LoadResearchPlan(*researchPlanPath)
	if err != nil {
		log.Fatalf("ldfleetd: load research plan: %v", err)
	}

	restarts := recovery.NewRestartRequests()
	notifySink := notify.NewLogSink()
	defer notifySink.Close()
	timelineStore := timeline.NewStore(10000)

	buildingFeature := &featureimpl.Building{
		Store:   st,
		Freeze:  freezeRegistry,
		Plan:    buildingPlan,
		Builder: st,
	}
	researchFeature := &featureimpl.Research{
		Store:  st,
		Freeze: freezeRegistry,
		Plan:   researchPlan,
	}
	pondsFeature := &featureimpl.Refill{
		Kind: featureimpl.RefillKind{
			Name:       "ponds",
			StationIDs: []int{1, 2, 3, 4},
			Interval:   featureimpl.PondIntervals,
		},
		Store:  st,
		Freeze: freezeRegistry,
	}

	registry := feature.NewRegistry(
		feature.Descriptor{Name: featureimpl.Name, Module: buildingFeature, FreezeHorizon: featureimpl.DefaultFreezeHorizon},
		feature.Descriptor{Name: featureimpl.ResearchName, Module: researchFeature, FreezeHorizon: featureimpl.DefaultFreezeHorizon},
		feature.Descriptor{Name: pondsFeature.Kind.Name, Module: pondsFeature, FreezeHorizon: time.Hour},
	)

	configSource := &config.FileSource{GUIPath: *guiConfigPath, SchedulerPath: *schedConfigPath, EmulatorListPath: *emulatorListPath}
	initialConfig, err := configSource.Load()
	if err != nil {
		log.Printf("ldfleetd: initial config load failed, using defaults: %v", err)
		initialConfig = scheduler.DefaultConfig()
	}

	workerFactory := func(emulatorID int, enabledFeatures map[string]bool) scheduler.Runner {
		session := device.NewSession(emulatorID)
		controller := device.NewLoggingController()
		w := worker.New(emulatorID, enabledFeatures, registry, controller, restarts, freezeRegistry, session)
		w.Notify = notifySink
		return w
	}

	sched := scheduler.New(registry, configSource, workerFactory, restarts, initialConfig)

	server := httpapi.NewServer(sched, timelineStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	go server.Run(stop)

	httpServer := &http.Server{Addr: *addr, Handler: server}
	go func() {
		log.Printf("ldfleetd: dashboard listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ldfleetd: dashboard server error: %v", err)
		}
	}()

	observability.WorkerSaturation.Set(0)

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("ldfleetd: shutdown requested")
	sched.Stop()
	close(stop)

	// Wait for the coordinator loop to join every in-flight worker before
	// cancelling ctx — it is the same context threaded into Worker.Run, and
	// cancelling it early would abort an in-flight feature chain instead of
	// letting it finish (spec §5: "Workers complete their current emulator
	// cycle... and are joined").
	<-schedDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	log.Println("ldfleetd: shutdown complete")
}
