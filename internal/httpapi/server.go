// Package httpapi is the GUI-facing HTTP surface: health check, Prometheus
// /metrics, a JSON snapshot endpoint, and a WebSocket snapshot stream.
// Adapted from the teacher's API/MetricsHub pair in control_plane/api.go
// and control_plane/ws_hub.go, stripped of tenancy, auth middleware and
// idempotency (spec §1 Non-goals: single operator, local network) and
// narrowed to the one Snapshot shape spec §6 exposes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vkazachenko/ldfleet/internal/scheduler"
	"github.com/vkazachenko/ldfleet/internal/timeline"
)

// SnapshotSource is the thin slice of Scheduler state the API needs.
type SnapshotSource interface {
	Snapshot() scheduler.Snapshot
}

// Server wires the dashboard's HTTP and WebSocket surface.
type Server struct {
	snapshots SnapshotSource
	timeline  *timeline.Store
	hub       *SnapshotHub
	mux       *http.ServeMux
}

// NewServer builds a Server. timeline may be nil if incident history isn't
// wired up.
func NewServer(snapshots SnapshotSource, tl *timeline.Store) *Server {
	s := &Server{
		snapshots: snapshots,
		timeline:  tl,
		hub:       NewSnapshotHub(snapshots),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("/api/timeline/", s.handleTimeline)
	s.mux.HandleFunc("/ws/snapshot", s.hub.HandleWebSocket)
}

// ServeHTTP lets Server itself be passed to http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run starts the hub's periodic broadcast loop; call alongside
// http.ListenAndServe in its own goroutine.
func (s *Server) Run(stop <-chan struct{}) {
	s.hub.Run(stop)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshots.Snapshot())
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.timeline == nil {
		http.Error(w, "timeline not enabled", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.timeline.Recent(200))
}
