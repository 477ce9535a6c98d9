// Package statusserver exposes a read-only HTTP view of server state for
// operators: the Scheduler's Snapshot, and FileStore/Cache occupancy
// counters. Grounded on fs/rc/rcserver's chi-mux-over-net/http shape,
// trimmed down to the handful of GET routes this spec actually needs —
// there is no RPC-call-by-name surface here, just status.
package statusserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/evalgrid/evalgrid/cache"
	"github.com/evalgrid/evalgrid/scheduler"
	"github.com/evalgrid/evalgrid/store"
)

// SnapshotFunc asks the Scheduler (over its event channel) for a current
// Snapshot, blocking until it replies.
type SnapshotFunc func() scheduler.Snapshot

// Server is the HTTP handler; mount it with http.Serve or as a
// sub-handler of a larger mux.
type Server struct {
	router chi.Router
}

// New builds the status router. fs and c may be nil if a server run has
// no local store or cache configured.
func New(snapshot SnapshotFunc, fs *store.Store, c *cache.Cache) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, snapshot())
	})
	r.Get("/store/stats", func(w http.ResponseWriter, req *http.Request) {
		if fs == nil {
			http.Error(w, "no local store configured", http.StatusNotFound)
			return
		}
		writeJSON(w, fs.Stats())
	})
	r.Get("/cache/stats", func(w http.ResponseWriter, req *http.Request) {
		if c == nil {
			http.Error(w, "no cache configured", http.StatusNotFound)
			return
		}
		writeJSON(w, c.Stats())
	})
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{router: r}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
