// Package control exposes a loopback HTTP API for the embedding host:
// status, restart, update, and Prometheus metrics. The dialog-relay parts
// of the addon's IPC server live with the UI, not here.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/binary"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/logging"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/metrics"
	"github.com/tassa-yoniso-manasi-karoto/langkit-host/pkg/supervisor"
)

// Server is the local control API.
type Server struct {
	log     *logging.Logger
	sup     *supervisor.Supervisor
	mgr     *binary.Manager
	metrics *metrics.Metrics
	version string

	// Serializes update transactions against process start/stop; the two
	// must never run concurrently against the same artifact.
	mu sync.Mutex

	httpServer *http.Server
}

// New creates a control server bound to addr.
func New(addr, version string, sup *supervisor.Supervisor, mgr *binary.Manager, mx *metrics.Metrics, log *logging.Logger) *Server {
	s := &Server{
		log:     log,
		sup:     sup,
		mgr:     mgr,
		metrics: mx,
		version: version,
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/restart", s.handleRestart).Methods("POST")
	r.HandleFunc("/update", s.handleUpdate).Methods("POST")
	if reg := s.metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("Control API listening", map[string]interface{}{"addr": s.httpServer.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Control API failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	HostVersion   string                 `json:"host_version"`
	ServerVersion string                 `json:"server_version,omitempty"`
	Platform      string                 `json:"platform"`
	BinaryPresent bool                   `json:"binary_present"`
	Process       supervisor.Diagnostics `json:"process"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		HostVersion:   s.version,
		Platform:      s.mgr.Key().String(),
		BinaryPresent: s.mgr.Exists(),
		Process:       s.sup.Diagnostics(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sup.Restart(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	url := ""
	if ep := s.sup.Endpoints(); ep != nil {
		url = ep.FrontendURL()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "restarted",
		"frontend_url": url,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sup.IsRunning() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "stop the server before updating",
		})
		return
	}

	updated, err := s.mgr.Update(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !updated {
		writeJSON(w, http.StatusOK, map[string]string{"status": "up to date"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
