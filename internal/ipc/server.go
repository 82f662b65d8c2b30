// Package ipc exposes the update engine to the UI over HTTP on a unix
// socket: check, download, restart, policy get/set, and the boot-healthy
// handshake.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/N1ghthill/dexter-sub001/internal/updater"
)

// Server serializes update operations: one in-flight check, download, or
// restart at a time, regardless of how many UI requests arrive. The phase
// guard inside the service is advisory; this mutex is the real gate.
type Server struct {
	svc         *updater.Service
	policy      *updater.PolicyStore
	coordinator *updater.PostApplyCoordinator

	opMu sync.Mutex

	httpServer *http.Server
}

func NewServer(svc *updater.Service, policy *updater.PolicyStore, coordinator *updater.PostApplyCoordinator) *Server {
	s := &Server{
		svc:         svc,
		policy:      policy,
		coordinator: coordinator,
	}

	router := mux.NewRouter()
	router.HandleFunc("/update/state", s.handleGetState).Methods(http.MethodGet)
	router.HandleFunc("/update/check", s.handleCheck).Methods(http.MethodPost)
	router.HandleFunc("/update/download", s.handleDownload).Methods(http.MethodPost)
	router.HandleFunc("/update/restart", s.handleRestart).Methods(http.MethodPost)
	router.HandleFunc("/policy", s.handleGetPolicy).Methods(http.MethodGet)
	router.HandleFunc("/policy", s.handleSetPolicy).Methods(http.MethodPut)
	router.HandleFunc("/boot-healthy", s.handleBootHealthy).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve listens on a unix socket, replacing any stale socket file left by a
// previous run.
func (s *Server) Serve(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}

	log.Infof("IPC listening on %s", socketPath)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// CheckNow runs a policy-timer driven check through the same serialization
// gate as UI-initiated operations.
func (s *Server) CheckNow(ctx context.Context) *updater.State {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	return s.svc.CheckForUpdates(ctx)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.State())
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	writeJSON(w, http.StatusOK, s.svc.CheckForUpdates(r.Context()))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	writeJSON(w, http.StatusOK, s.svc.DownloadUpdate(r.Context()))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	writeJSON(w, http.StatusOK, s.svc.RestartToApplyUpdate())
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Get())
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var in updater.Policy
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy payload: "+err.Error())
		return
	}

	saved, err := s.policy.Set(in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleBootHealthy(w http.ResponseWriter, r *http.Request) {
	s.coordinator.NotifyBootHealthy()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warnf("failed to encode IPC response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
