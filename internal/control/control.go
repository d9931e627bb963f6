// Package control is the privileged local control plane: an HTTP surface
// over a user-owned unix socket for status, license, sign-out, and
// shutdown.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jasonberkes/ses-local/internal/auth"
	"github.com/jasonberkes/ses-local/internal/db"
)

// Server is the control-plane listener.
type Server struct {
	baseDir  string
	store    *db.Store
	auth     auth.Service
	license  auth.LicenseService
	shutdown func()
	logger   *slog.Logger
	started  time.Time
}

// New builds the control plane. shutdown triggers the daemon's graceful
// stop when /api/shutdown is hit.
func New(baseDir string, store *db.Store, authSvc auth.Service, license auth.LicenseService, shutdown func(), logger *slog.Logger) *Server {
	return &Server{
		baseDir:  baseDir,
		store:    store,
		auth:     authSvc,
		license:  license,
		shutdown: shutdown,
		logger:   logger,
		started:  time.Now(),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/license", s.handleLicense)
	mux.HandleFunc("POST /api/license/activate", s.handleActivate)
	mux.HandleFunc("POST /api/signout", s.handleSignOut)
	mux.HandleFunc("POST /api/shutdown", s.handleShutdown)
	return mux
}

// Run serves on the platform transport until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	listener, cleanup, err := listen(s.baseDir)
	if err != nil {
		return err
	}
	defer cleanup()

	server := &http.Server{Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// StatusResponse is the /api/status body.
type StatusResponse struct {
	Auth          auth.State        `json:"auth"`
	License       auth.LicenseState `json:"license"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	LastSyncedAt  *time.Time        `json:"last_synced_at,omitempty"`
	Stats         *db.Stats         `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lastSynced, err := s.store.LastSyncedAt()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Auth:          s.auth.State(),
		License:       s.license.State(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		LastSyncedAt:  lastSynced,
		Stats:         stats,
	})
}

func (s *Server) handleLicense(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.license.State())
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.license.Activate(r.Context(), body.Key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.license.State())
}

func (s *Server) handleSignOut(w http.ResponseWriter, _ *http.Request) {
	if err := s.auth.SignOut(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth": string(s.auth.State())})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	s.logger.Info("shutdown requested over control plane")
	go s.shutdown()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Client returns an HTTP client wired to a running daemon's control
// transport, plus the base URL to use with it.
func Client(baseDir string) (*http.Client, string, error) {
	dial, err := dialer(baseDir)
	if err != nil {
		return nil, "", err
	}
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dial(ctx)
			},
		},
	}
	return client, "http://ses-local", nil
}
