// Package intake is the loopback HTTP surface for the browser-extension
// capture agent: a PAT-authorized conversation sync endpoint and the
// sign-in callback.
package intake

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/jasonberkes/ses-local/internal/auth"
	"github.com/jasonberkes/ses-local/internal/conversation"
	"github.com/jasonberkes/ses-local/internal/db"
)

// Addr is the fixed loopback listen address the extension is built
// against.
const Addr = "127.0.0.1:37780"

// Server is the intake listener.
type Server struct {
	store  *db.Store
	auth   auth.Service
	logger *slog.Logger
	http   *http.Server
}

func New(store *db.Store, authSvc auth.Service, logger *slog.Logger) *Server {
	s := &Server{store: store, auth: authSvc, logger: logger}
	s.http = &http.Server{
		Addr:         Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests, which bind an
// ephemeral port instead of 37780.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync/conversations", s.handleSync)
	mux.HandleFunc("GET /auth/callback", s.handleCallback)
	return withCORS(mux)
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("intake listening", "addr", Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// withCORS answers preflights and stamps the extension-origin headers on
// every response.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "chrome-extension://*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Conversation sync
// =============================================================================

type syncRequest struct {
	Conversations []syncConversation `json:"conversations"`
}

type syncConversation struct {
	UUID      string        `json:"uuid"`
	Name      string        `json:"name"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Messages  []syncMessage `json:"messages"`
}

type syncMessage struct {
	UUID      string    `json:"uuid"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid bearer token")
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	synced := 0
	for _, c := range req.Conversations {
		if c.UUID == "" {
			continue
		}
		if err := s.ingest(c); err != nil {
			s.logger.Warn("intake ingest failed", "conversation", c.UUID, "error", err)
			continue
		}
		synced++
	}

	writeJSON(w, http.StatusOK, map[string]int{"synced": synced})
}

// authorized compares the bearer against the PAT in constant time.
func (s *Server) authorized(r *http.Request) bool {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" || bearer == r.Header.Get("Authorization") {
		return false
	}
	pat, err := s.auth.PAT()
	if err != nil || pat == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bearer), []byte(pat)) == 1
}

func (s *Server) ingest(c syncConversation) error {
	externalID := strings.ToLower(c.UUID)
	title := c.Name
	if title == "" {
		title = externalID
	}

	sess := &conversation.Session{
		Source:      conversation.SourceChatGPT,
		ExternalID:  externalID,
		Title:       title,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		ContentHash: conversation.ContentHash(externalID, c.UpdatedAt, len(c.Messages)),
	}
	if err := s.store.UpsertSession(sess); err != nil {
		return err
	}

	messages := make([]conversation.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		role := "assistant"
		if m.Sender == "user" || m.Sender == "human" {
			role = "user"
		}
		messages = append(messages, conversation.Message{
			SessionID: sess.ID,
			Role:      role,
			Content:   m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	return s.store.UpsertMessages(messages)
}

// =============================================================================
// Sign-in callback
// =============================================================================

const signInSuccess = `# Signed in

ses-local received your credentials. You can close this window; capture
and sync resume automatically.`

const signInFailure = `# Sign-in failed

The callback was missing its tokens. Return to the application and try
signing in again.`

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh")
	access := r.URL.Query().Get("access")

	if err := s.auth.HandleCallback(refresh, access); err != nil {
		s.logger.Warn("sign-in callback rejected", "error", err)
		writePage(w, http.StatusBadRequest, signInFailure)
		return
	}
	writePage(w, http.StatusOK, signInSuccess)
}

// writePage renders a markdown page to HTML.
func writePage(w http.ResponseWriter, status int, markdown string) {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>ses-local</title></head><body>\n")
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		http.Error(w, "render failure", http.StatusInternalServerError)
		return
	}
	buf.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
