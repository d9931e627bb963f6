// Package syncer forwards pending local sessions to the cloud: a
// document-service POST per session, with a best-effort memory-retention
// POST on the side.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jasonberkes/ses-local/internal/conversation"
	"github.com/jasonberkes/ses-local/internal/db"
	"github.com/jasonberkes/ses-local/internal/errors"
)

// TokenSource supplies the bearer credential for cloud calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

const (
	// productiveInterval applies after a pass that synced something.
	productiveInterval = 2 * time.Minute
	// idleInterval applies after an empty or failed pass.
	idleInterval = 10 * time.Minute

	// batchSize caps the sessions pulled per pass.
	batchSize = 10

	// memoryTruncate caps the memory-entry excerpt length in runes.
	memoryTruncate = 500
)

// Worker is the periodic cloud-sync loop.
type Worker struct {
	store     *db.Store
	tokens    TokenSource
	docURL    string
	memoryURL string
	tenantID  string
	logger    *slog.Logger

	docClient    *http.Client
	memoryClient *http.Client
}

func New(store *db.Store, tokens TokenSource, docURL, memoryURL, tenantID string, logger *slog.Logger) *Worker {
	return &Worker{
		store:        store,
		tokens:       tokens,
		docURL:       docURL,
		memoryURL:    memoryURL,
		tenantID:     tenantID,
		logger:       logger,
		docClient:    &http.Client{Timeout: 30 * time.Second},
		memoryClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Run loops until canceled. The interval adapts: short after a
// productive pass, long after an idle or failed one.
func (w *Worker) Run(ctx context.Context) error {
	for {
		synced, err := w.pass(ctx)

		interval := idleInterval
		if err == nil && synced > 0 {
			interval = productiveInterval
		}

		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopping")
			return nil
		case <-time.After(interval):
		}
	}
}

// pass syncs one batch. A missing credential aborts the pass quietly;
// per-session failures are logged and skipped, never aborting the batch.
func (w *Worker) pass(ctx context.Context) (int, error) {
	token, err := w.tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, errors.KindAuthMissing) {
			w.logger.Debug("no credential, skipping sync pass")
		} else {
			w.logger.Warn("credential lookup failed", "error", err)
		}
		return 0, err
	}

	sessions, err := w.store.GetPendingSync(batchSize)
	if err != nil {
		w.logger.Error("pending-sync query failed", "error", err)
		return 0, err
	}

	synced := 0
	for i := range sessions {
		if err := w.syncSession(ctx, token, &sessions[i]); err != nil {
			w.logger.Warn("session sync failed",
				"session", sessions[i].ExternalID, "error", err)
			continue
		}
		synced++
	}
	if synced > 0 {
		w.logger.Info("sync pass complete", "synced", synced, "pending", len(sessions)-synced)
	}
	return synced, nil
}

func (w *Worker) syncSession(ctx context.Context, token string, sess *conversation.Session) error {
	messages, err := w.store.GetMessages(sess.ID)
	if err != nil {
		return err
	}

	docID, err := w.postDocument(ctx, token, sess, messages)
	if err != nil {
		return err
	}

	memorySynced := w.postMemory(ctx, token, sess, messages)

	if err := w.store.MarkSynced(sess.ID, docID); err != nil {
		return err
	}
	if memorySynced {
		if err := w.store.MarkMemorySynced(sess.ID); err != nil {
			return err
		}
	}
	return nil
}

// documentRequest is the document-service contract.
type documentRequest struct {
	TenantID       string   `json:"tenantId"`
	DocumentTypeID int      `json:"documentTypeId"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	ContentHash    string   `json:"contentHash"`
	MimeType       string   `json:"mimeType"`
	Metadata       string   `json:"metadata"`
	Tags           []string `json:"tags"`
	CreatedBy      string   `json:"createdBy"`
}

func (w *Worker) postDocument(ctx context.Context, token string, sess *conversation.Session, messages []conversation.Message) (string, error) {
	metadata, err := json.Marshal(map[string]any{
		"source":     sess.Source,
		"externalId": sess.ExternalID,
		"transcript": Transcript(sess, messages),
	})
	if err != nil {
		return "", err
	}

	body := documentRequest{
		TenantID:       w.tenantID,
		DocumentTypeID: 4,
		Title:          sess.Title,
		Description:    fmt.Sprintf("Conversation from %s", sess.Source),
		ContentHash:    sess.ContentHash,
		MimeType:       "application/json",
		Metadata:       string(metadata),
		Tags:           []string{"conversation", string(sess.Source)},
		CreatedBy:      "ses-local",
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := w.postJSON(ctx, w.docClient, w.docURL, token, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// postMemory sends the first assistant message as a memory entry. It
// reports whether the entry was accepted; denial and network trouble are
// non-failures by contract.
func (w *Worker) postMemory(ctx context.Context, token string, sess *conversation.Session, messages []conversation.Message) bool {
	var excerpt string
	for _, m := range messages {
		if m.Role == "assistant" && m.Content != "" {
			excerpt = truncate(m.Content, memoryTruncate)
			break
		}
	}
	if excerpt == "" || w.memoryURL == "" {
		return false
	}

	body := map[string]any{
		"content":    excerpt,
		"importance": 3,
		"tags":       []string{"conversation", string(sess.Source)},
	}
	if err := w.postJSON(ctx, w.memoryClient, w.memoryURL, token, body, nil); err != nil {
		if errors.Is(err, errors.KindAuthDenied) {
			w.logger.Debug("memory endpoint denied, treating as unavailable")
		} else {
			w.logger.Debug("memory post failed", "error", err)
		}
		return false
	}
	return true
}

func (w *Worker) postJSON(ctx context.Context, client *http.Client, url, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.NewTransientRemote("cloud request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return errors.NewAuthDenied(fmt.Sprintf("cloud endpoint returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return errors.NewTransientRemote(fmt.Sprintf("cloud endpoint returned %d", resp.StatusCode), nil)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewParse("decode cloud response", err)
	}
	return nil
}

// Transcript renders a session as markdown, one heading per turn.
func Transcript(sess *conversation.Session, messages []conversation.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", sess.Title)
	for _, m := range messages {
		fmt.Fprintf(&sb, "\n## %s — %s\n\n%s\n",
			m.Role, m.CreatedAt.Format(time.RFC3339), m.Content)
	}
	return sb.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
