// Package claudeapi fetches claude.ai conversations over the private web
// API, authenticated with Claude Desktop's session cookies, and ingests
// them into the store.
package claudeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jasonberkes/ses-local/internal/conversation"
	"github.com/jasonberkes/ses-local/internal/cookies"
	"github.com/jasonberkes/ses-local/internal/db"
	"github.com/jasonberkes/ses-local/internal/errors"
)

// DefaultBaseURL is the claude.ai web API origin.
const DefaultBaseURL = "https://claude.ai"

// pageSize is the listing page length; a short page ends pagination.
const pageSize = 50

// incrementalWindow bounds incremental passes to recently updated
// conversations.
const incrementalWindow = 24 * time.Hour

// userAgent mimics the desktop browser; the endpoint rejects obvious
// non-browser clients.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// CookieFunc supplies the current session cookies. It is called per
// request so cookie rotation is picked up without restarting.
type CookieFunc func() (map[string]string, error)

// Client is a rate-limited claude.ai API client. It implements the
// dispatcher's SyncClient surface.
type Client struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	cookieFn CookieFunc
	store    *db.Store
	logger   *slog.Logger

	mu    sync.Mutex
	orgID string
}

// New builds a client. baseURL falls back to the production origin.
func New(baseURL string, cookieFn CookieFunc, store *db.Store, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(5, 5),
		cookieFn: cookieFn,
		store:    store,
		logger:   logger,
	}
}

// Wire types for the claude.ai private API.

type organization struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type conversationSummary struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type chatMessage struct {
	UUID      string    `json:"uuid"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type conversationDetail struct {
	UUID         string        `json:"uuid"`
	Name         string        `json:"name"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ChatMessages []chatMessage `json:"chat_messages"`
}

// SyncBulk lists every conversation and ingests the ones whose remote
// updated_at is newer than the stored session.
func (c *Client) SyncBulk(ctx context.Context) error {
	summaries, err := c.listConversations(ctx, time.Time{})
	if err != nil {
		return err
	}
	c.ingestSummaries(ctx, summaries)
	return nil
}

// SyncIncremental is SyncBulk restricted to conversations updated inside
// the recency window. Pagination stops at the first page whose oldest
// row predates the window.
func (c *Client) SyncIncremental(ctx context.Context) error {
	summaries, err := c.listConversations(ctx, time.Now().Add(-incrementalWindow))
	if err != nil {
		return err
	}
	c.ingestSummaries(ctx, summaries)
	return nil
}

// SyncTargeted fetches exactly the named conversations. Per-conversation
// failures are logged and do not abort the pass.
func (c *Client) SyncTargeted(ctx context.Context, conversationIDs []string) error {
	orgID, err := c.organizationID(ctx)
	if err != nil {
		return err
	}
	for _, id := range conversationIDs {
		if err := c.fetchAndIngest(ctx, orgID, strings.ToLower(id)); err != nil {
			c.logger.Warn("targeted fetch failed", "conversation", id, "error", err)
		}
	}
	return nil
}

func (c *Client) ingestSummaries(ctx context.Context, summaries []conversationSummary) {
	orgID, err := c.organizationID(ctx)
	if err != nil {
		c.logger.Warn("organization lookup failed", "error", err)
		return
	}
	for _, s := range summaries {
		stale, err := c.isStale(s)
		if err != nil {
			c.logger.Warn("staleness check failed", "conversation", s.UUID, "error", err)
			continue
		}
		if !stale {
			continue
		}
		if err := c.fetchAndIngest(ctx, orgID, strings.ToLower(s.UUID)); err != nil {
			c.logger.Warn("conversation fetch failed", "conversation", s.UUID, "error", err)
		}
	}
}

// isStale reports whether the remote copy is newer than the stored one.
// Unknown conversations are always stale.
func (c *Client) isStale(s conversationSummary) (bool, error) {
	existing, err := c.store.GetSessionByExternalID(conversation.SourceClaudeChat, strings.ToLower(s.UUID))
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	return s.UpdatedAt.After(existing.UpdatedAt), nil
}

// organizationID returns the caller's first organization uuid, cached
// for the client's lifetime.
func (c *Client) organizationID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.orgID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var orgs []organization
	if err := c.get(ctx, "/api/organizations", &orgs); err != nil {
		return "", err
	}
	if len(orgs) == 0 {
		return "", errors.NewAuthDenied("no organizations visible")
	}

	c.mu.Lock()
	c.orgID = orgs[0].UUID
	c.mu.Unlock()
	return orgs[0].UUID, nil
}

// listConversations pages through the listing, newest first. A page
// shorter than pageSize ends pagination. A non-zero cutoff keeps only
// rows updated after it and stops paging once a page's oldest row
// predates it; later pages are entirely older.
func (c *Client) listConversations(ctx context.Context, cutoff time.Time) ([]conversationSummary, error) {
	orgID, err := c.organizationID(ctx)
	if err != nil {
		return nil, err
	}

	var all []conversationSummary
	for offset := 0; ; offset += pageSize {
		path := fmt.Sprintf("/api/organizations/%s/chat_conversations?limit=%d&offset=%d",
			orgID, pageSize, offset)
		var page []conversationSummary
		if err := c.get(ctx, path, &page); err != nil {
			return nil, err
		}
		for _, s := range page {
			if cutoff.IsZero() || s.UpdatedAt.After(cutoff) {
				all = append(all, s)
			}
		}
		if len(page) < pageSize {
			return all, nil
		}
		if !cutoff.IsZero() && !page[len(page)-1].UpdatedAt.After(cutoff) {
			return all, nil
		}
	}
}

func (c *Client) fetchAndIngest(ctx context.Context, orgID, conversationID string) error {
	path := fmt.Sprintf("/api/organizations/%s/chat_conversations/%s", orgID, conversationID)
	var detail conversationDetail
	if err := c.get(ctx, path, &detail); err != nil {
		return err
	}
	return c.ingest(detail)
}

// ingest normalizes one conversation into the store. Remote sender
// "human" maps to role "user"; everything else is "assistant".
func (c *Client) ingest(detail conversationDetail) error {
	externalID := strings.ToLower(detail.UUID)
	title := detail.Name
	if title == "" {
		title = externalID
	}

	sess := &conversation.Session{
		Source:      conversation.SourceClaudeChat,
		ExternalID:  externalID,
		Title:       title,
		CreatedAt:   detail.CreatedAt,
		UpdatedAt:   detail.UpdatedAt,
		ContentHash: conversation.ContentHash(externalID, detail.UpdatedAt, len(detail.ChatMessages)),
	}
	if err := c.store.UpsertSession(sess); err != nil {
		return err
	}

	messages := make([]conversation.Message, 0, len(detail.ChatMessages))
	for _, m := range detail.ChatMessages {
		role := "assistant"
		if m.Sender == "human" {
			role = "user"
		}
		messages = append(messages, conversation.Message{
			SessionID: sess.ID,
			Role:      role,
			Content:   messageText(m),
			CreatedAt: m.CreatedAt,
		})
	}
	if err := c.store.UpsertMessages(messages); err != nil {
		return err
	}

	c.logger.Info("ingested claude.ai conversation",
		"conversation", externalID, "messages", len(messages))
	return nil
}

func messageText(m chatMessage) string {
	if m.Text != "" {
		return m.Text
	}
	var parts []string
	for _, b := range m.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// get performs one rate-limited authenticated GET and decodes the JSON
// body into v.
func (c *Client) get(ctx context.Context, path string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	cookieMap, err := c.cookieFn()
	if err != nil {
		return err
	}
	header := cookies.Header(cookieMap)
	if header == "" {
		return errors.NewAuthMissing("no session cookies available")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", header)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewTransientRemote("claude.ai request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return errors.NewAuthDenied(fmt.Sprintf("claude.ai returned %d for %s", resp.StatusCode, path))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return errors.NewTransientRemote(fmt.Sprintf("claude.ai returned %d for %s", resp.StatusCode, path), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.NewParse("decode claude.ai response", err)
	}
	return nil
}
