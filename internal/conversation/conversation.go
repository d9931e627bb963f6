// Package conversation defines the uniform conversation model every
// ingestion source normalizes into: sessions, messages, and structured
// observations.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// Source identifies the assistant surface a conversation came from.
type Source string

const (
	SourceClaudeChat Source = "claude_chat"
	SourceClaudeCode Source = "claude_code"
	SourceCowork     Source = "cowork"
	SourceChatGPT    Source = "chatgpt"
)

// Session is one conversation from any source, keyed by (source, external_id).
type Session struct {
	ID          int64      `json:"id"`
	Source      Source     `json:"source"`
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
	ContentHash string     `json:"content_hash"`
}

// Message is one user or assistant turn, exclusively owned by its session.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount *int      `json:"token_count,omitempty"`
}

// ObservationType classifies a structured content block.
type ObservationType string

const (
	ObservationToolUse    ObservationType = "tool_use"
	ObservationToolResult ObservationType = "tool_result"
	ObservationText       ObservationType = "text"
	ObservationThinking   ObservationType = "thinking"
	ObservationGitCommit  ObservationType = "git_commit"
	ObservationTestResult ObservationType = "test_result"
	ObservationError      ObservationType = "error"
)

// Observation is one structured event extracted from a single content block
// of a coding-assistant session.
type Observation struct {
	ID                  int64           `json:"id"`
	SessionID           int64           `json:"session_id"`
	Type                ObservationType `json:"observation_type"`
	ToolName            *string         `json:"tool_name,omitempty"`
	FilePath            *string         `json:"file_path,omitempty"`
	Content             string          `json:"content"`
	TokenCount          int             `json:"token_count"`
	SequenceNumber      int64           `json:"sequence_number"`
	ParentObservationID *int64          `json:"parent_observation_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// LedgerEntry is one sync_ledger row tracking cloud delivery for a session.
type LedgerEntry struct {
	Source       Source     `json:"source"`
	ExternalID   string     `json:"external_id"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	DocServiceID *string    `json:"doc_service_id,omitempty"`
	MemorySynced bool       `json:"memory_synced"`
}

// roundTripLayout renders timestamps the way the cloud contract expects:
// ISO-8601 with seven fractional digits and the offset preserved ("Z" for
// UTC). The content hash depends on this exact rendering.
const roundTripLayout = "2006-01-02T15:04:05.0000000Z07:00"

// ContentHash computes the session fingerprint: SHA-256 over
// "{external_id}:{updated_at}:{message_count}", truncated to 16 uppercase
// hex characters. It is an update-detection fingerprint, never a key.
func ContentHash(externalID string, updatedAt time.Time, messageCount int) string {
	payload := fmt.Sprintf("%s:%s:%d", externalID, updatedAt.Format(roundTripLayout), messageCount)
	sum := sha256.Sum256([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:16]
}

// SessionTitle builds the display title for a session-log file: the last
// two path components of cwd joined with an 8-character prefix of the file
// stem, e.g. cwd "/home/me/proj" + stem "sess-xyz-123" -> "proj/sess-xyz".
// Subagent files get a "[subagent] " prefix.
func SessionTitle(cwd, stem string, subagent bool) string {
	prefix := stem
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	joined := path.Join(cwd, prefix)
	parts := strings.Split(strings.Trim(joined, "/"), "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	title := strings.Join(parts, "/")
	if subagent {
		title = "[subagent] " + title
	}
	return title
}
