package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/jasonberkes/ses-local/internal/conversation"
	"github.com/jasonberkes/ses-local/internal/errors"
)

// timeLayout renders timestamps for storage. Values are normalized to
// UTC; the pending-sync predicate compares the stored strings lexically,
// which only works inside a single zone.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertSession inserts a session or, on (source, external_id) conflict,
// updates title, updated_at, and content_hash. On return session.ID is
// populated with the store-assigned id.
func (s *Store) UpsertSession(session *conversation.Session) error {
	err := s.db.QueryRow(`
		INSERT INTO sessions (source, external_id, title, created_at, updated_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, external_id) DO UPDATE SET
			title        = excluded.title,
			updated_at   = excluded.updated_at,
			content_hash = excluded.content_hash
		RETURNING id`,
		session.Source, session.ExternalID, session.Title,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt), session.ContentHash,
	).Scan(&session.ID)
	if err != nil {
		return errors.NewStorage("upsert session", err)
	}
	return nil
}

// UpsertMessages writes a batch of messages in one transaction. Conflicts
// on (session_id, role, created_at) update content and token_count, making
// duplicate ingestion idempotent.
func (s *Store) UpsertMessages(messages []conversation.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewStorage("begin message batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (session_id, role, content, created_at, token_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, role, created_at) DO UPDATE SET
			content     = excluded.content,
			token_count = excluded.token_count`)
	if err != nil {
		return errors.NewStorage("prepare message upsert", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		var tokens sql.NullInt64
		if m.TokenCount != nil {
			tokens = sql.NullInt64{Int64: int64(*m.TokenCount), Valid: true}
		}
		if _, err := stmt.Exec(m.SessionID, m.Role, m.Content, formatTime(m.CreatedAt), tokens); err != nil {
			return errors.NewStorage("upsert message", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorage("commit message batch", err)
	}
	return nil
}

// UpsertObservations writes a batch of observations in one transaction.
// Conflicts on (session_id, sequence_number) update all mutable fields.
// Each observation's ID is back-populated on return.
func (s *Store) UpsertObservations(observations []*conversation.Observation) error {
	if len(observations) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewStorage("begin observation batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO observations
			(session_id, observation_type, tool_name, file_path, content, token_count, sequence_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, sequence_number) DO UPDATE SET
			observation_type = excluded.observation_type,
			tool_name        = excluded.tool_name,
			file_path        = excluded.file_path,
			content          = excluded.content,
			token_count      = excluded.token_count,
			created_at       = excluded.created_at
		RETURNING id`)
	if err != nil {
		return errors.NewStorage("prepare observation upsert", err)
	}
	defer stmt.Close()

	for _, o := range observations {
		err := stmt.QueryRow(
			o.SessionID, o.Type, toNullString(o.ToolName), toNullString(o.FilePath),
			o.Content, o.TokenCount, o.SequenceNumber, formatTime(o.CreatedAt),
		).Scan(&o.ID)
		if err != nil {
			return errors.NewStorage("upsert observation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorage("commit observation batch", err)
	}
	return nil
}

// ParentLink pairs a tool-result observation with its resolved tool-use
// parent row id.
type ParentLink struct {
	ObservationID int64
	ParentID      int64
}

// UpdateObservationParents sets parent_observation_id for each pair in one
// transaction. Missing ids are a no-op.
func (s *Store) UpdateObservationParents(links []ParentLink) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewStorage("begin parent batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE observations SET parent_observation_id = ? WHERE id = ?`)
	if err != nil {
		return errors.NewStorage("prepare parent update", err)
	}
	defer stmt.Close()

	for _, l := range links {
		if _, err := stmt.Exec(l.ParentID, l.ObservationID); err != nil {
			return errors.NewStorage("update observation parent", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorage("commit parent batch", err)
	}
	return nil
}

// NextSequence returns the next free sequence number for a session:
// max(sequence_number)+1, or 0 for a session with no observations.
func (s *Store) NextSequence(sessionID int64) (int64, error) {
	var next int64
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence_number) + 1, 0) FROM observations WHERE session_id = ?`,
		sessionID,
	).Scan(&next)
	if err != nil {
		return 0, errors.NewStorage("next sequence", err)
	}
	return next, nil
}

// GetPendingSync returns up to limit sessions that have never been synced
// or changed since their last sync, newest first.
func (s *Store) GetPendingSync(limit int) ([]conversation.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, source, external_id, title, created_at, updated_at, synced_at, content_hash
		FROM sessions
		WHERE synced_at IS NULL OR updated_at > synced_at
		ORDER BY updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.NewStorage("pending sync query", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// MarkSynced stamps the session's synced_at and upserts the ledger row in
// one transaction, so session and ledger never drift.
func (s *Store) MarkSynced(sessionID int64, docServiceID string) error {
	now := formatTime(time.Now().UTC())

	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewStorage("begin mark synced", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE sessions SET synced_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return errors.NewStorage("stamp session synced_at", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewStorage("mark synced", sql.ErrNoRows)
	}

	_, err = tx.Exec(`
		INSERT INTO sync_ledger (source, external_id, last_synced_at, doc_service_id)
		SELECT source, external_id, ?, ? FROM sessions WHERE id = ?
		ON CONFLICT (source, external_id) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			doc_service_id = excluded.doc_service_id`,
		now, toNullString(nullable(docServiceID)), sessionID)
	if err != nil {
		return errors.NewStorage("upsert ledger row", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorage("commit mark synced", err)
	}
	return nil
}

// MarkMemorySynced flags the ledger row after a successful memory post.
func (s *Store) MarkMemorySynced(sessionID int64) error {
	_, err := s.db.Exec(`
		UPDATE sync_ledger SET memory_synced = 1
		WHERE (source, external_id) IN
			(SELECT source, external_id FROM sessions WHERE id = ?)`, sessionID)
	if err != nil {
		return errors.NewStorage("mark memory synced", err)
	}
	return nil
}

// GetLedger returns the ledger row for a session key, or nil when absent.
func (s *Store) GetLedger(source conversation.Source, externalID string) (*conversation.LedgerEntry, error) {
	row := s.db.QueryRow(`
		SELECT source, external_id, last_synced_at, doc_service_id, memory_synced
		FROM sync_ledger WHERE source = ? AND external_id = ?`, source, externalID)

	var (
		e        conversation.LedgerEntry
		syncedAt sql.NullString
		docID    sql.NullString
	)
	err := row.Scan(&e.Source, &e.ExternalID, &syncedAt, &docID, &e.MemorySynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorage("ledger query", err)
	}
	if syncedAt.Valid {
		t := parseTime(syncedAt.String)
		e.LastSyncedAt = &t
	}
	if docID.Valid {
		e.DocServiceID = &docID.String
	}
	return &e, nil
}

// GetSessionByExternalID returns a session by its natural key, or nil.
func (s *Store) GetSessionByExternalID(source conversation.Source, externalID string) (*conversation.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, source, external_id, title, created_at, updated_at, synced_at, content_hash
		FROM sessions WHERE source = ? AND external_id = ?`, source, externalID)
	if err != nil {
		return nil, errors.NewStorage("session query", err)
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// GetMessages returns a session's messages ordered by created_at ascending.
func (s *Store) GetMessages(sessionID int64) ([]conversation.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, created_at, token_count
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, errors.NewStorage("messages query", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var (
			m         conversation.Message
			createdAt string
			tokens    sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt, &tokens); err != nil {
			return nil, errors.NewStorage("scan message", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(sessionID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, errors.NewStorage("count messages", err)
	}
	return n, nil
}

// GetObservations returns a session's observations in sequence order.
func (s *Store) GetObservations(sessionID int64) ([]conversation.Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, observation_type, tool_name, file_path, content,
		       token_count, sequence_number, parent_observation_id, created_at
		FROM observations WHERE session_id = ?
		ORDER BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, errors.NewStorage("observations query", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// SearchMessages runs a full-text match over message content, best rank
// first.
func (s *Store) SearchMessages(query string, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.session_id, m.role, m.content, m.created_at, m.token_count
		FROM messages_fts fts
		JOIN messages m ON m.id = fts.rowid
		WHERE messages_fts MATCH ?
		ORDER BY fts.rank
		LIMIT ?`, sanitizeFTS(query), limit)
	if err != nil {
		return nil, errors.NewStorage("message search", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var (
			m         conversation.Message
			createdAt string
			tokens    sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt, &tokens); err != nil {
			return nil, errors.NewStorage("scan search result", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if tokens.Valid {
			n := int(tokens.Int64)
			m.TokenCount = &n
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SearchObservations runs a full-text match over observation content,
// best rank first.
func (s *Store) SearchObservations(query string, limit int) ([]conversation.Observation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT o.id, o.session_id, o.observation_type, o.tool_name, o.file_path, o.content,
		       o.token_count, o.sequence_number, o.parent_observation_id, o.created_at
		FROM observations_fts fts
		JOIN observations o ON o.id = fts.rowid
		WHERE observations_fts MATCH ?
		ORDER BY fts.rank
		LIMIT ?`, sanitizeFTS(query), limit)
	if err != nil {
		return nil, errors.NewStorage("observation search", err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// SourceCount is one row of the status breakdown.
type SourceCount struct {
	Source   conversation.Source `json:"source"`
	Sessions int                 `json:"sessions"`
}

// Stats summarizes store contents for the control-plane status endpoint.
type Stats struct {
	Sessions     int           `json:"sessions"`
	Messages     int           `json:"messages"`
	Observations int           `json:"observations"`
	BySource     []SourceCount `json:"by_source"`
}

// GetStats returns store-wide counts.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&stats.Sessions); err != nil {
		return nil, errors.NewStorage("session count", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&stats.Messages); err != nil {
		return nil, errors.NewStorage("message count", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&stats.Observations); err != nil {
		return nil, errors.NewStorage("observation count", err)
	}

	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM sessions GROUP BY source ORDER BY source`)
	if err != nil {
		return nil, errors.NewStorage("source breakdown", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.Source, &sc.Sessions); err != nil {
			return nil, errors.NewStorage("scan source count", err)
		}
		stats.BySource = append(stats.BySource, sc)
	}
	return stats, rows.Err()
}

// LastSyncedAt returns the most recent synced_at across all sessions,
// or nil when nothing has synced yet.
func (s *Store) LastSyncedAt() (*time.Time, error) {
	var v sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(synced_at) FROM sessions`).Scan(&v); err != nil {
		return nil, errors.NewStorage("last synced query", err)
	}
	if !v.Valid {
		return nil, nil
	}
	t := parseTime(v.String)
	return &t, nil
}

// DeleteSession removes a session; messages and observations cascade.
func (s *Store) DeleteSession(sessionID int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return errors.NewStorage("delete session", err)
	}
	return nil
}

// =============================================================================
// Row scanning helpers
// =============================================================================

func scanSessions(rows *sql.Rows) ([]conversation.Session, error) {
	var sessions []conversation.Session
	for rows.Next() {
		var (
			sess      conversation.Session
			createdAt string
			updatedAt string
			syncedAt  sql.NullString
		)
		err := rows.Scan(&sess.ID, &sess.Source, &sess.ExternalID, &sess.Title,
			&createdAt, &updatedAt, &syncedAt, &sess.ContentHash)
		if err != nil {
			return nil, errors.NewStorage("scan session", err)
		}
		sess.CreatedAt = parseTime(createdAt)
		sess.UpdatedAt = parseTime(updatedAt)
		if syncedAt.Valid {
			t := parseTime(syncedAt.String)
			sess.SyncedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanObservations(rows *sql.Rows) ([]conversation.Observation, error) {
	var observations []conversation.Observation
	for rows.Next() {
		var (
			o         conversation.Observation
			toolName  sql.NullString
			filePath  sql.NullString
			parentID  sql.NullInt64
			createdAt string
		)
		err := rows.Scan(&o.ID, &o.SessionID, &o.Type, &toolName, &filePath,
			&o.Content, &o.TokenCount, &o.SequenceNumber, &parentID, &createdAt)
		if err != nil {
			return nil, errors.NewStorage("scan observation", err)
		}
		if toolName.Valid {
			o.ToolName = &toolName.String
		}
		if filePath.Valid {
			o.FilePath = &filePath.String
		}
		if parentID.Valid {
			o.ParentObservationID = &parentID.Int64
		}
		o.CreatedAt = parseTime(createdAt)
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// sanitizeFTS wraps each word in quotes so FTS5 doesn't choke on special
// characters: "fix auth bug" -> `"fix" "auth" "bug"`.
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.Trim(w, `"`)
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}
