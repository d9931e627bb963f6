package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/conversation"
)

func intPtr(n int) *int { return &n }

func strPtr(s string) *string { return &s }

func testSession(externalID string) *conversation.Session {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &conversation.Session{
		Source:      conversation.SourceClaudeCode,
		ExternalID:  externalID,
		Title:       "proj/" + externalID,
		CreatedAt:   at,
		UpdatedAt:   at.Add(time.Second),
		ContentHash: conversation.ContentHash(externalID, at.Add(time.Second), 2),
	}
}

func TestUpsertSessionAssignsID(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))
	assert.Greater(t, sess.ID, int64(0))
}

func TestUpsertSessionCollapsesOnNaturalKey(t *testing.T) {
	store := openTestStore(t)

	first := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(first))

	second := testSession("sess-xyz")
	second.Title = "renamed"
	second.UpdatedAt = first.UpdatedAt.Add(time.Minute)
	require.NoError(t, store.UpsertSession(second))

	assert.Equal(t, first.ID, second.ID)

	got, err := store.GetSessionByExternalID(conversation.SourceClaudeCode, "sess-xyz")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, second.UpdatedAt.UTC(), got.UpdatedAt.UTC())
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []conversation.Message{
		{SessionID: sess.ID, Role: "user", Content: "Hello", CreatedAt: at},
		{SessionID: sess.ID, Role: "assistant", Content: "Hi!", CreatedAt: at.Add(time.Second), TokenCount: intPtr(7)},
	}
	require.NoError(t, store.UpsertMessages(batch))
	// Replay the identical batch; the row set must not grow.
	require.NoError(t, store.UpsertMessages(batch))

	messages, err := store.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	require.NotNil(t, messages[1].TokenCount)
	assert.Equal(t, 7, *messages[1].TokenCount)
}

func TestGetMessagesOrderedByCreatedAt(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Insert out of order.
	require.NoError(t, store.UpsertMessages([]conversation.Message{
		{SessionID: sess.ID, Role: "assistant", Content: "second", CreatedAt: at.Add(2 * time.Second)},
		{SessionID: sess.ID, Role: "user", Content: "first", CreatedAt: at},
	}))

	messages, err := store.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
}

func TestUpsertObservationsBackPopulatesIDs(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []*conversation.Observation{
		{SessionID: sess.ID, Type: conversation.ObservationToolUse, ToolName: strPtr("Read"),
			FilePath: strPtr("/src/x.cs"), Content: `{"path":"/src/x.cs"}`, SequenceNumber: 0, CreatedAt: at},
		{SessionID: sess.ID, Type: conversation.ObservationToolResult, Content: "ok",
			SequenceNumber: 1, CreatedAt: at},
	}
	require.NoError(t, store.UpsertObservations(obs))
	assert.Greater(t, obs[0].ID, int64(0))
	assert.Greater(t, obs[1].ID, obs[0].ID)
}

func TestUpsertObservationsIdempotentOnSequence(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := []*conversation.Observation{
		{SessionID: sess.ID, Type: conversation.ObservationText, Content: "v1", SequenceNumber: 0, CreatedAt: at},
	}
	require.NoError(t, store.UpsertObservations(first))

	replay := []*conversation.Observation{
		{SessionID: sess.ID, Type: conversation.ObservationText, Content: "v2", SequenceNumber: 0, CreatedAt: at},
	}
	require.NoError(t, store.UpsertObservations(replay))
	assert.Equal(t, first[0].ID, replay[0].ID)

	all, err := store.GetObservations(sess.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "v2", all[0].Content)
}

func TestUpdateObservationParents(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []*conversation.Observation{
		{SessionID: sess.ID, Type: conversation.ObservationToolUse, Content: "use", SequenceNumber: 0, CreatedAt: at},
		{SessionID: sess.ID, Type: conversation.ObservationToolResult, Content: "ok", SequenceNumber: 1, CreatedAt: at},
	}
	require.NoError(t, store.UpsertObservations(obs))

	require.NoError(t, store.UpdateObservationParents([]ParentLink{
		{ObservationID: obs[1].ID, ParentID: obs[0].ID},
	}))

	all, err := store.GetObservations(sess.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[1].ParentObservationID)
	assert.Equal(t, obs[0].ID, *all[1].ParentObservationID)
	assert.Nil(t, all[0].ParentObservationID)
}

func TestNextSequenceContinues(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	next, err := store.NextSequence(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertObservations([]*conversation.Observation{
		{SessionID: sess.ID, Type: conversation.ObservationText, Content: "a", SequenceNumber: 0, CreatedAt: at},
		{SessionID: sess.ID, Type: conversation.ObservationText, Content: "b", SequenceNumber: 1, CreatedAt: at},
	}))

	next, err = store.NextSequence(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func TestCascadeDelete(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertMessages([]conversation.Message{
		{SessionID: sess.ID, Role: "user", Content: "Hello", CreatedAt: at},
	}))
	require.NoError(t, store.UpsertObservations([]*conversation.Observation{
		{SessionID: sess.ID, Type: conversation.ObservationText, Content: "x", SequenceNumber: 0, CreatedAt: at},
	}))

	require.NoError(t, store.DeleteSession(sess.ID))

	messages, err := store.GetMessages(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	observations, err := store.GetObservations(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, observations)
}

func TestParentNullsOnParentDelete(t *testing.T) {
	store := openTestStore(t)

	parentSess := testSession("sess-a")
	require.NoError(t, store.UpsertSession(parentSess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := []*conversation.Observation{
		{SessionID: parentSess.ID, Type: conversation.ObservationToolUse, Content: "use", SequenceNumber: 0, CreatedAt: at},
		{SessionID: parentSess.ID, Type: conversation.ObservationToolResult, Content: "ok", SequenceNumber: 1, CreatedAt: at},
	}
	require.NoError(t, store.UpsertObservations(obs))
	require.NoError(t, store.UpdateObservationParents([]ParentLink{
		{ObservationID: obs[1].ID, ParentID: obs[0].ID},
	}))

	// Deleting only the parent row nulls the back-reference, it does not
	// take the child with it.
	_, err := store.db.Exec(`DELETE FROM observations WHERE id = ?`, obs[0].ID)
	require.NoError(t, err)

	all, err := store.GetObservations(parentSess.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0].ParentObservationID)
}

func TestPendingSyncLifecycle(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	pending, err := store.GetPendingSync(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sess.ID, pending[0].ID)

	require.NoError(t, store.MarkSynced(sess.ID, "doc-123"))

	pending, err = store.GetPendingSync(10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// An update after sync re-qualifies the session.
	sess.UpdatedAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.UpsertSession(sess))

	pending, err = store.GetPendingSync(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMarkSyncedKeepsLedgerAndSessionConsistent(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))
	require.NoError(t, store.MarkSynced(sess.ID, "doc-123"))

	got, err := store.GetSessionByExternalID(sess.Source, sess.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, got.SyncedAt)

	ledger, err := store.GetLedger(sess.Source, sess.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, ledger)
	require.NotNil(t, ledger.LastSyncedAt)
	assert.Equal(t, got.SyncedAt.UTC(), ledger.LastSyncedAt.UTC())
	require.NotNil(t, ledger.DocServiceID)
	assert.Equal(t, "doc-123", *ledger.DocServiceID)
	assert.False(t, ledger.MemorySynced)
}

func TestMarkMemorySynced(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))
	require.NoError(t, store.MarkSynced(sess.ID, "doc-123"))
	require.NoError(t, store.MarkMemorySynced(sess.ID))

	ledger, err := store.GetLedger(sess.Source, sess.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, ledger)
	assert.True(t, ledger.MemorySynced)
}

func TestGetPendingSyncOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)

	older := testSession("sess-old")
	older.UpdatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := testSession("sess-new")
	newer.UpdatedAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertSession(older))
	require.NoError(t, store.UpsertSession(newer))

	pending, err := store.GetPendingSync(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "sess-new", pending[0].ExternalID)
	assert.Equal(t, "sess-old", pending[1].ExternalID)

	limited, err := store.GetPendingSync(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "sess-new", limited[0].ExternalID)
}

func TestMarkSyncedClearsPendingAcrossZones(t *testing.T) {
	store := openTestStore(t)

	// Timestamps arrive in whatever zone the source log used. A recent
	// update carrying a positive offset must still compare below the
	// UTC synced_at stamp.
	eet := time.FixedZone("EET", 2*60*60)
	sess := testSession("sess-zoned")
	sess.CreatedAt = time.Now().In(eet).Add(-time.Hour)
	sess.UpdatedAt = time.Now().In(eet).Add(-30 * time.Minute)
	require.NoError(t, store.UpsertSession(sess))

	pending, err := store.GetPendingSync(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.MarkSynced(sess.ID, "doc-1"))

	pending, err = store.GetPendingSync(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSearchMessages(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertMessages([]conversation.Message{
		{SessionID: sess.ID, Role: "user", Content: "how do I fix the race condition", CreatedAt: at},
		{SessionID: sess.ID, Role: "assistant", Content: "use a mutex around the map", CreatedAt: at.Add(time.Second)},
	}))

	hits, err := store.SearchMessages("mutex", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "assistant", hits[0].Role)

	none, err := store.SearchMessages("kubernetes", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchMessagesSurvivesUpdateAndDelete(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []conversation.Message{
		{SessionID: sess.ID, Role: "user", Content: "original wording", CreatedAt: at},
	}
	require.NoError(t, store.UpsertMessages(batch))

	// Update through the upsert path: the FTS triggers must tombstone
	// the old text and index the new.
	batch[0].Content = "replacement wording"
	require.NoError(t, store.UpsertMessages(batch))

	hits, err := store.SearchMessages("original", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.SearchMessages("replacement", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, store.DeleteSession(sess.ID))
	hits, err = store.SearchMessages("replacement", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchObservations(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertObservations([]*conversation.Observation{
		{SessionID: sess.ID, Type: conversation.ObservationGitCommit, ToolName: strPtr("Bash"),
			Content: `git commit -m "add watcher offsets"`, SequenceNumber: 0, CreatedAt: at},
	}))

	hits, err := store.SearchObservations("offsets", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, conversation.ObservationGitCommit, hits[0].Type)
}

func TestSearchHandlesPunctuation(t *testing.T) {
	store := openTestStore(t)

	sess := testSession("sess-xyz")
	require.NoError(t, store.UpsertSession(sess))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertMessages([]conversation.Message{
		{SessionID: sess.ID, Role: "user", Content: "what does ses-local do", CreatedAt: at},
	}))

	// Hyphenated queries would be FTS5 syntax errors without sanitization.
	_, err := store.SearchMessages(`ses-local "quoted"`, 10)
	assert.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	store := openTestStore(t)

	code := testSession("sess-code")
	require.NoError(t, store.UpsertSession(code))
	chat := testSession("sess-chat")
	chat.Source = conversation.SourceClaudeChat
	require.NoError(t, store.UpsertSession(chat))

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertMessages([]conversation.Message{
		{SessionID: code.ID, Role: "user", Content: "hi", CreatedAt: at},
	}))

	stats, err := store.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 1, stats.Messages)
	assert.Equal(t, 0, stats.Observations)
	require.Len(t, stats.BySource, 2)
}
