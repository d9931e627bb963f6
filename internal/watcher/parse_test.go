package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/conversation"
	"github.com/jasonberkes/ses-local/internal/errors"
)

func TestParseLinePlainStringContent(t *testing.T) {
	pass := newParsePass()
	line := `{"type":"user","timestamp":"2026-01-02T03:04:05.123Z","cwd":"/home/me/proj","message":{"role":"user","content":"hello world"}}`
	require.NoError(t, pass.parseLine([]byte(line)))

	require.Len(t, pass.messages, 1)
	assert.Equal(t, "user", pass.messages[0].Role)
	assert.Equal(t, "hello world", pass.messages[0].Content)
	assert.Empty(t, pass.observations)
	assert.True(t, pass.cwdSeen)
	assert.Equal(t, "/home/me/proj", pass.cwd)
}

func TestParseLineStructuredContent(t *testing.T) {
	pass := newParsePass()
	line := `{"type":"assistant","timestamp":"2026-01-02T03:04:06.456Z","message":{"role":"assistant","content":[{"type":"text","text":"hi there"},{"type":"thinking","thinking":"considering"}],"usage":{"input_tokens":3,"output_tokens":4}}}`
	require.NoError(t, pass.parseLine([]byte(line)))

	require.Len(t, pass.messages, 1)
	msg := pass.messages[0]
	assert.Equal(t, "hi there\n[thinking] considering", msg.Content)
	require.NotNil(t, msg.TokenCount)
	assert.Equal(t, 7, *msg.TokenCount)

	require.Len(t, pass.observations, 2)
	assert.Equal(t, conversation.ObservationText, pass.observations[0].Type)
	assert.Equal(t, int64(0), pass.observations[0].SequenceNumber)
	assert.Equal(t, conversation.ObservationThinking, pass.observations[1].Type)
	assert.Equal(t, int64(1), pass.observations[1].SequenceNumber)
}

func TestParseLineToolUseAndResult(t *testing.T) {
	pass := newParsePass()
	use := `{"type":"assistant","timestamp":"2026-01-02T03:04:07Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu1","name":"Edit","input":{"file_path":"/src/main.go","old":"a","new":"b"}}]}}`
	result := `{"type":"user","timestamp":"2026-01-02T03:04:08Z","cwd":"/home/me/proj","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":"ok"}]}}`
	require.NoError(t, pass.parseLine([]byte(use)))
	require.NoError(t, pass.parseLine([]byte(result)))

	require.Len(t, pass.observations, 2)
	useObs := pass.observations[0]
	assert.Equal(t, conversation.ObservationToolUse, useObs.Type)
	require.NotNil(t, useObs.ToolName)
	assert.Equal(t, "Edit", *useObs.ToolName)
	require.NotNil(t, useObs.FilePath)
	assert.Equal(t, "/src/main.go", *useObs.FilePath)

	resObs := pass.observations[1]
	assert.Equal(t, conversation.ObservationToolResult, resObs.Type)

	// Parent links resolve only after row ids exist; simulate assignment.
	useObs.ID = 11
	resObs.ID = 12
	links := pass.parentLinks()
	require.Len(t, links, 1)
	assert.Equal(t, int64(12), links[0].childID)
	assert.Equal(t, int64(11), links[0].parentID)
}

func TestParseLineBashClassification(t *testing.T) {
	pass := newParsePass()
	line := `{"type":"assistant","timestamp":"2026-01-02T03:04:09Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu2","name":"Bash","input":{"command":"git commit -m fix"}}]}}`
	require.NoError(t, pass.parseLine([]byte(line)))

	require.Len(t, pass.observations, 1)
	assert.Equal(t, conversation.ObservationGitCommit, pass.observations[0].Type)
}

func TestParseLineSkipsNonConversationTypes(t *testing.T) {
	pass := newParsePass()
	require.NoError(t, pass.parseLine([]byte(`{"type":"summary","summary":"a title"}`)))
	assert.Empty(t, pass.messages)
	assert.Empty(t, pass.observations)
}

func TestParseLineMalformedIsParseError(t *testing.T) {
	pass := newParsePass()
	err := pass.parseLine([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, errors.KindParse, errors.KindOf(err))
}

func TestFlattenResultArray(t *testing.T) {
	flat := flattenResult([]byte(`[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]`))
	assert.Equal(t, "line one\nline two", flat)
}
