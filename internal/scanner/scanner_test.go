package scanner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	uuidA = "0c6e2f5a-9b1d-4e3c-8a7f-123456789abc"
	uuidB = "deadbeef-dead-beef-dead-beefdeadbeef"
)

// ldbBytes builds a fake LevelDB table: binary framing around printable
// key runs.
func ldbBytes(keys ...string) []byte {
	var out []byte
	for _, k := range keys {
		out = append(out, 0x00, 0x01, 0xff, 0xfe)
		out = append(out, []byte(k)...)
		out = append(out, 0x00, 0x02)
	}
	return out
}

func TestScanFileExtractsUUIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000123.ldb")
	require.NoError(t, os.WriteFile(path, ldbBytes(
		"LSS-"+uuidA+":payload",
		"unrelated printable run without keys",
		"LSS-"+uuidB+":more",
	), 0644))

	ids, err := ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{uuidA, uuidB}, ids)
}

func TestScanFileDeduplicatesCaseInsensitively(t *testing.T) {
	upper := "LSS-" + "0C6E2F5A-9B1D-4E3C-8A7F-123456789ABC" + ":x"
	path := filepath.Join(t.TempDir(), "000124.ldb")
	require.NoError(t, os.WriteFile(path, ldbBytes(
		"LSS-"+uuidA+":x", upper, "LSS-"+uuidA+":y",
	), 0644))

	ids, err := ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{uuidA}, ids)
}

func TestScanFileRejectsInvalidUUIDs(t *testing.T) {
	// Right length, not a UUID: validation discards it.
	bogus := "LSS-zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz:x"
	path := filepath.Join(t.TempDir(), "000125.ldb")
	require.NoError(t, os.WriteFile(path, ldbBytes(bogus), 0644))

	ids, err := ScanFile(path)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestScanFileIgnoresShortPrintableRuns(t *testing.T) {
	// The key split across binary bytes never forms one printable run.
	var data []byte
	data = append(data, []byte("LSS-")...)
	data = append(data, 0x00)
	data = append(data, []byte(uuidA+":")...)
	path := filepath.Join(t.TempDir(), "000126.ldb")
	require.NoError(t, os.WriteFile(path, data, 0644))

	ids, err := ScanFile(path)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestScanDirUnionsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ldb"), ldbBytes("LSS-"+uuidA+":x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.ldb"), ldbBytes("LSS-"+uuidB+":x", "LSS-"+uuidA+":x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.log"), ldbBytes("LSS-"+uuidB+":x"), 0644))

	ids := ScanDir(dir)
	assert.ElementsMatch(t, []string{uuidA, uuidB}, ids)
}

func TestScanDirMissingDirectoryIsEmpty(t *testing.T) {
	assert.Empty(t, ScanDir(filepath.Join(t.TempDir(), "nope")))
}

func TestScannerDebouncesAndPublishesNewUUIDs(t *testing.T) {
	dir := t.TempDir()
	n := notify.NewNotifier(testLogger())
	events, cancelSub := n.Subscribe()
	defer cancelSub()

	s := New(dir, n, testLogger(), 20*time.Millisecond, time.Hour, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// A write burst: several events inside the quiet period coalesce
	// into one scan and one published event.
	path := filepath.Join(dir, "000200.ldb")
	require.NoError(t, os.WriteFile(path, ldbBytes("LSS-"+uuidA+":x"), 0644))
	require.NoError(t, os.WriteFile(path, ldbBytes("LSS-"+uuidA+":x", "LSS-"+uuidB+":y"), 0644))

	// One event when the writes coalesce; at most two if a scan lands
	// between them. Either way both UUIDs arrive.
	got := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			for _, id := range ev.ConversationIDs {
				got[id] = true
			}
		case <-deadline:
			t.Fatalf("discovery incomplete, got %v", got)
		}
	}
	assert.True(t, got[uuidA])
	assert.True(t, got[uuidB])

	// New write activity on already-seen conversations still triggers a
	// scan and an event carrying the set.
	require.NoError(t, os.WriteFile(path, ldbBytes("LSS-"+uuidA+":x"), 0644))
	select {
	case ev := <-events:
		assert.Contains(t, ev.ConversationIDs, uuidA)
	case <-time.After(3 * time.Second):
		t.Fatal("no event after rewrite of known conversation")
	}

	cancel()
	<-done
}

func TestRescanRepublishesFullSet(t *testing.T) {
	dir := t.TempDir()
	n := notify.NewNotifier(testLogger())
	events, cancelSub := n.Subscribe()
	defer cancelSub()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ldb"),
		ldbBytes("LSS-"+uuidA+":x", "LSS-"+uuidB+":y"), 0644))

	s := New(dir, n, testLogger(), 0, 0, true)
	s.rescan()
	s.rescan()

	// Two scans, two events, each with the complete set.
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.ElementsMatch(t, []string{uuidA, uuidB}, ev.ConversationIDs)
		default:
			t.Fatal("expected one event per scan")
		}
	}
}

func TestScannerDisabledReturnsImmediately(t *testing.T) {
	s := New(t.TempDir(), notify.NewNotifier(testLogger()), testLogger(), 0, 0, false)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disabled scanner did not return")
	}
}
