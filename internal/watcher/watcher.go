package watcher

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jasonberkes/ses-local/internal/conversation"
	"github.com/jasonberkes/ses-local/internal/db"
)

// DefaultRescanInterval is the fallback periodic sweep for events fsnotify
// misses (new project directories, moves across the watch boundary).
const DefaultRescanInterval = 30 * time.Second

// Watcher tails *.jsonl session logs under a root directory and ingests
// new lines into the store. Byte offsets per file persist across restarts.
type Watcher struct {
	store         *db.Store
	logger        *slog.Logger
	root          string
	positionsPath string
	interval      time.Duration
	enabled       bool

	positions map[string]int64
}

// New builds a watcher over root (normally ~/.claude/projects). Offsets
// persist at positionsPath. A disabled watcher's Run logs and returns.
func New(store *db.Store, logger *slog.Logger, root, positionsPath string, interval time.Duration, enabled bool) *Watcher {
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	return &Watcher{
		store:         store,
		logger:        logger,
		root:          root,
		positionsPath: positionsPath,
		interval:      interval,
		enabled:       enabled,
	}
}

// Run watches until the context is canceled. A missing root directory is
// not an error; the watcher idles and retries on each rescan tick.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.enabled {
		w.logger.Info("session-log watcher disabled by configuration")
		return nil
	}

	positions, err := loadPositions(w.positionsPath)
	if err != nil {
		w.logger.Warn("could not load watch positions, starting fresh", "error", err)
		positions = map[string]int64{}
	}
	w.positions = positions

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	w.addTree(fsw)
	w.scanAll()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("session-log watcher stopping")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-ticker.C:
			w.addTree(fsw)
			w.scanAll()
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.watchDir(fsw, ev.Name)
			w.scanDir(ev.Name)
			return
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}
	if err := w.processFile(ev.Name); err != nil {
		w.logger.Warn("ingest failed", "file", ev.Name, "error", err)
	}
}

// addTree (re)registers the root and every directory below it. Duplicate
// adds are harmless.
func (w *Watcher) addTree(fsw *fsnotify.Watcher) {
	if _, err := os.Stat(w.root); err != nil {
		w.logger.Debug("watch root not present", "root", w.root)
		return
	}
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			w.watchDir(fsw, path)
		}
		return nil
	})
}

func (w *Watcher) watchDir(fsw *fsnotify.Watcher, dir string) {
	if err := fsw.Add(dir); err != nil {
		w.logger.Debug("could not watch directory", "dir", dir, "error", err)
	}
}

// scanAll sweeps every session-log file under the root. Per-file failures
// are logged and never abort the sweep.
func (w *Watcher) scanAll() {
	w.scanDir(w.root)
}

func (w *Watcher) scanDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if err := w.processFile(path); err != nil {
			w.logger.Warn("ingest failed", "file", path, "error", err)
		}
		return nil
	})
}

// processFile ingests the newline-terminated lines appended since the last
// recorded offset. The offset advances only after the whole pass, parsing
// and persistence included, succeeds. A trailing partial line stays
// unconsumed until its newline arrives.
func (w *Watcher) processFile(path string) error {
	offset := w.positions[path]

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if offset > fi.Size() {
		// File shrank; assume replacement and start over.
		offset = 0
	}
	if offset == fi.Size() {
		return nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	fromStart := offset == 0

	pass := newParsePass()
	reader := bufio.NewReaderSize(f, 1<<20)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		consumed += int64(len(line))
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if perr := pass.parseLine([]byte(trimmed)); perr != nil {
			w.logger.Debug("skipping malformed line", "file", path, "error", perr)
		}
	}
	if consumed == 0 {
		return nil
	}

	if len(pass.messages) > 0 || len(pass.observations) > 0 {
		if err := w.persistPass(path, pass, fromStart); err != nil {
			return err
		}
	}

	w.positions[path] = offset + consumed
	if err := savePositions(w.positionsPath, w.positions); err != nil {
		return err
	}
	return nil
}

// persistPass writes one file pass to the store: session upsert, message
// batch, content-hash refresh, then observations with parent links
// resolved to row ids. An append pass rebases sequence numbers onto the
// stored maximum; a pass that replays the file from byte zero (the
// positions file was lost or the file was replaced) regenerates the
// original numbering, so the (session, sequence) upsert collapses onto
// the existing rows instead of duplicating them.
func (w *Watcher) persistPass(path string, pass *parsePass, fromStart bool) error {
	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	subagent := strings.Contains(filepath.ToSlash(path), "/subagents/")

	existing, err := w.store.GetSessionByExternalID(conversation.SourceClaudeCode, stem)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sess := &conversation.Session{
		Source:     conversation.SourceClaudeCode,
		ExternalID: stem,
	}
	switch {
	case pass.cwdSeen:
		sess.Title = conversation.SessionTitle(pass.cwd, stem, subagent)
	case existing != nil:
		sess.Title = existing.Title
	default:
		sess.Title = conversation.SessionTitle("", stem, subagent)
	}
	if existing != nil {
		sess.CreatedAt = existing.CreatedAt
	} else if !pass.firstTS.IsZero() {
		sess.CreatedAt = pass.firstTS
	} else {
		sess.CreatedAt = now
	}
	if !pass.lastTS.IsZero() {
		sess.UpdatedAt = pass.lastTS
	} else {
		sess.UpdatedAt = now
	}
	if existing != nil {
		sess.ContentHash = existing.ContentHash
	}
	if err := w.store.UpsertSession(sess); err != nil {
		return err
	}

	for i := range pass.messages {
		pass.messages[i].SessionID = sess.ID
	}
	if err := w.store.UpsertMessages(pass.messages); err != nil {
		return err
	}

	count, err := w.store.CountMessages(sess.ID)
	if err != nil {
		return err
	}
	sess.ContentHash = conversation.ContentHash(stem, sess.UpdatedAt, count)
	if err := w.store.UpsertSession(sess); err != nil {
		return err
	}

	if len(pass.observations) > 0 {
		var base int64
		if !fromStart {
			base, err = w.store.NextSequence(sess.ID)
			if err != nil {
				return err
			}
		}
		for _, obs := range pass.observations {
			obs.SessionID = sess.ID
			obs.SequenceNumber += base
		}
		if err := w.store.UpsertObservations(pass.observations); err != nil {
			return err
		}
		var links []db.ParentLink
		for _, l := range pass.parentLinks() {
			links = append(links, db.ParentLink{ObservationID: l.childID, ParentID: l.parentID})
		}
		if err := w.store.UpdateObservationParents(links); err != nil {
			return err
		}
	}

	w.logger.Info("ingested session-log lines",
		"session", stem,
		"messages", len(pass.messages),
		"observations", len(pass.observations))
	return nil
}
