package scanner

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jasonberkes/ses-local/internal/notify"
)

// DefaultDebounce is the trailing-edge quiet period after LevelDB write
// activity before a rescan runs. LevelDB flushes in bursts; one scan per
// burst is enough.
const DefaultDebounce = 3 * time.Second

// DefaultRescanInterval paces scans when no filesystem events arrive.
const DefaultRescanInterval = 5 * time.Minute

// Scanner watches a Claude Desktop LevelDB directory and publishes the
// conversation UUIDs found there to the notifier. Every scan that finds
// any UUIDs fires one event with the full set; repeat deliveries
// collapse in the store's idempotent upserts.
type Scanner struct {
	dir      string
	notifier *notify.Notifier
	logger   *slog.Logger
	debounce time.Duration
	interval time.Duration
	enabled  bool
}

// New builds a scanner over dir. debounce and interval fall back to the
// defaults when non-positive.
func New(dir string, notifier *notify.Notifier, logger *slog.Logger, debounce, interval time.Duration, enabled bool) *Scanner {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	return &Scanner{
		dir:      dir,
		notifier: notifier,
		logger:   logger,
		debounce: debounce,
		interval: interval,
		enabled:  enabled,
	}
}

// Run watches until the context is canceled. A missing directory is not
// an error; the scanner idles and retries on the periodic tick.
func (s *Scanner) Run(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("desktop-state scanner disabled by configuration")
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	watching := s.watchDir(fsw)
	s.rescan()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Trailing-edge debounce: the timer arms on the first event of a
	// burst and later events coalesce into the same pending scan.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("desktop-state scanner stopping")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".ldb") {
				continue
			}
			if pending == nil {
				pending = time.After(s.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "error", err)

		case <-pending:
			pending = nil
			s.rescan()

		case <-ticker.C:
			if !watching {
				watching = s.watchDir(fsw)
			}
			s.rescan()
		}
	}
}

func (s *Scanner) watchDir(fsw *fsnotify.Watcher) bool {
	if _, err := os.Stat(s.dir); err != nil {
		s.logger.Debug("leveldb directory not present", "dir", s.dir)
		return false
	}
	if err := fsw.Add(s.dir); err != nil {
		s.logger.Debug("could not watch leveldb directory", "dir", s.dir, "error", err)
		return false
	}
	return true
}

// rescan runs one full directory scan and publishes the complete UUID
// set. An empty scan fires no event.
func (s *Scanner) rescan() {
	ids := ScanDir(s.dir)
	if len(ids) == 0 {
		return
	}
	s.logger.Debug("conversations present in desktop state", "count", len(ids))
	s.notifier.Publish(ids)
}
