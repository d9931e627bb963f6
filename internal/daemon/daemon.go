// Package daemon wires every component together and runs the process
// lifecycle: single-instance lock, start in dependency order, block on a
// shutdown signal, bounded drain.
package daemon

import (
	"context"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jasonberkes/ses-local/internal/auth"
	"github.com/jasonberkes/ses-local/internal/claudeapi"
	"github.com/jasonberkes/ses-local/internal/config"
	"github.com/jasonberkes/ses-local/internal/control"
	"github.com/jasonberkes/ses-local/internal/cookies"
	"github.com/jasonberkes/ses-local/internal/db"
	"github.com/jasonberkes/ses-local/internal/intake"
	"github.com/jasonberkes/ses-local/internal/notify"
	"github.com/jasonberkes/ses-local/internal/scanner"
	"github.com/jasonberkes/ses-local/internal/syncer"
	"github.com/jasonberkes/ses-local/internal/watcher"
)

// drainTimeout bounds how long shutdown waits for each component batch;
// components still running afterwards are abandoned.
const drainTimeout = 5 * time.Second

// Options overrides the default filesystem locations. Zero values fall
// back to the real user paths; tests point everything at temp dirs.
type Options struct {
	BaseDir     string
	ProjectsDir string
	LevelDBDir  string
	CookiesPath string
}

// Daemon is the assembled process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger
}

func New(cfg *config.Config, opts Options, logger *slog.Logger) *Daemon {
	return &Daemon{cfg: cfg, opts: opts, logger: logger}
}

func (d *Daemon) resolvePaths() error {
	var err error
	if d.opts.BaseDir == "" {
		if d.opts.BaseDir, err = BaseDir(); err != nil {
			return err
		}
	}
	if d.opts.ProjectsDir == "" {
		if d.opts.ProjectsDir, err = claudeProjectsDir(); err != nil {
			return err
		}
	}
	if d.opts.LevelDBDir == "" {
		if d.opts.LevelDBDir, err = claudeLevelDBDir(); err != nil {
			return err
		}
	}
	if d.opts.CookiesPath == "" {
		if d.opts.CookiesPath, err = claudeCookiesPath(); err != nil {
			return err
		}
	}
	return nil
}

// Run starts everything and blocks until an OS signal or a control-plane
// shutdown. A held single-instance lock returns a FATAL error; the CLI
// turns that into a notice and exit code 0.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.resolvePaths(); err != nil {
		return err
	}

	store, err := db.Open(d.opts.BaseDir, d.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	lock, err := AcquireLock(d.opts.BaseDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	creds := auth.NewFileCredentialStore(d.opts.BaseDir)
	authSvc := auth.NewTokenService(creds, d.cfg.IdentityBaseURL, d.logger)
	license := auth.NewOfflineLicense(d.cfg.LicensePublicKeyPem, d.cfg.LicenseRevocationCheckDays, creds)
	notifier := notify.NewNotifier(d.logger)

	d.logger.Info("ses-local starting",
		"base_dir", d.opts.BaseDir,
		"auth", authSvc.State(),
		"licensed", license.State().Licensed)
	if license.NeedsRevocationCheck() {
		if err := license.CheckRevocation(runCtx); err != nil {
			d.logger.Warn("license revocation check failed", "error", err)
		}
	}

	poll := time.Duration(d.cfg.PollingIntervalSeconds) * time.Second

	logWatcher := watcher.New(store, d.logger,
		d.opts.ProjectsDir,
		filepath.Join(d.opts.BaseDir, "watcher-positions.json"),
		poll, d.cfg.ClaudeCodeSyncEnabled())

	ldbScanner := scanner.New(d.opts.LevelDBDir, notifier, d.logger,
		scanner.DefaultDebounce, poll, d.cfg.ClaudeDesktopSyncEnabled())

	cookiesPath := d.opts.CookiesPath
	apiClient := claudeapi.New(d.cfg.ClaudeBaseURL, func() (map[string]string, error) {
		return cookies.Read(cookiesPath, d.logger)
	}, store, d.logger)

	dispatcher := notify.NewDispatcher(notifier, apiClient, d.logger, notify.DefaultDispatchInterval)
	syncWorker := syncer.New(store, authSvc,
		d.cfg.DocumentServiceURL, d.cfg.MemoryServiceURL, d.cfg.TenantID, d.logger)
	intakeSrv := intake.New(store, authSvc, d.logger)
	controlSrv := control.New(d.opts.BaseDir, store, authSvc, license, stop, d.logger)

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(runCtx); err != nil {
				d.logger.Error("component failed", "component", name, "error", err)
			}
		}()
	}

	start("watcher", logWatcher.Run)
	if d.cfg.ClaudeDesktopSyncEnabled() {
		start("scanner", ldbScanner.Run)
		start("dispatcher", dispatcher.Run)
	} else {
		d.logger.Info("desktop sync disabled, scanner and dispatcher idle")
	}
	start("syncer", syncWorker.Run)
	start("intake", intakeSrv.Run)
	start("control", controlSrv.Run)

	<-runCtx.Done()
	d.logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("all components drained")
	case <-time.After(drainTimeout):
		d.logger.Warn("drain window elapsed, abandoning remaining components")
	}
	return nil
}
