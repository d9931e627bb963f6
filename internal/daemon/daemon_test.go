package daemon

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonberkes/ses-local/internal/config"
	"github.com/jasonberkes/ses-local/internal/control"
	"github.com/jasonberkes/ses-local/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLockIsExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	require.NoError(t, err)
	defer first.Release()

	_, err = AcquireLock(dir)
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}

func TestLockReleasable(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		BaseDir:     dir,
		ProjectsDir: filepath.Join(dir, "projects"),
		LevelDBDir:  filepath.Join(dir, "leveldb"),
		CookiesPath: filepath.Join(dir, "Cookies"),
	}
}

func TestRunStartsAndShutsDownOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket test")
	}
	opts := testOptions(t)
	d := New(config.DefaultConfig(), opts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The control plane coming up means the wiring survived startup.
	require.Eventually(t, func() bool {
		client, base, err := control.Client(opts.BaseDir)
		if err != nil {
			return false
		}
		resp, err := client.Get(base + "/api/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == 200
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestRunShutsDownOverControlPlane(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket test")
	}
	opts := testOptions(t)
	d := New(config.DefaultConfig(), opts, testLogger())

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	var client = func() (int, error) {
		c, base, err := control.Client(opts.BaseDir)
		if err != nil {
			return 0, err
		}
		resp, err := c.Post(base+"/api/shutdown", "application/json", nil)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}

	require.Eventually(t, func() bool {
		status, err := client()
		return err == nil && status == 200
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon ignored control-plane shutdown")
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket test")
	}
	opts := testOptions(t)

	lock, err := AcquireLock(opts.BaseDir)
	require.NoError(t, err)
	defer lock.Release()

	d := New(config.DefaultConfig(), opts, testLogger())
	err = d.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}
