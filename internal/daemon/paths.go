package daemon

import (
	"os"
	"path/filepath"
	"runtime"
)

// BaseDir is the daemon's state directory, ~/.ses.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ses"), nil
}

// claudeProjectsDir is the Claude Code session-log root.
func claudeProjectsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// claudeDesktopDir locates the Claude Desktop profile directory per OS.
func claudeDesktopDir() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "Claude"), nil
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Claude"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "Claude"), nil
	}
}

// claudeLevelDBDir is the Claude Desktop local-storage directory.
func claudeLevelDBDir() (string, error) {
	dir, err := claudeDesktopDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "Local Storage", "leveldb"), nil
}

// claudeCookiesPath is the Claude Desktop cookie database.
func claudeCookiesPath() (string, error) {
	dir, err := claudeDesktopDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "Network", "Cookies"), nil
}
