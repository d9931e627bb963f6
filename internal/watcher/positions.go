package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// loadPositions reads the persisted {filePath -> byteOffset} map. A missing
// file yields an empty map; entries missing from the map default to offset 0
// at lookup time.
func loadPositions(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("read positions file: %w", err)
	}

	positions := map[string]int64{}
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("parse positions file: %w", err)
	}
	return positions, nil
}

// savePositions writes the whole map atomically: temp file in the same
// directory, then rename.
func savePositions(path string, positions map[string]int64) error {
	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".positions-*")
	if err != nil {
		return fmt.Errorf("create temp positions file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write positions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close positions: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename positions: %w", err)
	}
	return nil
}
