// Package scanner discovers conversation UUIDs in Claude Desktop's
// LevelDB state by byte-scanning table files for printable key material.
package scanner

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// uuidKeyPattern matches the stored session-state key format: an "LSS-"
// prefix, a UUID, and a colon terminator.
var uuidKeyPattern = regexp.MustCompile(`(?i)LSS-([0-9a-f-]{36}):`)

// minRunLength is the shortest printable ASCII run worth keeping; shorter
// runs are LevelDB block framing, not key material.
const minRunLength = 8

// ScanFile extracts conversation UUIDs from one LevelDB table file. The
// file is copied to a temp location first so the scan never races the
// owning process's compaction. Results are lowercased and deduplicated.
func ScanFile(path string) ([]string, error) {
	tmp, err := os.CreateTemp("", "ldb-scan-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	src, err := os.Open(path)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	_, err = io.Copy(tmp, src)
	src.Close()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tmpName)
	if err != nil {
		return nil, err
	}

	return extractUUIDs(printableRuns(data)), nil
}

// ScanDir scans every .ldb file under dir and unions the results. A
// file that cannot be read contributes nothing; the scan degrades to an
// empty set rather than failing.
func ScanDir(dir string) []string {
	paths, err := filepath.Glob(filepath.Join(dir, "*.ldb"))
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var ids []string
	for _, path := range paths {
		found, err := ScanFile(path)
		if err != nil {
			continue
		}
		for _, id := range found {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// printableRuns joins every printable ASCII run of at least minRunLength
// bytes with newlines, giving the regex a text view of a binary file.
func printableRuns(data []byte) string {
	var sb strings.Builder
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start >= minRunLength {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.Write(data[start:end])
		}
		start = -1
	}
	for i, b := range data {
		if b >= 0x20 && b <= 0x7e {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))
	return sb.String()
}

// extractUUIDs pulls valid, lowercased, deduplicated UUIDs out of the
// text view. Candidates that fail UUID validation are discarded.
func extractUUIDs(text string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, m := range uuidKeyPattern.FindAllStringSubmatch(text, -1) {
		candidate := strings.ToLower(m[1])
		if _, err := uuid.Parse(candidate); err != nil {
			continue
		}
		if !seen[candidate] {
			seen[candidate] = true
			ids = append(ids, candidate)
		}
	}
	return ids
}
