// Package workspace prepares the on-disk data directory: the history
// database and one journal per CLI session.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Layout names the directories and files powblocks keeps on disk.
type Layout struct {
	DataDir    string
	DBPath     string
	JournalDir string
}

// RequiredDirectories returns the directories Initialize creates.
func (l Layout) RequiredDirectories() []string {
	dirs := []string{l.DataDir, l.JournalDir, filepath.Dir(l.DBPath)}
	seen := make(map[string]bool)
	out := dirs[:0]
	for _, d := range dirs {
		if d == "" || d == "." || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// Initialize creates all required directories with 0700 permissions.
// It is idempotent.
func (l Layout) Initialize() error {
	for _, dir := range l.RequiredDirectories() {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// IsInitialized checks that every required directory exists.
func (l Layout) IsInitialized() (bool, error) {
	for _, dir := range l.RequiredDirectories() {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// SessionJournal returns the journal path for a session started at t.
func (l Layout) SessionJournal(t time.Time) string {
	return filepath.Join(l.JournalDir, "session-"+t.UTC().Format("20060102T150405.000000000Z")+".ndjson")
}

// Journals lists session journals, oldest first.
func (l Layout) Journals() ([]string, error) {
	entries, err := os.ReadDir(l.JournalDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		paths = append(paths, filepath.Join(l.JournalDir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LatestJournal returns the most recent session journal.
func (l Layout) LatestJournal() (string, error) {
	paths, err := l.Journals()
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no journals in %s", l.JournalDir)
	}
	return paths[len(paths)-1], nil
}
