package shaderlist

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shadertools/shadercompiled/internal/logging"
)

const component = "shaderlist"

const renameRetries = 5

// target holds the in-memory working set for one build target between
// saves.
type target struct {
	entries map[string]Entry
	dirty   bool
	lastSum uint64
}

// Store manages the per-target shader list files under a single
// directory.
type Store struct {
	dir string

	mu      sync.Mutex
	targets map[string]*target
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shaderlist: creating %s: %w", dir, err)
	}
	return &Store{dir: dir, targets: make(map[string]*target)}, nil
}

// pathFor resolves a target key to an on-disk path. The key is the full
// composed path a V2_3+ client supplies (Project/Cache/.../ShaderList)
// or, for older clients, the bare Platform value used as a filename
// directly; either way it is not given an extension here.
func (s *Store) pathFor(targetName string) string {
	return filepath.Join(s.dir, filepath.FromSlash(targetName))
}

func (s *Store) targetFor(name string) *target {
	t, ok := s.targets[name]
	if !ok {
		t = &target{entries: make(map[string]Entry)}
		s.targets[name] = t
		s.loadLocked(name, t)
	}
	return t
}

func (s *Store) loadLocked(name string, t *target) {
	f, err := os.Open(s.pathFor(name))
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn(component, "opening %s: %v", name, err)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, err := ParseEntry(line)
		if err != nil {
			logging.Warn(component, "%s: skipping malformed line: %v", name, err)
			continue
		}
		t.entries[e.Body] = e
	}
}

// Add records one client-sent shader request line for target, keyed by
// its permutation body. line carries its own "<count><version>" (or
// "<version>") prefix, as sent over the wire; a repeat sighting of the
// same body independently upgrades count and version to whichever side
// is higher rather than one replacing the other outright. Returns false
// if line is syntactically invalid.
func (s *Store) Add(targetName, line string) bool {
	entry, err := ParseEntry(line)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.targetFor(targetName)

	if existing, ok := t.entries[entry.Body]; ok {
		entry = merge(existing, entry)
	}
	t.entries[entry.Body] = entry
	t.dirty = true
	return true
}

// Export renders a target's current entries as a single text blob, the
// same format persisted to disk, for the GetShaderList job. ok is false
// when the target has never been written and no file exists for it yet,
// which the caller treats as "doesn't exist yet", not an error.
func (s *Store) Export(targetName string) (content []byte, ok bool) {
	s.mu.Lock()
	t := s.targetFor(targetName)
	lines := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		lines = append(lines, e.Format())
	}
	hasEntries := len(lines) > 0
	path := s.pathFor(targetName)
	s.mu.Unlock()

	if !hasEntries {
		if _, err := os.Stat(path); err != nil {
			return nil, false
		}
	}
	sortLines(lines)
	content = []byte(strings.Join(lines, "\n"))
	if len(content) > 0 {
		content = append(content, '\n')
	}
	return content, true
}

// Count returns how many distinct lines are tracked for a target, loading
// the target's file on first access like Add and Export do.
func (s *Store) Count(targetName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targetFor(targetName).entries)
}

// MergeAndSave re-reads the on-disk file for target, merges it against
// the in-memory entries using the version/count dominance rule, and
// atomically rewrites the file if the merged content actually changed.
func (s *Store) MergeAndSave(targetName string) error {
	s.mu.Lock()
	t, ok := s.targets[targetName]
	if !ok || !t.dirty {
		s.mu.Unlock()
		return nil
	}
	merged := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		merged[k] = v
	}
	s.mu.Unlock()

	onDisk := &target{entries: make(map[string]Entry)}
	s.loadLocked(targetName, onDisk)
	for body, diskEntry := range onDisk.entries {
		if memEntry, ok := merged[body]; ok {
			merged[body] = merge(memEntry, diskEntry)
		} else {
			merged[body] = diskEntry
		}
	}

	lines := make([]string, 0, len(merged))
	for _, e := range merged {
		lines = append(lines, e.Format())
	}
	sortLines(lines)
	content := []byte(strings.Join(lines, "\n"))
	if len(content) > 0 {
		content = append(content, '\n')
	}

	sum := xxhash.Sum64(content)

	s.mu.Lock()
	defer s.mu.Unlock()
	t = s.targets[targetName]
	if t == nil {
		return nil
	}
	if sum == t.lastSum {
		t.dirty = false
		return nil
	}
	if err := writeAtomic(s.pathFor(targetName), content); err != nil {
		return err
	}
	t.entries = merged
	t.lastSum = sum
	t.dirty = false
	return nil
}

// Tick flushes every dirty target, used by the server's periodic
// maintenance loop.
func (s *Store) Tick() {
	s.mu.Lock()
	names := make([]string, 0, len(s.targets))
	for name, t := range s.targets {
		if t.dirty {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.MergeAndSave(name); err != nil {
			logging.Warn(component, "saving %s: %v", name, err)
		}
	}
}

func sortLines(lines []string) {
	for i := 1; i < len(lines); i++ {
		for j := i; j > 0 && lines[j-1] > lines[j]; j-- {
			lines[j-1], lines[j] = lines[j], lines[j-1]
		}
	}
}

// writeAtomic writes content to a temp file in the same directory as
// path and renames it into place, retrying the rename on the transient
// failures Windows-style file locks can cause.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	var renameErr error
	for attempt := 0; attempt < renameRetries; attempt++ {
		renameErr = os.Rename(tmpPath, path)
		if renameErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	os.Remove(tmpPath)
	return fmt.Errorf("shaderlist: renaming into place after %d attempts: %w", renameRetries, renameErr)
}
