package cachestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/shadertools/shadercompiled/internal/fingerprint"
	"github.com/shadertools/shadercompiled/internal/logging"
	"github.com/shadertools/shadercompiled/internal/shaderserr"
)

const component = "cachestore"

const (
	datName  = "Cache.dat"
	bakName  = "Cache.bak"
	bak2Name = "Cache.bak2"
	lockName = "Cache.lock"
)

// Store is the in-memory two-level cache plus its append-only backing
// file. entries maps a request fingerprint to a data fingerprint; data
// maps a data fingerprint to the compiled payload.
type Store struct {
	dir string

	mu      sync.RWMutex
	entries map[fingerprint.Hash]fingerprint.Hash
	data    map[fingerprint.Hash][]byte

	pendingMu sync.Mutex
	pending   [][]byte

	file    *os.File
	lock    *os.File
	enabled int32 // atomic bool; flipped true by Finalize once load completes
}

// Open acquires the cache directory's exclusive lock, loads the most
// recent readable Cache.dat/.bak/.bak2 found there, and returns a Store
// ready to append new entries. The returned Store starts disabled
// (Find always misses) until Finalize is called, so a compile that races
// the load can't observe a half-populated cache.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: creating %s: %w", dir, err)
	}
	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		entries: make(map[fingerprint.Hash]fingerprint.Hash),
		data:    make(map[fingerprint.Hash][]byte),
		lock:    lock,
	}

	loaded := false
	loadedFromPrimary := false
	for i, name := range []string{datName, bakName, bak2Name} {
		path := filepath.Join(dir, name)
		if err := s.loadFile(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			logging.Warn(component, "%s corrupted, trying next generation: %v", path, err)
			continue
		}
		loaded = true
		loadedFromPrimary = i == 0
		break
	}
	if !loaded {
		logging.Log(component, "no existing cache found in %s, starting empty", dir)
	}
	// The startup backup rotation only applies when Cache.dat itself
	// loaded cleanly: falling back to Cache.bak/.bak2 means Cache.dat was
	// missing or corrupt, and rotating would discard the one remaining
	// good generation.
	if loadedFromPrimary {
		if err := s.Rotate(); err != nil {
			logging.Warn(component, "rotating cache generations: %v", err)
		}
	}

	file, err := os.OpenFile(filepath.Join(dir, datName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Close()
		os.Remove(filepath.Join(dir, lockName))
		return nil, fmt.Errorf("cachestore: opening %s for append: %w", datName, err)
	}
	s.file = file
	return s, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("cachestore: %s already exists; another instance may be running against %s", lockName, dir)
		}
		return nil, fmt.Errorf("cachestore: acquiring lock: %w", err)
	}
	return f, nil
}

// loadFile streams path's records into the store. A record cut short by
// io.EOF or io.ErrUnexpectedEOF means the file was truncated by a crash
// mid-write; loading stops there without error, since everything before
// the truncation point is still valid. Any other failure (bad
// signature, implausible size) means the file is genuinely corrupt, and
// loadFile returns that error so Open falls back to the next cache
// generation instead of treating a damaged Cache.dat as merely empty. A
// reference record whose target data fingerprint hasn't been seen yet is
// skipped, not treated as an abort: append-order guarantees the data
// record was written first in a clean file, so this only happens on the
// truncated tail, and the client will simply recompile that one entry.
func (s *Store) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	count := 0
	var offset int64
	for {
		h, body, err := readRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return shaderserr.NewCacheLoadError(path, count, offset, err)
		}
		switch h.flags {
		case flagData:
			dataHash, convErr := fingerprint.FromBytes(h.hash.Bytes())
			if convErr == nil {
				s.data[dataHash] = body
			}
		case flagReference:
			dataHash, convErr := fingerprint.FromBytes(body)
			if convErr != nil {
				break
			}
			if _, ok := s.data[dataHash]; !ok {
				logging.Warn(component, "reference to unseen data fingerprint %s in %s, skipping entry", dataHash, path)
				break
			}
			s.entries[h.hash] = dataHash
		}
		offset += int64(headerSize) + int64(h.dataSize)
		count++
	}
}

// Finalize marks the store ready to serve lookups. Must be called once,
// after Open, before the server begins accepting connections.
func (s *Store) Finalize() {
	atomic.StoreInt32(&s.enabled, 1)
}

func (s *Store) isEnabled() bool {
	return atomic.LoadInt32(&s.enabled) != 0
}

// Find looks up a compiled payload by request fingerprint.
func (s *Store) Find(requestHash fingerprint.Hash) ([]byte, bool) {
	if !s.isEnabled() {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	dataHash, ok := s.entries[requestHash]
	if !ok {
		return nil, false
	}
	payload, ok := s.data[dataHash]
	return payload, ok
}

// Add records a newly compiled result under both levels of the cache and
// enqueues the corresponding on-disk records for the next flush.
func (s *Store) Add(requestHash, dataHash fingerprint.Hash, payload []byte) {
	s.mu.Lock()
	_, haveData := s.data[dataHash]
	s.entries[requestHash] = dataHash
	if !haveData {
		s.data[dataHash] = payload
	}
	s.mu.Unlock()

	s.pendingMu.Lock()
	if !haveData {
		s.pending = append(s.pending, dataRecord(dataHash, payload))
	}
	s.pending = append(s.pending, referenceRecord(requestHash, dataHash))
	s.pendingMu.Unlock()
}

// Flush appends all pending records to Cache.dat. Safe to call
// concurrently with Add and Find; called periodically by the tick
// worker and once more during graceful shutdown.
func (s *Store) Flush() error {
	s.pendingMu.Lock()
	batch := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	for _, rec := range batch {
		if _, err := s.file.Write(rec); err != nil {
			return fmt.Errorf("cachestore: appending record: %w", err)
		}
	}
	return s.file.Sync()
}

// EntryCount and DataCount report the current in-memory cache sizes, used
// by the status endpoint.
func (s *Store) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) DataCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Rotate performs the startup backup rotation: the old Cache.bak2 is
// dropped, Cache.bak moves to Cache.bak2, and Cache.dat is copied to
// Cache.bak. Cache.dat itself stays in place and keeps receiving appends,
// so the cache carries over from one run to the next.
func (s *Store) Rotate() error {
	bak2 := filepath.Join(s.dir, bak2Name)
	bak := filepath.Join(s.dir, bakName)
	dat := filepath.Join(s.dir, datName)

	os.Remove(bak2)
	if err := renameIfExists(bak, bak2); err != nil {
		return err
	}
	content, err := os.ReadFile(dat)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(bak, content, 0o644)
}

func renameIfExists(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Rename(src, dst)
}

// Close flushes remaining records, closes the backing file, and releases
// the directory lock.
func (s *Store) Close() error {
	flushErr := s.Flush()
	closeErr := s.file.Close()
	s.lock.Close()
	os.Remove(filepath.Join(s.dir, lockName))
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
