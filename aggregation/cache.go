package aggregation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Record is one cached set of coordinate values for a single dataset file.
// Records are immutable once stored; a changed file produces a different
// identity key and therefore a new record.
type Record struct {
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	Units     string    `json:"units"`
	Values    []float64 `json:"values"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the backing storage for a CoordCache. Implementations must allow
// concurrent use; Put is last-writer-wins per key and writes to distinct
// keys must not block each other beyond a single map or rename operation.
type Store interface {
	// Get returns the record for key, or ErrCacheMiss if absent. A
	// *CacheCorruptionError means the record exists but cannot be
	// decoded; callers treat it as a miss.
	Get(key string) (*Record, error)

	// Put stores the record under key, replacing any existing record.
	Put(key string, rec *Record) error
}

// MemStore is an in-memory Store, valid for a single run.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

// Get implements Store.
func (s *MemStore) Get(key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return rec, nil
}

// Put implements Store.
func (s *MemStore) Put(key string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return nil
}

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// FileStore is a Store persisted as one JSON file per record, sharded by
// key prefix, valid across runs. Writes go through a temporary file and a
// rename so that a crash mid-write never leaves a half-written record.
type FileStore struct {
	root string
	fs   afero.Fs
}

// NewFileStore creates a file-backed store rooted at dir on the given
// filesystem.
func NewFileStore(dir string, fs afero.Fs) (*FileStore, error) {
	store := &FileStore{root: dir, fs: fs}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return store, nil
}

// recordPath returns the path of the record file for a key hash.
func (s *FileStore) recordPath(key string) string {
	if len(key) < 2 {
		panic(fmt.Sprintf("cache key too short: %s", key))
	}
	return filepath.Join(s.root, key[:2], key+".json")
}

// Get implements Store.
func (s *FileStore) Get(key string) (*Record, error) {
	data, err := afero.ReadFile(s.fs, s.recordPath(key))
	if err != nil {
		return nil, ErrCacheMiss
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CacheCorruptionError{Key: key, Err: err}
	}
	if rec.Key != key {
		return nil, &CacheCorruptionError{Key: key, Err: fmt.Errorf("record key mismatch: %s", rec.Key)}
	}
	return &rec, nil
}

// Put implements Store.
func (s *FileStore) Put(key string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}

	path := s.recordPath(key)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to a temporary file in the same directory, then rename into
	// place. Rename is the commit point.
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache record: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit cache record: %w", err)
	}
	return nil
}

// CoordCache maps dataset file identities to previously extracted coordinate
// values, so repeated builds do not re-open unchanged files.
//
// The identity key covers path, size and modification time by default;
// WithContentHash switches to hashing the file contents instead, which is
// slower but robust against tools that preserve timestamps.
type CoordCache struct {
	store       Store
	fs          afero.Fs
	contentHash bool
	log         *logrus.Logger
}

// CacheOption configures a CoordCache.
type CacheOption func(*CoordCache)

// WithCacheFs sets the filesystem used to stat or hash dataset files.
func WithCacheFs(fs afero.Fs) CacheOption {
	return func(c *CoordCache) { c.fs = fs }
}

// WithContentHash keys cache records by a hash of the file contents instead
// of (path, size, mtime).
func WithContentHash() CacheOption {
	return func(c *CoordCache) { c.contentHash = true }
}

// WithCacheLogger sets the logger used to report recoverable cache faults.
func WithCacheLogger(log *logrus.Logger) CacheOption {
	return func(c *CoordCache) { c.log = log }
}

// NewCoordCache creates a cache over the given backing store.
func NewCoordCache(store Store, options ...CacheOption) *CoordCache {
	cache := &CoordCache{
		store: store,
		fs:    afero.NewOsFs(),
		log:   logrus.StandardLogger(),
	}
	for _, option := range options {
		option(cache)
	}
	return cache
}

// identity computes the cache key for a dataset file. Any change to the file
// that could change its extracted values must change this key.
func (c *CoordCache) identity(path string) (string, error) {
	h := xxhash.New()
	h.WriteString(path)

	if c.contentHash {
		f, err := c.fs.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
	} else {
		info, err := c.fs.Stat(path)
		if err != nil {
			return "", err
		}
		h.WriteString(strconv.FormatInt(info.Size(), 10))
		h.WriteString(strconv.FormatInt(info.ModTime().UnixNano(), 10))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns the cached record for the file at path, if its identity
// still matches the file on disk. Store faults, including corrupt records,
// degrade to a miss.
func (c *CoordCache) Lookup(path string) (*Record, bool) {
	key, err := c.identity(path)
	if err != nil {
		return nil, false
	}
	rec, err := c.store.Get(key)
	if err != nil {
		var corrupt *CacheCorruptionError
		if errors.As(err, &corrupt) {
			c.log.WithField("path", path).Warnf("ignoring corrupt cache record: %v", corrupt.Err)
		}
		return nil, false
	}
	return rec, true
}

// Commit stores extracted coordinate values for the file at path.
func (c *CoordCache) Commit(path, units string, values []float64, now time.Time) error {
	key, err := c.identity(path)
	if err != nil {
		return err
	}
	return c.store.Put(key, &Record{
		Key:       key,
		Path:      path,
		Units:     units,
		Values:    values,
		CreatedAt: now,
	})
}
