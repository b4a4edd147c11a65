// Package cache persists conditional-GET metadata and bodies, one file per
// URL, so repeated runs can detect entry updates and deletions.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// schemaVersion tags every record on disk. Records with an unknown version
// are treated as a miss and overwritten on the next write.
const schemaVersion = 1

const lockStripes = 64

// Record is the persisted outcome of the last completed fetch of a URL.
type Record struct {
	Version      int       `json:"version"`
	URL          string    `json:"url"`
	Status       int       `json:"status"`
	FinalURL     string    `json:"final_url"`
	Etag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	Body         []byte    `json:"body,omitempty"`
	Digest       string    `json:"digest,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	Links        []string  `json:"links,omitempty"`
}

// Store is a file-per-URL record store. The zero directory ("") disables
// persistence: Get always misses and Put is a no-op.
type Store struct {
	dir   string
	log   *zap.Logger
	now   func() time.Time
	locks [lockStripes]sync.Mutex
}

// New creates a Store rooted at dir. An empty dir returns a disabled store.
func New(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{dir: dir, log: log, now: time.Now}
	if dir == "" {
		return s, nil
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("cache path %q is not a directory", dir)
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache directory: %w", mkErr)
		}
	default:
		return nil, fmt.Errorf("stat cache directory: %w", err)
	}

	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up write probe: %w", err)
	}
	return s, nil
}

// Enabled reports whether records are persisted.
func (s *Store) Enabled() bool {
	return s.dir != ""
}

// Get returns the record for a normalized URL, or (nil, false) on a miss.
// Unreadable, corrupt, and wrong-version files are all misses.
func (s *Store) Get(url string) (*Record, bool) {
	if s.dir == "" {
		return nil, false
	}
	name := FileName(url)
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cache read failed", zap.String("url", url), zap.Error(err))
		}
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("cache record corrupt", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	if rec.Version != schemaVersion {
		s.log.Debug("cache record has unknown schema",
			zap.String("url", url), zap.Int("version", rec.Version))
		return nil, false
	}
	return &rec, true
}

// Put writes the record for a normalized URL. Writes go to a temporary
// sibling and are renamed into place so readers never see a partial record.
func (s *Store) Put(url string, rec *Record) error {
	if s.dir == "" {
		return nil
	}
	rec.Version = schemaVersion
	rec.URL = url
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = s.now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	name := FileName(url)
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache record: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("commit cache record: %w", err)
	}
	return nil
}

// Touch bumps the fetch timestamp of an existing record without disturbing
// its body or links, used to throttle refetches after a failed request.
func (s *Store) Touch(url string) {
	rec, ok := s.Get(url)
	if !ok {
		return
	}
	rec.FetchedAt = s.now().UTC()
	if err := s.Put(url, rec); err != nil {
		s.log.Warn("cache touch failed", zap.String("url", url), zap.Error(err))
	}
}

// SetLinks replaces the stored outbound-link set of an existing record.
func (s *Store) SetLinks(url string, links []string) {
	rec, ok := s.Get(url)
	if !ok {
		return
	}
	rec.Links = links
	if err := s.Put(url, rec); err != nil {
		s.log.Warn("cache link update failed", zap.String("url", url), zap.Error(err))
	}
}

// FileName returns the on-disk name for a normalized URL: the hex SHA-256
// of the URL string.
func FileName(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Digest returns the hex SHA-256 of a fetched body, stored for change
// detection across runs.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (s *Store) lockFor(name string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(name))
	return &s.locks[h.Sum32()%lockStripes]
}
