package diskcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/petar/GoLLRB/llrb"
	"github.com/tunabay/go-infounit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	entryNameLength      = sha256.Size * 2
	tempPrefix           = ".tmp-"
	defaultPruneInterval = 5 * time.Minute
)

// FSStore keeps one file per cache key under a directory sharded by key hash.
// With a max size set, Prune removes the least recently written entries until the store fits.
type FSStore struct {
	dir           string
	maxSize       infounit.ByteCount
	pruneInterval time.Duration

	mu        sync.Mutex
	locks     map[string]*entryLock
	numFiles  uint64
	totalSize infounit.ByteCount

	tracer trace.Tracer
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type FSOption func(*FSStore)

// WithMaxSize bounds the total size of stored entries. 0 leaves the store unbounded.
func WithMaxSize(maxSize infounit.ByteCount) FSOption {
	return func(s *FSStore) {
		s.maxSize = maxSize
	}
}

func WithPruneInterval(interval time.Duration) FSOption {
	return func(s *FSStore) {
		s.pruneInterval = interval
	}
}

func NewFSStore(ctx context.Context, dir string, options ...FSOption) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("cache dir required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	s := &FSStore{
		dir:           abs,
		pruneInterval: defaultPruneInterval,
		locks:         make(map[string]*entryLock),
		tracer:        otel.Tracer("fetchcache/diskcache/fs"),
	}
	for _, option := range options {
		option(s)
	}

	if err := s.scan(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// scan counts existing entries and removes temp files left by interrupted writes
func (s *FSStore) scan(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	walker := func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			logger.WarnContext(ctx, "skipping unreadable path in cache dir", "path", path, "error", err.Error())
			return fs.SkipDir
		case d.IsDir():
			return nil
		}

		if strings.HasPrefix(d.Name(), tempPrefix) {
			if err := os.Remove(path); err != nil {
				logger.WarnContext(ctx, "failed to remove stale temp file", "path", path, "error", err.Error())
			}
			return nil
		}
		if !isEntryName(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		s.numFiles++
		s.totalSize += infounit.ByteCount(info.Size())
		return nil
	}
	if err := filepath.WalkDir(s.dir, walker); err != nil {
		return fmt.Errorf("%s: failed to read cache dir: %w", s.dir, err)
	}

	logger.InfoContext(ctx, "opened filesystem cache",
		"dir", s.dir,
		"files", s.numFiles,
		"size", fmt.Sprintf("%.1S", s.totalSize),
	)
	return nil
}

func (s *FSStore) Get(ctx context.Context, key cachekey.Key) (domain.Resource, bool, error) {
	ctx, span := s.tracer.Start(ctx, "FSStore.Get")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return domain.Resource{}, false, err
	}

	hash, path := s.pathFor(key)

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Resource{}, false, nil
	}
	if err != nil {
		return domain.Resource{}, false, fmt.Errorf("failed to open entry: %w", err)
	}
	defer f.Close()

	resource, err := decodeEntry(f)
	if err == nil && resource.Key != string(key) {
		err = fmt.Errorf("%w: entry belongs to key %q", ErrCorrupt, resource.Key)
	}
	if errors.Is(err, ErrCorrupt) {
		if removeErr := s.remove(hash, path, time.Time{}); removeErr != nil {
			logging.FromContext(ctx).WarnContext(ctx, "failed to remove corrupt entry", "path", path, "error", removeErr.Error())
		}
	}
	if err != nil {
		return domain.Resource{}, false, err
	}

	return resource, true, nil
}

func (s *FSStore) Put(ctx context.Context, key cachekey.Key, resource domain.Resource) error {
	ctx, span := s.tracer.Start(ctx, "FSStore.Put")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	hash, path := s.pathFor(key)
	unlock := s.lockEntry(hash)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create entry dir: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempName := tempFile.Name()

	resource.Key = string(key)
	err = encodeEntry(tempFile, resource)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tempName)
		return err
	}

	info, err := os.Stat(tempName)
	if err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("failed to stat temp file: %w", err)
	}

	var previousSize int64 = -1
	if previous, err := os.Stat(path); err == nil {
		previousSize = previous.Size()
	}

	if err := os.Rename(tempName, path); err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("failed to move entry into place: %w", err)
	}

	s.mu.Lock()
	if previousSize >= 0 {
		s.totalSize -= infounit.ByteCount(previousSize)
	} else {
		s.numFiles++
	}
	s.totalSize += infounit.ByteCount(info.Size())
	s.mu.Unlock()

	return nil
}

func (s *FSStore) Remove(ctx context.Context, key cachekey.Key) error {
	_, span := s.tracer.Start(ctx, "FSStore.Remove")
	defer span.End()

	hash, path := s.pathFor(key)
	return s.remove(hash, path, time.Time{})
}

// remove deletes the entry file. With a non-zero modTime the file is kept if it was rewritten since.
func (s *FSStore) remove(hash, path string, modTime time.Time) error {
	unlock := s.lockEntry(hash)
	defer unlock()

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat entry: %w", err)
	}
	if !modTime.IsZero() && !modTime.Equal(info.ModTime()) {
		return nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove entry: %w", err)
	}

	s.mu.Lock()
	s.numFiles--
	s.totalSize -= infounit.ByteCount(info.Size())
	s.mu.Unlock()

	return nil
}

type Stats struct {
	NumFiles  uint64
	TotalSize infounit.ByteCount
}

func (s *FSStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		NumFiles:  s.numFiles,
		TotalSize: s.totalSize,
	}
}

type pruneCandidate struct {
	hash    string
	path    string
	modTime time.Time
}

func (c *pruneCandidate) Less(item llrb.Item) bool {
	other := item.(*pruneCandidate)
	if c.modTime.Equal(other.modTime) {
		return c.path < other.path
	}
	return c.modTime.Before(other.modTime)
}

type PruneResult struct {
	Removed uint64
	Freed   infounit.ByteCount
}

func (s *FSStore) overflowing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize > 0 && s.totalSize > s.maxSize
}

// Prune removes the least recently written entries until the store is within its max size
func (s *FSStore) Prune(ctx context.Context) (PruneResult, error) {
	ctx, span := s.tracer.Start(ctx, "FSStore.Prune")
	defer span.End()

	if !s.overflowing() {
		return PruneResult{}, nil
	}

	tree := llrb.New()
	walker := func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return fs.SkipDir
		case d.IsDir():
			return nil
		}
		if !isEntryName(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		tree.InsertNoReplace(&pruneCandidate{
			hash:    d.Name(),
			path:    path,
			modTime: info.ModTime(),
		})
		return nil
	}
	if err := filepath.WalkDir(s.dir, walker); err != nil {
		return PruneResult{}, fmt.Errorf("failed to read cache dir: %w", err)
	}

	logger := logging.FromContext(ctx)
	before := s.Stats()

	var result PruneResult
	var pruneErr error
	tree.AscendGreaterOrEqual(&pruneCandidate{}, func(item llrb.Item) bool {
		if ctx.Err() != nil {
			pruneErr = ctx.Err()
			return false
		}
		if !s.overflowing() {
			return false
		}

		candidate := item.(*pruneCandidate)
		if err := s.remove(candidate.hash, candidate.path, candidate.modTime); err != nil {
			logger.WarnContext(ctx, "failed to prune entry", "path", candidate.path, "error", err.Error())
			return true
		}
		result.Removed++
		return true
	})

	after := s.Stats()
	if before.TotalSize > after.TotalSize {
		result.Freed = before.TotalSize - after.TotalSize
	}

	logger.InfoContext(ctx, "pruned filesystem cache",
		"removed", result.Removed,
		"freed", fmt.Sprintf("%.1S", result.Freed),
		"size", fmt.Sprintf("%.1S", after.TotalSize),
		"maxSize", fmt.Sprintf("%.1S", s.maxSize),
	)

	return result, pruneErr
}

// Serve prunes the store periodically until ctx is done
func (s *FSStore) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Prune(ctx); err != nil && ctx.Err() == nil {
			logging.FromContext(ctx).ErrorContext(ctx, "failed to prune filesystem cache", "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *FSStore) pathFor(key cachekey.Key) (hash, path string) {
	sum := sha256.Sum256([]byte(key))
	hash = hex.EncodeToString(sum[:])
	path = filepath.Join(s.dir, hash[:2], hash[2:4], hash)
	return hash, path
}

func (s *FSStore) lockEntry(hash string) func() {
	s.mu.Lock()
	lock := s.locks[hash]
	if lock == nil {
		lock = &entryLock{}
		s.locks[hash] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, hash)
		}
		s.mu.Unlock()
	}
}

func isEntryName(name string) bool {
	if len(name) != entryNameLength {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}
