// Package store implements the persistent, single-blob durable store that
// backs the tag dictionary and the sequence counter: a data file guarded by
// a separate advisory-locked lock file, with an mtime-keyed in-memory read
// cache so repeated reads inside the validity window avoid re-decoding.
package store

import (
	"bytes"
	"encoding/gob"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind classifies a Store error so callers can branch on it without string
// matching.
type Kind int

const (
	// KindNone marks a non-error.
	KindNone Kind = iota
	// KindNotSetUp means Init has never been called for this path.
	KindNotSetUp
	// KindCorrupt means the data file exists but failed to decode.
	KindCorrupt
	// KindNoLock means the lock file could not be acquired or opened.
	KindNoLock
)

// Error is the error type returned by Store operations that need to be
// distinguished by kind rather than matched by text.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotSetUp:
		return "store: not set up: " + e.Path
	case KindCorrupt:
		return "store: corrupt: " + e.Path
	case KindNoLock:
		return "store: cannot lock: " + e.Path
	default:
		return "store: " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == k
	}
	return false
}

// Store is a generic persistent single-value store. T must be
// gob-encodable. One Store instance should be used per process per path;
// callers that need cross-process coordination rely on the lock file, not
// on in-process exclusion alone.
type Store[T any] struct {
	dataPath string
	lockPath string

	mu         sync.Mutex
	lockFile   *os.File
	lockDepth  int
	cacheValid bool
	cacheTime  time.Time
	cached     T
}

// New returns a Store bound to dataPath. The companion lock file is
// dataPath+".lock". Neither file is created or validated until Init, Read
// or a write operation is called.
func New[T any](dataPath string) *Store[T] {
	return &Store[T]{
		dataPath: dataPath,
		lockPath: dataPath + ".lock",
	}
}

// Init creates the store's data file with the given initial value. If the
// data file already exists and force is false, Init is a no-op and returns
// nil. If force is true, the existing data is discarded and overwritten.
func (s *Store[T]) Init(initial T, force bool) error {
	if !force {
		if _, err := os.Stat(s.dataPath); err == nil {
			return nil
		}
	}
	if err := s.lockExclusive(); err != nil {
		return err
	}
	defer s.unlock()
	return s.writeLocked(initial)
}

// CheckSetUp reports whether the store's data and lock files both exist.
func CheckSetUp(dataPath string) bool {
	if _, err := os.Stat(dataPath); err != nil {
		return false
	}
	if _, err := os.Stat(dataPath + ".lock"); err != nil {
		return false
	}
	return true
}

// Read returns the current value, acquiring a shared lock for the
// duration of the read. The in-memory cache is used instead of hitting
// disk when the data file's mtime has not changed since the last read.
func (s *Store[T]) Read() (T, error) {
	var zero T
	if err := s.lockShared(); err != nil {
		return zero, err
	}
	defer s.unlock()
	return s.readLocked()
}

// CommitWrite durably stores value and invalidates the read cache so the
// next Read reloads from disk. It does not repopulate the cache eagerly.
func (s *Store[T]) CommitWrite(value T) error {
	if err := s.lockExclusive(); err != nil {
		return err
	}
	defer s.unlock()
	return s.writeLocked(value)
}

// WithWriteLock runs fn while holding the exclusive lock across a
// read-modify-write sequence, used for atomic updates such as incrementing
// a counter. fn receives the current value and returns the value to
// commit.
func (s *Store[T]) WithWriteLock(fn func(current T) (T, error)) error {
	if err := s.lockExclusive(); err != nil {
		return err
	}
	defer s.unlock()
	current, err := s.readLocked()
	if err != nil && !IsKind(err, KindNotSetUp) {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	return s.writeLocked(next)
}

func (s *Store[T]) readLocked() (T, error) {
	var zero T
	info, err := os.Stat(s.dataPath)
	if os.IsNotExist(err) {
		return zero, &Error{Kind: KindNotSetUp, Path: s.dataPath}
	}
	if err != nil {
		return zero, errors.Wrap(err, "store: stat data file")
	}

	s.mu.Lock()
	if s.cacheValid && !info.ModTime().After(s.cacheTime) {
		v := s.cached
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	raw, err := os.ReadFile(s.dataPath)
	if err != nil {
		return zero, errors.Wrap(err, "store: read data file")
	}
	var v T
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return zero, &Error{Kind: KindCorrupt, Path: s.dataPath, Err: err}
	}

	s.mu.Lock()
	s.cached = v
	s.cacheValid = true
	s.cacheTime = info.ModTime()
	s.mu.Unlock()

	return v, nil
}

func (s *Store[T]) writeLocked(value T) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return errors.Wrap(err, "store: encode")
	}
	tmp := s.dataPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "store: write temp file")
	}
	if err := os.Rename(tmp, s.dataPath); err != nil {
		return errors.Wrap(err, "store: rename temp file")
	}

	s.mu.Lock()
	s.cacheValid = false
	s.mu.Unlock()
	return nil
}

// BeginExclusiveSession acquires the exclusive lock and holds it until
// EndExclusiveSession is called. Read and WithWriteLock calls made by the
// same Store instance while a session is open reuse the held lock instead
// of contending against it, so a bulk caller can freely interleave reads
// and writes without deadlocking itself.
func (s *Store[T]) BeginExclusiveSession() error {
	return s.lockExclusive()
}

// EndExclusiveSession releases the lock acquired by BeginExclusiveSession.
func (s *Store[T]) EndExclusiveSession() {
	s.unlock()
}

func (s *Store[T]) lockShared() error {
	return s.lock(unix.LOCK_SH)
}

func (s *Store[T]) lockExclusive() error {
	return s.lock(unix.LOCK_EX)
}

func (s *Store[T]) lock(how int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockFile != nil {
		s.lockDepth++
		return nil
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &Error{Kind: KindNoLock, Path: s.lockPath, Err: err}
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return &Error{Kind: KindNoLock, Path: s.lockPath, Err: err}
	}
	s.lockFile = f
	s.lockDepth = 1
	return nil
}

func (s *Store[T]) unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockFile == nil {
		return
	}
	s.lockDepth--
	if s.lockDepth > 0 {
		return
	}
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	s.lockFile.Close()
	s.lockFile = nil
}
