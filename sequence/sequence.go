// Package sequence implements the monotonic counter used to generate
// unique backing filenames for newly created elements.
package sequence

import (
	"fmt"

	"github.com/mayuresh/dhtfs/store"
)

// FilePrefix is prepended to every generated backing filename.
const FilePrefix = "f_"

// nameWidth is the number of hex digits a generated filename is padded to.
const nameWidth = 32

// Sequence is a persistent monotonically increasing counter.
type Sequence struct {
	store *store.Store[uint64]
}

// New wraps a store.Store already bound to a sequence counter data file.
func New(s *store.Store[uint64]) *Sequence {
	return &Sequence{store: s}
}

// Next atomically increments and returns the counter, creating and
// initializing the backing store to zero on first use.
func (s *Sequence) Next() (uint64, error) {
	var next uint64
	err := s.store.WithWriteLock(func(current uint64) (uint64, error) {
		next = current + 1
		return next, nil
	})
	if store.IsKind(err, store.KindNotSetUp) {
		if initErr := s.store.Init(0, false); initErr != nil {
			return 0, initErr
		}
		return s.Next()
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

// NewFileName returns a backing filename derived from n, matching the
// layout readers and the Directory Helper expect: FilePrefix followed by n
// in lowercase hex, zero-padded to nameWidth digits.
func NewFileName(n uint64) string {
	return fmt.Sprintf("%s%0*x", FilePrefix, nameWidth, n)
}

// NextFileName allocates the next counter value and formats it as a
// backing filename in one call.
func (s *Sequence) NextFileName() (string, error) {
	n, err := s.Next()
	if err != nil {
		return "", err
	}
	return NewFileName(n), nil
}
