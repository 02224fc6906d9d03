package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBeforeInitReturnsNotSetUp(t *testing.T) {
	s := New[int](filepath.Join(t.TempDir(), "db"))
	_, err := s.Read()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotSetUp))
}

func TestInitThenReadRoundTrips(t *testing.T) {
	s := New[string](filepath.Join(t.TempDir(), "db"))
	require.NoError(t, s.Init("hello", false))

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestInitWithoutForceIsNoopIfAlreadySetUp(t *testing.T) {
	s := New[string](filepath.Join(t.TempDir(), "db"))
	require.NoError(t, s.Init("one", false))
	require.NoError(t, s.Init("two", false))

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "one", got)
}

func TestInitWithForceOverwrites(t *testing.T) {
	s := New[string](filepath.Join(t.TempDir(), "db"))
	require.NoError(t, s.Init("one", false))
	require.NoError(t, s.Init("two", true))

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestCommitWriteInvalidatesCache(t *testing.T) {
	s := New[int](filepath.Join(t.TempDir(), "db"))
	require.NoError(t, s.Init(1, false))

	v, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, s.CommitWrite(2))

	v, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestWithWriteLockReadModifyWrite(t *testing.T) {
	s := New[int](filepath.Join(t.TempDir(), "db"))
	require.NoError(t, s.Init(0, false))

	for i := 0; i < 5; i++ {
		err := s.WithWriteLock(func(current int) (int, error) {
			return current + 1, nil
		})
		require.NoError(t, err)
	}

	v, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestExclusiveSessionAllowsReentrantReads(t *testing.T) {
	s := New[int](filepath.Join(t.TempDir(), "db"))
	require.NoError(t, s.Init(42, false))

	require.NoError(t, s.BeginExclusiveSession())
	defer s.EndExclusiveSession()

	v, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.NoError(t, s.WithWriteLock(func(current int) (int, error) {
		return current + 1, nil
	}))

	v, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, 43, v)
}

func TestCheckSetUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	assert.False(t, CheckSetUp(path))

	s := New[int](path)
	require.NoError(t, s.Init(0, false))
	assert.True(t, CheckSetUp(path))
}
