package sequence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayuresh/dhtfs/store"
)

func TestNextIncrementsFromZeroOnFirstUse(t *testing.T) {
	s := store.New[uint64](filepath.Join(t.TempDir(), "seq"))
	seq := New(s)

	first, err := seq.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)

	second, err := seq.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second)
}

func TestNewFileNameFormat(t *testing.T) {
	name := NewFileName(255)
	assert.Equal(t, "f_000000000000000000000000000000ff", name)
	assert.Len(t, name, len(FilePrefix)+nameWidth)
}

func TestNextFileNameAllocates(t *testing.T) {
	s := store.New[uint64](filepath.Join(t.TempDir(), "seq"))
	seq := New(s)

	a, err := seq.NextFileName()
	require.NoError(t, err)
	b, err := seq.NextFileName()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
