package dirhelper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayuresh/dhtfs/store"
	"github.com/mayuresh/dhtfs/tagindex"
)

func newTestHelper(t *testing.T) *Helper {
	t.Helper()
	root := t.TempDir()
	s := store.New[tagindex.Dictionary](filepath.Join(root, "db"))
	idx := tagindex.New(s)
	require.NoError(t, idx.Init(false))
	return New(idx, root)
}

func el(name string) tagindex.Element {
	return tagindex.Element{Name: name}
}

func TestCreateDirsReifiesBackingDirectory(t *testing.T) {
	h := newTestHelper(t)
	require.NoError(t, h.CreateDirs([]string{"red"}))

	assert.True(t, h.IsDirectory("red"))
	info, err := os.Stat(filepath.Join(h.Root, DirPrefix+"red"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestIsDirectorySurvivesLastElementRemoval(t *testing.T) {
	h := newTestHelper(t)
	require.NoError(t, h.CreateDirs([]string{"red"}))
	require.NoError(t, h.AddDirsToFiles([]tagindex.Element{el("photo1")}, []string{"red"}))

	_, err := h.DelFilesFromDirs([]tagindex.Element{el("photo1")}, []string{"red"})
	require.NoError(t, err)

	// The backing directory, and IsDirectory, survive the tag dropping out
	// of the index once its last element is gone.
	assert.True(t, h.IsDirectory("red"))
}

func TestDeleteDirsRemovesBackingDirectoryAndAssociations(t *testing.T) {
	h := newTestHelper(t)
	require.NoError(t, h.CreateDirs([]string{"red"}))
	require.NoError(t, h.AddDirsToFiles([]tagindex.Element{el("photo1")}, []string{"red"}))

	orphaned, err := h.DeleteDirs([]string{"red"})
	require.NoError(t, err)

	assert.False(t, h.IsDirectory("red"))
	_, err = os.Stat(filepath.Join(h.Root, DirPrefix+"red"))
	assert.True(t, os.IsNotExist(err))

	// photo1 was tagged only with "red": dropping that tag must empty its
	// tag set, and DeleteDirs must report it as orphaned so the caller can
	// unlink its backing file, rather than leaving a present-but-empty
	// dictionary entry behind.
	require.Equal(t, []tagindex.Element{el("photo1")}, orphaned)

	exists, err := h.Index.ElementExists(el("photo1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeleteDirsLeavesMultiTaggedElementUnorphaned(t *testing.T) {
	h := newTestHelper(t)
	require.NoError(t, h.CreateDirs([]string{"red", "2024"}))
	require.NoError(t, h.AddDirsToFiles([]tagindex.Element{el("photo1")}, []string{"red", "2024"}))

	orphaned, err := h.DeleteDirs([]string{"red"})
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	exists, err := h.Index.ElementExists(el("photo1"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRenameDirRenamesOnlyLastComponent(t *testing.T) {
	h := newTestHelper(t)
	require.NoError(t, h.CreateDirs([]string{"2024"}))
	require.NoError(t, h.AddDirsToFiles([]tagindex.Element{el("photo1")}, []string{"2024"}))

	require.NoError(t, h.RenameDir([]string{"2024"}, []string{"2025"}))

	assert.True(t, h.IsDirectory("2025"))
	assert.False(t, h.IsDirectory("2024"))

	dirs, err := h.GetDirsForFiles([]tagindex.Element{el("photo1")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2025"}, dirs[el("photo1")])
}

func TestGetDirsAndFilesForDirsFiltersToReifiedDirs(t *testing.T) {
	h := newTestHelper(t)
	require.NoError(t, h.CreateDirs([]string{"red", "blue"}))
	require.NoError(t, h.AddDirsToFiles([]tagindex.Element{el("photo1")}, []string{"red"}))
	// "informational" tag never reified as a directory
	require.NoError(t, h.Index.AddTags([]tagindex.Element{el("photo1")}, []string{"tag_only"}))

	dirs, els, err := h.GetDirsAndFilesForDirs(nil, true, false)
	require.NoError(t, err)
	assert.Contains(t, dirs, "red")
	assert.NotContains(t, dirs, "tag_only")
	require.Len(t, els, 1)
	assert.Equal(t, "photo1", els[0].Name)
}

func TestGetActualLocationResolvesWithinConjunction(t *testing.T) {
	h := newTestHelper(t)
	require.NoError(t, h.CreateDirs([]string{"red"}))
	require.NoError(t, h.AddDirsToFiles([]tagindex.Element{{Name: "photo1", Location: "f_0001"}}, []string{"red"}))

	loc, ok, err := h.GetActualLocation([]string{"red"}, "photo1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f_0001", loc)

	_, ok, err = h.GetActualLocation([]string{"red"}, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
