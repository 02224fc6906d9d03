package tagindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayuresh/dhtfs/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	s := store.New[Dictionary](filepath.Join(t.TempDir(), "db"))
	idx := New(s)
	require.NoError(t, idx.Init(false))
	return idx
}

func el(name string) Element {
	return Element{Name: name}
}

func elAt(name, loc string) Element {
	return Element{Name: name, Location: loc}
}

func names(els []Element) []string {
	out := make([]string, 0, len(els))
	for _, e := range els {
		out = append(out, e.Name)
	}
	return out
}

func TestAddTagsAndElements(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("photo1")}, []string{"red", "2024"}))

	els, err := idx.Elements([]string{"red"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"photo1"}, names(els))

	tags, err := idx.TagsForElements([]Element{el("photo1")}, "", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"red", "2024"}, tags[el("photo1")])
}

func TestElementsIntersection(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"red", "2024"}))
	require.NoError(t, idx.AddTags([]Element{el("b")}, []string{"red"}))

	els, err := idx.Elements([]string{"red", "2024"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, names(els))

	els, err = idx.Elements([]string{"red"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(els))
}

// TestSameNameDifferentLocationAreDistinctElements guards the identity
// fix directly: two elements sharing a basename but backed by different
// locations (the way /work/notes.txt and /archive/notes.txt would be)
// must not collide into a single dictionary entry.
func TestSameNameDifferentLocationAreDistinctElements(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{elAt("notes.txt", "f_0001")}, []string{"work"}))
	require.NoError(t, idx.AddTags([]Element{elAt("notes.txt", "f_0002")}, []string{"archive"}))

	workEls, err := idx.Elements([]string{"work"})
	require.NoError(t, err)
	require.Len(t, workEls, 1)
	assert.Equal(t, "f_0001", workEls[0].Location)

	archiveEls, err := idx.Elements([]string{"archive"})
	require.NoError(t, err)
	require.Len(t, archiveEls, 1)
	assert.Equal(t, "f_0002", archiveEls[0].Location)
}

func TestDelTagsFromElementsPrunesEmptySets(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"red"}))
	orphaned, err := idx.DelTagsFromElements([]Element{el("a")}, []string{"red"})
	require.NoError(t, err)
	assert.Equal(t, []Element{el("a")}, orphaned)

	exists, err := idx.TagExists("red")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = idx.ElementExists(el("a"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelTagsFromElementsEmptyTagsRemovesAll(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"red", "2024"}))

	orphaned, err := idx.DelTagsFromElements([]Element{el("a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []Element{el("a")}, orphaned)

	exists, err := idx.ElementExists(el("a"))
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = idx.TagExists("red")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelElementsFromTagsPrunesEmptySets(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"red"}))

	orphaned, err := idx.DelElementsFromTags([]string{"red"}, []Element{el("a")})
	require.NoError(t, err)
	assert.Equal(t, []Element{el("a")}, orphaned)

	exists, err := idx.ElementExists(el("a"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDelElementsFromTagsLeavesStillTaggedElementAlone(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"red", "2024"}))

	orphaned, err := idx.DelElementsFromTags([]string{"red"}, []Element{el("a")})
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	exists, err := idx.ElementExists(el("a"))
	require.NoError(t, err)
	assert.True(t, exists)

	tags, err := idx.TagsForElements([]Element{el("a")}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024"}, tags[el("a")])
}

func TestRenameTagMergesElementSets(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"old"}))
	require.NoError(t, idx.AddTags([]Element{el("b")}, []string{"new"}))

	require.NoError(t, idx.RenameTag("old", "new"))

	els, err := idx.Elements([]string{"new"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(els))

	exists, err := idx.TagExists("old")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCommonTags(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"red", "big"}))
	require.NoError(t, idx.AddTags([]Element{el("b")}, []string{"red", "small"}))

	common, err := idx.CommonTags([]Element{el("a"), el("b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"red"}, common)
}

func TestFrequencyOrdering(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a"), el("b")}, []string{"red"}))
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"rare"}))

	freq, err := idx.Frequency(false)
	require.NoError(t, err)
	require.Len(t, freq, 2)
	assert.Equal(t, "red", freq[0].Tag)
	assert.Equal(t, 2, freq[0].Count)
}

func TestTagsAndElementsForTagsRestrictiveExcludesNonRefining(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.AddTags([]Element{el("a"), el("b"), el("c")}, []string{"all"}))
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"special"}))
	// "shared" is on every element of S, so it cannot narrow S.
	require.NoError(t, idx.AddTags([]Element{el("a"), el("b"), el("c")}, []string{"shared"}))

	tags, els, err := idx.TagsAndElementsForTags([]string{"all"}, true, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names(els))
	assert.Contains(t, tags, "special")
	assert.NotContains(t, tags, "shared")
}

func TestWriteCachingSessionBatchesMutations(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.SetWriteCaching())
	require.NoError(t, idx.AddTags([]Element{el("a")}, []string{"red"}))
	require.NoError(t, idx.AddTags([]Element{el("b")}, []string{"red"}))

	// Queries during the session see the in-memory state.
	els, err := idx.Elements([]string{"red"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(els))

	require.NoError(t, idx.DoneWriteCaching())

	els, err = idx.Elements([]string{"red"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names(els))
}
