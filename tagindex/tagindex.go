// Package tagindex implements the bidirectional tag/element association: a
// flat set of elements, a flat set of tags, and the two-way mapping
// between them (t2e/e2t), plus the restrictive/cover query refinement used
// to synthesize directory listings from a conjunctive tag path.
package tagindex

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/mayuresh/dhtfs/store"
)

// Element is a single tagged entity: a name (the path component the
// filesystem exposes) paired with its backing Location. Identity -
// equality and hashing both - is over the (Location, Name) pair, not Name
// alone: two elements with the same basename but different backing
// locations are unrelated entries, the way two files named notes.txt in
// different directories are unrelated on a real filesystem.
type Element struct {
	Name     string
	Location string
}

// Dictionary is the on-disk schema: a bidirectional tag/element map plus a
// reserved, currently unused element-attribute map carried through
// round-trips unmodified. Both maps are keyed by the full Element value,
// not by name, so Location participates in identity.
type Dictionary struct {
	T2E map[string]map[Element]struct{}
	E2T map[Element]map[string]struct{}
	E2A map[Element]map[string]string
}

func newDictionary() Dictionary {
	return Dictionary{
		T2E: make(map[string]map[Element]struct{}),
		E2T: make(map[Element]map[string]struct{}),
		E2A: make(map[Element]map[string]string),
	}
}

// Index is the Tag Index component: a Dictionary durably backed by a
// store.Store, plus an optional write-caching session for bulk mutation.
type Index struct {
	store *store.Store[Dictionary]

	writeCaching bool
	cached       Dictionary
}

// New wraps a store.Store already bound to a Tag Dictionary data file.
func New(s *store.Store[Dictionary]) *Index {
	return &Index{store: s}
}

// Init creates the backing Tag Dictionary if it does not already exist
// (or unconditionally, if force is true).
func (idx *Index) Init(force bool) error {
	return idx.store.Init(newDictionary(), force)
}

func (idx *Index) snapshot() (Dictionary, error) {
	if idx.writeCaching {
		return idx.cached, nil
	}
	return idx.store.Read()
}

// SetWriteCaching begins a bulk-mutation session: the exclusive lock is
// held for the whole session and every mutation accumulates in memory
// until DoneWriteCaching flushes it. Queries made during the session see
// the in-memory state, not the on-disk state.
func (idx *Index) SetWriteCaching() error {
	if idx.writeCaching {
		return nil
	}
	if err := idx.store.BeginExclusiveSession(); err != nil {
		return err
	}
	d, err := idx.store.Read()
	if err != nil && !store.IsKind(err, store.KindNotSetUp) {
		idx.store.EndExclusiveSession()
		return err
	}
	if store.IsKind(err, store.KindNotSetUp) {
		d = newDictionary()
	}
	idx.cached = d
	idx.writeCaching = true
	return nil
}

// DoneWriteCaching flushes the accumulated in-memory state and ends the
// session, releasing the exclusive lock.
func (idx *Index) DoneWriteCaching() error {
	if !idx.writeCaching {
		return nil
	}
	defer idx.store.EndExclusiveSession()
	idx.writeCaching = false
	return idx.store.CommitWrite(idx.cached)
}

func (idx *Index) mutate(fn func(d Dictionary) Dictionary) error {
	if idx.writeCaching {
		idx.cached = fn(idx.cached)
		return nil
	}
	return idx.store.WithWriteLock(func(current Dictionary) (Dictionary, error) {
		if current.T2E == nil {
			current = newDictionary()
		}
		return fn(current), nil
	})
}

// AddTags associates every tag in tags with every element in elements.
// Blank tags are filtered out. If elements is empty, the tags are still
// registered in the dictionary (so TagExists reports them) but no element
// binding changes - this is how a directory-like tag with no elements yet
// gets pre-created. TagsAndElementsForTags does not list such a tag, since
// it only proposes tags carried by matched elements.
func (idx *Index) AddTags(elements []Element, tags []string) error {
	return idx.mutate(func(d Dictionary) Dictionary {
		filtered := make([]string, 0, len(tags))
		for _, t := range tags {
			if t == "" {
				continue
			}
			filtered = append(filtered, t)
		}
		if len(elements) == 0 {
			for _, t := range filtered {
				if _, ok := d.T2E[t]; !ok {
					d.T2E[t] = make(map[Element]struct{})
				}
			}
			return d
		}
		for _, e := range elements {
			if _, ok := d.E2T[e]; !ok {
				d.E2T[e] = make(map[string]struct{})
			}
			for _, t := range filtered {
				d.E2T[e][t] = struct{}{}
				if _, ok := d.T2E[t]; !ok {
					d.T2E[t] = make(map[Element]struct{})
				}
				d.T2E[t][e] = struct{}{}
			}
		}
		return d
	})
}

// DelTagsFromElements removes the given tags from each of the given
// elements. If tags is empty, every tag the element currently carries is
// removed instead - full deletion. Tags left with no elements are dropped
// from T2E (no-empty-set invariant). Elements left with no tags are
// pruned from E2T/E2A and returned to the caller, which is responsible
// for whatever depends on an element's existence (a backing file, for
// instance) - tagindex itself has no notion of backing files.
func (idx *Index) DelTagsFromElements(elements []Element, tags []string) ([]Element, error) {
	var orphaned []Element
	err := idx.mutate(func(d Dictionary) Dictionary {
		for _, e := range elements {
			et, ok := d.E2T[e]
			if !ok {
				continue
			}
			removeTags := tags
			if len(removeTags) == 0 {
				removeTags = make([]string, 0, len(et))
				for t := range et {
					removeTags = append(removeTags, t)
				}
			}
			for _, t := range removeTags {
				delete(et, t)
				if te, ok := d.T2E[t]; ok {
					delete(te, e)
					if len(te) == 0 {
						delete(d.T2E, t)
					}
				}
			}
			if len(et) == 0 {
				delete(d.E2T, e)
				delete(d.E2A, e)
				orphaned = append(orphaned, e)
			}
		}
		return d
	})
	return orphaned, err
}

// DelElementsFromTags removes the given elements from the given tags -
// the inverse of DelTagsFromElements, scoped by tag rather than by
// element. If tags is empty, each element is dropped from every tag it
// carries (full removal), symmetric with DelTagsFromElements's own
// empty-tags case. Elements whose tag set becomes empty as a result are
// pruned from the dictionary and returned to the caller.
func (idx *Index) DelElementsFromTags(tags []string, elements []Element) ([]Element, error) {
	var orphaned []Element
	err := idx.mutate(func(d Dictionary) Dictionary {
		for _, e := range elements {
			removeTags := tags
			if len(removeTags) == 0 {
				et := d.E2T[e]
				removeTags = make([]string, 0, len(et))
				for t := range et {
					removeTags = append(removeTags, t)
				}
			}
			for _, t := range removeTags {
				if te, ok := d.T2E[t]; ok {
					delete(te, e)
					if len(te) == 0 {
						delete(d.T2E, t)
					}
				}
				if et, ok := d.E2T[e]; ok {
					delete(et, t)
				}
			}
			if et, ok := d.E2T[e]; ok && len(et) == 0 {
				delete(d.E2T, e)
				delete(d.E2A, e)
				orphaned = append(orphaned, e)
			}
		}
		return d
	})
	return orphaned, err
}

// RenameTag replaces every occurrence of oldTag with newTag across both
// directions of the mapping. If newTag already exists, the two tags'
// element sets are merged.
func (idx *Index) RenameTag(oldTag, newTag string) error {
	if oldTag == newTag {
		return nil
	}
	return idx.mutate(func(d Dictionary) Dictionary {
		oldSet, ok := d.T2E[oldTag]
		if !ok {
			return d
		}
		newSet, ok := d.T2E[newTag]
		if !ok {
			newSet = make(map[Element]struct{})
		}
		for e := range oldSet {
			newSet[e] = struct{}{}
			if et, ok := d.E2T[e]; ok {
				delete(et, oldTag)
				et[newTag] = struct{}{}
			}
		}
		d.T2E[newTag] = newSet
		delete(d.T2E, oldTag)
		return d
	})
}

// TagsForElements returns, for a set of elements, the tags attached to
// each. When filter is "in", only tags present in filterList are kept;
// when "not_in", only tags absent from filterList are kept; empty filter
// means no filtering.
func (idx *Index) TagsForElements(elements []Element, filter string, filterList []string) (map[Element][]string, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return map[Element][]string{}, nil
		}
		return nil, err
	}
	filterSet := toSet(filterList)
	out := make(map[Element][]string, len(elements))
	for _, e := range elements {
		var tags []string
		for t := range d.E2T[e] {
			if !passesFilter(t, filter, filterSet) {
				continue
			}
			tags = append(tags, t)
		}
		sort.Strings(tags)
		out[e] = tags
	}
	return out, nil
}

// ElementsForTags returns, for each tag, its directly associated elements.
func (idx *Index) ElementsForTags(tags []string) (map[string][]Element, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return map[string][]Element{}, nil
		}
		return nil, err
	}
	out := make(map[string][]Element, len(tags))
	for _, t := range tags {
		var els []Element
		for e := range d.T2E[t] {
			els = append(els, e)
		}
		sort.Slice(els, func(i, j int) bool { return els[i].Name < els[j].Name })
		out[t] = els
	}
	return out, nil
}

// Elements returns every element currently tagged with every tag in tags
// (the conjunctive intersection).
func (idx *Index) Elements(tags []string) ([]Element, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return nil, nil
		}
		return nil, err
	}
	matched := intersectTagElements(d, tags)
	els := make([]Element, 0, len(matched))
	for e := range matched {
		els = append(els, e)
	}
	sort.Slice(els, func(i, j int) bool { return els[i].Name < els[j].Name })
	return els, nil
}

// ElementExists reports whether el is a known element.
func (idx *Index) ElementExists(el Element) (bool, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return false, nil
		}
		return false, err
	}
	_, ok := d.E2T[el]
	return ok, nil
}

// TagExists reports whether tag is present in the dictionary. A tag
// registered by AddTags with no elements counts as present.
func (idx *Index) TagExists(tag string) (bool, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return false, nil
		}
		return false, err
	}
	_, ok := d.T2E[tag]
	return ok, nil
}

// CommonTags returns the tags shared by every element in elements.
func (idx *Index) CommonTags(elements []Element) ([]string, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return nil, nil
		}
		return nil, err
	}
	if len(elements) == 0 {
		return nil, nil
	}
	common := toSet(tagsOf(d, elements[0]))
	for _, e := range elements[1:] {
		cur := toSet(tagsOf(d, e))
		for t := range common {
			if _, ok := cur[t]; !ok {
				delete(common, t)
			}
		}
	}
	out := make([]string, 0, len(common))
	for t := range common {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Frequency returns every tag paired with its element count, sorted
// ascending by count when ascending is true, descending otherwise.
func (idx *Index) Frequency(ascending bool) ([]TagCount, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]TagCount, 0, len(d.T2E))
	for t, els := range d.T2E {
		out = append(out, TagCount{Tag: t, Count: len(els)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			if ascending {
				return out[i].Count < out[j].Count
			}
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// TagCount pairs a tag with the number of elements carrying it.
type TagCount struct {
	Tag   string
	Count int
}

// remainingElementsThreshold is the |S| above which a restrictive or
// cover refinement also trims the returned element list down to the
// elements the refinement tags don't already account for, instead of
// handing back the full matched set for the caller to render in full.
const remainingElementsThreshold = 20

// TagsAndElementsForTags implements the restrictive/cover refinement at
// the heart of directory listing. Let S be the elements matching the
// conjunction of tags, and C the tags appearing on any element of S other
// than tags themselves.
//
// If restrictive is set, only candidates that actually narrow S are kept
// (|t2e[t] ∩ S| < |S|); this test is skipped when tags is empty, so at
// the root every candidate is returned. If cover
// is set instead, a greedy minimal set cover of S by C is computed. If
// neither is set, all of C is returned.
//
// The returned element list is S in full, unless a refinement was
// requested and |S| exceeds remainingElementsThreshold, in which case it
// is S minus the elements already accounted for by the refinement tags.
func (idx *Index) TagsAndElementsForTags(tags []string, restrictive, cover bool) ([]string, []Element, error) {
	d, err := idx.snapshot()
	if err != nil {
		if store.IsKind(err, store.KindNotSetUp) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	matched := intersectTagElements(d, tags)

	given := toSet(tags)
	candidateSet := make(map[string]struct{})
	for e := range matched {
		for t := range d.E2T[e] {
			if _, already := given[t]; already {
				continue
			}
			candidateSet[t] = struct{}{}
		}
	}
	candidates := make([]string, 0, len(candidateSet))
	for t := range candidateSet {
		candidates = append(candidates, t)
	}

	var refined []string
	switch {
	case restrictive && len(tags) > 0:
		for _, t := range candidates {
			count := 0
			for e := range matched {
				if _, ok := d.T2E[t][e]; ok {
					count++
				}
			}
			if count < len(matched) {
				refined = append(refined, t)
			}
		}
		sort.Strings(refined)
	case restrictive:
		// Never applied when tags is empty: return every candidate.
		refined = append(refined, candidates...)
		sort.Strings(refined)
	case cover:
		refined = greedyCover(d, candidates)
	default:
		refined = append(refined, candidates...)
		sort.Strings(refined)
	}

	remaining := matched
	if (restrictive || cover) && len(matched) > remainingElementsThreshold {
		remaining = make(map[Element]struct{}, len(matched))
		for e := range matched {
			remaining[e] = struct{}{}
		}
		for _, t := range refined {
			for e := range d.T2E[t] {
				delete(remaining, e)
			}
		}
	}

	elements := make([]Element, 0, len(remaining))
	for e := range remaining {
		elements = append(elements, e)
	}
	sort.Slice(elements, func(i, j int) bool { return elements[i].Name < elements[j].Name })

	return refined, elements, nil
}

// greedyCover implements the deterministic near-minimal set-cover
// heuristic: sort candidates descending by global tag size, repeatedly
// take the largest remaining one, then drop every other remaining
// candidate whose element set is a strict subset of the one just taken.
func greedyCover(d Dictionary, candidates []string) []string {
	remaining := append([]string(nil), candidates...)
	sort.Slice(remaining, func(i, j int) bool {
		if len(d.T2E[remaining[i]]) != len(d.T2E[remaining[j]]) {
			return len(d.T2E[remaining[i]]) > len(d.T2E[remaining[j]])
		}
		return remaining[i] < remaining[j]
	})

	var result []string
	for len(remaining) > 1 {
		chosen := remaining[0]
		result = append(result, chosen)
		chosenSet := d.T2E[chosen]
		next := remaining[:0:0]
		for _, t := range remaining[1:] {
			if isStrictSubset(d.T2E[t], chosenSet) {
				continue
			}
			next = append(next, t)
		}
		remaining = next
	}
	if len(remaining) == 1 {
		result = append(result, remaining[0])
	}
	return result
}

func isStrictSubset(a, b map[Element]struct{}) bool {
	if len(a) >= len(b) {
		return false
	}
	for e := range a {
		if _, ok := b[e]; !ok {
			return false
		}
	}
	return true
}

func tagsOf(d Dictionary, e Element) []string {
	et := d.E2T[e]
	out := make([]string, 0, len(et))
	for t := range et {
		out = append(out, t)
	}
	return out
}

func intersectTagElements(d Dictionary, tags []string) map[Element]struct{} {
	if len(tags) == 0 {
		out := make(map[Element]struct{}, len(d.E2T))
		for e := range d.E2T {
			out[e] = struct{}{}
		}
		return out
	}
	var result map[Element]struct{}
	for i, t := range tags {
		set := d.T2E[t]
		if i == 0 {
			result = make(map[Element]struct{}, len(set))
			for e := range set {
				result[e] = struct{}{}
			}
			continue
		}
		for e := range result {
			if _, ok := set[e]; !ok {
				delete(result, e)
			}
		}
	}
	if result == nil {
		return map[Element]struct{}{}
	}
	return result
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func passesFilter(tag, filter string, filterSet map[string]struct{}) bool {
	switch filter {
	case "in":
		_, ok := filterSet[tag]
		return ok
	case "not_in":
		_, ok := filterSet[tag]
		return !ok
	default:
		return true
	}
}

// ErrUnknownFilter is returned by callers (not tagindex itself) that
// receive an unrecognized filter value; tagindex treats anything other
// than "in"/"not_in" as no filtering, matching the original's default
// branch, but fsadapter-level callers that want strictness can use this.
var ErrUnknownFilter = errors.New("tagindex: unknown filter")
