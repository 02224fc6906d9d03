// Package dirhelper reifies a subset of tags as backing directories,
// letting the filesystem adapter create, rename and remove tags the way a
// user expects to create, rename and remove directories, while everything
// else about those tags remains ordinary Tag Index state.
package dirhelper

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mayuresh/dhtfs/tagindex"
)

// DirPrefix names the backing directory reifying a tag: t_<tag>.
const DirPrefix = "t_"

// DefaultDirMode is the mode newly created backing directories get.
const DefaultDirMode = 0o755

// Helper composes a *tagindex.Index with backing-directory bookkeeping. It
// deliberately does not inherit from Index (Go has no inheritance); every
// tag operation it needs is called explicitly on its Index field.
type Helper struct {
	Index *tagindex.Index
	Root  string // data root directory the t_<tag> directories live under
}

// New returns a Helper rooted at root, operating on idx.
func New(idx *tagindex.Index, root string) *Helper {
	return &Helper{Index: idx, Root: root}
}

func (h *Helper) backingPath(tag string) string {
	return filepath.Join(h.Root, DirPrefix+tag)
}

// IsDirectory reports whether tag is currently reified as a backing
// directory. This is keyed on backing-directory existence rather than on
// tag-dictionary membership so that a directory created via CreateDirs
// remains nameable, renameable and removable even after its last element
// is deleted and it drops out of the tag index entirely.
func (h *Helper) IsDirectory(tag string) bool {
	info, err := os.Stat(h.backingPath(tag))
	return err == nil && info.IsDir()
}

// CreateDirs reifies each tag in tags as a backing directory. Tags that
// are already reified are left untouched.
func (h *Helper) CreateDirs(tags []string) error {
	for _, t := range tags {
		if h.IsDirectory(t) {
			continue
		}
		if err := os.Mkdir(h.backingPath(t), DefaultDirMode); err != nil && !os.IsExist(err) {
			return errors.Wrapf(err, "dirhelper: create backing dir for %q", t)
		}
	}
	return nil
}

// AddDirsToFiles tags each of the given elements with each of the given
// directory tags.
func (h *Helper) AddDirsToFiles(elements []tagindex.Element, dirs []string) error {
	return h.Index.AddTags(elements, dirs)
}

// DeleteDirs removes the backing directory and all tag associations for
// each tag in tags. Elements that end up with no tags at all as a result
// are pruned from the index and returned to the caller, which owns
// whatever depends on an element's existence (its backing file).
func (h *Helper) DeleteDirs(tags []string) ([]tagindex.Element, error) {
	var orphaned []tagindex.Element
	for _, t := range tags {
		els, err := h.Index.Elements([]string{t})
		if err != nil {
			return nil, err
		}
		if len(els) > 0 {
			gone, err := h.Index.DelElementsFromTags([]string{t}, els)
			if err != nil {
				return nil, err
			}
			orphaned = append(orphaned, gone...)
		}
		if err := os.Remove(h.backingPath(t)); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "dirhelper: remove backing dir for %q", t)
		}
	}
	return orphaned, nil
}

// DelFilesFromDirs untags the given elements from the given directory
// tags. Elements left with no tags at all are pruned from the index and
// returned to the caller.
func (h *Helper) DelFilesFromDirs(elements []tagindex.Element, dirs []string) ([]tagindex.Element, error) {
	return h.Index.DelTagsFromElements(elements, dirs)
}

// DelFiles removes the given elements from the tag index entirely (every
// tag they carry).
func (h *Helper) DelFiles(elements []tagindex.Element) error {
	_, err := h.Index.DelTagsFromElements(elements, nil)
	return err
}

// GetAllDirs returns every tag currently reified as a directory.
func (h *Helper) GetAllDirs() ([]string, error) {
	entries, err := os.ReadDir(h.Root)
	if err != nil {
		return nil, errors.Wrap(err, "dirhelper: read root")
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) > len(DirPrefix) && e.Name()[:len(DirPrefix)] == DirPrefix {
			dirs = append(dirs, e.Name()[len(DirPrefix):])
		}
	}
	return dirs, nil
}

// GetDirsForFiles returns, for each element, the directory tags (tags
// that are currently reified) it carries.
func (h *Helper) GetDirsForFiles(elements []tagindex.Element) (map[tagindex.Element][]string, error) {
	tagsByElement, err := h.Index.TagsForElements(elements, "", nil)
	if err != nil {
		return nil, err
	}
	out := make(map[tagindex.Element][]string, len(elements))
	for e, tags := range tagsByElement {
		var dirs []string
		for _, t := range tags {
			if h.IsDirectory(t) {
				dirs = append(dirs, t)
			}
		}
		out[e] = dirs
	}
	return out, nil
}

// GetDirsAndFilesForDirs is the directory-listing primitive: given the
// tags forming the current path, it returns the refining directory tags
// plus the elements satisfying the conjunction, using the Tag Index's
// restrictive/cover algorithm and filtering candidate tags down to
// reified directories.
func (h *Helper) GetDirsAndFilesForDirs(tags []string, restrictive, cover bool) ([]string, []tagindex.Element, error) {
	candidates, elements, err := h.Index.TagsAndElementsForTags(tags, restrictive, cover)
	if err != nil {
		return nil, nil, err
	}
	var dirs []string
	for _, t := range candidates {
		if h.IsDirectory(t) {
			dirs = append(dirs, t)
		}
	}
	return dirs, elements, nil
}

// RenameDir renames a directory path. Per the data model's directory
// reification semantics, only the last path component is re-tagged and
// (if it differs) its backing directory is renamed; other path components
// are treated as informational context for the caller, not re-verified.
func (h *Helper) RenameDir(oldPath, newPath []string) error {
	if len(oldPath) == 0 || len(newPath) == 0 {
		return errors.New("dirhelper: empty path")
	}
	oldLast := oldPath[len(oldPath)-1]
	newLast := newPath[len(newPath)-1]
	if oldLast == newLast {
		return nil
	}
	if err := h.Index.RenameTag(oldLast, newLast); err != nil {
		return err
	}
	oldBacking := h.backingPath(oldLast)
	newBacking := h.backingPath(newLast)
	if _, err := os.Stat(oldBacking); err == nil {
		if err := os.Rename(oldBacking, newBacking); err != nil {
			return errors.Wrap(err, "dirhelper: rename backing dir")
		}
	} else if os.IsNotExist(err) {
		// Tag existed in the index without a reified directory (should not
		// normally happen once CreateDirs has run) — still create the new
		// backing directory so IsDirectory holds for the renamed tag.
		if err := os.Mkdir(newBacking, DefaultDirMode); err != nil && !os.IsExist(err) {
			return errors.Wrap(err, "dirhelper: create backing dir after rename")
		}
	}
	return nil
}

// GetAllFiles returns every known element.
func (h *Helper) GetAllFiles() ([]tagindex.Element, error) {
	return h.Index.Elements(nil)
}

// GetFilesForDirs returns the elements satisfying the conjunction of the
// given directory tags (a plain intersection, without refining tags or
// the restrictive/cover trimming).
func (h *Helper) GetFilesForDirs(tags []string) ([]tagindex.Element, error) {
	return h.Index.Elements(tags)
}

// GetActualLocation resolves (dirs, filename) to a backing location:
// among the elements satisfying the conjunction dirs, it finds the
// (expected unique) element whose name equals filename and returns its
// location. The second return value is false if no such element exists.
func (h *Helper) GetActualLocation(dirs []string, filename string) (string, bool, error) {
	els, err := h.Index.Elements(dirs)
	if err != nil {
		return "", false, err
	}
	for _, e := range els {
		if e.Name == filename {
			return e.Location, true, nil
		}
	}
	return "", false, nil
}
