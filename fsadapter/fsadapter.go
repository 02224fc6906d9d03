// Package fsadapter resolves tag-query paths to backing files and exposes
// the filesystem operations a kernel bridge needs, without itself knowing
// anything about FUSE.
package fsadapter

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/mayuresh/dhtfs/dirhelper"
	"github.com/mayuresh/dhtfs/internal/dhtfslog"
	"github.com/mayuresh/dhtfs/sequence"
	"github.com/mayuresh/dhtfs/store"
	"github.com/mayuresh/dhtfs/tagindex"
)

// MissingLocation is the sentinel Location value recorded for an element
// that has been tagged but has no backing file (the placeholder element
// Mkdir creates). A path that resolves to it is treated as missing: Open
// with O_CREATE then tags a new element with a freshly allocated location,
// and the placeholder itself keeps MissingLocation.
const MissingLocation = "__missing__"

// MaxDirEntries is the combined tag-plus-element count past which a
// restrictive listing falls back to a cover listing (unless the policy is
// CoverNever), to keep readdir output from exploding combinatorially once
// many unrelated tags apply to the same elements.
const MaxDirEntries = 210

// Cover controls the restrictive/cover readdir fallback policy.
type Cover int

const (
	// CoverDontCare runs the teacher's original adaptive policy: try
	// restrictive first, fall back to cover when the restrictive result is
	// too thin or the combined restrictive count would overflow
	// MaxDirEntries.
	CoverDontCare Cover = iota
	// CoverAlways always performs the cover query.
	CoverAlways
	// CoverNever suppresses the MaxDirEntries overflow fallback. The
	// thin-result fallback (fewer than 2 elements while refining tags
	// exist) still performs the cover query.
	CoverNever
)

// ErrNotExist is returned when a path resolves to an element or tag that
// does not exist.
var ErrNotExist = errors.New("fsadapter: does not exist")

// ErrPermission is returned for operations this filesystem does not
// support (access checks beyond existence, for instance).
var ErrPermission = errors.New("fsadapter: permission denied")

// Entry is one entry in a directory listing: either a tag (IsDir true) or
// an element (IsDir false).
type Entry struct {
	Name  string
	IsDir bool
}

// Adapter is the Filesystem Adapter component.
type Adapter struct {
	dataRoot    string
	filesRoot   string
	index       *tagindex.Index
	dirs        *dirhelper.Helper
	seq         *sequence.Sequence
	cover       Cover

	mu        sync.Mutex
	pathCache map[string]string // joined tag path -> backing location
}

// New builds an Adapter rooted at dataRoot. dataRoot must already have
// been initialized by Setup.
func New(dataRoot string, cover Cover) *Adapter {
	filesRoot := filepath.Join(dataRoot, "files")
	dictStore := store.New[tagindex.Dictionary](filepath.Join(dataRoot, ".dhtfs.db"))
	seqStore := store.New[uint64](filepath.Join(dataRoot, ".dhtfs.seq"))
	idx := tagindex.New(dictStore)
	return &Adapter{
		dataRoot:  dataRoot,
		filesRoot: filesRoot,
		index:     idx,
		dirs:      dirhelper.New(idx, dataRoot),
		seq:       sequence.New(seqStore),
		cover:     cover,
		pathCache: make(map[string]string),
	}
}

// Setup initializes a fresh or existing data root: creates the files
// directory, the tag dictionary and the sequence counter. If force is
// true, an existing tag dictionary is reinitialized to empty.
func Setup(dataRoot string, force bool) error {
	filesRoot := filepath.Join(dataRoot, "files")
	if err := os.MkdirAll(filesRoot, 0o755); err != nil {
		return errors.Wrap(err, "fsadapter: create files dir")
	}
	dictStore := store.New[tagindex.Dictionary](filepath.Join(dataRoot, ".dhtfs.db"))
	if err := tagindex.New(dictStore).Init(force); err != nil {
		return err
	}
	seqStore := store.New[uint64](filepath.Join(dataRoot, ".dhtfs.seq"))
	if err := seqStore.Init(0, force); err != nil {
		return err
	}
	return nil
}

// CheckSetup reports whether dataRoot has been initialized.
func CheckSetup(dataRoot string) bool {
	return store.CheckSetUp(filepath.Join(dataRoot, ".dhtfs.db")) &&
		store.CheckSetUp(filepath.Join(dataRoot, ".dhtfs.seq"))
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Resolve maps a tag-query path to its backing filesystem path. It never
// fails for a simply-missing element; callers that require existence use
// Getattr/Open semantics to turn a miss into ErrNotExist.
func (a *Adapter) Resolve(path string) (string, error) {
	a.mu.Lock()
	if loc, ok := a.pathCache[path]; ok {
		a.mu.Unlock()
		return a.backingPathFor(loc), nil
	}
	a.mu.Unlock()

	parts := splitPath(path)
	if len(parts) == 0 {
		return a.dataRoot, nil
	}

	dirTags, base := parts[:len(parts)-1], parts[len(parts)-1]

	// Is the whole path a conjunction of directory tags (i.e. a directory
	// itself, not a directory-plus-element)?
	if a.dirs.IsDirectory(base) {
		allTags := parts
		ok, err := allTagsKnown(a.dirs, allTags)
		if err != nil {
			return "", err
		}
		if ok {
			return a.dataRoot, nil
		}
	}

	el, ok, err := a.findElement(dirTags, base)
	if err != nil {
		return "", err
	}
	if ok {
		a.mu.Lock()
		a.pathCache[path] = el.Location
		a.mu.Unlock()
		return a.backingPathFor(el.Location), nil
	}

	return a.backingPathFor(MissingLocation), nil
}

// findElement looks up the (expected unique) element tagged with every
// tag in dirTags whose name equals base.
func (a *Adapter) findElement(dirTags []string, base string) (tagindex.Element, bool, error) {
	els, err := a.index.Elements(dirTags)
	if err != nil {
		return tagindex.Element{}, false, err
	}
	for _, e := range els {
		if e.Name == base {
			return e, true, nil
		}
	}
	return tagindex.Element{}, false, nil
}

func allTagsKnown(h *dirhelper.Helper, tags []string) (bool, error) {
	for _, t := range tags {
		if !h.IsDirectory(t) {
			return false, nil
		}
	}
	return true, nil
}

func (a *Adapter) backingPathFor(loc string) string {
	if loc == "" || loc == MissingLocation {
		return filepath.Join(a.filesRoot, MissingLocation)
	}
	return filepath.Join(a.filesRoot, loc)
}

func (a *Adapter) invalidate(paths ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(paths) == 0 {
		a.pathCache = make(map[string]string)
		return
	}
	for _, p := range paths {
		delete(a.pathCache, p)
	}
}

// Readdir synthesizes a directory listing for path: refining tags plus
// matching elements, with the restrictive/cover fallback policy.
func (a *Adapter) Readdir(path string) ([]Entry, error) {
	tags := splitPath(path)
	dhtfslog.Debugf("readdir %q", path)

	dirs, els, err := a.dirs.GetDirsAndFilesForDirs(tags, true, false)
	if err != nil {
		return nil, err
	}

	needCover := a.cover == CoverAlways ||
		(len(els) < 2 && len(dirs) > 0) ||
		(len(dirs)+len(els) > MaxDirEntries && a.cover != CoverNever)

	if needCover {
		dirs, els, err = a.dirs.GetDirsAndFilesForDirs(tags, false, true)
		if err != nil {
			return nil, err
		}
	}

	out := make([]Entry, 0, len(dirs)+len(els))
	for _, d := range dirs {
		out = append(out, Entry{Name: d, IsDir: true})
	}
	for _, e := range els {
		if e.Location == MissingLocation {
			continue
		}
		out = append(out, Entry{Name: e.Name})
	}
	return out, nil
}

// Getattr resolves path to a backing file and lstats it. Returns
// ErrNotExist if the path has no backing file (a pure tag-conjunction
// directory still resolves to the data root and stats successfully).
func (a *Adapter) Getattr(path string) (os.FileInfo, error) {
	backing, err := a.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(backing)
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errors.Wrap(err, "fsadapter: lstat")
	}
	return info, nil
}

// Open resolves path to a backing file and opens it with flags. If the
// resolved element is the missing sentinel and flags request creation,
// Open allocates a fresh backing filename, tags it into place, and opens
// the new file.
func (a *Adapter) Open(path string, flags int) (*os.File, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, ErrNotExist
	}
	dirTags, base := parts[:len(parts)-1], parts[len(parts)-1]

	backing, err := a.Resolve(path)
	if err != nil {
		return nil, err
	}

	isMissing := filepath.Base(backing) == MissingLocation
	if isMissing {
		if flags&os.O_CREATE == 0 {
			return nil, ErrNotExist
		}
		name, err := a.seq.NextFileName()
		if err != nil {
			return nil, err
		}
		if err := a.createElement(base, dirTags, name); err != nil {
			return nil, err
		}
		backing = filepath.Join(a.filesRoot, name)
		a.invalidate(path)
	}

	f, err := os.OpenFile(backing, flags, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "fsadapter: open")
	}
	return f, nil
}

func (a *Adapter) createElement(name string, dirTags []string, backingName string) error {
	if err := a.dirs.CreateDirs(dirTags); err != nil {
		return err
	}
	el := tagindex.Element{Name: name, Location: backingName}
	if err := a.index.AddTags([]tagindex.Element{el}, dirTags); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(a.filesRoot, backingName), os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "fsadapter: create backing file")
	}
	return f.Close()
}

// Mkdir creates a new directory tag at path (the last path component) and
// reifies it as a backing directory, and creates a placeholder element
// tagged with every path component. The placeholder (location ==
// MissingLocation, so it is filtered out of file listings) is what keeps
// a freshly created, still-empty directory tag visible to readdir: a
// directory tag otherwise has no elements to be discovered through until
// something is actually written under it.
func (a *Adapter) Mkdir(path string) error {
	dhtfslog.Debugf("mkdir %q", path)
	parts := splitPath(path)
	if len(parts) == 0 {
		return ErrNotExist
	}
	last := parts[len(parts)-1]
	if err := a.dirs.CreateDirs([]string{last}); err != nil {
		return err
	}
	name, err := a.seq.NextFileName()
	if err != nil {
		return err
	}
	el := tagindex.Element{Name: name, Location: MissingLocation}
	if err := a.index.AddTags([]tagindex.Element{el}, parts); err != nil {
		return err
	}
	a.invalidate()
	return nil
}

// Rmdir removes the directory tag named by the last component of path.
// Any element left with no tags at all as a result (an element that was
// tagged only with this one directory) has its backing file removed too.
func (a *Adapter) Rmdir(path string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return ErrNotExist
	}
	last := parts[len(parts)-1]
	orphaned, err := a.dirs.DeleteDirs([]string{last})
	if err != nil {
		return err
	}
	if err := a.unlinkOrphaned(orphaned); err != nil {
		return err
	}
	a.invalidate()
	return nil
}

func (a *Adapter) unlinkOrphaned(elements []tagindex.Element) error {
	for _, el := range elements {
		if el.Location == MissingLocation {
			continue
		}
		backing := filepath.Join(a.filesRoot, el.Location)
		if err := os.Remove(backing); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "fsadapter: remove orphaned backing file")
		}
	}
	return nil
}

// Unlink removes the element at path. If it is still tagged along other
// paths besides the one given, only the given directory tags are removed
// from it; otherwise its backing file is removed too.
func (a *Adapter) Unlink(path string) error {
	dhtfslog.Debugf("unlink %q", path)
	parts := splitPath(path)
	if len(parts) == 0 {
		return ErrNotExist
	}
	dirTags, base := parts[:len(parts)-1], parts[len(parts)-1]

	el, ok, err := a.findElement(dirTags, base)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotExist
	}

	orphaned, err := a.index.DelElementsFromTags(dirTags, []tagindex.Element{el})
	if err != nil {
		return err
	}
	if err := a.unlinkOrphaned(orphaned); err != nil {
		return err
	}
	a.invalidate(path)
	return nil
}

// Rename moves oldPath to newPath. If the final component names a
// directory tag, the directory-rename semantics of dirhelper.RenameDir
// apply (last component only); otherwise it is treated as a file rename:
// the element is untagged from the old directory path and a new element,
// sharing its backing location but carrying the new path's basename, is
// tagged onto the new one. Changing the basename on rename is expected -
// Element identity is the (location, name) pair, so this genuinely
// creates a new element and retires the old one, exactly the way moving
// /red/a.txt to /red/b.txt on a real filesystem replaces one directory
// entry with another pointing at the same inode.
func (a *Adapter) Rename(oldPath, newPath string) error {
	dhtfslog.Debugf("rename %q -> %q", oldPath, newPath)
	oldParts := splitPath(oldPath)
	newParts := splitPath(newPath)
	if len(oldParts) == 0 || len(newParts) == 0 {
		return ErrNotExist
	}
	oldLast := oldParts[len(oldParts)-1]

	if a.dirs.IsDirectory(oldLast) {
		if err := a.dirs.RenameDir(oldParts, newParts); err != nil {
			return err
		}
		a.invalidate()
		return nil
	}

	oldDirTags, base := oldParts[:len(oldParts)-1], oldParts[len(oldParts)-1]
	newDirTags := newParts[:len(newParts)-1]
	newBase := newParts[len(newParts)-1]

	el, ok, err := a.findElement(oldDirTags, base)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotExist
	}

	if _, err := a.index.DelElementsFromTags(oldDirTags, []tagindex.Element{el}); err != nil {
		return err
	}
	renamed := tagindex.Element{Name: newBase, Location: el.Location}
	if err := a.index.AddTags([]tagindex.Element{renamed}, newDirTags); err != nil {
		return err
	}
	a.invalidate(oldPath, newPath)
	return nil
}

// Chmod, Chown, Truncate and Utime are passthrough operations against the
// resolved backing file; dhtfs stores no metadata of its own beyond tags.

func (a *Adapter) Chmod(path string, mode os.FileMode) error {
	backing, err := a.Resolve(path)
	if err != nil {
		return err
	}
	return os.Chmod(backing, mode)
}

func (a *Adapter) Chown(path string, uid, gid int) error {
	backing, err := a.Resolve(path)
	if err != nil {
		return err
	}
	return os.Chown(backing, uid, gid)
}

func (a *Adapter) Truncate(path string, size int64) error {
	backing, err := a.Resolve(path)
	if err != nil {
		return err
	}
	return os.Truncate(backing, size)
}

func (a *Adapter) Utimes(path string, atime, mtime int64) error {
	backing, err := a.Resolve(path)
	if err != nil {
		return err
	}
	return os.Chtimes(backing, timeFromUnix(atime), timeFromUnix(mtime))
}

// Access reports whether path exists; dhtfs grants no finer-grained
// permission model than "exists or not".
func (a *Adapter) Access(path string) error {
	_, err := a.Getattr(path)
	return err
}

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0)
}

// Statfs delegates to the underlying data root filesystem.
func (a *Adapter) Statfs() (*syscall.Statfs_t, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(a.dataRoot, &st); err != nil {
		return nil, errors.Wrap(err, "fsadapter: statfs")
	}
	return &st, nil
}
