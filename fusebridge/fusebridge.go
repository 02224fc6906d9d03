// Package fusebridge wires fsadapter.Adapter into bazil.org/fuse. It holds
// no tag-index state of its own: every operation resolves a path through
// the Adapter and translates its result (or error) into what the FUSE
// node/handle protocol expects.
package fusebridge

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"bazil.org/fuse/fuseutil"

	"github.com/mayuresh/dhtfs/fsadapter"
)

// FS implements fusefs.FS. A dhtfs mount has exactly one root node; every
// path below it is resolved lazily by fsadapter, so FS.Root always
// returns the same Node with an empty path.
type FS struct {
	Adapter *fsadapter.Adapter

	mu      sync.Mutex
	inodes  map[string]uint64
	nextIno uint64
}

// New returns an FS backed by adapter.
func New(adapter *fsadapter.Adapter) *FS {
	return &FS{
		Adapter: adapter,
		inodes:  make(map[string]uint64),
		nextIno: 2, // 1 is reserved for the root
	}
}

// Root implements fusefs.FS.
func (f *FS) Root() (fusefs.Node, error) {
	return &Node{fs: f, path: ""}, nil
}

// Statfs implements fusefs.FSStatfser.
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	st, err := f.Adapter.Statfs()
	if err != nil {
		return errnoFor(err)
	}
	resp.Blocks = uint64(st.Blocks)
	resp.Bfree = uint64(st.Bfree)
	resp.Bavail = uint64(st.Bavail)
	resp.Files = st.Files
	resp.Ffree = st.Ffree
	resp.Bsize = uint32(st.Bsize)
	resp.Namelen = 255
	resp.Frsize = uint32(st.Bsize)
	return nil
}

func (f *FS) inodeFor(path string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path == "" {
		return 1
	}
	if ino, ok := f.inodes[path]; ok {
		return ino
	}
	ino := f.nextIno
	f.nextIno++
	f.inodes[path] = ino
	return ino
}

func (f *FS) forgetInode(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inodes, path)
}

// Node is a single resolved path within the tag tree. It is revalidated
// against the Adapter on every call rather than cached, matching the
// Adapter's own invalidate-on-mutation cache discipline.
type Node struct {
	fs   *FS
	path string
}

func join(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}

// Attr implements fusefs.Node.
func (n *Node) Attr(ctx context.Context, attr *fuse.Attr) error {
	info, err := n.fs.Adapter.Getattr(n.path)
	if err != nil {
		return errnoFor(err)
	}
	attr.Inode = n.fs.inodeFor(n.path)
	attr.Size = uint64(info.Size())
	attr.Mode = info.Mode()
	attr.Mtime = info.ModTime()
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		attr.Uid = sys.Uid
		attr.Gid = sys.Gid
		attr.Nlink = uint32(sys.Nlink)
	}
	return nil
}

// Setattr implements fusefs.NodeSetattrer.
func (n *Node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Mode() {
		if err := n.fs.Adapter.Chmod(n.path, req.Mode); err != nil {
			return errnoFor(err)
		}
	}
	if req.Valid.Uid() || req.Valid.Gid() {
		if err := n.fs.Adapter.Chown(n.path, int(req.Uid), int(req.Gid)); err != nil {
			return errnoFor(err)
		}
	}
	if req.Valid.Size() {
		if err := n.fs.Adapter.Truncate(n.path, int64(req.Size)); err != nil {
			return errnoFor(err)
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		atime, mtime := req.Atime, req.Mtime
		if !req.Valid.Atime() {
			atime = time.Now()
		}
		if !req.Valid.Mtime() {
			mtime = time.Now()
		}
		if err := n.fs.Adapter.Utimes(n.path, atime.Unix(), mtime.Unix()); err != nil {
			return errnoFor(err)
		}
	}
	return n.Attr(ctx, &resp.Attr)
}

// Access implements fusefs.NodeAccesser.
func (n *Node) Access(ctx context.Context, req *fuse.AccessRequest) error {
	if err := n.fs.Adapter.Access(n.path); err != nil {
		return errnoFor(err)
	}
	return nil
}

// Lookup implements fusefs.NodeStringLookuper.
func (n *Node) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	child := join(n.path, name)
	if _, err := n.fs.Adapter.Getattr(child); err != nil {
		return nil, errnoFor(err)
	}
	return &Node{fs: n.fs, path: child}, nil
}

// ReadDirAll implements fusefs.HandleReadDirAller.
func (n *Node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := n.fs.Adapter.Readdir(n.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		typ := fuse.DT_File
		if e.IsDir {
			typ = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{
			Inode: n.fs.inodeFor(join(n.path, e.Name)),
			Name:  e.Name,
			Type:  typ,
		})
	}
	return out, nil
}

// Mkdir implements fusefs.NodeMkdirer.
func (n *Node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	child := join(n.path, req.Name)
	if err := n.fs.Adapter.Mkdir(child); err != nil {
		return nil, errnoFor(err)
	}
	return &Node{fs: n.fs, path: child}, nil
}

// Create implements fusefs.NodeCreater.
func (n *Node) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	child := join(n.path, req.Name)
	f, err := n.fs.Adapter.Open(child, posixFlags(req.Flags)|os.O_CREATE)
	if err != nil {
		return nil, nil, errnoFor(err)
	}
	node := &Node{fs: n.fs, path: child}
	return node, &FileHandle{node: node, file: f}, nil
}

// Remove implements fusefs.NodeRemover.
func (n *Node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := join(n.path, req.Name)
	var err error
	if req.Dir {
		err = n.fs.Adapter.Rmdir(child)
	} else {
		err = n.fs.Adapter.Unlink(child)
	}
	if err != nil {
		return errnoFor(err)
	}
	n.fs.forgetInode(child)
	return nil
}

// Rename implements fusefs.NodeRenamer.
func (n *Node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	destDir, ok := newDir.(*Node)
	if !ok {
		return fuse.Errno(syscall.EXDEV)
	}
	oldPath := join(n.path, req.OldName)
	newPath := join(destDir.path, req.NewName)
	if err := n.fs.Adapter.Rename(oldPath, newPath); err != nil {
		return errnoFor(err)
	}
	n.fs.forgetInode(oldPath)
	return nil
}

// Open implements fusefs.NodeOpener for existing files.
func (n *Node) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	f, err := n.fs.Adapter.Open(n.path, posixFlags(req.Flags))
	if err != nil {
		return nil, errnoFor(err)
	}
	return &FileHandle{node: n, file: f}, nil
}

// posixFlags translates bazil.org/fuse's OpenFlags bitmask into POSIX
// os.O_* bits. The bit test is an AND, not an OR: the original dhtfs
// implementation this project is modeled on had a flag-translation bug
// where an always-true OR was used where an AND was meant, silently
// forcing O_APPEND on every open.
func posixFlags(flags fuse.OpenFlags) int {
	var out int
	switch {
	case flags&fuse.OpenReadOnly != 0:
		out = os.O_RDONLY
	case flags&fuse.OpenWriteOnly != 0:
		out = os.O_WRONLY
	case flags&fuse.OpenReadWrite != 0:
		out = os.O_RDWR
	}
	if flags&fuse.OpenAppend != 0 {
		out |= os.O_APPEND
	}
	if flags&fuse.OpenTruncate != 0 {
		out |= os.O_TRUNC
	}
	return out
}

// FileHandle wraps an open backing *os.File.
type FileHandle struct {
	node *Node
	mu   sync.Mutex
	file *os.File
}

// Read implements fusefs.HandleReader.
func (h *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fuseutil.HandleRead(req, resp, nil, h.readAt)
}

func (h *FileHandle) readAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

// Write implements fusefs.HandleWriter.
func (h *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.file.WriteAt(req.Data, req.Offset)
	resp.Size = n
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

// Flush implements fusefs.HandleFlusher.
func (h *FileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return nil
}

// Fsync implements fusefs.HandleFsyncer.
func (h *FileHandle) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Sync(); err != nil {
		return errnoFor(err)
	}
	return nil
}

// Release implements fusefs.HandleReleaser.
func (h *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == fsadapter.ErrNotExist:
		return fuse.ENOENT
	case err == fsadapter.ErrPermission:
		return fuse.EPERM
	}
	var errno syscall.Errno
	if as(err, &errno) {
		return fuse.Errno(errno)
	}
	return fuse.EIO
}

// as walks err's Unwrap chain looking for a syscall.Errno, storing the
// first one found in target (an errors.As specialised to syscall.Errno).
func as(err error, target *syscall.Errno) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			*target = errno
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
