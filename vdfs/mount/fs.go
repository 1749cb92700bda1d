// Package mount exposes the cached repository as a FUSE filesystem.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/cache"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/paths"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/remote"
	"github.com/ZanzyTHEbar/virtual-davfs/vdfs/trees"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
)

// readdirPage is the number of entries requested per listing call.
const readdirPage = 256

// Flags of renameat2(2).
const (
	renameNoReplace = 0x1
	renameExchange  = 0x2
)

// Config holds the mount settings.
type Config struct {
	Debug      bool
	AllowOther bool
	// EntryTimeout is how long the kernel may cache names and attributes.
	EntryTimeout time.Duration
}

// FS binds a cache manager and a repository mutator to a FUSE mount.
type FS struct {
	cache   *cache.Manager
	mutator remote.Mutator
	cfg     Config
	logger  zerolog.Logger
	uid     uint32
	gid     uint32

	root *Node
}

// New creates the filesystem. Nothing is mounted yet.
func New(manager *cache.Manager, mutator remote.Mutator, cfg Config, logger zerolog.Logger) *FS {
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = time.Second
	}
	f := &FS{
		cache:   manager,
		mutator: mutator,
		cfg:     cfg,
		logger:  logger.With().Str("component", "mount").Logger(),
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
	}
	f.root = &Node{fsys: f}
	return f
}

// Root returns the root node.
func (f *FS) Root() *Node {
	return f.root
}

// Mount mounts the filesystem at mountPoint and starts forwarding cache
// changes to the kernel. The returned server must be unmounted by the caller.
func (f *FS) Mount(ctx context.Context, mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	timeout := f.cfg.EntryTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     "vdfs",
			Name:       "vdfs",
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          f.uid,
		GID:          f.gid,
	}

	server, err := fs.Mount(mountPoint, f.root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	go f.forwardChanges(ctx)

	f.logger.Info().Str("mountpoint", mountPoint).Msg("mounted")
	return server, nil
}

// forwardChanges drops kernel entries for paths the cache invalidated.
func (f *FS) forwardChanges(ctx context.Context) {
	events, cancel := f.cache.Changes().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case cache.ChangeInvalidate, cache.ChangeDelete:
				f.notifyEntry(ev.Path)
			case cache.ChangeRename:
				f.notifyEntry(ev.OldPath)
			}
		}
	}
}

func (f *FS) notifyEntry(local string) {
	parentPath, ok := paths.Parent(strings.TrimSuffix(local, paths.Separator))
	if !ok {
		return
	}
	parent := f.root.EmbeddedInode()
	if parentPath != paths.Root {
		for _, name := range strings.Split(strings.TrimPrefix(parentPath, paths.Separator), paths.Separator) {
			parent = parent.GetChild(name)
			if parent == nil {
				return
			}
		}
	}
	name := paths.Base(strings.TrimSuffix(local, paths.Separator))
	if errno := parent.NotifyEntry(name); errno != 0 {
		f.logger.Debug().Str("path", local).Str("errno", errno.Error()).Msg("entry notify failed")
	}
}

// Node is one file or folder of the mounted tree. Its path is derived from
// its position in the inode tree, so renames need no bookkeeping here.
type Node struct {
	fs.Inode
	fsys *FS
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)

func (n *Node) localPath() string {
	return paths.FromSlash(n.Path(nil))
}

// Getattr reports the cached attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	node, err := n.fsys.cache.Stat(ctx, n.localPath())
	if err != nil {
		return n.fsys.errno("getattr", n.localPath(), err)
	}
	n.fsys.fillAttr(node, &out.Attr)
	out.SetTimeout(n.fsys.cfg.EntryTimeout)
	return 0
}

// Lookup finds a child by name, listing this folder if needed.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := paths.Join(n.localPath(), name)
	node, err := n.fsys.cache.Stat(ctx, child)
	if err != nil {
		return nil, n.fsys.errno("lookup", child, err)
	}
	return n.newChild(ctx, node, out), 0
}

// Readdir pages through the folder listing with markers.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	folder := n.localPath()
	var (
		entries []gofuse.DirEntry
		marker  string
	)
	for {
		page, err := n.fsys.cache.GetFolderContent(ctx, folder, marker)
		if err != nil {
			return nil, n.fsys.errno("readdir", folder, err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) > readdirPage {
			page = page[:readdirPage]
		}
		for _, entry := range page {
			if entry.IsSynthetic() {
				continue
			}
			entries = append(entries, gofuse.DirEntry{
				Name: entry.Name,
				Mode: fileType(entry.Node),
			})
		}
		marker = page[len(page)-1].Name
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a folder on the repository and in the cache.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := paths.Join(n.localPath(), name)
	if _, err := n.fsys.cache.Stat(ctx, child); err == nil {
		return nil, syscall.EEXIST
	}

	store := n.fsys.cache.Store()
	repoPath := store.Translator().LocalToRepository(child)
	if err := n.fsys.mutator.Mkdir(ctx, repoPath); err != nil {
		return nil, n.fsys.errno("mkdir", child, err)
	}

	node := trees.NewNode(child, repoPath, trees.Attributes{IsDir: true, ModTime: time.Now()})
	if err := store.Insert(node); err != nil {
		n.fsys.logger.Debug().Err(err).Str("path", child).Msg("created folder not cached")
	}
	n.fsys.logger.Info().Str("path", child).Msg("created directory")
	return n.newChild(ctx, node.Snapshot(), out), 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, false)
}

// Rmdir removes an empty folder.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(ctx, name, true)
}

func (n *Node) remove(ctx context.Context, name string, dir bool) syscall.Errno {
	child := paths.Join(n.localPath(), name)
	node, err := n.fsys.cache.Stat(ctx, child)
	if err != nil {
		return n.fsys.errno("remove", child, err)
	}
	switch {
	case dir && !node.IsDirectory():
		return syscall.ENOTDIR
	case !dir && node.IsDirectory():
		return syscall.EISDIR
	}
	if dir {
		entries, err := n.fsys.cache.GetFolderContent(ctx, child, "")
		if err != nil {
			return n.fsys.errno("rmdir", child, err)
		}
		for _, entry := range entries {
			if !entry.IsSynthetic() {
				return syscall.ENOTEMPTY
			}
		}
	}

	if err := n.fsys.mutator.Remove(ctx, node.RepositoryPath); err != nil {
		return n.fsys.errno("remove", child, err)
	}
	if err := n.fsys.cache.Store().Delete(child); err != nil {
		n.fsys.logger.Debug().Err(err).Str("path", child).Msg("removed entry was not cached")
	}
	n.fsys.logger.Info().Str("path", child).Msg("removed")
	return 0
}

// Rename moves a file or folder, replacing an existing target.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags&renameExchange != 0 {
		return syscall.ENOTSUP
	}
	target, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}

	oldPath := paths.Join(n.localPath(), name)
	newPath := paths.Join(target.localPath(), newName)
	node, err := n.fsys.cache.Stat(ctx, oldPath)
	if err != nil {
		return n.fsys.errno("rename", oldPath, err)
	}
	if flags&renameNoReplace != 0 {
		if _, err := n.fsys.cache.Stat(ctx, newPath); err == nil {
			return syscall.EEXIST
		}
	}

	store := n.fsys.cache.Store()
	if err := n.fsys.mutator.Rename(ctx, node.RepositoryPath, store.Translator().LocalToRepository(newPath)); err != nil {
		return n.fsys.errno("rename", oldPath, err)
	}

	err = store.WithLock(func(tx *cache.Tx) error {
		if _, exists := tx.Get(newPath); exists {
			if err := tx.Delete(newPath); err != nil {
				return err
			}
		}
		return tx.Rename(oldPath, newPath)
	})
	if err != nil {
		// The repository moved; let the next listings pick the change up.
		n.fsys.logger.Warn().Err(err).Str("from", oldPath).Str("to", newPath).Msg("cache rename failed, invalidating")
		_ = store.Invalidate(oldPath)
		_ = store.Invalidate(newPath)
	}
	n.fsys.logger.Info().Str("from", oldPath).Str("to", newPath).Msg("renamed")
	return 0
}

func (n *Node) newChild(ctx context.Context, node trees.Node, out *gofuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(node, &out.Attr)
	out.SetEntryTimeout(n.fsys.cfg.EntryTimeout)
	out.SetAttrTimeout(n.fsys.cfg.EntryTimeout)
	return n.NewInode(ctx, &Node{fsys: n.fsys}, fs.StableAttr{Mode: fileType(node)})
}

func (f *FS) fillAttr(node trees.Node, out *gofuse.Attr) {
	if node.IsDirectory() {
		out.Mode = 0o755 | syscall.S_IFDIR
		out.Nlink = 2
	} else {
		out.Mode = 0o644 | syscall.S_IFREG
		out.Nlink = 1
		out.Size = uint64(node.Attributes.Size)
		out.Blocks = (out.Size + 511) / 512
	}
	mtime := node.Attributes.ModTime
	if mtime.IsZero() {
		mtime = node.LastRefresh
	}
	out.SetTimes(&mtime, &mtime, &mtime)
	out.Uid = f.uid
	out.Gid = f.gid
}

func fileType(node trees.Node) uint32 {
	if node.IsDirectory() {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

func (f *FS) errno(op, path string, err error) syscall.Errno {
	errno := toErrno(err)
	if errno == syscall.EIO {
		f.logger.Error().Err(err).Str("op", op).Str("path", path).Msg("request failed")
	} else {
		f.logger.Debug().Err(err).Str("op", op).Str("path", path).Str("errno", errno.Error()).Msg("request refused")
	}
	return errno
}

// toErrno maps cache and repository errors to FUSE status codes.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cache.ErrNotFound),
		errors.Is(err, cache.ErrUnknownFolder),
		errors.Is(err, remote.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, cache.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, cache.ErrDuplicateKey):
		return syscall.EEXIST
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
