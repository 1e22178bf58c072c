// Package cachefs exposes the metadata cache as a read-only afero.Fs.
// Directory listings go through the cache, which refreshes them from the
// metadata engine; file contents come from the content store.
package cachefs

import (
	"context"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/javi11/metafs/internal/content"
	cerrors "github.com/javi11/metafs/internal/errors"
	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/populator"
)

// ensure FileSystem implements afero.Fs
var _ afero.Fs = (*FileSystem)(nil)

// FileSystem is a read-only view of the cache.
type FileSystem struct {
	cache   *fscache.Cache
	pop     *populator.Populator
	content *content.Store
	log     *slog.Logger
}

// New creates the view. store may be nil, in which case files stat but
// cannot be read.
func New(cache *fscache.Cache, pop *populator.Populator, store *content.Store) *FileSystem {
	return &FileSystem{
		cache:   cache,
		pop:     pop,
		content: store,
		log:     slog.Default().With("component", "cachefs"),
	}
}

// cachePath maps a filesystem name to the cache path under the view root.
func (fs *FileSystem) cachePath(name string) string {
	name = path.Clean("/" + strings.TrimPrefix(name, "/"))
	return path.Join(fs.cache.Root().Path(), name)
}

func (fs *FileSystem) resolve(ctx context.Context, op, name string) (*fscache.Node, error) {
	n, err := fs.pop.Resolve(ctx, fs.cachePath(name))
	if err != nil {
		if cerrors.IsNotFound(err) {
			return nil, &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
		}
		fs.log.WarnContext(ctx, "Failed to resolve path", "path", name, "error", err)
		return nil, &os.PathError{Op: op, Path: name, Err: err}
	}
	return n, nil
}

// StatContext is Stat with a caller supplied context.
func (fs *FileSystem) StatContext(ctx context.Context, name string) (os.FileInfo, error) {
	n, err := fs.resolve(ctx, "stat", name)
	if err != nil {
		return nil, err
	}
	return newFileInfo(n), nil
}

// OpenContext is Open with a caller supplied context.
func (fs *FileSystem) OpenContext(ctx context.Context, name string) (afero.File, error) {
	n, err := fs.resolve(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return &dirFile{readOnlyFile: readOnlyFile{name}, fs: fs, node: n, ctx: ctx}, nil
	}
	return &objectFile{readOnlyFile: readOnlyFile{name}, fs: fs, node: n}, nil
}

func (fs *FileSystem) Stat(name string) (os.FileInfo, error) {
	return fs.StatContext(context.Background(), name)
}

func (fs *FileSystem) Open(name string) (afero.File, error) {
	return fs.OpenContext(context.Background(), name)
}

func (fs *FileSystem) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, readOnly("open", name)
	}
	return fs.Open(name)
}

func (fs *FileSystem) Name() string { return "cachefs" }

func (fs *FileSystem) Create(name string) (afero.File, error) {
	return nil, readOnly("create", name)
}

func (fs *FileSystem) Mkdir(name string, _ os.FileMode) error {
	return readOnly("mkdir", name)
}

func (fs *FileSystem) MkdirAll(name string, _ os.FileMode) error {
	return readOnly("mkdir", name)
}

func (fs *FileSystem) Remove(name string) error {
	return readOnly("remove", name)
}

func (fs *FileSystem) RemoveAll(name string) error {
	return readOnly("remove", name)
}

func (fs *FileSystem) Rename(oldname, _ string) error {
	return readOnly("rename", oldname)
}

func (fs *FileSystem) Chmod(name string, _ os.FileMode) error {
	return readOnly("chmod", name)
}

func (fs *FileSystem) Chown(name string, _, _ int) error {
	return readOnly("chown", name)
}

func (fs *FileSystem) Chtimes(name string, _, _ time.Time) error {
	return readOnly("chtimes", name)
}

func readOnly(op, name string) error {
	return &os.PathError{Op: op, Path: name, Err: os.ErrPermission}
}

type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func newFileInfo(n *fscache.Node) *fileInfo {
	fi := &fileInfo{
		name:    n.Name(),
		size:    n.Size(),
		mode:    0o444,
		modTime: n.ModifyTime(),
	}
	if n.IsDir() {
		fi.mode = os.ModeDir | 0o555
		fi.size = 0
	}
	if fi.modTime.IsZero() {
		fi.modTime = n.CreateTime()
	}
	return fi
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() any           { return nil }
