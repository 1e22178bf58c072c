package cachefs

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"syscall"

	"github.com/spf13/afero"

	"github.com/javi11/metafs/internal/content"
	"github.com/javi11/metafs/internal/fscache"
)

var (
	_ afero.File = (*dirFile)(nil)
	_ afero.File = (*objectFile)(nil)
)

// readOnlyFile holds the write half of afero.File shared by both handles.
type readOnlyFile struct {
	name string
}

func (f readOnlyFile) Write([]byte) (int, error) {
	return 0, readOnly("write", f.name)
}

func (f readOnlyFile) WriteAt([]byte, int64) (int, error) {
	return 0, readOnly("write", f.name)
}

func (f readOnlyFile) WriteString(string) (int, error) {
	return 0, readOnly("write", f.name)
}

func (f readOnlyFile) Truncate(int64) error {
	return readOnly("truncate", f.name)
}

func (f readOnlyFile) Sync() error { return nil }

// dirFile lists a directory through the cache. The listing is taken on the
// first Readdir call and paged from there.
type dirFile struct {
	readOnlyFile
	fs      *FileSystem
	node    *fscache.Node
	ctx     context.Context
	entries []os.FileInfo
	loaded  bool
	offset  int
}

func (d *dirFile) load() error {
	if d.loaded {
		return nil
	}
	children, err := d.fs.cache.ListChildren(d.ctx, d.node)
	if err != nil {
		return &os.PathError{Op: "readdir", Path: d.name, Err: err}
	}
	d.entries = make([]os.FileInfo, 0, len(children))
	for _, c := range children {
		d.entries = append(d.entries, newFileInfo(c))
	}
	sort.Slice(d.entries, func(i, j int) bool {
		return d.entries[i].Name() < d.entries[j].Name()
	})
	d.loaded = true
	return nil
}

func (d *dirFile) Readdir(count int) ([]os.FileInfo, error) {
	if err := d.load(); err != nil {
		return nil, err
	}

	rest := d.entries[d.offset:]
	if count <= 0 {
		d.offset = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	if count > len(rest) {
		count = len(rest)
	}
	d.offset += count
	return rest[:count], nil
}

func (d *dirFile) Readdirnames(n int) ([]string, error) {
	infos, err := d.Readdir(n)
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, err
}

func (d *dirFile) Stat() (os.FileInfo, error) { return newFileInfo(d.node), nil }
func (d *dirFile) Name() string               { return d.name }
func (d *dirFile) Close() error               { return nil }

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &os.PathError{Op: "read", Path: d.name, Err: syscall.EISDIR}
}

func (d *dirFile) ReadAt([]byte, int64) (int, error) {
	return 0, &os.PathError{Op: "read", Path: d.name, Err: syscall.EISDIR}
}

func (d *dirFile) Seek(int64, int) (int64, error) {
	return 0, &os.PathError{Op: "seek", Path: d.name, Err: syscall.EISDIR}
}

// objectFile reads a file's bytes from the content store. The object is
// opened on first access so that stat-only handles never touch the store.
type objectFile struct {
	readOnlyFile
	fs      *FileSystem
	node    *fscache.Node
	backing afero.File
}

func (f *objectFile) open() (afero.File, error) {
	if f.backing != nil {
		return f.backing, nil
	}
	if f.fs.content == nil {
		return nil, &os.PathError{Op: "open", Path: f.name, Err: os.ErrNotExist}
	}
	b, err := f.fs.content.Open(f.node.ContentID())
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, &os.PathError{Op: "open", Path: f.name, Err: os.ErrNotExist}
		}
		return nil, &os.PathError{Op: "open", Path: f.name, Err: err}
	}
	f.backing = b
	return b, nil
}

func (f *objectFile) Read(p []byte) (int, error) {
	b, err := f.open()
	if err != nil {
		return 0, err
	}
	return b.Read(p)
}

func (f *objectFile) ReadAt(p []byte, off int64) (int, error) {
	b, err := f.open()
	if err != nil {
		return 0, err
	}
	return b.ReadAt(p, off)
}

func (f *objectFile) Seek(offset int64, whence int) (int64, error) {
	b, err := f.open()
	if err != nil {
		return 0, err
	}
	return b.Seek(offset, whence)
}

func (f *objectFile) Readdir(int) ([]os.FileInfo, error) {
	return nil, &os.PathError{Op: "readdir", Path: f.name, Err: syscall.ENOTDIR}
}

func (f *objectFile) Readdirnames(int) ([]string, error) {
	return nil, &os.PathError{Op: "readdir", Path: f.name, Err: syscall.ENOTDIR}
}

func (f *objectFile) Stat() (os.FileInfo, error) { return newFileInfo(f.node), nil }
func (f *objectFile) Name() string               { return f.name }

func (f *objectFile) Close() error {
	if f.backing == nil {
		return nil
	}
	err := f.backing.Close()
	f.backing = nil
	return err
}
