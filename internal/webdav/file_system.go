package webdav

import (
	"context"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/net/webdav"
)

// contextFs is implemented by filesystems that take the request context, so
// that a client disconnect cancels the metadata queries behind a lookup.
type contextFs interface {
	StatContext(ctx context.Context, name string) (os.FileInfo, error)
	OpenContext(ctx context.Context, name string) (afero.File, error)
}

type fileSystem struct {
	afero.Fs
}

func aferoToWebdavFS(vfs afero.Fs) webdav.FileSystem {
	return &fileSystem{
		Fs: vfs,
	}
}

func (fs *fileSystem) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return fs.Fs.Mkdir(name, perm)
}

func (fs *fileSystem) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if cfs, ok := fs.Fs.(contextFs); ok && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) == 0 {
		return cfs.OpenContext(ctx, name)
	}
	return fs.Fs.OpenFile(name, flag, perm)
}

func (fs *fileSystem) RemoveAll(ctx context.Context, name string) error {
	return fs.Fs.RemoveAll(name)
}

func (fs *fileSystem) Rename(ctx context.Context, oldName, newName string) error {
	return fs.Fs.Rename(oldName, newName)
}

func (fs *fileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if cfs, ok := fs.Fs.(contextFs); ok {
		return cfs.StatContext(ctx, name)
	}
	return fs.Fs.Stat(name)
}
