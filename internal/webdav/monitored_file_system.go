package webdav

import (
	"context"
	"os"
	"sync/atomic"

	"golang.org/x/net/webdav"
)

// Stats is a snapshot of the traffic served over WebDAV.
type Stats struct {
	FilesOpened int64 `json:"files_opened"`
	OpenFiles   int64 `json:"open_files"`
	BytesServed int64 `json:"bytes_served"`
}

type monitoredFileSystem struct {
	fs webdav.FileSystem

	opened atomic.Int64
	open   atomic.Int64
	bytes  atomic.Int64
}

func (m *monitoredFileSystem) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return m.fs.Mkdir(ctx, name, perm)
}

func (m *monitoredFileSystem) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	f, err := m.fs.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}

	m.opened.Add(1)
	m.open.Add(1)
	return &monitoredFile{File: f, fs: m, ctx: ctx}, nil
}

func (m *monitoredFileSystem) RemoveAll(ctx context.Context, name string) error {
	return m.fs.RemoveAll(ctx, name)
}

func (m *monitoredFileSystem) Rename(ctx context.Context, oldName, newName string) error {
	return m.fs.Rename(ctx, oldName, newName)
}

func (m *monitoredFileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	return m.fs.Stat(ctx, name)
}

func (m *monitoredFileSystem) stats() Stats {
	return Stats{
		FilesOpened: m.opened.Load(),
		OpenFiles:   m.open.Load(),
		BytesServed: m.bytes.Load(),
	}
}

type monitoredFile struct {
	webdav.File
	fs     *monitoredFileSystem
	ctx    context.Context
	closed atomic.Bool
}

func (m *monitoredFile) Read(p []byte) (n int, err error) {
	if err := m.ctx.Err(); err != nil {
		return 0, err
	}
	n, err = m.File.Read(p)
	if n > 0 {
		m.fs.bytes.Add(int64(n))
	}
	return n, err
}

func (m *monitoredFile) Seek(offset int64, whence int) (int64, error) {
	if err := m.ctx.Err(); err != nil {
		return 0, err
	}
	return m.File.Seek(offset, whence)
}

func (m *monitoredFile) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.fs.open.Add(-1)
	}
	return m.File.Close()
}
