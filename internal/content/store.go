// Package content stores object bytes keyed by content id.
package content

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when no object exists for a content id.
var ErrNotFound = errors.New("object not found")

// Store keeps objects on an afero filesystem. Object files are sharded by the
// first byte of their hex id: <root>/ab/abcdef...
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore creates a store rooted at root on fs.
func NewStore(fs afero.Fs, root string) (*Store, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content root %s: %w", root, err)
	}
	return &Store{fs: fs, root: root}, nil
}

// NewOsStore creates a store on the local disk.
func NewOsStore(root string) (*Store, error) {
	return NewStore(afero.NewOsFs(), root)
}

func (s *Store) objectPath(contentID []byte) (string, error) {
	if len(contentID) == 0 {
		return "", errors.New("content id is required")
	}
	key := hex.EncodeToString(contentID)
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.root, shard, key), nil
}

// Size returns the stored length of an object.
func (s *Store) Size(contentID []byte) (int64, error) {
	p, err := s.objectPath(contentID)
	if err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return info.Size(), nil
}

// WriteObject copies length bytes of the object starting at offset into dst.
// A negative length copies to the end of the object.
func (s *Store) WriteObject(ctx context.Context, contentID []byte, dst io.Writer, offset, length int64) (int64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("invalid offset %d", offset)
	}
	p, err := s.objectPath(contentID)
	if err != nil {
		return 0, err
	}

	f, err := s.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek object: %w", err)
	}

	var src io.Reader = &ctxReader{ctx: ctx, r: f}
	if length >= 0 {
		src = io.LimitReader(src, length)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("failed to copy object: %w", err)
	}
	return n, nil
}

// PutObject stores the bytes of r under contentID, replacing any previous
// object. The write goes through a temporary file and a rename.
func (s *Store) PutObject(ctx context.Context, contentID []byte, r io.Reader) (int64, error) {
	p, err := s.objectPath(contentID)
	if err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmp := p + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create object: %w", err)
	}

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return n, fmt.Errorf("failed to write object: %w", err)
	}

	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return n, fmt.Errorf("failed to commit object: %w", err)
	}
	return n, nil
}

// DeleteObject removes an object. It reports whether one existed.
func (s *Store) DeleteObject(contentID []byte) (bool, error) {
	p, err := s.objectPath(contentID)
	if err != nil {
		return false, err
	}
	if err := s.fs.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete object: %w", err)
	}
	return true, nil
}

// Open returns a handle on the object for random access reads.
func (s *Store) Open(contentID []byte) (afero.File, error) {
	p, err := s.objectPath(contentID)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return f, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
