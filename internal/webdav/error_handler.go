package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	cerrors "github.com/javi11/metafs/internal/errors"
	"github.com/javi11/metafs/internal/slogutil"
	"golang.org/x/net/webdav"
)

// customErrorHandler wraps a webdav.FileSystem and maps cache errors to the
// errors the webdav package turns into status codes
type customErrorHandler struct {
	fileSystem webdav.FileSystem
}

// Implement webdav.FileSystem interface by delegating to wrapped filesystem
func (c *customErrorHandler) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return c.mapError(ctx, c.fileSystem.Mkdir(ctx, name, perm))
}

func (c *customErrorHandler) RemoveAll(ctx context.Context, name string) error {
	return c.mapError(ctx, c.fileSystem.RemoveAll(ctx, name))
}

func (c *customErrorHandler) Rename(ctx context.Context, oldName, newName string) error {
	return c.mapError(ctx, c.fileSystem.Rename(ctx, oldName, newName))
}

func (c *customErrorHandler) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	fi, err := c.fileSystem.Stat(ctx, name)
	if err != nil {
		return nil, c.mapError(ctx, err)
	}
	return fi, nil
}

func (c *customErrorHandler) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	file, err := c.fileSystem.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, c.mapError(ctx, err)
	}

	ctx = slogutil.With(
		ctx,
		"path", name,
	)

	// Wrap the file to handle read errors
	return &errorHandlingFile{
		File: file,
		ctx:  ctx,
	}, nil
}

// mapError converts cache errors to errors the webdav package understands
func (c *customErrorHandler) mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case cerrors.IsNotFound(err):
		return os.ErrNotExist
	case cerrors.IsInvalidArgument(err):
		return os.ErrInvalid
	case cerrors.IsQueryFailed(err):
		slog.WarnContext(ctx, "Metadata query failed while serving WebDAV request", "err", err)
		return &HTTPError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "Metadata engine unavailable",
			Err:        err,
		}
	}

	// Return original error for other cases
	return err
}

// HTTPError represents an HTTP error with a specific status code
type HTTPError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// errorHandlingFile wraps a webdav.File and logs content read failures
type errorHandlingFile struct {
	webdav.File
	ctx context.Context
}

func (f *errorHandlingFile) Read(p []byte) (int, error) {
	n, err := f.File.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(f.ctx, "Failed to read object content", "err", err)
	}

	return n, err
}

func (f *errorHandlingFile) Readdir(count int) ([]os.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	if err != nil && !errors.Is(err, io.EOF) && cerrors.IsQueryFailed(err) {
		slog.WarnContext(f.ctx, "Directory listing failed", "err", err)
	}
	return infos, err
}
