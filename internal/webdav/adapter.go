package webdav

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/net/webdav"
)

// Handler provides WebDAV functionality as an HTTP handler
type Handler struct {
	handler   http.Handler
	authCreds *AuthCredentials
	monitor   *monitoredFileSystem
}

// NewHandler creates a new read-only WebDAV handler over fs that can be used
// with the Fiber adaptor
func NewHandler(config *Config, fs afero.Fs) (*Handler, error) {
	if config == nil {
		return nil, errors.New("webdav config is required")
	}

	// Create dynamic auth credentials with initial values
	authCreds := NewAuthCredentials(config.User, config.Pass)

	monitor := &monitoredFileSystem{
		fs: &customErrorHandler{
			fileSystem: aferoToWebdavFS(fs),
		},
	}

	// Default to root if not set
	prefix := strings.TrimSpace(config.Prefix)
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	// Normalize: "/webdav"
	base := strings.TrimRight(prefix, "/")
	if base == "" {
		base = "/"
	}

	webdavPrefix := base
	if base == "/" {
		webdavPrefix = ""
	}

	webdavHandler := &webdav.Handler{
		FileSystem: monitor,
		LockSystem: webdav.NewMemLS(),
		Prefix:     webdavPrefix,
		Logger: func(r *http.Request, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.DebugContext(r.Context(), "WebDav error", "err", err, "method", r.Method, "path", r.URL.Path)
			}
		},
	}

	// Create the main handler with authentication
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, hasBasicAuth := r.BasicAuth()
		if !hasBasicAuth || !authCreds.Check(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="metafs"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, err := w.Write([]byte("401 Unauthorized"))
			if err != nil {
				slog.ErrorContext(r.Context(), "Error writing the response to the client", "err", err)
			}
			return
		}

		switch r.Method {
		case "PUT", "DELETE", "MKCOL", "MOVE", "COPY", "PROPPATCH", "LOCK", "UNLOCK":
			http.Error(w, "read-only filesystem", http.StatusMethodNotAllowed)
			return
		}

		ext := filepath.Ext(r.URL.Path)
		if ext != "" && r.Method == http.MethodGet {
			mimeType := mime.TypeByExtension(ext)
			if mimeType != "" {
				w.Header().Set("Content-Type", mimeType)
			} else {
				w.Header().Set("Content-Type", "application/octet-stream")
			}
		}

		webdavHandler.ServeHTTP(w, r)
	})

	// Create a mux to handle the WebDAV routing
	mux := http.NewServeMux()

	if base == "/" {
		// Mount at root
		mux.Handle("/", h)
	} else {
		// Redirect /webdav -> /webdav/
		mux.Handle(base, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, base+"/", http.StatusMovedPermanently)
		}))
		// Mount handler at /webdav/
		mux.Handle(base+"/", h)
	}

	return &Handler{
		handler:   mux,
		authCreds: authCreds,
		monitor:   monitor,
	}, nil
}

// GetHTTPHandler returns the HTTP handler for use with Fiber adaptor
func (h *Handler) GetHTTPHandler() http.Handler {
	return h.handler
}

// GetAuthCredentials returns the auth credentials for dynamic updates
func (h *Handler) GetAuthCredentials() *AuthCredentials {
	return h.authCreds
}

// Stats returns the traffic served so far.
func (h *Handler) Stats() Stats {
	return h.monitor.stats()
}
