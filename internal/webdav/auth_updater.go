package webdav

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"

	"github.com/javi11/metafs/internal/config"
)

// AuthCredentials holds the current WebDAV authentication credentials
type AuthCredentials struct {
	mu       sync.RWMutex
	username string
	password string
}

// NewAuthCredentials creates new authentication credentials
func NewAuthCredentials(username, password string) *AuthCredentials {
	return &AuthCredentials{
		username: username,
		password: password,
	}
}

// GetCredentials returns the current credentials (thread-safe)
func (ac *AuthCredentials) GetCredentials() (string, string) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.username, ac.password
}

// Check reports whether the given pair matches the current credentials.
func (ac *AuthCredentials) Check(username, password string) bool {
	user, pass := ac.GetCredentials()
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(pass)) == 1
	return userOK && passOK
}

// UpdateCredentials updates the credentials (thread-safe)
func (ac *AuthCredentials) UpdateCredentials(username, password string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.username = username
	ac.password = password
}

var _ config.AuthUpdater = (*AuthUpdater)(nil)

// AuthUpdater provides methods to update WebDAV authentication
type AuthUpdater struct {
	credentials *AuthCredentials
	logger      *slog.Logger
}

// NewAuthUpdater creates a new WebDAV auth updater
func NewAuthUpdater(credentials *AuthCredentials) *AuthUpdater {
	return &AuthUpdater{
		credentials: credentials,
		logger:      slog.Default().With("component", "webdav"),
	}
}

// UpdateAuth updates WebDAV authentication credentials
func (u *AuthUpdater) UpdateAuth(username, password string) error {
	if u.credentials == nil {
		return fmt.Errorf("auth credentials not initialized")
	}

	u.logger.Info("Updating WebDAV authentication credentials", "username", username)
	u.credentials.UpdateCredentials(username, password)

	return nil
}
