package api

import (
	"time"

	"github.com/javi11/metafs/internal/config"
	"github.com/javi11/metafs/internal/fscache"
	"github.com/javi11/metafs/internal/webdav"
)

// API Response Wrappers for sensitive data masking

// ConfigAPIResponse wraps config.Config with sensitive data handling
type ConfigAPIResponse struct {
	*config.Config
	WebDAV WebDAVAPIResponse `json:"webdav"`
}

// WebDAVAPIResponse sanitizes WebDAV config for API responses
type WebDAVAPIResponse struct {
	Enabled     bool   `json:"enabled"`
	Prefix      string `json:"prefix"`
	User        string `json:"user"`
	PasswordSet bool   `json:"password_set"`
}

// ToConfigAPIResponse converts config.Config to ConfigAPIResponse with sensitive data masked
func ToConfigAPIResponse(cfg *config.Config) *ConfigAPIResponse {
	if cfg == nil {
		return nil
	}

	return &ConfigAPIResponse{
		Config: cfg,
		WebDAV: WebDAVAPIResponse{
			Enabled:     cfg.GetWebDAVEnabled(),
			Prefix:      cfg.WebDAV.Prefix,
			User:        cfg.WebDAV.User,
			PasswordSet: cfg.WebDAV.Password != "",
		},
	}
}

// APIError represents an error in API responses
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// APIMeta represents metadata for paginated responses
type APIMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// Pagination represents pagination parameters
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DefaultPagination returns default pagination settings
func DefaultPagination() Pagination {
	return Pagination{
		Limit:  100,
		Offset: 0,
	}
}

// EntryResponse describes one cached node.
type EntryResponse struct {
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	IsDir       bool       `json:"is_dir"`
	ContentID   string     `json:"content_id,omitempty"`
	Size        int64      `json:"size"`
	CreatedAt   time.Time  `json:"created_at"`
	AccessedAt  time.Time  `json:"accessed_at"`
	ModifiedAt  time.Time  `json:"modified_at"`
	Complete    bool       `json:"complete"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
	Children    int        `json:"children"`
}

// ToEntryResponse converts a cache node for API responses
func ToEntryResponse(n *fscache.Node) EntryResponse {
	resp := EntryResponse{
		Path:       n.Path(),
		Name:       n.Name(),
		Kind:       n.Kind().String(),
		IsDir:      n.IsDir(),
		ContentID:  n.ContentKey(),
		Size:       n.Size(),
		CreatedAt:  n.CreateTime(),
		AccessedAt: n.AccessTime(),
		ModifiedAt: n.ModifyTime(),
		Complete:   n.Complete(),
		Children:   n.ChildCount(),
	}
	if refreshed := n.LastRefresh(); !refreshed.IsZero() {
		resp.RefreshedAt = &refreshed
	}
	return resp
}

// ToEntryResponses converts a slice of nodes
func ToEntryResponses(nodes []*fscache.Node) []EntryResponse {
	out := make([]EntryResponse, len(nodes))
	for i, n := range nodes {
		out[i] = ToEntryResponse(n)
	}
	return out
}

// RemoveResponse reports how many cache entries a removal dropped.
type RemoveResponse struct {
	Removed       int  `json:"removed"`
	RecordDeleted bool `json:"record_deleted"`
	ObjectDeleted bool `json:"object_deleted"`
}

// SystemStatusResponse represents the service status
type SystemStatusResponse struct {
	Status        string        `json:"status"`
	StartTime     time.Time     `json:"start_time"`
	Uptime        string        `json:"uptime"`
	GoVersion     string        `json:"go_version"`
	Cache         fscache.Stats `json:"cache"`
	Views         []string      `json:"views"`
	WebDAV        *webdav.Stats `json:"webdav,omitempty"`
	SweeperActive bool          `json:"sweeper_active"`
}
