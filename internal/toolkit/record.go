// Package toolkit implements the toolkit registry and bundle loader:
// installed-bundle metadata on a dual SQL+KV store, a zip ingestion
// pipeline, and an in-process activation registry standing in for
// dynamic module import.
package toolkit

import (
	"encoding/json"
	"regexp"
	"time"
)

// Origin records how a toolkit came to be installed.
type Origin string

const (
	OriginBuiltin   Origin = "builtin"
	OriginBundled   Origin = "bundled"
	OriginUploaded  Origin = "uploaded"
	OriginCommunity Origin = "community"
	OriginCustom    Origin = "custom"
)

// slugPattern is the validation rule for Record.Slug
var slugPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidSlug reports whether slug is non-empty and matches slugPattern.
func ValidSlug(slug string) bool {
	return slug != "" && slugPattern.MatchString(slug)
}

// Record is installed bundle metadata
type Record struct {
	Slug                    string          `json:"slug"`
	Name                    string          `json:"name"`
	Description             string          `json:"description"`
	BasePath                string          `json:"base_path"`
	Enabled                 bool            `json:"enabled"`
	Category                string          `json:"category"`
	Tags                    []string        `json:"tags"`
	Origin                  Origin          `json:"origin"`
	Version                 string          `json:"version"`
	BackendModule           string          `json:"backend_module"`
	BackendRouterAttr       string          `json:"backend_router_attr"`
	WorkerModule            string          `json:"worker_module"`
	WorkerRegisterAttr      string          `json:"worker_register_attr"`
	DashboardCards          json.RawMessage `json:"dashboard_cards,omitempty"`
	DashboardContextModule  string          `json:"dashboard_context_module,omitempty"`
	DashboardContextAttr    string          `json:"dashboard_context_attr,omitempty"`
	FrontendEntry           string          `json:"frontend_entry"`
	FrontendSourceEntry     string          `json:"frontend_source_entry,omitempty"`
	// BundleChecksum is the SHA-256 of the uploaded archive, recorded for
	// audit and future integrity checks; empty for builtin toolkits that
	// were never ingested from a bundle.
	BundleChecksum string    `json:"bundle_checksum,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep-enough copy for safe mutation by callers (store
// writes never alias a caller's slice/map fields back into the record they
// hold onto).
func (r *Record) Clone() *Record {
	clone := *r
	clone.Tags = append([]string(nil), r.Tags...)
	if r.DashboardCards != nil {
		clone.DashboardCards = append(json.RawMessage(nil), r.DashboardCards...)
	}
	return &clone
}
