package toolkit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Manifest is the parsed contents of a bundle's toolkit.json.
type Manifest struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	BasePath    string   `json:"base_path"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Version     string   `json:"version"`

	Backend struct {
		Module     string `json:"module"`
		RouterAttr string `json:"router_attr"`
	} `json:"backend"`

	Worker struct {
		Module       string `json:"module"`
		RegisterAttr string `json:"register_attr"`
	} `json:"worker"`

	Dashboard struct {
		Module   string `json:"module"`
		Callable string `json:"callable"`
	} `json:"dashboard"`

	DashboardCards json.RawMessage `json:"dashboard_cards"`

	Frontend struct {
		Entry       string `json:"entry"`
		SourceEntry string `json:"source_entry"`
	} `json:"frontend"`
}

const defaultFrontendSourceEntry = "frontend/index.tsx"

// parseManifest decodes and validates raw toolkit.json content against
// overrideSlug (the caller-supplied slug, if any). It normalizes Slug and
// BasePath the same way bundle activation requires.
func parseManifest(raw []byte, overrideSlug string, bundleHasFile func(path string) bool) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("toolkit: parse manifest: %w", err)
	}

	m.Slug = strings.ToLower(strings.TrimSpace(m.Slug))
	if !ValidSlug(m.Slug) {
		return nil, fmt.Errorf("toolkit: manifest slug %q is invalid", m.Slug)
	}
	if overrideSlug != "" && overrideSlug != m.Slug {
		return nil, fmt.Errorf("toolkit: manifest slug %q does not match requested slug %q", m.Slug, overrideSlug)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("toolkit: manifest missing name")
	}

	m.BasePath = strings.TrimSpace(m.BasePath)
	if m.BasePath == "" {
		return nil, fmt.Errorf("toolkit: manifest missing base_path")
	}
	if !strings.HasPrefix(m.BasePath, "/") {
		m.BasePath = "/" + m.BasePath
	}

	if m.Frontend.Entry != "" {
		if bundleHasFile != nil && !bundleHasFile(m.Frontend.Entry) {
			return nil, fmt.Errorf("toolkit: declared frontend entry %q is absent from the bundle", m.Frontend.Entry)
		}
		if m.Frontend.SourceEntry == "" {
			if bundleHasFile == nil || bundleHasFile(defaultFrontendSourceEntry) {
				m.Frontend.SourceEntry = defaultFrontendSourceEntry
			}
		}
	}

	return &m, nil
}

// toRecord converts a validated manifest into a Record with the given
// origin, preserving timestamps the caller fills in on upsert.
func (m *Manifest) toRecord(origin Origin) *Record {
	return &Record{
		Slug:                   m.Slug,
		Name:                   m.Name,
		Description:            m.Description,
		BasePath:               m.BasePath,
		Enabled:                false,
		Category:               m.Category,
		Tags:                   append([]string(nil), m.Tags...),
		Origin:                 origin,
		Version:                m.Version,
		BackendModule:          m.Backend.Module,
		BackendRouterAttr:      m.Backend.RouterAttr,
		WorkerModule:           m.Worker.Module,
		WorkerRegisterAttr:     m.Worker.RegisterAttr,
		DashboardCards:         m.DashboardCards,
		DashboardContextModule: m.Dashboard.Module,
		DashboardContextAttr:   m.Dashboard.Callable,
		FrontendEntry:          m.Frontend.Entry,
		FrontendSourceEntry:    m.Frontend.SourceEntry,
	}
}
