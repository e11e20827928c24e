package catalog

import (
	"context"
	"strconv"
	"strings"

	"github.com/sxmxc/opstoolbox/internal/toolkit"
)

// Update describes one installed community toolkit with a newer catalog
// version updates endpoint.
type Update struct {
	Slug             string `json:"slug"`
	InstalledVersion string `json:"installed_version"`
	AvailableVersion string `json:"available_version"`
	Source           string `json:"source"`
}

// InstalledLister exposes the subset of toolkit.Store the updates check
// needs: every installed record, filtered to OriginCommunity by the caller.
type InstalledLister interface {
	List(ctx context.Context) ([]*toolkit.Record, error)
}

// Updates reports every installed community toolkit whose catalog entry
// advertises a strictly newer version than what's installed.
func Updates(ctx context.Context, client *Client, installed InstalledLister) ([]Update, error) {
	entries, err := client.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	bySlug := make(map[string]Entry, len(entries))
	for _, e := range entries {
		bySlug[e.Slug] = e
	}

	records, err := installed.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []Update
	for _, rec := range records {
		if rec.Origin != toolkit.OriginCommunity {
			continue
		}
		entry, ok := bySlug[rec.Slug]
		if !ok || entry.Version == "" {
			continue
		}
		if versionGreater(entry.Version, rec.Version) {
			out = append(out, Update{
				Slug:             rec.Slug,
				InstalledVersion: rec.Version,
				AvailableVersion: entry.Version,
				Source:           "catalog",
			})
		}
	}
	return out, nil
}

// versionGreater reports whether a is a newer version than b. It attempts
// a semver comparison (major.minor.patch, ignoring any pre-release/build
// suffix) and falls back to a plain lexicographic comparison when either
// string doesn't parse as semver
func versionGreater(a, b string) bool {
	av, aok := parseSemver(a)
	bv, bok := parseSemver(b)
	if aok && bok {
		for i := 0; i < 3; i++ {
			if av[i] != bv[i] {
				return av[i] > bv[i]
			}
		}
		return false
	}
	return a > b
}

func parseSemver(v string) ([3]int, bool) {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	// Strip any pre-release/build metadata (e.g. "1.2.3-rc1+build5").
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
