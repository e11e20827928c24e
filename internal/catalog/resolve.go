package catalog

import (
	"net/url"
	"path"
	"strings"
)

// siteRoot derives the "site root" a relative bundle_url resolves against:
// raw.githubusercontent.com URLs rewrite to the repo's GitHub Pages site,
// and *.github.io URLs root at their first path segment.
func siteRoot(catalogURL string) (string, bool) {
	u, err := url.Parse(catalogURL)
	if err != nil {
		return "", false
	}

	switch {
	case u.Host == "raw.githubusercontent.com":
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) < 2 {
			return "", false
		}
		owner, repo := parts[0], parts[1]
		return "https://" + owner + ".github.io/" + repo + "/", true
	case strings.HasSuffix(u.Host, ".github.io"):
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			return u.Scheme + "://" + u.Host + "/", true
		}
		return u.Scheme + "://" + u.Host + "/" + parts[0] + "/", true
	default:
		return "", false
	}
}

func withZipExtension(raw string) string {
	if path.Ext(raw) != "" {
		return raw
	}
	return raw + ".zip"
}

func joinURL(base, ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if refURL.IsAbs() {
		return ref, true
	}
	baseURL, err := url.Parse(base)
	if err != nil || !baseURL.IsAbs() {
		return "", false
	}
	return baseURL.ResolveReference(refURL).String(), true
}

// Candidates returns the ordered, deduplicated list of URLs worth trying
// as a download for entry bundle URL resolution rule.
// The caller should try each in order and accept the first that returns a
// valid zip (see Client.Download).
func Candidates(entry Entry, catalogURL string) []string {
	if u, err := url.Parse(entry.ResolvedBundleURL); entry.ResolvedBundleURL != "" && err == nil && u.IsAbs() {
		return []string{entry.ResolvedBundleURL}
	}

	var out []string
	seen := make(map[string]bool)
	add := func(candidate string) {
		if candidate == "" || seen[candidate] {
			return
		}
		seen[candidate] = true
		out = append(out, candidate)
	}

	variants := []string{entry.BundleURL}
	if withExt := withZipExtension(entry.BundleURL); withExt != entry.BundleURL {
		variants = append(variants, withExt)
	}

	bases := []string{entry.Homepage}
	if root, ok := siteRoot(catalogURL); ok {
		bases = append(bases, root)
	}
	bases = append(bases, catalogURL)

	for _, variant := range variants {
		if variant == "" {
			continue
		}
		for _, base := range bases {
			if base == "" {
				continue
			}
			if resolved, ok := joinURL(base, variant); ok {
				add(resolved)
			}
		}
	}
	// entry.BundleURL may already be absolute on its own, independent of
	// any base.
	for _, variant := range variants {
		if variant == "" {
			continue
		}
		if u, err := url.Parse(variant); err == nil && u.IsAbs() {
			add(variant)
		}
	}
	add(catalogURL)

	return out
}
