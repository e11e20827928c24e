package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSiteRootRewritesRawGithubusercontent(t *testing.T) {
	root, ok := siteRoot("https://raw.githubusercontent.com/acme/widgets/main/catalog.json")
	require.True(t, ok)
	require.Equal(t, "https://acme.github.io/widgets/", root)
}

func TestSiteRootHandlesGithubIo(t *testing.T) {
	root, ok := siteRoot("https://acme.github.io/widgets/catalog.json")
	require.True(t, ok)
	require.Equal(t, "https://acme.github.io/widgets/", root)
}

func TestSiteRootFalseForUnrelatedHost(t *testing.T) {
	_, ok := siteRoot("https://example.com/catalog.json")
	require.False(t, ok)
}

func TestCandidatesPrefersResolvedBundleURL(t *testing.T) {
	entry := Entry{Slug: "widgets", ResolvedBundleURL: "https://cdn.example.com/widgets.zip"}
	got := Candidates(entry, "https://example.com/catalog.json")
	require.Equal(t, []string{"https://cdn.example.com/widgets.zip"}, got)
}

func TestCandidatesJoinsAgainstHomepageAndAppendsZipExtension(t *testing.T) {
	entry := Entry{
		Slug:      "widgets",
		BundleURL: "dist/widgets",
		Homepage:  "https://acme.github.io/widgets/",
	}
	got := Candidates(entry, "https://acme.github.io/widgets/catalog.json")
	require.Contains(t, got, "https://acme.github.io/widgets/dist/widgets")
	require.Contains(t, got, "https://acme.github.io/widgets/dist/widgets.zip")
}

func TestCandidatesDeduplicatesPreservingOrder(t *testing.T) {
	entry := Entry{
		Slug:      "widgets",
		BundleURL: "https://cdn.example.com/widgets.zip",
		Homepage:  "https://cdn.example.com/widgets.zip",
	}
	got := Candidates(entry, "https://example.com/catalog.json")
	seen := make(map[string]int)
	for _, c := range got {
		seen[c]++
	}
	for url, count := range seen {
		require.Equal(t, 1, count, "expected %s to appear once", url)
	}
}
