package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCatalogBodyAcceptsWrappedObject(t *testing.T) {
	entries, err := parseCatalogBody([]byte(`{"toolkits":[{"slug":"widgets","name":"Widgets"}]}`))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "widgets", entries[0].Slug)
}

func TestParseCatalogBodyToleratesBareArray(t *testing.T) {
	entries, err := parseCatalogBody([]byte(`[{"slug":"widgets","name":"Widgets"}]`))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "widgets", entries[0].Slug)
}

func TestLooksLikeZipAcceptsKnownMagicBytes(t *testing.T) {
	require.True(t, looksLikeZip([]byte{'P', 'K', 0x03, 0x04, 'X'}))
	require.True(t, looksLikeZip([]byte{'P', 'K', 0x05, 0x06}))
	require.False(t, looksLikeZip([]byte("not a zip")))
}
