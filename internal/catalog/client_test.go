package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/logger"
)

type staticSettings struct{ url string }

func (s staticSettings) CatalogURL(_ context.Context) (string, error) { return s.url, nil }

func TestClientFetchParsesCatalogFromDefaultURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"toolkits":[{"slug":"widgets","name":"Widgets","version":"1.0.0"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, logger.Discard)
	entries, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "widgets", entries[0].Slug)
}

func TestClientFetchPrefersSettingsOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"slug":"override","name":"Override"}]`))
	}))
	defer srv.Close()

	client := NewClient("https://unused.invalid/catalog.json", staticSettings{url: srv.URL}, logger.Discard)
	entries, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "override", entries[0].Slug)
}

func TestClientDownloadRejectsNonZipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a zip"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, logger.Discard)
	_, err := client.Download(context.Background(), srv.URL, 1<<20)
	require.Error(t, err)
}

func TestClientDownloadRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PK\x03\x04"))
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, logger.Discard)
	_, err := client.Download(context.Background(), srv.URL, 10)
	require.Error(t, err)
}

func TestClientDownloadAcceptsValidZipHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PK\x03\x04rest-of-zip-bytes"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, logger.Discard)
	data, err := client.Download(context.Background(), srv.URL, 1<<20)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
