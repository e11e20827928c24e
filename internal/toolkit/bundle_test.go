package toolkit

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newIngester(t *testing.T) (*Ingester, Store, string) {
	t.Helper()
	store := New(NewMemorySQLBackend(), kv.NewMemoryStore(), "opstoolbox", logger.Discard)
	root := t.TempDir()
	in := NewIngester(store, root, 10<<20, 5<<20, 10<<20, nil, logger.Discard)
	return in, store, root
}

func TestIngestUploadValidBundle(t *testing.T) {
	ctx := context.Background()
	in, store, root := newIngester(t)

	data := buildZip(t, map[string]string{
		"toolkit.json": `{"slug":"zabbix","name":"Zabbix","base_path":"zabbix"}`,
		"backend.py":   "# backend",
	})

	rec, err := in.IngestUpload(ctx, "", "zabbix.zip", bytes.NewReader(data), false)
	require.NoError(t, err)
	require.Equal(t, "zabbix", rec.Slug)
	require.Equal(t, "/zabbix", rec.BasePath)
	require.NotEmpty(t, rec.BundleChecksum)
	require.False(t, rec.Enabled)

	reloaded, err := store.Get(ctx, "zabbix")
	require.NoError(t, err)
	require.NotNil(t, reloaded)

	destFile := filepath.Join(root, "zabbix", "backend.py")
	_, statErr := os.Stat(destFile)
	require.NoError(t, statErr)
}

func TestIngestUploadRejectsSlugMismatch(t *testing.T) {
	ctx := context.Background()
	in, _, _ := newIngester(t)

	data := buildZip(t, map[string]string{
		"toolkit.json": `{"slug":"zabbix","name":"Zabbix","base_path":"/zabbix"}`,
	})

	_, err := in.IngestUpload(ctx, "regex", "bundle.zip", bytes.NewReader(data), false)
	require.Error(t, err)
}

func TestIngestUploadRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	in, _, _ := newIngester(t)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../../etc/passwd")
	require.NoError(t, err)
	_, err = f.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = in.IngestUpload(ctx, "", "evil.zip", bytes.NewReader(buf.Bytes()), false)
	require.Error(t, err)
}

func TestIngestUploadRejectsOversizedUpload(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemorySQLBackend(), kv.NewMemoryStore(), "opstoolbox", logger.Discard)
	in := NewIngester(store, t.TempDir(), 10, 1<<20, 1<<20, nil, logger.Discard)

	data := buildZip(t, map[string]string{
		"toolkit.json": `{"slug":"zabbix","name":"Zabbix","base_path":"/zabbix"}`,
	})
	require.Greater(t, len(data), 10)

	_, err := in.IngestUpload(ctx, "", "bundle.zip", bytes.NewReader(data), false)
	require.Error(t, err)
}

func TestIngestUploadFailsWithoutManifest(t *testing.T) {
	ctx := context.Background()
	in, _, _ := newIngester(t)

	data := buildZip(t, map[string]string{"readme.txt": "hi"})
	_, err := in.IngestUpload(ctx, "", "bundle.zip", bytes.NewReader(data), false)
	require.Error(t, err)
}

func TestIngestUploadRequiresDeclaredFrontendEntryPresent(t *testing.T) {
	ctx := context.Background()
	in, _, _ := newIngester(t)

	data := buildZip(t, map[string]string{
		"toolkit.json": `{"slug":"zabbix","name":"Zabbix","base_path":"/zabbix","frontend":{"entry":"frontend/index.tsx"}}`,
	})
	_, err := in.IngestUpload(ctx, "", "bundle.zip", bytes.NewReader(data), false)
	require.Error(t, err)
}

func TestIngestUploadDefaultsFrontendSourceEntryWhenPresent(t *testing.T) {
	ctx := context.Background()
	in, _, _ := newIngester(t)

	data := buildZip(t, map[string]string{
		"toolkit.json":         `{"slug":"zabbix","name":"Zabbix","base_path":"/zabbix","frontend":{"entry":"frontend/index.tsx"}}`,
		"frontend/index.tsx":   "export default {}",
	})
	rec, err := in.IngestUpload(ctx, "", "bundle.zip", bytes.NewReader(data), false)
	require.NoError(t, err)
	require.Equal(t, "frontend/index.tsx", rec.FrontendSourceEntry)
}

type activatorSpy struct{ activated []string }

func (a *activatorSpy) Activate(ctx context.Context, slug string) error {
	a.activated = append(a.activated, slug)
	return nil
}

func TestIngestUploadActivatesWhenEnabled(t *testing.T) {
	ctx := context.Background()
	store := New(NewMemorySQLBackend(), kv.NewMemoryStore(), "opstoolbox", logger.Discard)
	spy := &activatorSpy{}
	in := NewIngester(store, t.TempDir(), 10<<20, 5<<20, 10<<20, spy, logger.Discard)

	data := buildZip(t, map[string]string{
		"toolkit.json": `{"slug":"zabbix","name":"Zabbix","base_path":"/zabbix"}`,
	})
	_, err := in.IngestUpload(ctx, "", "bundle.zip", bytes.NewReader(data), true)
	require.NoError(t, err)
	require.Equal(t, []string{"zabbix"}, spy.activated)
}
