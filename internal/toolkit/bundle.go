package toolkit

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

// Activator is notified when a freshly ingested bundle ends up enabled, so
// it can drive the loader's activation step.
type Activator interface {
	Activate(ctx context.Context, slug string) error
}

// Ingester runs the bundle ingestion pipeline: streamed
// upload write, zip extraction under size/path/symlink constraints,
// manifest validation, destination copy, and registry upsert.
type Ingester struct {
	store              Store
	storageRoot        string
	uploadMaxBytes     int64
	bundleMaxFileBytes int64
	bundleMaxBytes     int64
	activator          Activator
	log                logger.Logger
}

func NewIngester(store Store, storageRoot string, uploadMaxBytes, bundleMaxFileBytes, bundleMaxBytes int64, activator Activator, log logger.Logger) *Ingester {
	if log == nil {
		log = logger.Discard
	}
	return &Ingester{
		store:              store,
		storageRoot:        storageRoot,
		uploadMaxBytes:     uploadMaxBytes,
		bundleMaxFileBytes: bundleMaxFileBytes,
		bundleMaxBytes:     bundleMaxBytes,
		activator:          activator,
		log:                log,
	}
}

// sanitizeStem reduces filename to a safe basename for the __uploads__
// scratch directory name and always appends a random 8-character suffix.
func sanitizeStem(filename, slugOverride string) string {
	stem := slugOverride
	if stem == "" {
		stem = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	stem = strings.TrimSpace(stem)
	if stem == "" || stem == "." || stem == ".." {
		stem = "bundle"
	}
	return stem + "-" + uuid.NewString()[:8]
}

// IngestUpload runs the full pipeline for one uploaded bundle and returns
// the upserted Record. enable controls whether the record ends enabled
// (and therefore triggers activation). New records default to
// OriginUploaded; use IngestBundle to set a different origin (e.g.
// internal/catalog installs as OriginCommunity).
func (in *Ingester) IngestUpload(ctx context.Context, slugOverride, filename string, r io.Reader, enable bool) (*Record, error) {
	return in.IngestBundle(ctx, slugOverride, filename, r, enable, OriginUploaded)
}

// IngestBundle is IngestUpload with control over the origin assigned to a
// newly created record. An existing record's origin is always preserved
// regardless of newRecordOrigin, matching the upsert semantics below.
func (in *Ingester) IngestBundle(ctx context.Context, slugOverride, filename string, r io.Reader, enable bool, newRecordOrigin Origin) (*Record, error) {
	if slugOverride != "" && !ValidSlug(slugOverride) {
		return nil, apperr.Validation("invalid toolkit slug")
	}

	uploadDir := filepath.Join(in.storageRoot, "__uploads__", sanitizeStem(filename, slugOverride))
	if err := os.MkdirAll(uploadDir, 0o777); err != nil {
		return nil, fmt.Errorf("toolkit: create upload dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(uploadDir); err != nil {
			in.log.Warn("toolkit: failed to clean up upload scratch dir %s: %v", uploadDir, err)
		}
	}()

	zipPath := filepath.Join(uploadDir, "bundle.zip")
	checksum, err := in.writeStreamed(zipPath, r)
	if err != nil {
		return nil, err
	}

	extractDir := filepath.Join(uploadDir, "extracted")
	if err := os.MkdirAll(extractDir, 0o777); err != nil {
		return nil, fmt.Errorf("toolkit: create extract dir: %w", err)
	}
	if err := in.extractZip(zipPath, extractDir); err != nil {
		return nil, err
	}

	manifest, err := in.readManifest(extractDir, slugOverride)
	if err != nil {
		return nil, err
	}

	if err := in.copyToDestination(extractDir, manifest.Slug); err != nil {
		return nil, err
	}

	return in.upsertRecord(ctx, manifest, checksum, enable, newRecordOrigin)
}

// writeStreamed copies r to destPath in <=1MiB chunks, aborting once the
// cumulative size exceeds uploadMaxBytes, and returns the
// SHA-256 of the bytes written.
func (in *Ingester) writeStreamed(destPath string, r io.Reader) (string, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("toolkit: create upload file: %w", err)
	}
	defer out.Close()

	hash := sha256.New()
	writer := io.MultiWriter(out, hash)

	const chunkSize = 1 << 20 // 1 MiB
	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if in.uploadMaxBytes > 0 && total > in.uploadMaxBytes {
				return "", apperr.PayloadTooLarge(fmt.Sprintf("upload exceeds max size of %d bytes", in.uploadMaxBytes))
			}
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				return "", fmt.Errorf("toolkit: write upload: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("toolkit: read upload: %w", readErr)
		}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// extractZip extracts zipPath into destRoot, rejecting path traversal,
// absolute paths, and symlinks, and enforcing per-file and aggregate size
// caps.
func (in *Ingester) extractZip(zipPath, destRoot string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("toolkit: open bundle zip: %w", err)
	}
	defer zr.Close()

	var aggregate int64
	for _, f := range zr.File {
		if err := in.extractZipEntry(f, destRoot, &aggregate); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingester) extractZipEntry(f *zip.File, destRoot string, aggregate *int64) error {
	if strings.Contains(f.Name, `:`) {
		return apperr.Validation(fmt.Sprintf("bundle entry has a drive letter: %s", f.Name))
	}
	if filepath.IsAbs(f.Name) || strings.HasPrefix(f.Name, "/") {
		return apperr.Validation(fmt.Sprintf("bundle entry is an absolute path: %s", f.Name))
	}

	cleanPath := filepath.Clean(filepath.Join(destRoot, f.Name))
	relPath, err := filepath.Rel(destRoot, cleanPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return apperr.Validation(fmt.Sprintf("bundle entry escapes extraction root: %s", f.Name))
	}

	if f.Mode()&os.ModeSymlink != 0 {
		return apperr.Validation(fmt.Sprintf("symlinks are not supported in toolkit bundles: %s", f.Name))
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(cleanPath, 0o777)
	}

	size := int64(f.UncompressedSize64)
	if in.bundleMaxFileBytes > 0 && size > in.bundleMaxFileBytes {
		return apperr.PayloadTooLarge(fmt.Sprintf("bundle entry %s exceeds per-file size cap", f.Name))
	}
	*aggregate += size
	if in.bundleMaxBytes > 0 && *aggregate > in.bundleMaxBytes {
		return apperr.PayloadTooLarge("bundle exceeds aggregate size cap")
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o777); err != nil {
		return fmt.Errorf("toolkit: create entry dir: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("toolkit: open bundle entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode() & 0o777
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(cleanPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("toolkit: create extracted file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("toolkit: extract %s: %w", f.Name, err)
	}
	return nil
}

func (in *Ingester) readManifest(extractDir, slugOverride string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(extractDir, "toolkit.json"))
	if err != nil {
		return nil, apperr.Validation("bundle is missing toolkit.json")
	}
	manifest, err := parseManifest(raw, slugOverride, func(rel string) bool {
		_, statErr := os.Stat(filepath.Join(extractDir, filepath.FromSlash(rel)))
		return statErr == nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err.Error(), err)
	}
	return manifest, nil
}

// copyToDestination replaces {storageRoot}/{slug} with the extracted tree,
// verifying the resolved destination stays inside storageRoot.
func (in *Ingester) copyToDestination(extractDir, slug string) error {
	resolvedRoot, err := filepath.Abs(in.storageRoot)
	if err != nil {
		return fmt.Errorf("toolkit: resolve storage root: %w", err)
	}
	dest := filepath.Join(resolvedRoot, slug)
	rel, err := filepath.Rel(resolvedRoot, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperr.Validation("toolkit destination escapes storage root")
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("toolkit: clear destination: %w", err)
	}
	return copyTree(extractDir, dest)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o777)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

func (in *Ingester) upsertRecord(ctx context.Context, manifest *Manifest, checksum string, enable bool, newRecordOrigin Origin) (*Record, error) {
	existing, err := in.store.Get(ctx, manifest.Slug)
	if err != nil {
		return nil, fmt.Errorf("toolkit: check existing record: %w", err)
	}

	origin := newRecordOrigin
	if existing != nil {
		origin = existing.Origin
	}

	rec := manifest.toRecord(origin)
	rec.Enabled = enable
	rec.BundleChecksum = checksum

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
		if err := in.store.Update(ctx, rec); err != nil {
			return nil, err
		}
	} else {
		rec.CreatedAt = now
		if err := in.store.Create(ctx, rec); err != nil {
			return nil, err
		}
	}

	if err := in.store.ClearRemoval(ctx, rec.Slug); err != nil {
		in.log.Warn("toolkit: failed to clear removal tombstone for %s: %v", rec.Slug, err)
	}

	if rec.Enabled && in.activator != nil {
		if err := in.activator.Activate(ctx, rec.Slug); err != nil {
			in.log.Error("toolkit: activation of %s failed after ingestion: %v", rec.Slug, err)
		}
	}

	return rec, nil
}
