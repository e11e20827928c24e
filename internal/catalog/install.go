package catalog

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/logger"
	"github.com/sxmxc/opstoolbox/internal/toolkit"
)

// Installer ties catalog fetch/resolve/download together with the toolkit
// ingestion pipeline to install a catalog entry end to end.
type Installer struct {
	client       *Client
	ingester     *toolkit.Ingester
	bundleMaxBytes int64
	log          logger.Logger
}

func NewInstaller(client *Client, ingester *toolkit.Ingester, bundleMaxBytes int64, log logger.Logger) *Installer {
	if log == nil {
		log = logger.Discard
	}
	return &Installer{client: client, ingester: ingester, bundleMaxBytes: bundleMaxBytes, log: log}
}

// Install fetches the catalog, finds slug's entry, tries each resolved
// bundle URL candidate in order until one downloads as a valid zip, then
// ingests it with origin=community, enabled=false by default.
func (i *Installer) Install(ctx context.Context, slug string) (*toolkit.Record, error) {
	entries, err := i.client.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	var entry *Entry
	for idx := range entries {
		if entries[idx].Slug == slug {
			entry = &entries[idx]
			break
		}
	}
	if entry == nil {
		return nil, apperr.NotFound(fmt.Sprintf("catalog has no entry for slug %q", slug))
	}

	catalogURL, err := i.client.catalogURL(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, candidate := range Candidates(*entry, catalogURL) {
		data, err := i.client.Download(ctx, candidate, i.bundleMaxBytes)
		if err != nil {
			lastErr = err
			i.log.Debug("catalog: candidate %s rejected: %v", candidate, err)
			continue
		}

		record, err := i.ingester.IngestBundle(ctx, entry.Slug, entry.Slug+".zip", bytes.NewReader(data), false, toolkit.OriginCommunity)
		if err != nil {
			return nil, err
		}
		return record, nil
	}

	if lastErr == nil {
		lastErr = apperr.NotFound("catalog entry has no usable bundle url")
	}
	return nil, lastErr
}
