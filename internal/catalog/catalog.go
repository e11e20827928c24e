// Package catalog implements the remote catalog and update service:
// fetching a community toolkit catalog, resolving a catalog entry's bundle
// download URL, installing the resulting zip through the toolkit ingestion
// pipeline, and reporting available updates for installed community
// toolkits.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buildkite/roko"
	"github.com/sony/gobreaker"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

const (
	fetchTimeout    = 10 * time.Second
	downloadTimeout = 30 * time.Second
)

// Entry is one toolkit advertised by the remote catalog
type Entry struct {
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	BundleURL   string   `json:"bundle_url,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Maintainers []string `json:"maintainers,omitempty"`

	// ResolvedBundleURL, when already absolute, short-circuits candidate
	// resolution in Candidates.
	ResolvedBundleURL string `json:"resolved_bundle_url,omitempty"`
}

// catalogDocument tolerates both `{"toolkits": [...]}` and a bare array,
//
type catalogDocument struct {
	Toolkits []Entry `json:"toolkits"`
}

// SettingsOverride resolves the stored catalog URL override from
// system_settings, if any, which wins over the compile-time default.
type SettingsOverride interface {
	CatalogURL(ctx context.Context) (string, error)
}

// Client fetches the remote catalog and downloads bundle zips. Fetch runs
// inside a bounded retrier (3 attempts) behind a circuit breaker; Download
// is a single request with neither.
type Client struct {
	httpClient   *http.Client
	defaultURL   string
	settings     SettingsOverride
	breaker      *gobreaker.CircuitBreaker
	log          logger.Logger
}

func NewClient(defaultURL string, settings SettingsOverride, log logger.Logger) *Client {
	if log == nil {
		log = logger.Discard
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "catalog-fetch",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: fetchTimeout},
		defaultURL: defaultURL,
		settings:   settings,
		breaker:    cb,
		log:        log,
	}
}

func (c *Client) catalogURL(ctx context.Context) (string, error) {
	if c.settings != nil {
		if url, err := c.settings.CatalogURL(ctx); err == nil && url != "" {
			return url, nil
		}
	}
	return c.defaultURL, nil
}

// Fetch retrieves and parses the catalog document, following redirects
// (net/http's default client behavior) and retrying transient failures.
func (c *Client) Fetch(ctx context.Context) ([]Entry, error) {
	url, err := c.catalogURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve url: %w", err)
	}
	if url == "" {
		return nil, apperr.NotFound("no catalog url configured")
	}

	var body []byte
	_, err = c.breaker.Execute(func() (any, error) {
		return nil, roko.NewRetrier(
			roko.WithMaxAttempts(3),
			roko.WithStrategy(roko.Constant(500*time.Millisecond)),
		).DoWithContext(ctx, func(r *roko.Retrier) error {
			data, ferr := c.get(ctx, url)
			if ferr != nil {
				return ferr
			}
			body = data
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Upstream("fetch catalog", err)
	}

	entries, err := parseCatalogBody(body)
	if err != nil {
		return nil, apperr.Upstream("parse catalog", err)
	}
	return entries, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("catalog: unexpected status %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

func parseCatalogBody(body []byte) ([]Entry, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var entries []Entry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}
	var doc catalogDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc.Toolkits, nil
}

// zipMagic holds the three zip header signatures accepted as a valid
// bundle: a normal local-file-header start, an empty archive, and a
// spanned archive.
var zipMagic = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
	{'P', 'K', 0x07, 0x08},
}

func looksLikeZip(header []byte) bool {
	for _, magic := range zipMagic {
		if len(header) >= len(magic) && string(header[:len(magic)]) == string(magic) {
			return true
		}
	}
	return false
}

// Download fetches a candidate bundle URL into memory, verifying its
// header matches one of the zip magic signatures and that it does not
// exceed maxBytes install step.
func (c *Client) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream("download bundle", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, apperr.Upstream(fmt.Sprintf("bundle download returned status %d", resp.StatusCode), nil)
	}

	limited := io.LimitReader(resp.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, apperr.Upstream("read bundle body", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, apperr.PayloadTooLarge("bundle exceeds toolkit_bundle_max_bytes")
	}
	if !looksLikeZip(data) {
		return nil, apperr.Validation("candidate url did not return a zip archive")
	}
	return data, nil
}
