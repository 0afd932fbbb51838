// Package client fetches a connected peer's catalog and records it in the
// proximity index.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/metrics"
	"github.com/lightsaber/pkg/protocol"
	"github.com/lightsaber/pkg/proximity"
	"github.com/lightsaber/pkg/types"
)

var (
	// ErrFetchTransport covers connection failures and non-200 responses.
	ErrFetchTransport = errors.New("catalog fetch transport error")
	// ErrFetchMalformedBody means the peer answered with something that is
	// not a JSON catalog.
	ErrFetchMalformedBody = errors.New("catalog fetch returned a malformed body")
)

// maxCatalogBytes caps how much of a peer's answer is read.
const maxCatalogBytes = 8 << 20

// Fetch results as reported to metrics.
const (
	ResultOK        = "ok"
	ResultTransport = "transport_error"
	ResultMalformed = "malformed_body"
)

// Config configures a CatalogClient.
type Config struct {
	Timeout    time.Duration // per fetch; 0 means 15s
	HTTPClient *http.Client
	Metrics    *metrics.Collector
}

// CatalogClient is the only writer of the proximity index.
type CatalogClient struct {
	index   *proximity.Index
	http    *http.Client
	timeout time.Duration
	metrics *metrics.Collector
}

// New creates a CatalogClient writing into index.
func New(index *proximity.Index, cfg Config) *CatalogClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &CatalogClient{
		index:   index,
		http:    cfg.HTTPClient,
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
	}
}

// Fetch issues a single GET against peerURL's catalog root. On success every
// descriptor is stamped with url=peerURL (type defaults to packaged) and the
// list replaces peerName's proximity entry. On failure the index is left
// untouched. There is no retry.
func (c *CatalogClient) Fetch(ctx context.Context, peerName, peerURL string) ([]types.AppDescriptor, error) {
	apps, err := c.fetch(ctx, peerURL)
	if err != nil {
		result := ResultTransport
		if errors.Is(err, ErrFetchMalformedBody) {
			result = ResultMalformed
		}
		c.metrics.RecordFetch(result)
		logging.Logf("[fetch] peer=%s url=%s failed: %v", peerName, peerURL, err)
		return nil, err
	}

	base := strings.TrimRight(peerURL, "/")
	for i := range apps {
		apps[i].URL = base
		if apps[i].Type == "" {
			apps[i].Type = types.AppTypePackaged
		}
	}

	entry := c.index.Put(peerName, apps)
	c.metrics.RecordFetch(ResultOK)
	logging.Logf("[fetch] peer=%s url=%s apps=%d", peerName, base, entry.AppCount())
	return apps, nil
}

func (c *CatalogClient) fetch(ctx context.Context, peerURL string) ([]types.AppDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := strings.TrimRight(peerURL, "/") + protocol.PathCatalog
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchTransport, err)
	}
	req.Header.Set("Accept", protocol.ContentTypeCatalog)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: unexpected status %s", ErrFetchTransport, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchTransport, err)
	}
	if len(body) > maxCatalogBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFetchMalformedBody, maxCatalogBytes)
	}

	apps, err := protocol.DecodeCatalog(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchMalformedBody, err)
	}
	return apps, nil
}
