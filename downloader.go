package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RefItem is one reference-data record fetched from the remote system.
// Payload is stored in the cache as-is.
type RefItem struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// ReferenceDownloader fetches the current reference data for a category.
// The built-in implementation talks HTTP; hosts with their own transport
// inject a replacement through Deps.
type ReferenceDownloader interface {
	Download(ctx context.Context, category string) ([]RefItem, error)
}

// HTTPReferenceDownloader fetches reference data as a JSON array from
// GET {endpoint}/api/v1/reference/{category}.
type HTTPReferenceDownloader struct {
	config  RemoteConfig
	client  HTTPDoer
	retryer *Retryer
}

// NewHTTPReferenceDownloader creates a downloader against cfg.Endpoint.
func NewHTTPReferenceDownloader(cfg RemoteConfig) *HTTPReferenceDownloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPReferenceDownloader{
		config: cfg,
		client: client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxAttempts,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsTransient,
		}),
	}
}

// Download implements ReferenceDownloader.
func (d *HTTPReferenceDownloader) Download(ctx context.Context, category string) ([]RefItem, error) {
	var items []RefItem
	result := d.retryer.Do(ctx, func() error {
		fetched, err := d.fetch(ctx, category)
		if err != nil {
			return err
		}
		items = fetched
		return nil
	})
	if result.LastErr != nil {
		return nil, result.LastErr
	}
	return items, nil
}

func (d *HTTPReferenceDownloader) fetch(ctx context.Context, category string) ([]RefItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		d.config.Endpoint+"/api/v1/reference/"+url.PathEscape(category), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	d.config.applyAuth(req)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var items []RefItem
		if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
			return nil, fmt.Errorf("decode reference data for %q: %w", category, err)
		}
		return items, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Message: "server error", Status: resp.StatusCode}

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("reference download rejected: status %d: %s", resp.StatusCode, string(msg))
	}
}
