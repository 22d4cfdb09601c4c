// Package fetch retrieves template documents from remote URLs on behalf of
// the instantiation resolver.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultMaxBytes caps how much template text a single fetch may return.
const DefaultMaxBytes = 512 * 1024

// Fetcher retrieves template text over HTTP. It implements
// instantiation.Fetcher.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *slog.Logger
}

// Config holds template fetcher configuration.
type Config struct {
	Timeout  time.Duration
	MaxBytes int64
}

// New creates a template fetcher.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

// Fetch downloads the document at rawURL. Only http and https schemes are
// accepted; anything else is rejected before a request is made.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid template URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	f.logger.Debug("fetching template", "url", rawURL)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return "", fmt.Errorf("template exceeds %d bytes", f.maxBytes)
	}

	return string(body), nil
}
