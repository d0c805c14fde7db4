package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"whatsbot/internal/domain"
)

// Downloader performs bounded HTTP downloads of provider-hosted media.
type Downloader struct {
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
	logger   *slog.Logger
}

type DownloaderConfig struct {
	Client   *http.Client
	MaxBytes int64
	Timeout  time.Duration
	Logger   *slog.Logger
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Downloader{
		client:   cfg.Client,
		maxBytes: cfg.MaxBytes,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// MaxBytes returns the size ceiling.
func (d *Downloader) MaxBytes() int64 { return d.maxBytes }

// Get downloads rawURL with the given extra headers. Payloads above the
// ceiling are rejected, never truncated. Errors wrap domain.ErrMediaFetch.
func (d *Downloader) Get(ctx context.Context, rawURL string, header http.Header) (*domain.MediaBlob, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrMediaFetch, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrMediaFetch, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.ContentLength > d.maxBytes {
		return nil, fmt.Errorf("%w: %w: content-length %d exceeds %d", domain.ErrMediaFetch, domain.ErrMediaTooLarge, resp.ContentLength, d.maxBytes)
	}

	data, err := ReadAllWithLimit(resp.Body, d.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaFetch, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = DetectContentType(data)
	}

	d.logger.Debug("media downloaded", "size", len(data), "content_type", contentType)

	return &domain.MediaBlob{
		Data:        data,
		ContentType: contentType,
		Filename:    filenameFrom(rawURL, resp.Header.Get("Content-Disposition")),
	}, nil
}

func filenameFrom(rawURL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return ""
}
