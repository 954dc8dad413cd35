// Package ceda talks to the CEDA archive that hosts the HadUK-Grid daily
// NetCDF files. Access requires an authenticated session cookie.
package ceda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/velodata/cycling-data-etl/internal/fetcher"
)

const (
	DefaultBaseURL     = "https://data.ceda.ac.uk"
	DefaultArchivePath = "badc/ukmo-hadobs/data/insitu/MOHC/HadOBS/HadUK-Grid/v1.2.0.ceda/5km"

	sessionCookieName = "ceda.session.1"
)

// Client lists and downloads archive files for a set of weather metrics.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	archivePath string
	version     string
	session     string
	metrics     []string
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL points the client at a different archive host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithArchivePath overrides the dataset path under the archive host.
func WithArchivePath(p string) Option {
	return func(c *Client) { c.archivePath = p }
}

// New builds a Client. version is the dated release directory within each
// metric (e.g. "v20230328"), session the value of the CEDA session cookie.
func New(logger *slog.Logger, version, session string, metrics []string, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		baseURL:     DefaultBaseURL,
		archivePath: DefaultArchivePath,
		version:     version,
		session:     session,
		metrics:     metrics,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// directoryListing is the JSON document the archive serves for a directory
// when asked with ?json.
type directoryListing struct {
	Items []struct {
		Download string `json:"download"`
	} `json:"items"`
}

// List returns the download URLs of every archive file across the configured
// metrics. It satisfies catalog.Lister.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var urls []string
	for _, metric := range c.metrics {
		u := fmt.Sprintf("%s/%s/%s/day/%s?json", c.baseURL, c.archivePath, metric, c.version)
		body, err := c.get(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", metric, err)
		}

		var listing directoryListing
		if err := json.Unmarshal(body, &listing); err != nil {
			return nil, fmt.Errorf("decode %s listing: %w", metric, err)
		}
		for _, item := range listing.Items {
			urls = append(urls, item.Download)
		}
	}
	return urls, nil
}

// DownloadFile streams one archive file to dst. The daily grids run to
// hundreds of megabytes, so they never pass through memory whole. It
// satisfies fetcher.FileDownloader.
func (c *Client) DownloadFile(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: c.session})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fetcher.Transient(fmt.Errorf("download %s: %w", url, err))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return fetcher.Transient(fmt.Errorf("write %s: %w", dst, err))
	}
	c.logger.Debug("downloaded archive file", "url", url, "bytes", n)
	return nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: c.session})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fetcher.Transient(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fetcher.Transient(err)
	}
	return body, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 500:
		return fetcher.Transient(fmt.Errorf("status %d", code))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("status %d: session cookie rejected", code)
	case code != http.StatusOK:
		return fmt.Errorf("status %d", code)
	}
	return nil
}
