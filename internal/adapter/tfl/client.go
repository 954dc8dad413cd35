// Package tfl talks to the two Transport for London surfaces the pipelines
// consume: the public cycling open-data bucket and the unified BikePoint API.
package tfl

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/velodata/cycling-data-etl/internal/fetcher"
)

const (
	DefaultBucketURL = "https://cycling.data.tfl.gov.uk"
	DefaultAPIURL    = "https://api.tfl.gov.uk"

	// The bucket rejects requests without a browser-looking user agent.
	defaultUserAgent = "Mozilla/5.0 (compatible; cycling-data-etl/1.0)"
)

// Client lists and downloads objects from the open-data bucket and fetches
// BikePoint snapshots from the API.
type Client struct {
	httpClient *http.Client
	bucketURL  string
	apiURL     string
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBucketURL points the client at a different bucket endpoint.
func WithBucketURL(u string) Option {
	return func(c *Client) { c.bucketURL = u }
}

// WithAPIURL points the client at a different API endpoint.
func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = u }
}

// New builds a Client.
func New(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		bucketURL:  DefaultBucketURL,
		apiURL:     DefaultAPIURL,
		userAgent:  defaultUserAgent,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// listBucketResult is the subset of the S3 ListObjectsV2 XML response the
// client needs.
type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
}

// List returns every key under the usage-stats prefix, following
// continuation tokens. It satisfies catalog.Lister.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var keys []string
	token := ""
	for {
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", "usage-stats/")
		if token != "" {
			q.Set("continuation-token", token)
		}

		body, err := c.get(ctx, c.bucketURL+"/?"+q.Encode())
		if err != nil {
			return nil, fmt.Errorf("list bucket: %w", err)
		}

		var page listBucketResult
		if err := xml.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode bucket listing: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, obj.Key)
		}
		if !page.IsTruncated {
			return keys, nil
		}
		token = page.NextContinuationToken
	}
}

// Download fetches one bucket object. It satisfies fetcher.Downloader.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	u := c.bucketURL + (&url.URL{Path: "/" + key}).EscapedPath()
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	c.logger.Debug("downloaded bucket object", "key", key, "bytes", len(body))
	return body, nil
}

// BikePoints fetches the current station snapshot as raw JSON. It satisfies
// fetcher.StationSource.
func (c *Client) BikePoints(ctx context.Context) ([]byte, error) {
	body, err := c.get(ctx, c.apiURL+"/BikePoint")
	if err != nil {
		return nil, fmt.Errorf("bike points: %w", err)
	}
	return body, nil
}

// get performs one GET. Transport failures and 5xx responses are marked
// transient so the caller's retry policy applies; 4xx responses are final.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fetcher.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fetcher.Transient(fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fetcher.Transient(err)
	}
	return body, nil
}
