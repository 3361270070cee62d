package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/domain"
)

// ErrAuth marks authentication and authorization failures. Retrying these
// is pointless; callers should surface them immediately.
var ErrAuth = errors.New("influxdb authentication failed")

// Client talks to an InfluxDB 2.x instance.
type Client struct {
	http             *resty.Client
	org              string
	bucketRecent     string
	bucketHistorical string
}

// NewClient creates an InfluxDB client from configuration.
func NewClient(cfg *config.InfluxConfig) *Client {
	http := resty.New()
	http.SetBaseURL(cfg.URL)
	http.SetHeader("Authorization", "Token "+cfg.Token)
	http.SetTimeout(cfg.Timeout)

	return &Client{
		http:             http,
		org:              cfg.Org,
		bucketRecent:     cfg.BucketRecent,
		bucketHistorical: cfg.BucketHistorical,
	}
}

// BucketFor maps a tier to its target bucket: detailed recent rows and
// compressed long-term rows land separately so they can carry different
// retention policies.
func (c *Client) BucketFor(tier domain.SeriesTier) string {
	if tier == domain.TierShortTerm {
		return c.bucketRecent
	}
	return c.bucketHistorical
}

// Health checks that the instance is up. It does not require a token.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/health")
	if err != nil {
		return fmt.Errorf("failed to reach InfluxDB: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("InfluxDB unhealthy: status %d", resp.StatusCode())
	}
	return nil
}

type bucketsResponse struct {
	Buckets []struct {
		Name string `json:"name"`
	} `json:"buckets"`
}

// BucketExists verifies that the named bucket is visible to the token.
func (c *Client) BucketExists(ctx context.Context, bucket string) error {
	var result bucketsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("org", c.org).
		SetQueryParam("name", bucket).
		SetResult(&result).
		Get("/api/v2/buckets")
	if err != nil {
		return fmt.Errorf("failed to look up bucket %q: %w", bucket, err)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode())
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("bucket lookup failed: status %d", resp.StatusCode())
	}
	for _, b := range result.Buckets {
		if b.Name == bucket {
			return nil
		}
	}
	return fmt.Errorf("bucket %q not found in org %q", bucket, c.org)
}

// WritePoints writes a batch of points to the given bucket with second
// precision. Rewriting the same points is safe: identical series and
// timestamp overwrite in place.
func (c *Client) WritePoints(ctx context.Context, bucket string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("org", c.org).
		SetQueryParam("bucket", bucket).
		SetQueryParam("precision", "s").
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(EncodeBatch(points)).
		Post("/api/v2/write")
	if err != nil {
		return fmt.Errorf("failed to write to InfluxDB: %w", err)
	}

	switch resp.StatusCode() {
	case 204:
		return nil
	case 401, 403:
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode())
	default:
		return fmt.Errorf("InfluxDB write failed: status %d: %s", resp.StatusCode(), resp.String())
	}
}
