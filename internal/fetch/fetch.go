// Package fetch downloads page images over plain HTTP using gocolly.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Referer   string
	Timeout   time.Duration
}

// Fetcher retrieves raw image bytes. It exists so the acquisition pipeline
// can be tested without the network.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Client implements Fetcher over a shared colly collector with a pooled
// transport. It is safe for concurrent use; each fetch clones the base
// collector.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Client.
func New(cfg Config) *Client {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Clones share the visited-URL store; a page retried after a partial
	// failure must not be refused as already seen.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	return &Client{cfg: cfg, baseCollector: c}
}

// FetchBytes executes a single GET and returns the response body. Any status
// other than 200 is an error: a truncated or substituted image must never be
// written to disk as a page.
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		if c.cfg.Referer != "" {
			r.Headers.Set("Referer", c.cfg.Referer)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := c.visit(ctx, collector, url); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, fetchErr)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, status)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("fetch %s: empty body", url)
	}
	return body, nil
}

func (c *Client) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
