package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"comicshelf/internal/logging"
)

// ErrNoLiveMirror reports that no candidate site address answered.
var ErrNoLiveMirror = errors.New("session: no live mirror found on publish page")

// Resolver discovers the catalog's current base URL from its publish page.
// The publish page is plain HTML, so it is scanned with colly rather than
// the browser session.
type Resolver struct {
	publishURL string
	userAgent  string
	timeout    time.Duration
	client     *http.Client
	logger     *zap.Logger
}

// NewResolver builds a Resolver for the given publish page.
func NewResolver(publishURL, userAgent string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		publishURL: publishURL,
		userAgent:  userAgent,
		timeout:    timeout,
		client:     &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

// BaseURL scans the publish page for mirror links and returns the first one
// that answers a probe request. Candidates are matched structurally (list
// entries opening in a new tab), never by link text.
func (r *Resolver) BaseURL(ctx context.Context) (string, error) {
	candidates, err := r.collectCandidates(ctx)
	if err != nil {
		return "", err
	}
	for _, candidate := range candidates {
		if r.probe(ctx, candidate) {
			r.logger.Info("resolved catalog base url", zap.String("url", candidate))
			return candidate, nil
		}
		r.logger.Debug("mirror candidate did not answer", zap.String("url", candidate))
	}
	return "", ErrNoLiveMirror
}

func (r *Resolver) collectCandidates(ctx context.Context) ([]string, error) {
	publishHost, err := url.Parse(r.publishURL)
	if err != nil {
		return nil, fmt.Errorf("parse publish url: %w", err)
	}

	c := colly.NewCollector(colly.Async(false))
	c.SetRequestTimeout(r.timeout)
	if r.userAgent != "" {
		c.UserAgent = r.userAgent
	}

	var primary, fallback []string
	c.OnHTML(`ul li a[target="_blank"][href]`, func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if !strings.HasPrefix(href, "http") {
			return
		}
		parsed, parseErr := url.Parse(href)
		if parseErr != nil || parsed.Host == publishHost.Host {
			return
		}
		// Browser-download links appear in the same lists; skip them.
		if strings.Contains(parsed.Host, "google") {
			return
		}
		// Mirror entries wrap their label in an inner element; links that
		// carry one are the strongest candidates.
		if e.DOM != nil && e.DOM.Find("i").Length() > 0 {
			primary = append(primary, href)
			return
		}
		fallback = append(fallback, href)
	})

	if err := c.Visit(r.publishURL); err != nil {
		return nil, fmt.Errorf("scan publish page: %w", err)
	}
	c.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return append(primary, fallback...), nil
}

func (r *Resolver) probe(ctx context.Context, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/", nil)
	if err != nil {
		return false
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
