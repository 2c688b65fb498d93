// Package sync walks the remote bookshelf and streams item records as they
// are discovered.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"comicshelf/internal/scanner"
	"comicshelf/internal/session"
)

// bookshelfPath is the collection root, relative to the resolved base URL.
const bookshelfPath = "/users-users_fav.html"

const (
	defaultPageCeiling = 100
	defaultBuffer      = 32
)

// Config tunes the walk.
type Config struct {
	BaseURL string
	// PageCeiling bounds the pages walked per category. The remote's
	// paginator has produced loops before; the ceiling is the guard of last
	// resort.
	PageCeiling int
	// PageDelay paces navigations so the walk does not hammer the remote.
	PageDelay time.Duration
	// Buffer is the stream channel capacity.
	Buffer int
}

// Synchronizer discovers catalog items through a logged-in browser session.
type Synchronizer struct {
	browser session.Browser
	scan    *scanner.Scanner
	cfg     Config
	logger  *zap.Logger
}

// New builds a Synchronizer over an already authenticated browser.
func New(browser session.Browser, cfg Config, logger *zap.Logger) *Synchronizer {
	if cfg.PageCeiling <= 0 {
		cfg.PageCeiling = defaultPageCeiling
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		browser: browser,
		scan:    scanner.New(browser, cfg.BaseURL),
		cfg:     cfg,
		logger:  logger,
	}
}

// Stream walks every bookshelf category and sends each item record the first
// time its URL is seen. The channel is closed when the walk finishes or ctx
// is canceled; records are deduplicated across the entire run. A category
// that fails to load is logged and skipped, it never ends the stream.
func (s *Synchronizer) Stream(ctx context.Context) <-chan scanner.Record {
	out := make(chan scanner.Record, s.cfg.Buffer)
	go func() {
		defer close(out)

		root := s.cfg.BaseURL + bookshelfPath
		if err := s.browser.Navigate(ctx, root); err != nil {
			s.logger.Error("bookshelf root unreachable", zap.String("url", root), zap.Error(err))
			return
		}
		categories, err := s.scan.Categories(ctx)
		if err != nil {
			s.logger.Error("category scan failed", zap.Error(err))
			return
		}
		if len(categories) == 0 {
			// No owner groupings: the root itself is the one flat listing.
			categories = []scanner.Category{{Name: "", URL: root}}
		}

		seen := make(map[string]bool)
		for _, category := range categories {
			if ctx.Err() != nil {
				return
			}
			if err := s.walkCategory(ctx, category, seen, out); err != nil {
				s.logger.Warn("category walk aborted",
					zap.String("category", category.Name),
					zap.Error(err))
			}
		}
	}()
	return out
}

// walkCategory pages through one category listing, emitting unseen records.
// Termination: empty page, no next link, next URL already visited, or the
// page ceiling. All four guards are load-bearing; the remote's paginator is
// not trusted to be acyclic.
func (s *Synchronizer) walkCategory(ctx context.Context, category scanner.Category, seen map[string]bool, out chan<- scanner.Record) error {
	visited := make(map[string]bool)
	pageURL := category.URL

	for page := 0; page < s.cfg.PageCeiling; page++ {
		if pageURL == "" || visited[pageURL] {
			return nil
		}
		visited[pageURL] = true

		if err := s.navigate(ctx, pageURL); err != nil {
			return fmt.Errorf("load page %s: %w", pageURL, err)
		}

		records, err := s.scan.Items(ctx)
		if err != nil {
			return fmt.Errorf("scan page %s: %w", pageURL, err)
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			if seen[rec.URL] {
				continue
			}
			seen[rec.URL] = true
			rec.Owner = category.Name
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		next, err := s.scan.NextPage(ctx, visited)
		if err != nil {
			return fmt.Errorf("next page after %s: %w", pageURL, err)
		}
		pageURL = next
	}
	s.logger.Warn("page ceiling reached",
		zap.String("category", category.Name),
		zap.Int("ceiling", s.cfg.PageCeiling))
	return nil
}

// SearchUpdates runs a newest-first search for owner and returns the records
// strictly newer than since, stopping at the first one at or older than it.
// Records without a parseable timestamp are skipped rather than trusted to
// end the walk.
func (s *Synchronizer) SearchUpdates(ctx context.Context, owner string, since time.Time) ([]scanner.Record, error) {
	visited := make(map[string]bool)
	pageURL := s.scan.SearchURL(owner)

	var out []scanner.Record
	for page := 0; page < s.cfg.PageCeiling; page++ {
		if pageURL == "" || visited[pageURL] {
			return out, nil
		}
		visited[pageURL] = true

		if err := s.navigate(ctx, pageURL); err != nil {
			return out, fmt.Errorf("load search page %s: %w", pageURL, err)
		}
		records, err := s.scan.SearchResults(ctx)
		if err != nil {
			return out, fmt.Errorf("scan search page %s: %w", pageURL, err)
		}
		if len(records) == 0 {
			return out, nil
		}
		for _, rec := range records {
			if rec.UpdatedAt.IsZero() {
				continue
			}
			if !rec.UpdatedAt.After(since) {
				// Results are newest first; everything past this point is
				// already known.
				return out, nil
			}
			rec.Owner = owner
			out = append(out, rec)
		}

		next, err := s.scan.NextPage(ctx, visited)
		if err != nil {
			return out, fmt.Errorf("next search page after %s: %w", pageURL, err)
		}
		pageURL = next
	}
	return out, nil
}

func (s *Synchronizer) navigate(ctx context.Context, url string) error {
	if err := s.browser.Navigate(ctx, url); err != nil {
		return err
	}
	if s.cfg.PageDelay > 0 {
		select {
		case <-time.After(s.cfg.PageDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
