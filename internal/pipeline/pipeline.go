// Package pipeline turns one catalog item into a finished archive: resolve
// metadata, walk the viewer pages, fetch each image, package the result.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"comicshelf/internal/archive"
	"comicshelf/internal/catalog"
	"comicshelf/internal/fetch"
	"comicshelf/internal/scanner"
	"comicshelf/internal/session"
)

// EventKind labels pipeline progress events.
type EventKind string

// Event kinds, in rough emission order. Exactly one of Completed or Error
// terminates every Acquire call.
const (
	MetadataResolved EventKind = "metadata_resolved"
	PageSkipped      EventKind = "page_skipped"
	PageDownloaded   EventKind = "page_downloaded"
	PageFailed       EventKind = "page_failed"
	Completed        EventKind = "completed"
	Error            EventKind = "error"
)

// Event is one progress notification. Index is 1-based; Total is the number
// of page descriptors resolved for the item.
type Event struct {
	Kind        EventKind
	Index       int
	Total       int
	Downloaded  int
	ArchivePath string
	CoverPath   string
	ByteSize    int64
	Err         error
}

// Config locates the output trees.
type Config struct {
	DownloadDir string
	CoverDir    string
	// PageCeiling bounds the viewer-link walk across listing pages.
	PageCeiling int
	// PageDelay paces navigations.
	PageDelay time.Duration
}

const defaultPageCeiling = 100

// Pipeline acquires items through a logged-in browser and a plain HTTP
// fetcher.
type Pipeline struct {
	browser session.Browser
	scan    *scanner.Scanner
	fetcher fetch.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New builds a Pipeline. base is the resolved site base URL.
func New(browser session.Browser, base string, fetcher fetch.Fetcher, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.PageCeiling <= 0 {
		cfg.PageCeiling = defaultPageCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		browser: browser,
		scan:    scanner.New(browser, base),
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
	}
}

// descriptor is one page to materialize: its reading-order index and the
// viewer page that exposes the full-resolution image.
type descriptor struct {
	Index     int
	ViewerURL string
}

// Acquire downloads every page of item, packages the result as a CBZ with
// embedded metadata, and reports progress through emit. Already-present
// non-empty page files are kept as is, so a re-run resumes where the last
// one stopped. A single page failure is non-fatal; the run fails only when
// nothing at all could be materialized or packaging fails.
func (p *Pipeline) Acquire(ctx context.Context, item *catalog.Item, emit func(Event)) {
	if emit == nil {
		emit = func(Event) {}
	}

	title := item.Title
	pageCount := item.PageCount
	updatedAt := item.RemoteUpdatedAt

	// Metadata refresh is best effort; stale values only degrade the
	// embedded ComicInfo, never the download itself.
	if err := p.navigate(ctx, item.URL); err != nil {
		emit(Event{Kind: Error, Err: fmt.Errorf("open item page: %w", err)})
		return
	}
	if count, updated, _, err := p.scan.Details(ctx); err != nil {
		p.logger.Warn("detail refresh failed", zap.String("item_id", item.ID), zap.Error(err))
	} else {
		if count > 0 {
			pageCount = count
		}
		if !updated.IsZero() {
			updatedAt = updated
		}
	}
	emit(Event{Kind: MetadataResolved, Total: pageCount})

	descriptors, err := p.resolveDescriptors(ctx, item.URL)
	if err != nil {
		emit(Event{Kind: Error, Err: fmt.Errorf("resolve pages: %w", err)})
		return
	}
	if len(descriptors) == 0 {
		emit(Event{Kind: Error, Err: fmt.Errorf("item %s exposes no viewer pages", item.ID)})
		return
	}
	total := len(descriptors)

	owner := SafeName(item.Owner, "uncategorized")
	name := SafeName(title, item.ID)
	workDir := filepath.Join(p.cfg.DownloadDir, owner, name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		emit(Event{Kind: Error, Err: fmt.Errorf("create working dir: %w", err)})
		return
	}

	downloaded := 0
	coverPath := ""
	for _, desc := range descriptors {
		if ctx.Err() != nil {
			emit(Event{Kind: Error, Err: ctx.Err()})
			return
		}
		existing := presentFile(workDir, desc.Index)
		if existing != "" {
			if coverPath == "" {
				coverPath = p.ensureCover(existing, name)
			}
			emit(Event{Kind: PageSkipped, Index: desc.Index, Total: total, Downloaded: downloaded})
			continue
		}
		written, err := p.fetchPage(ctx, workDir, desc)
		if err != nil {
			p.logger.Warn("page fetch failed",
				zap.String("item_id", item.ID),
				zap.Int("page", desc.Index),
				zap.Error(err))
			emit(Event{Kind: PageFailed, Index: desc.Index, Total: total, Downloaded: downloaded, Err: err})
			continue
		}
		downloaded++
		if coverPath == "" {
			coverPath = p.ensureCover(written, name)
		}
		emit(Event{Kind: PageDownloaded, Index: desc.Index, Total: total, Downloaded: downloaded})
	}

	info := archive.NewComicInfo(title, item.Owner, item.URL, total, updatedAt)
	archivePath := filepath.Join(p.cfg.DownloadDir, owner, name+".cbz")
	byteSize, err := archive.WriteCBZ(archivePath, workDir, info)
	if err != nil {
		emit(Event{Kind: Error, Err: fmt.Errorf("package archive: %w", err)})
		return
	}
	if err := os.RemoveAll(workDir); err != nil {
		p.logger.Warn("working dir cleanup failed", zap.String("dir", workDir), zap.Error(err))
	}

	emit(Event{
		Kind:        Completed,
		Total:       total,
		Downloaded:  downloaded,
		ArchivePath: archivePath,
		CoverPath:   coverPath,
		ByteSize:    byteSize,
	})
}

// resolveDescriptors walks the item's listing pages collecting viewer links
// in reading order. The item page at startURL is assumed current when called;
// marking it visited up front keeps a self-referencing paginator from
// re-navigating to it.
func (p *Pipeline) resolveDescriptors(ctx context.Context, startURL string) ([]descriptor, error) {
	seen := make(map[string]bool)
	visited := map[string]bool{startURL: true}
	var out []descriptor

	for page := 0; page < p.cfg.PageCeiling; page++ {
		links, err := p.scan.ViewLinks(ctx)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if seen[link] {
				continue
			}
			seen[link] = true
			out = append(out, descriptor{Index: len(out) + 1, ViewerURL: link})
		}

		next, err := p.scan.NextPage(ctx, visited)
		if err != nil {
			return nil, err
		}
		if next == "" || visited[next] {
			break
		}
		visited[next] = true
		if err := p.navigate(ctx, next); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fetchPage visits one viewer page, resolves the full-resolution image, and
// writes it under the page's zero-padded name. Returns the written path.
func (p *Pipeline) fetchPage(ctx context.Context, workDir string, desc descriptor) (string, error) {
	if err := p.navigate(ctx, desc.ViewerURL); err != nil {
		return "", fmt.Errorf("open viewer: %w", err)
	}
	imageURL, err := p.scan.OriginalImage(ctx)
	if err != nil {
		return "", err
	}
	if imageURL == "" {
		return "", fmt.Errorf("viewer %s exposes no original image", desc.ViewerURL)
	}
	body, err := p.fetcher.FetchBytes(ctx, imageURL)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(workDir, PageFileName(desc.Index, imageURL))
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", fmt.Errorf("write page: %w", err)
	}
	return dest, nil
}

// ensureCover copies the page at src into the flat cover directory once,
// named after the item. Cover failures are logged, never fatal.
func (p *Pipeline) ensureCover(src, name string) string {
	dest := filepath.Join(p.cfg.CoverDir, name+filepath.Ext(src))
	if fi, err := os.Stat(dest); err == nil && fi.Size() > 0 {
		return dest
	}
	if err := copyFile(src, dest); err != nil {
		p.logger.Warn("cover copy failed", zap.String("src", src), zap.Error(err))
		return ""
	}
	return dest
}

func (p *Pipeline) navigate(ctx context.Context, url string) error {
	if err := p.browser.Navigate(ctx, url); err != nil {
		return err
	}
	if p.cfg.PageDelay > 0 {
		select {
		case <-time.After(p.cfg.PageDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PageFileName builds the zero-padded page filename so lexicographic order
// matches reading order. The extension comes from the image URL path and
// falls back to .jpg.
func PageFileName(index int, imageURL string) string {
	ext := strings.ToLower(path.Ext(stripQuery(imageURL)))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
	default:
		ext = ".jpg"
	}
	return fmt.Sprintf("%04d%s", index, ext)
}

// presentFile returns the path of an existing non-empty file for the page
// index, regardless of extension, or "".
func presentFile(workDir string, index int) string {
	matches, err := filepath.Glob(filepath.Join(workDir, fmt.Sprintf("%04d.*", index)))
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if fi, statErr := os.Stat(m); statErr == nil && fi.Size() > 0 {
			return m
		}
	}
	return ""
}

// SafeName reduces s to a filesystem-safe name: letters, digits, space, dash
// and underscore survive, spaces become underscores. An empty result yields
// the fallback.
func SafeName(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		case r > 127:
			// Unicode titles are the common case; keep letters, drop
			// separators the filesystem might reject.
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return fallback
	}
	return out
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create cover dir: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return out.Sync()
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
