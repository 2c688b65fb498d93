// Package scanner extracts typed records from catalog listing pages. It owns
// every selector the service knows about; all queries resolve to plain
// values in a single pass per page, and pagination is matched structurally
// (paginator container plus href shape), never by link text, so localized
// labels cannot break the walk.
package scanner

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"comicshelf/internal/session"
)

// Selectors for the catalog's markup. Centralized so a markup drift is a
// one-file fix.
const (
	itemAnchorSel    = `a[href*='photos-index-aid-']`
	itemContainerSel = `[class*='u_listcon'], [class*='box_cel']`
	itemDetailSel    = `p.l_detla`
	viewAnchorSel    = `a[href*='photos-view-id-']`
	paginatorSel     = `.paginator`
	searchAnchorSel  = `ul.col_2 li[class*='cate-'] a[href*='photos-index-aid-']`
	searchListSel    = `li[class*='cate-']`
	searchDetailSel  = `span.info`
	imageSel         = `img[src*='wnimg']`
	categoryMarker   = "users-users_fav-c-"
	pageMarker       = "-page-"
	galleryDateSel   = `.gallary_item`
)

var (
	numberRe     = regexp.MustCompile(`(\d+)\s*P?`)
	createdRe    = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})(?:\s+(\d{2}:\d{2}:\d{2}))?`)
	imageCountRe = regexp.MustCompile(`(\d+)张图片`)
	dateRe       = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// Pseudo-entries on the bookshelf that are management links, not owner
// categories.
var categoryExclusions = map[string]struct{}{
	"全部": {}, "管理分類": {}, "書架": {}, "书架": {}, "我的書架": {},
}

// Record is one catalog item sighting, fully extracted.
type Record struct {
	Title string
	Owner string
	URL   string
	// PageCount is 0 when the listing did not expose one.
	PageCount int
	// UpdatedAt is the zero time when unknown.
	UpdatedAt time.Time
	CoverURL  string
}

// Category is one owner grouping on the bookshelf.
type Category struct {
	Name string
	URL  string
}

// Scanner reads a positioned Browser. It holds no page state of its own.
type Scanner struct {
	browser session.Browser
	base    string
}

// New builds a Scanner over browser. base is used to absolutize the rare
// href that arrives relative.
func New(browser session.Browser, base string) *Scanner {
	return &Scanner{browser: browser, base: strings.TrimRight(base, "/")}
}

// Categories returns the owner groupings found on the bookshelf root, in
// page order.
func (s *Scanner) Categories(ctx context.Context) ([]Category, error) {
	links, err := s.browser.Links(ctx, fmt.Sprintf(`a[href*='%s']`, categoryMarker))
	if err != nil {
		return nil, fmt.Errorf("scan categories: %w", err)
	}
	var out []Category
	for _, link := range links {
		if link.Text == "" {
			continue
		}
		if _, excluded := categoryExclusions[link.Text]; excluded {
			continue
		}
		out = append(out, Category{Name: link.Text, URL: s.absolutize(link.URL)})
	}
	return out, nil
}

// Items returns the item records on the current listing page, in page order.
// A cell with a malformed page count is still emitted (count unknown); a
// cell missing its URL or title is skipped.
func (s *Scanner) Items(ctx context.Context) ([]Record, error) {
	cells, err := s.browser.Cells(ctx, itemAnchorSel, itemContainerSel, itemDetailSel)
	if err != nil {
		return nil, fmt.Errorf("scan items: %w", err)
	}
	var out []Record
	for _, cell := range cells {
		if cell.URL == "" || cell.Title == "" {
			continue
		}
		out = append(out, Record{
			Title:     cell.Title,
			URL:       s.absolutize(cell.URL),
			PageCount: parseCount(cell.Detail),
		})
	}
	return out, nil
}

// NextPage locates the next listing page structurally: an anchor inside the
// paginator whose href carries the pagination marker plus every string in
// markers, and which has not been visited. A page-wide query is the fallback
// when the paginator container is absent. Returns "" when there is no next
// page.
func (s *Scanner) NextPage(ctx context.Context, visited map[string]bool, markers ...string) (string, error) {
	sel := anchorSelector(append(markers, pageMarker))
	links, err := s.browser.Links(ctx, paginatorSel+" "+sel)
	if err != nil {
		return "", fmt.Errorf("scan paginator: %w", err)
	}
	if next := firstUnvisited(links, visited, s.base); next != "" {
		return next, nil
	}
	links, err = s.browser.Links(ctx, sel)
	if err != nil {
		return "", fmt.Errorf("scan page links: %w", err)
	}
	return firstUnvisited(links, visited, s.base), nil
}

// ViewLinks returns the per-page viewer URLs on the current item page, in
// page order, deduplicated while preserving first-seen order.
func (s *Scanner) ViewLinks(ctx context.Context) ([]string, error) {
	links, err := s.browser.Links(ctx, viewAnchorSel)
	if err != nil {
		return nil, fmt.Errorf("scan view links: %w", err)
	}
	seen := make(map[string]bool, len(links))
	var out []string
	for _, link := range links {
		u := s.absolutize(link.URL)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out, nil
}

// OriginalImage returns the full-resolution image URL on a viewer page:
// the image host's /data/ path, excluding /t/ thumbnails. Returns "" when
// none is present.
func (s *Scanner) OriginalImage(ctx context.Context) (string, error) {
	srcs, err := s.browser.ImageSources(ctx, imageSel)
	if err != nil {
		return "", fmt.Errorf("scan images: %w", err)
	}
	for _, src := range srcs {
		if strings.Contains(src, "/data/") && !strings.Contains(src, "/t/") {
			return src, nil
		}
	}
	return "", nil
}

// Details reads the metadata exposed on an item's detail page. Every field
// is optional; a missing one is returned as its zero value.
func (s *Scanner) Details(ctx context.Context) (pageCount int, updatedAt time.Time, coverURL string, err error) {
	detail, err := s.browser.Text(ctx, itemDetailSel)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("scan detail text: %w", err)
	}
	pageCount = parseCount(detail)

	galleryText, err := s.browser.Text(ctx, galleryDateSel)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("scan gallery text: %w", err)
	}
	if match := dateRe.FindString(galleryText); match != "" {
		if parsed, parseErr := time.Parse("2006-01-02", match); parseErr == nil {
			updatedAt = parsed
		}
	}

	srcs, err := s.browser.ImageSources(ctx, imageSel)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("scan cover: %w", err)
	}
	if len(srcs) > 0 {
		coverURL = srcs[0]
	}
	return pageCount, updatedAt, coverURL, nil
}

// SearchResults returns the entries on a search listing page, newest first
// as the catalog orders them. Records missing a timestamp keep the zero
// time; callers decide how to treat them.
func (s *Scanner) SearchResults(ctx context.Context) ([]Record, error) {
	cells, err := s.browser.Cells(ctx, searchAnchorSel, searchListSel, searchDetailSel)
	if err != nil {
		return nil, fmt.Errorf("scan search results: %w", err)
	}
	var out []Record
	for _, cell := range cells {
		if cell.URL == "" || cell.Title == "" {
			continue
		}
		rec := Record{
			Title:    cell.Title,
			URL:      s.absolutize(cell.URL),
			CoverURL: s.absolutize(cell.Image),
		}
		if m := imageCountRe.FindStringSubmatch(cell.Detail); m != nil {
			rec.PageCount, _ = strconv.Atoi(m[1])
		}
		if m := createdRe.FindStringSubmatch(cell.Detail); m != nil {
			layout, value := "2006-01-02", m[1]
			if m[2] != "" {
				layout, value = "2006-01-02 15:04:05", m[1]+" "+m[2]
			}
			if parsed, parseErr := time.Parse(layout, value); parseErr == nil {
				rec.UpdatedAt = parsed
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// SearchURL builds the newest-first search URL for owner.
func (s *Scanner) SearchURL(owner string) string {
	return fmt.Sprintf("%s/q/?q=%s&f=_all&s=create_time_DESC&syn=yes", s.base, url.QueryEscape(owner))
}

func (s *Scanner) absolutize(href string) string {
	switch {
	case href == "" || strings.HasPrefix(href, "http"):
		return href
	case strings.HasPrefix(href, "/"):
		return s.base + href
	default:
		return s.base + "/" + href
	}
}

func anchorSelector(markers []string) string {
	var b strings.Builder
	b.WriteString("a")
	for _, marker := range markers {
		fmt.Fprintf(&b, "[href*='%s']", marker)
	}
	return b.String()
}

func firstUnvisited(links []session.Link, visited map[string]bool, base string) string {
	for _, link := range links {
		u := link.URL
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http") {
			if strings.HasPrefix(u, "/") {
				u = base + u
			} else {
				u = base + "/" + u
			}
		}
		if !visited[u] {
			return u
		}
	}
	return ""
}

func parseCount(text string) int {
	m := numberRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
