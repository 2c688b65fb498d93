package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"comicshelf/internal/scanner"
	"comicshelf/internal/session"
)

const base = "https://mirror.test"

// page is one canned listing the fake site serves.
type page struct {
	categories []session.Link
	cells      []session.Cell
	next       []session.Link
	loadErr    error
}

// fakeSite is a stateful Browser: Navigate positions it, queries answer from
// the current page.
type fakeSite struct {
	pages   map[string]page
	current string
	visits  []string
}

func (f *fakeSite) Navigate(_ context.Context, url string) error {
	f.visits = append(f.visits, url)
	p, ok := f.pages[url]
	if !ok {
		return errors.New("no such page: " + url)
	}
	if p.loadErr != nil {
		return p.loadErr
	}
	f.current = url
	return nil
}

func (f *fakeSite) Location(context.Context) (string, error)  { return f.current, nil }
func (f *fakeSite) PageTitle(context.Context) (string, error) { return "", nil }
func (f *fakeSite) Text(context.Context, string) (string, error) {
	return "", nil
}
func (f *fakeSite) ImageSources(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeSite) Login(context.Context, string, string, string) error    { return nil }

func (f *fakeSite) Links(_ context.Context, selector string) ([]session.Link, error) {
	p := f.pages[f.current]
	if strings.Contains(selector, "users-users_fav-c-") {
		return p.categories, nil
	}
	if strings.Contains(selector, "-page-") {
		return p.next, nil
	}
	return nil, nil
}

func (f *fakeSite) Cells(context.Context, string, string, string) ([]session.Cell, error) {
	return f.pages[f.current].cells, nil
}

func newSynchronizer(site *fakeSite, ceiling int) *Synchronizer {
	return New(site, Config{BaseURL: base, PageCeiling: ceiling, Buffer: 4}, nil)
}

func collect(t *testing.T, s *Synchronizer) []scanner.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []scanner.Record
	for rec := range s.Stream(ctx) {
		out = append(out, rec)
	}
	return out
}

// TestStreamWalksCategoriesAndDedups verifies the category walk emits each
// URL once with the owning category attached, across pages and categories.
func TestStreamWalksCategoriesAndDedups(t *testing.T) {
	t.Parallel()

	root := base + "/users-users_fav.html"
	catA := base + "/users-users_fav-c-1.html"
	catA2 := base + "/users-users_fav-c-1-page-2.html"
	catB := base + "/users-users_fav-c-2.html"

	site := &fakeSite{pages: map[string]page{
		root: {categories: []session.Link{
			{URL: catA, Text: "artist-a"},
			{URL: catB, Text: "artist-b"},
		}},
		catA: {
			cells: []session.Cell{
				{URL: "/photos-index-aid-1.html", Title: "One", Detail: "10P"},
				{URL: "/photos-index-aid-2.html", Title: "Two", Detail: "20P"},
			},
			next: []session.Link{{URL: catA2}},
		},
		catA2: {
			cells: []session.Cell{
				// Listing overlap: page 2 repeats an item from page 1.
				{URL: "/photos-index-aid-2.html", Title: "Two", Detail: "20P"},
				{URL: "/photos-index-aid-3.html", Title: "Three", Detail: "30P"},
			},
		},
		catB: {
			cells: []session.Cell{
				// Same item filed under two shelves; first sighting wins.
				{URL: "/photos-index-aid-3.html", Title: "Three", Detail: "30P"},
				{URL: "/photos-index-aid-4.html", Title: "Four", Detail: "40P"},
			},
		},
	}}

	records := collect(t, newSynchronizer(site, 100))
	require.Len(t, records, 4)
	require.Equal(t, "One", records[0].Title)
	require.Equal(t, "artist-a", records[0].Owner)
	require.Equal(t, "artist-a", records[2].Owner)
	require.Equal(t, "Four", records[3].Title)
	require.Equal(t, "artist-b", records[3].Owner)
}

// TestStreamFlatRootFallback verifies a bookshelf without categories is
// walked as one flat listing.
func TestStreamFlatRootFallback(t *testing.T) {
	t.Parallel()

	root := base + "/users-users_fav.html"
	site := &fakeSite{pages: map[string]page{
		root: {cells: []session.Cell{
			{URL: "/photos-index-aid-1.html", Title: "Solo", Detail: "5P"},
		}},
	}}

	records := collect(t, newSynchronizer(site, 100))
	require.Len(t, records, 1)
	require.Equal(t, "Solo", records[0].Title)
	require.Empty(t, records[0].Owner)
}

// TestStreamStopsOnPaginatorLoop verifies a next link pointing at a visited
// page ends the category instead of walking forever.
func TestStreamStopsOnPaginatorLoop(t *testing.T) {
	t.Parallel()

	root := base + "/users-users_fav.html"
	catA := base + "/users-users_fav-c-1.html"
	catA2 := base + "/users-users_fav-c-1-page-2.html"

	site := &fakeSite{pages: map[string]page{
		root: {categories: []session.Link{{URL: catA, Text: "artist-a"}}},
		catA: {
			cells: []session.Cell{{URL: "/photos-index-aid-1.html", Title: "One", Detail: "1P"}},
			next:  []session.Link{{URL: catA2}},
		},
		catA2: {
			cells: []session.Cell{{URL: "/photos-index-aid-2.html", Title: "Two", Detail: "2P"}},
			// Loops back to the first page.
			next: []session.Link{{URL: catA}},
		},
	}}

	records := collect(t, newSynchronizer(site, 100))
	require.Len(t, records, 2)
}

// TestStreamHonorsPageCeiling verifies the hard page bound fires even when
// the paginator keeps producing fresh URLs.
func TestStreamHonorsPageCeiling(t *testing.T) {
	t.Parallel()

	root := base + "/users-users_fav.html"
	pages := map[string]page{
		root: {categories: []session.Link{{URL: base + "/users-users_fav-c-1-page-0.html", Text: "artist-a"}}},
	}
	// An endless chain of distinct pages.
	for i := 0; i < 10; i++ {
		pages[pageURL(i)] = page{
			cells: []session.Cell{{URL: itemURL(i), Title: "Item", Detail: "1P"}},
			next:  []session.Link{{URL: pageURL(i + 1)}},
		}
	}
	site := &fakeSite{pages: pages}

	records := collect(t, newSynchronizer(site, 3))
	require.Len(t, records, 3)
}

func pageURL(i int) string {
	return base + "/users-users_fav-c-1-page-" + string(rune('0'+i)) + ".html"
}

func itemURL(i int) string {
	return base + "/photos-index-aid-" + string(rune('0'+i)) + ".html"
}

// TestStreamSkipsFailingCategory verifies one unreachable category does not
// end the walk.
func TestStreamSkipsFailingCategory(t *testing.T) {
	t.Parallel()

	root := base + "/users-users_fav.html"
	catA := base + "/users-users_fav-c-1.html"
	catB := base + "/users-users_fav-c-2.html"

	site := &fakeSite{pages: map[string]page{
		root: {categories: []session.Link{
			{URL: catA, Text: "artist-a"},
			{URL: catB, Text: "artist-b"},
		}},
		catA: {loadErr: errors.New("boom")},
		catB: {cells: []session.Cell{{URL: "/photos-index-aid-9.html", Title: "Nine", Detail: "9P"}}},
	}}

	records := collect(t, newSynchronizer(site, 100))
	require.Len(t, records, 1)
	require.Equal(t, "artist-b", records[0].Owner)
}

// TestSearchUpdatesShortCircuits verifies the newest-first walk stops at the
// first record not newer than the watermark.
func TestSearchUpdatesShortCircuits(t *testing.T) {
	t.Parallel()

	searchURL := scanner.New(nil, base).SearchURL("artist-a")

	site := &fakeSite{pages: map[string]page{
		searchURL: {cells: []session.Cell{
			{URL: "/photos-index-aid-30.html", Title: "Newest", Detail: "10张图片 2024-07-01 12:00:00"},
			{URL: "/photos-index-aid-31.html", Title: "Undated", Detail: "no timestamp"},
			{URL: "/photos-index-aid-32.html", Title: "Known", Detail: "8张图片 2024-01-01 00:00:00"},
			{URL: "/photos-index-aid-33.html", Title: "Older", Detail: "5张图片 2023-06-01 00:00:00"},
		}},
	}}
	s := newSynchronizer(site, 100)

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	records, err := s.SearchUpdates(context.Background(), "artist-a", since)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Newest", records[0].Title)
	require.Equal(t, "artist-a", records[0].Owner)
}
