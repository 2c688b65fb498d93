// Package session owns the authenticated headless browsing context used to
// read the remote catalog. The session represents a single logged-in tab; it
// is not safe for concurrent callers, and element data is always extracted
// into plain values in one pass per page so nothing references rendered
// state across a navigation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"comicshelf/internal/logging"
)

// ErrLoginFailed reports that the remote site rejected the credentials. The
// caller must surface it as a task failure rather than retry the login.
var ErrLoginFailed = errors.New("session: login failed")

// Link is an anchor extracted as plain values.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Cell couples an anchor with scalar context from its enclosing container:
// detail text (page counts, timestamps) and the first image source.
type Cell struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Image  string `json:"image"`
}

// Browser is the navigable session surface consumed by the scanner and the
// acquisition pipeline. Implementations return extracted values only.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	PageTitle(ctx context.Context) (string, error)
	Text(ctx context.Context, selector string) (string, error)
	Links(ctx context.Context, selector string) ([]Link, error)
	Cells(ctx context.Context, anchorSel, containerSel, detailSel string) ([]Cell, error)
	ImageSources(ctx context.Context, selector string) ([]string, error)
	Login(ctx context.Context, baseURL, username, password string) error
}

// Config controls session behavior.
type Config struct {
	UserAgent   string
	NavTimeout  time.Duration
	SettleDelay time.Duration
}

// Session implements Browser with chromedp and headless Chrome. One Session
// holds one browser tab; Close releases the whole allocator.
type Session struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc
	logger      *zap.Logger
}

// New starts a headless browser and opens a single tab.
func New(cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		tab:         tabCtx,
		tabCancel:   tabCancel,
		logger:      logging.OrNop(logger),
	}
	if cfg.UserAgent != "" {
		ctx, cancel := context.WithTimeout(tabCtx, cfg.NavTimeout)
		defer cancel()
		if err := chromedp.Run(ctx, emulation.SetUserAgentOverride(cfg.UserAgent)); err != nil {
			s.Close()
			return nil, fmt.Errorf("set user-agent: %w", err)
		}
	}
	return s, nil
}

// Close tears down the tab and the browser process.
func (s *Session) Close() {
	s.tabCancel()
	s.allocCancel()
}

// Navigate loads url in the session tab, waits for the body, and pauses for
// the settle delay so late-rendered listings are present before extraction.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// Location returns the tab's current URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// PageTitle returns the document title.
func (s *Session) PageTitle(ctx context.Context) (string, error) {
	var title string
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

// Text returns the trimmed text content of the first element matching
// selector, or "" when there is no match.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return el ? (el.textContent || '').trim() : '';
	})()`, selector)
	var out string
	if err := s.evaluate(ctx, expr, &out); err != nil {
		return "", err
	}
	return out, nil
}

// Links extracts every anchor matching selector, in document order. The href
// property is read so relative URLs arrive already absolutized.
func (s *Session) Links(ctx context.Context, selector string) ([]Link, error) {
	expr := fmt.Sprintf(`(() => {
		const out = [];
		for (const a of document.querySelectorAll(%q)) {
			out.push({url: a.href || '', text: (a.textContent || '').trim()});
		}
		return out;
	})()`, selector)
	var out []Link
	if err := s.evaluate(ctx, expr, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cells extracts anchors matching anchorSel together with detail text and
// the first image from each anchor's closest containerSel ancestor. All
// values are scalars; nothing here survives the next navigation.
func (s *Session) Cells(ctx context.Context, anchorSel, containerSel, detailSel string) ([]Cell, error) {
	expr := fmt.Sprintf(`(() => {
		const out = [];
		for (const a of document.querySelectorAll(%q)) {
			const cell = {url: a.href || '', title: (a.textContent || '').trim(), detail: '', image: ''};
			const box = %q ? a.closest(%q) : null;
			if (box) {
				const d = %q ? box.querySelector(%q) : null;
				if (d) cell.detail = (d.textContent || '').trim();
				const img = box.querySelector('img');
				if (img) cell.image = img.src || '';
			}
			out.push(cell);
		}
		return out;
	})()`, anchorSel, containerSel, containerSel, detailSel, detailSel)
	var out []Cell
	if err := s.evaluate(ctx, expr, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ImageSources returns the src of every image matching selector, in order.
func (s *Session) ImageSources(ctx context.Context, selector string) ([]string, error) {
	expr := fmt.Sprintf(`(() => {
		const out = [];
		for (const img of document.querySelectorAll(%q)) {
			if (img.src) out.push(img.src);
		}
		return out;
	})()`, selector)
	var out []string
	if err := s.evaluate(ctx, expr, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login signs into the catalog through its login form and verifies that the
// session left the login page. A rejection is ErrLoginFailed and is fatal to
// the calling task.
func (s *Session) Login(ctx context.Context, baseURL, username, password string) error {
	loginURL := strings.TrimRight(baseURL, "/") + "/users-login.html"
	if err := s.Navigate(ctx, loginURL); err != nil {
		return err
	}

	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(`input[name="login_name"]`, chromedp.ByQuery),
		chromedp.SetValue(`input[name="login_name"]`, username, chromedp.ByQuery),
		chromedp.SetValue(`input[name="login_pass"]`, password, chromedp.ByQuery),
		chromedp.Click(`button, input[type="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}

	loc, err := s.Location(ctx)
	if err != nil {
		return err
	}
	if strings.Contains(loc, "users-login") {
		s.logger.Warn("still on login page after submit", zap.String("url", loc))
		return ErrLoginFailed
	}
	s.logger.Info("logged in", zap.String("url", loc))
	return nil
}

func (s *Session) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancelCause := context.WithCancel(s.tab)
	stop := context.AfterFunc(ctx, cancelCause)
	runCtx, cancelTimeout := context.WithTimeout(merged, s.cfg.NavTimeout)
	return runCtx, func() {
		stop()
		cancelTimeout()
		cancelCause()
	}
}

func (s *Session) evaluate(ctx context.Context, expr string, out any) error {
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}
