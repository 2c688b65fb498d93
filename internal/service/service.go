// Package service ties sessions, the synchronizer, and the download machinery
// to the task lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"comicshelf/internal/catalog"
	"comicshelf/internal/config"
	"comicshelf/internal/download"
	"comicshelf/internal/fetch"
	"comicshelf/internal/logging"
	"comicshelf/internal/pipeline"
	"comicshelf/internal/session"
	"comicshelf/internal/sync"
	"comicshelf/internal/task"
)

// ErrAlreadyRunning reports that an operation of the same kind is in flight.
var ErrAlreadyRunning = errors.New("service: operation already in flight")

// Services exposes the long-running operations behind the API: full sync,
// targeted updates resync, archive verification, and item removal. Sync and
// resync each hold a named single-flight slot so two of a kind never overlap.
type Services struct {
	cfg    config.Config
	store  *catalog.Store
	tasks  *task.Manager
	logger *zap.Logger

	syncFlight   *task.Flight
	resyncFlight *task.Flight

	// newBrowser is swapped out by tests.
	newBrowser func() (session.Browser, func(), error)
	resolver   *session.Resolver
}

// New wires a Services over the shared store and task manager.
func New(cfg config.Config, store *catalog.Store, tasks *task.Manager, logger *zap.Logger) *Services {
	logger = logging.OrNop(logger)
	s := &Services{
		cfg:          cfg,
		store:        store,
		tasks:        tasks,
		logger:       logger,
		syncFlight:   task.NewFlight(),
		resyncFlight: task.NewFlight(),
		resolver: session.NewResolver(
			cfg.Site.PublishPageURL,
			cfg.Browser.UserAgent,
			time.Duration(cfg.Browser.ProbeTimeoutMs)*time.Millisecond,
			logger,
		),
	}
	s.newBrowser = func() (session.Browser, func(), error) {
		browser, err := session.New(session.Config{
			UserAgent:   cfg.Browser.UserAgent,
			NavTimeout:  cfg.NavTimeout(),
			SettleDelay: time.Duration(cfg.Browser.SettleDelayMs) * time.Millisecond,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return browser, browser.Close, nil
	}
	return s
}

// remote is one authenticated visit: a logged-in browser positioned on a
// resolved base URL.
type remote struct {
	browser session.Browser
	baseURL string
	close   func()
}

// connect resolves the current mirror, starts a browser, and logs in. Auth
// failure is returned as is so callers can treat it as fatal.
func (s *Services) connect(ctx context.Context) (*remote, error) {
	baseURL, err := s.resolver.BaseURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve base url: %w", err)
	}
	browser, closeBrowser, err := s.newBrowser()
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	if err := browser.Login(ctx, baseURL, s.cfg.Site.Username, s.cfg.Site.Password); err != nil {
		closeBrowser()
		return nil, fmt.Errorf("login: %w", err)
	}
	return &remote{browser: browser, baseURL: baseURL, close: closeBrowser}, nil
}

// DownloadSessionFactory adapts connect into what the download executor
// needs: a pipeline bound to a live session.
func (s *Services) DownloadSessionFactory() download.SessionFactory {
	return func(ctx context.Context) (download.Acquirer, func(), error) {
		r, err := s.connect(ctx)
		if err != nil {
			return nil, nil, err
		}
		fetcher := fetch.New(fetch.Config{
			UserAgent: s.cfg.Browser.UserAgent,
			Referer:   r.baseURL,
			Timeout:   time.Duration(s.cfg.Fetch.TimeoutSeconds) * time.Second,
		})
		p := pipeline.New(r.browser, r.baseURL, fetcher, pipeline.Config{
			DownloadDir: s.cfg.Paths.DownloadDir,
			CoverDir:    s.cfg.Paths.CoverDir,
			PageCeiling: s.cfg.Browser.PageCeiling,
			PageDelay:   s.cfg.PageDelay(),
		}, s.logger)
		return p, r.close, nil
	}
}

// synchronizer builds a sync walker over an open remote.
func (s *Services) synchronizer(r *remote) *sync.Synchronizer {
	return sync.New(r.browser, sync.Config{
		BaseURL:     r.baseURL,
		PageCeiling: s.cfg.Browser.PageCeiling,
		PageDelay:   s.cfg.PageDelay(),
	}, s.logger)
}

func (s *Services) failTask(ctx context.Context, t *catalog.Task, cause error) {
	t.Status = catalog.StatusFailed
	t.Error = catalog.ErrorLine(cause)
	t.Message = "failed"
	if err := s.tasks.Update(ctx, t); err != nil {
		s.logger.Error("task failure update failed", zap.String("task_id", t.ID), zap.Error(err))
	}
	s.logger.Error("task failed",
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.Error(cause))
}
