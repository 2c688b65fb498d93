package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"comicshelf/internal/catalog"
	"comicshelf/internal/metrics"
	"comicshelf/internal/scanner"
)

// StartSync creates a sync task and runs the full catalog walk in the
// background. ErrAlreadyRunning when a sync is in flight.
func (s *Services) StartSync(ctx context.Context) (*catalog.Task, error) {
	if !s.syncFlight.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	t := &catalog.Task{Kind: catalog.KindSync, Message: "queued"}
	if err := s.tasks.Create(ctx, t); err != nil {
		s.syncFlight.Release()
		return nil, err
	}
	go func() {
		defer s.syncFlight.Release()
		s.runSync(context.Background(), t)
	}()
	return t, nil
}

func (s *Services) runSync(ctx context.Context, t *catalog.Task) {
	t.Status = catalog.StatusRunning
	t.Message = "verifying local archives"
	if err := s.tasks.Update(ctx, t); err != nil {
		s.logger.Error("sync start update failed", zap.Error(err))
		return
	}

	// Self-heal before touching the network: items whose archive vanished
	// must be downloadable again by the end of this run.
	if report, err := s.VerifyArchives(ctx); err != nil {
		s.logger.Warn("archive verification failed", zap.Error(err))
	} else if report.Reset > 0 {
		s.logger.Info("reset items with missing archives", zap.Int("count", report.Reset))
	}

	r, err := s.connect(ctx)
	if err != nil {
		s.failTask(ctx, t, err)
		return
	}
	defer r.close()

	t.Message = "walking bookshelf"
	s.updateTask(ctx, t)

	var (
		discovered int
		created    int
		newIDs     []string
	)
	for rec := range s.synchronizer(r).Stream(ctx) {
		discovered++
		id, isNew, err := s.upsertRecord(ctx, rec)
		if err != nil {
			s.logger.Warn("record upsert failed", zap.String("url", rec.URL), zap.Error(err))
			continue
		}
		if isNew {
			created++
			newIDs = append(newIDs, id)
			metrics.ObserveSyncItem("new")
		} else {
			metrics.ObserveSyncItem("known")
		}
		if discovered%10 == 0 {
			t.Message = fmt.Sprintf("discovered %d items (%d new)", discovered, created)
			t.CompletedUnits = discovered
			s.updateTask(ctx, t)
		}
	}

	// Detail pages are visited after the walk: the walk and the detail
	// fetches share one browser tab, so interleaving them would navigate the
	// listing out from under the stream.
	t.Message = fmt.Sprintf("fetching details for %d new items", len(newIDs))
	s.updateTask(ctx, t)
	detailed := s.fetchDetails(ctx, r, newIDs)

	result, _ := json.Marshal(map[string]any{
		"discovered": discovered,
		"new":        created,
		"detailed":   detailed,
	})
	t.Status = catalog.StatusCompleted
	t.Progress = 100
	t.CompletedUnits = discovered
	t.Message = fmt.Sprintf("synced %d items (%d new)", discovered, created)
	t.Result = string(result)
	s.updateTask(ctx, t)
	metrics.ObserveTaskFinished(string(t.Kind), string(t.Status))
}

// upsertRecord files one sighting. New URLs become items; known URLs only
// have their page count backfilled when the listing exposed one.
func (s *Services) upsertRecord(ctx context.Context, rec scanner.Record) (string, bool, error) {
	existing, err := s.store.GetItemByURL(ctx, rec.URL)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		item := &catalog.Item{
			Title:           rec.Title,
			Owner:           rec.Owner,
			URL:             rec.URL,
			PageCount:       rec.PageCount,
			RemoteUpdatedAt: rec.UpdatedAt,
			CoverURL:        rec.CoverURL,
			DownloadState:   catalog.StateNotStarted,
		}
		if err := s.store.CreateItem(ctx, item); err != nil {
			return "", false, err
		}
		return item.ID, true, nil
	case err != nil:
		return "", false, err
	default:
		if rec.PageCount > 0 && existing.PageCount == 0 {
			if err := s.store.UpdateItemMeta(ctx, existing.ID, rec.PageCount, rec.UpdatedAt, rec.CoverURL); err != nil {
				return existing.ID, false, err
			}
		}
		return existing.ID, false, nil
	}
}

// fetchDetails visits each new item's page for page count, update date, and
// cover URL. Every failure is per-item and non-fatal.
func (s *Services) fetchDetails(ctx context.Context, r *remote, ids []string) int {
	scan := scanner.New(r.browser, r.baseURL)
	detailed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return detailed
		}
		item, err := s.store.GetItem(ctx, id)
		if err != nil {
			continue
		}
		if err := r.browser.Navigate(ctx, item.URL); err != nil {
			s.logger.Warn("detail page unreachable", zap.String("item_id", id), zap.Error(err))
			continue
		}
		pageCount, updatedAt, coverURL, err := scan.Details(ctx)
		if err != nil {
			s.logger.Warn("detail scan failed", zap.String("item_id", id), zap.Error(err))
			continue
		}
		if err := s.store.UpdateItemMeta(ctx, id, pageCount, updatedAt, coverURL); err != nil {
			s.logger.Warn("detail update failed", zap.String("item_id", id), zap.Error(err))
			continue
		}
		detailed++
	}
	return detailed
}

func (s *Services) updateTask(ctx context.Context, t *catalog.Task) {
	if err := s.tasks.Update(ctx, t); err != nil {
		s.logger.Warn("task update failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}
