package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"comicshelf/internal/catalog"
	"comicshelf/internal/metrics"
)

// StartResyncUpdates creates a resync_updates task and runs the per-owner
// targeted search in the background. ErrAlreadyRunning when one is in flight.
func (s *Services) StartResyncUpdates(ctx context.Context) (*catalog.Task, error) {
	if !s.resyncFlight.TryAcquire() {
		return nil, ErrAlreadyRunning
	}
	t := &catalog.Task{Kind: catalog.KindResyncUpdates, Message: "queued"}
	if err := s.tasks.Create(ctx, t); err != nil {
		s.resyncFlight.Release()
		return nil, err
	}
	go func() {
		defer s.resyncFlight.Release()
		s.runResync(context.Background(), t)
	}()
	return t, nil
}

func (s *Services) runResync(ctx context.Context, t *catalog.Task) {
	t.Status = catalog.StatusRunning
	t.Message = "collecting owners"
	s.updateTask(ctx, t)

	owners, err := s.resyncOwners(ctx)
	if err != nil {
		s.failTask(ctx, t, err)
		return
	}
	if len(owners) == 0 {
		t.Status = catalog.StatusCompleted
		t.Progress = 100
		t.Message = "no owners to resync"
		s.updateTask(ctx, t)
		return
	}

	r, err := s.connect(ctx)
	if err != nil {
		s.failTask(ctx, t, err)
		return
	}
	defer r.close()
	walker := s.synchronizer(r)

	t.TotalUnits = len(owners)
	candidates := 0
	for i, owner := range owners {
		since, err := s.store.LatestRemoteUpdate(ctx, owner)
		if err != nil {
			s.logger.Warn("latest update lookup failed", zap.String("owner", owner), zap.Error(err))
			continue
		}
		if since.IsZero() {
			since = time.Unix(0, 0).UTC()
		}

		records, err := walker.SearchUpdates(ctx, owner, since)
		if err != nil {
			// One owner's search failing must not end the whole resync.
			s.logger.Warn("owner resync failed", zap.String("owner", owner), zap.Error(err))
			continue
		}
		for _, rec := range records {
			if _, lookupErr := s.store.GetItemByURL(ctx, rec.URL); lookupErr == nil {
				continue
			} else if !errors.Is(lookupErr, catalog.ErrNotFound) {
				s.logger.Warn("candidate lookup failed", zap.String("url", rec.URL), zap.Error(lookupErr))
				continue
			}
			candidate := &catalog.CandidateUpdate{
				Title:           rec.Title,
				Owner:           owner,
				URL:             rec.URL,
				PageCount:       rec.PageCount,
				RemoteUpdatedAt: rec.UpdatedAt,
				CoverURL:        rec.CoverURL,
			}
			if err := s.store.UpsertCandidate(ctx, candidate); err != nil {
				s.logger.Warn("candidate upsert failed", zap.String("url", rec.URL), zap.Error(err))
				continue
			}
			candidates++
		}
		if pruned, err := s.store.PruneCandidates(ctx, owner, since); err != nil {
			s.logger.Warn("candidate prune failed", zap.String("owner", owner), zap.Error(err))
		} else if pruned > 0 {
			s.logger.Debug("pruned stale candidates", zap.String("owner", owner), zap.Int64("count", pruned))
		}

		t.CompletedUnits = i + 1
		t.Progress = (i + 1) * 100 / len(owners)
		t.Message = fmt.Sprintf("resynced %d/%d owners", i+1, len(owners))
		s.updateTask(ctx, t)
	}

	result, _ := json.Marshal(map[string]any{
		"owners":     len(owners),
		"candidates": candidates,
	})
	t.Status = catalog.StatusCompleted
	t.Progress = 100
	t.Message = fmt.Sprintf("found %d candidate updates", candidates)
	t.Result = string(result)
	s.updateTask(ctx, t)
	metrics.ObserveTaskFinished(string(t.Kind), string(t.Status))
}

// resyncOwners returns the distinct owner labels minus the configured
// exclusions. An owner label can be a shelf folder rather than a creator;
// the exclusion list is how operators carve those out.
func (s *Services) resyncOwners(ctx context.Context) ([]string, error) {
	owners, err := s.store.DistinctOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	excluded := make(map[string]struct{}, len(s.cfg.Site.ExcludedOwners))
	for _, name := range s.cfg.Site.ExcludedOwners {
		excluded[name] = struct{}{}
	}
	var out []string
	for _, owner := range owners {
		if owner == "" {
			continue
		}
		if _, skip := excluded[owner]; skip {
			continue
		}
		out = append(out, owner)
	}
	return out, nil
}
