package download

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"comicshelf/internal/catalog"
	"comicshelf/internal/metrics"
	"comicshelf/internal/pipeline"
	"comicshelf/internal/task"
)

// Acquirer runs the acquisition pipeline for one item. Satisfied by
// *pipeline.Pipeline; a fake stands in for tests.
type Acquirer interface {
	Acquire(ctx context.Context, item *catalog.Item, emit func(pipeline.Event))
}

// SessionFactory opens an authenticated acquisition session. The returned
// close function releases the browser; it is called once per executor run.
type SessionFactory func(ctx context.Context) (Acquirer, func(), error)

// Download progress occupies the first 90 percent of a task; packaging takes
// the rest.
const downloadPhasePercent = 90

// Executor drains the download queue. At most one executor run is active per
// process; overlapping Run calls return immediately.
type Executor struct {
	store      *catalog.Store
	tasks      *task.Manager
	flight     *task.Flight
	newSession SessionFactory
	logger     *zap.Logger
}

// NewExecutor builds an Executor around the shared single-flight slot.
func NewExecutor(store *catalog.Store, tasks *task.Manager, flight *task.Flight, newSession SessionFactory, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:      store,
		tasks:      tasks,
		flight:     flight,
		newSession: newSession,
		logger:     logger,
	}
}

// Kick starts a drain in the background. Safe to call on every enqueue; a
// running drain absorbs the new work and a second one never starts.
func (e *Executor) Kick(ctx context.Context) {
	go e.Run(ctx)
}

// Run drains pending download tasks oldest first until the queue is empty or
// ctx ends. The single-flight slot is released on every path. A task failure
// marks that task failed and moves on; there is no automatic retry.
func (e *Executor) Run(ctx context.Context) {
	if !e.flight.TryAcquire() {
		return
	}
	defer e.flight.Release()

	// Peek before opening a session; an empty queue must not cost a browser
	// launch and a login.
	if head, err := e.store.OldestPendingDownload(ctx); err != nil || head == nil {
		if err != nil {
			e.logger.Error("queue read failed", zap.Error(err))
		}
		return
	}

	acquirer, closeSession, err := e.newSession(ctx)
	if err != nil {
		e.logger.Error("download session unavailable", zap.Error(err))
		e.failNext(ctx, fmt.Errorf("open session: %w", err))
		return
	}
	defer closeSession()

	for ctx.Err() == nil {
		t, err := e.store.OldestPendingDownload(ctx)
		if err != nil {
			e.logger.Error("queue read failed", zap.Error(err))
			return
		}
		if t == nil {
			return
		}
		if err := e.process(ctx, acquirer, t); err != nil {
			// The task is still pending; continuing would refetch it and
			// spin the drain.
			return
		}
	}
}

func (e *Executor) process(ctx context.Context, acquirer Acquirer, t *catalog.Task) error {
	item, err := e.store.GetItem(ctx, t.ItemID)
	if err != nil {
		e.fail(ctx, t, fmt.Errorf("load item: %w", err))
		return nil
	}

	t.Status = catalog.StatusRunning
	t.Message = "downloading " + item.Title
	if err := e.tasks.Update(ctx, t); err != nil {
		e.logger.Error("task start update failed", zap.String("task_id", t.ID), zap.Error(err))
		return fmt.Errorf("start task %s: %w", t.ID, err)
	}
	if err := e.store.SetItemDownloadState(ctx, item.ID, catalog.StateDownloading); err != nil {
		e.logger.Warn("item state update failed", zap.String("item_id", item.ID), zap.Error(err))
	}

	acquirer.Acquire(ctx, item, func(evt pipeline.Event) {
		e.apply(ctx, t, item, evt)
	})
	return nil
}

// apply translates one pipeline event into task and item updates. Pages map
// onto the download phase of the progress bar; Completed jumps to 100 after
// packaging.
func (e *Executor) apply(ctx context.Context, t *catalog.Task, item *catalog.Item, evt pipeline.Event) {
	switch evt.Kind {
	case pipeline.MetadataResolved:
		t.TotalUnits = evt.Total
		e.update(ctx, t)

	case pipeline.PageDownloaded, pipeline.PageSkipped:
		t.TotalUnits = evt.Total
		t.CompletedUnits = evt.Index
		if evt.Total > 0 {
			t.Progress = evt.Index * downloadPhasePercent / evt.Total
		}
		t.Message = fmt.Sprintf("page %d/%d", evt.Index, evt.Total)
		e.update(ctx, t)
		if evt.Kind == pipeline.PageDownloaded {
			metrics.ObservePage("downloaded")
			if err := e.store.SetItemDownloadedPages(ctx, item.ID, evt.Downloaded); err != nil {
				e.logger.Warn("page count update failed", zap.String("item_id", item.ID), zap.Error(err))
			}
		} else {
			metrics.ObservePage("skipped")
		}

	case pipeline.PageFailed:
		metrics.ObservePage("failed")
		t.Message = fmt.Sprintf("page %d/%d failed", evt.Index, evt.Total)
		e.update(ctx, t)

	case pipeline.Completed:
		err := e.store.MarkItemCompleted(ctx, item.ID, evt.ArchivePath, evt.CoverPath, evt.ByteSize, evt.Total)
		if err != nil {
			e.fail(ctx, t, fmt.Errorf("record completion: %w", err))
			return
		}
		result, _ := json.Marshal(map[string]any{
			"archive_path": evt.ArchivePath,
			"byte_size":    evt.ByteSize,
			"downloaded":   evt.Downloaded,
			"total":        evt.Total,
		})
		t.Status = catalog.StatusCompleted
		t.Progress = 100
		t.CompletedUnits = evt.Total
		t.Message = "completed"
		t.Result = string(result)
		e.update(ctx, t)
		metrics.ObserveArchiveBytes(evt.ByteSize)
		metrics.ObserveTaskFinished(string(t.Kind), string(t.Status))

	case pipeline.Error:
		if err := e.store.SetItemDownloadState(ctx, item.ID, catalog.StateFailed); err != nil {
			e.logger.Warn("item state update failed", zap.String("item_id", item.ID), zap.Error(err))
		}
		e.fail(ctx, t, evt.Err)
	}
}

func (e *Executor) update(ctx context.Context, t *catalog.Task) {
	if err := e.tasks.Update(ctx, t); err != nil {
		e.logger.Warn("task update failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (e *Executor) fail(ctx context.Context, t *catalog.Task, cause error) {
	t.Status = catalog.StatusFailed
	t.Error = catalog.ErrorLine(cause)
	t.Message = "failed"
	e.update(ctx, t)
	metrics.ObserveTaskFinished(string(t.Kind), string(t.Status))
	e.logger.Error("download task failed",
		zap.String("task_id", t.ID),
		zap.String("item_id", t.ItemID),
		zap.Error(cause))
}

// failNext marks the oldest pending task failed when no session could be
// opened, so a dead remote does not leave the queue silently stuck.
func (e *Executor) failNext(ctx context.Context, cause error) {
	t, err := e.store.OldestPendingDownload(ctx)
	if err != nil || t == nil {
		return
	}
	t.Status = catalog.StatusRunning
	e.update(ctx, t)
	e.fail(ctx, t, cause)
}
