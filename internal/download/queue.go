// Package download owns the persisted download queue and the single-flight
// executor that drains it.
package download

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"comicshelf/internal/catalog"
	"comicshelf/internal/task"
)

// Queue admits items into the download queue. The queue has no structure of
// its own: pending download tasks ordered by creation time are the queue.
type Queue struct {
	store  *catalog.Store
	tasks  *task.Manager
	logger *zap.Logger
}

// NewQueue builds a Queue.
func NewQueue(store *catalog.Store, tasks *task.Manager, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, tasks: tasks, logger: logger}
}

// Enqueue admits one item. It is idempotent: a completed item with its
// archive on record returns (nil, nil), an item with a pending or running
// task returns that task, and only otherwise is a new pending task created.
func (q *Queue) Enqueue(ctx context.Context, itemID string) (*catalog.Task, error) {
	item, err := q.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", itemID, err)
	}
	if item.DownloadState == catalog.StateCompleted && item.ArchivePath != "" {
		q.logger.Debug("enqueue skipped, already downloaded", zap.String("item_id", itemID))
		return nil, nil
	}
	if existing, err := q.store.ActiveTaskForItem(ctx, itemID); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", itemID, err)
	} else if existing != nil {
		return existing, nil
	}

	t := &catalog.Task{
		Kind:    catalog.KindDownload,
		ItemID:  itemID,
		Message: "queued",
	}
	if err := q.tasks.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", itemID, err)
	}
	return t, nil
}

// QueuedItemIDs returns the ids waiting in queue order, with the currently
// running one first when present. Display only; the executor reads the store
// directly.
func (q *Queue) QueuedItemIDs(ctx context.Context) ([]string, error) {
	var out []string
	running, err := q.store.ActiveTaskOfKind(ctx, catalog.KindDownload)
	if err != nil {
		return nil, fmt.Errorf("queued ids: %w", err)
	}
	if running != nil && running.Status == catalog.StatusRunning && running.ItemID != "" {
		out = append(out, running.ItemID)
	}
	pending, err := q.store.PendingDownloadItemIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("queued ids: %w", err)
	}
	return append(out, pending...), nil
}
