package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"comicshelf/internal/catalog"
	"comicshelf/internal/metrics"
	"comicshelf/internal/pipeline"
	"comicshelf/internal/task"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) (*catalog.Store, *task.Manager) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	b := task.NewBroadcaster(64, nil)
	t.Cleanup(b.Close)
	return store, task.NewManager(store, b, nil)
}

func createItem(t *testing.T, store *catalog.Store, url string) *catalog.Item {
	t.Helper()
	item := &catalog.Item{
		Title:         "Work",
		Owner:         "artist-a",
		URL:           url,
		DownloadState: catalog.StateNotStarted,
	}
	require.NoError(t, store.CreateItem(context.Background(), item))
	return item
}

// TestEnqueueIdempotent verifies the three enqueue outcomes: skip when
// downloaded, reuse an active task, create otherwise.
func TestEnqueueIdempotent(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	item := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")

	first, err := queue.Enqueue(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, catalog.StatusPending, first.Status)

	second, err := queue.Enqueue(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// Completed with an archive on record: nothing to do.
	first.Status = catalog.StatusCompleted
	require.NoError(t, tasks.Update(ctx, first))
	require.NoError(t, store.MarkItemCompleted(ctx, item.ID, "/archives/a.cbz", "", 100, 10))

	third, err := queue.Enqueue(ctx, item.ID)
	require.NoError(t, err)
	require.Nil(t, third)
}

// TestEnqueueUnknownItem verifies unknown ids surface ErrNotFound.
func TestEnqueueUnknownItem(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	queue := NewQueue(store, tasks, nil)

	_, err := queue.Enqueue(context.Background(), "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

// scriptedAcquirer emits a fixed event sequence per item URL.
type scriptedAcquirer struct {
	scripts  map[string][]pipeline.Event
	acquired []string
}

func (a *scriptedAcquirer) Acquire(_ context.Context, item *catalog.Item, emit func(pipeline.Event)) {
	a.acquired = append(a.acquired, item.ID)
	for _, evt := range a.scripts[item.URL] {
		emit(evt)
	}
}

func successScript(archive string) []pipeline.Event {
	return []pipeline.Event{
		{Kind: pipeline.MetadataResolved, Total: 2},
		{Kind: pipeline.PageDownloaded, Index: 1, Total: 2, Downloaded: 1},
		{Kind: pipeline.PageDownloaded, Index: 2, Total: 2, Downloaded: 2},
		{Kind: pipeline.Completed, Total: 2, Downloaded: 2, ArchivePath: archive, CoverPath: "/covers/a.jpg", ByteSize: 512},
	}
}

func staticFactory(a Acquirer) SessionFactory {
	return func(context.Context) (Acquirer, func(), error) {
		return a, func() {}, nil
	}
}

// TestExecutorDrainsQueueInOrder verifies tasks run oldest first and finish
// with the item marked completed.
func TestExecutorDrainsQueueInOrder(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	first := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")
	second := createItem(t, store, "https://mirror.test/photos-index-aid-2.html")

	firstTask, err := queue.Enqueue(ctx, first.ID)
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, second.ID)
	require.NoError(t, err)

	acquirer := &scriptedAcquirer{scripts: map[string][]pipeline.Event{
		first.URL:  successScript("/archives/one.cbz"),
		second.URL: successScript("/archives/two.cbz"),
	}}
	executor := NewExecutor(store, tasks, task.NewFlight(), staticFactory(acquirer), nil)
	executor.Run(ctx)

	require.Equal(t, []string{first.ID, second.ID}, acquirer.acquired)

	done, err := store.GetTask(ctx, firstTask.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusCompleted, done.Status)
	require.Equal(t, 100, done.Progress)
	require.Contains(t, done.Result, "/archives/one.cbz")

	item, err := store.GetItem(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StateCompleted, item.DownloadState)
	require.Equal(t, "/archives/one.cbz", item.ArchivePath)
	require.Equal(t, int64(512), item.ByteSize)

	remaining, err := store.OldestPendingDownload(ctx)
	require.NoError(t, err)
	require.Nil(t, remaining)
}

// TestExecutorScalesProgress verifies page events land in the download phase
// of the progress bar, below the packaging share.
func TestExecutorScalesProgress(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	item := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")
	queued, err := queue.Enqueue(ctx, item.ID)
	require.NoError(t, err)

	events, cancel := tasks.Subscribe()
	defer cancel()

	acquirer := &scriptedAcquirer{scripts: map[string][]pipeline.Event{
		item.URL: successScript("/archives/one.cbz"),
	}}
	NewExecutor(store, tasks, task.NewFlight(), staticFactory(acquirer), nil).Run(ctx)

	var progressions []int
	for {
		var done bool
		select {
		case evt := <-events:
			if evt.Task.ID != queued.ID {
				continue
			}
			progressions = append(progressions, evt.Task.Progress)
			done = evt.Task.Status.Terminal()
		default:
			done = true
		}
		if done {
			break
		}
	}

	require.NotEmpty(t, progressions)
	require.Equal(t, 100, progressions[len(progressions)-1])
	for _, p := range progressions[:len(progressions)-1] {
		require.LessOrEqual(t, p, downloadPhasePercent)
	}
}

// TestExecutorMarksFailures verifies a pipeline error fails the task and the
// item, then the drain continues.
func TestExecutorMarksFailures(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	bad := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")
	good := createItem(t, store, "https://mirror.test/photos-index-aid-2.html")

	badTask, err := queue.Enqueue(ctx, bad.ID)
	require.NoError(t, err)
	goodTask, err := queue.Enqueue(ctx, good.ID)
	require.NoError(t, err)

	acquirer := &scriptedAcquirer{scripts: map[string][]pipeline.Event{
		bad.URL:  {{Kind: pipeline.Error, Err: errors.New("remote gone")}},
		good.URL: successScript("/archives/two.cbz"),
	}}
	NewExecutor(store, tasks, task.NewFlight(), staticFactory(acquirer), nil).Run(ctx)

	failed, err := store.GetTask(ctx, badTask.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFailed, failed.Status)
	require.Contains(t, failed.Error, "remote gone")

	badItem, err := store.GetItem(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StateFailed, badItem.DownloadState)

	succeeded, err := store.GetTask(ctx, goodTask.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusCompleted, succeeded.Status)
}

// TestExecutorStoresFirstErrorLine verifies a multi-line pipeline error is
// reduced to its first line before landing on the task row.
func TestExecutorStoresFirstErrorLine(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	item := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")
	queued, err := queue.Enqueue(ctx, item.ID)
	require.NoError(t, err)

	cause := errors.New("remote exploded\nstack frame 1\nstack frame 2")
	acquirer := &scriptedAcquirer{scripts: map[string][]pipeline.Event{
		item.URL: {{Kind: pipeline.Error, Err: cause}},
	}}
	NewExecutor(store, tasks, task.NewFlight(), staticFactory(acquirer), nil).Run(ctx)

	failed, err := store.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFailed, failed.Status)
	require.Equal(t, "remote exploded", failed.Error)
}

// TestExecutorStopsWhenStartUpdateFails verifies a task whose start update is
// rejected ends the drain instead of being refetched in a tight loop.
func TestExecutorStopsWhenStartUpdateFails(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	item := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")
	queued, err := queue.Enqueue(ctx, item.ID)
	require.NoError(t, err)

	// Complete the stored row underneath a stale copy. The pending-to-running
	// write is then a backward transition and the store rejects it.
	stale := *queued
	queued.Status = catalog.StatusCompleted
	require.NoError(t, tasks.Update(ctx, queued))

	acquirer := &scriptedAcquirer{scripts: map[string][]pipeline.Event{}}
	executor := NewExecutor(store, tasks, task.NewFlight(), staticFactory(acquirer), nil)
	require.Error(t, executor.process(ctx, acquirer, &stale))
	require.Empty(t, acquirer.acquired)
}

// TestExecutorSingleFlight verifies a held slot makes Run return immediately.
func TestExecutorSingleFlight(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	item := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")
	_, err := queue.Enqueue(ctx, item.ID)
	require.NoError(t, err)

	flight := task.NewFlight()
	require.True(t, flight.TryAcquire())
	defer flight.Release()

	acquirer := &scriptedAcquirer{scripts: map[string][]pipeline.Event{}}
	NewExecutor(store, tasks, flight, staticFactory(acquirer), nil).Run(ctx)

	require.Empty(t, acquirer.acquired)
	pending, err := store.OldestPendingDownload(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
}

// TestQueuedItemIDs verifies the running item leads the pending ones.
func TestQueuedItemIDs(t *testing.T) {
	t.Parallel()
	store, tasks := newTestStore(t)
	ctx := context.Background()
	queue := NewQueue(store, tasks, nil)

	first := createItem(t, store, "https://mirror.test/photos-index-aid-1.html")
	second := createItem(t, store, "https://mirror.test/photos-index-aid-2.html")

	firstTask, err := queue.Enqueue(ctx, first.ID)
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, second.ID)
	require.NoError(t, err)

	firstTask.Status = catalog.StatusRunning
	require.NoError(t, tasks.Update(ctx, firstTask))

	ids, err := queue.QueuedItemIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{first.ID, second.ID}, ids)
}
