package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"comicshelf/internal/catalog"
)

func newTestManager(t *testing.T) (*Manager, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	b := NewBroadcaster(16, nil)
	t.Cleanup(b.Close)
	return NewManager(store, b, nil), store
}

// TestManagerPersistsThenBroadcasts verifies subscribers only ever see states
// the store already holds.
func TestManagerPersistsThenBroadcasts(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t)
	ctx := context.Background()

	events, cancel := m.Subscribe()
	defer cancel()

	task := &catalog.Task{Kind: catalog.KindSync, Message: "queued"}
	require.NoError(t, m.Create(ctx, task))

	evt := <-events
	require.Equal(t, EventCreated, evt.Type)
	require.Equal(t, task.ID, evt.Task.ID)

	stored, err := store.GetTask(ctx, evt.Task.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusPending, stored.Status)

	task.Status = catalog.StatusRunning
	task.Message = "walking bookshelf"
	require.NoError(t, m.Update(ctx, task))

	evt = <-events
	require.Equal(t, EventUpdated, evt.Type)
	require.Equal(t, catalog.StatusRunning, evt.Task.Status)
}

// TestManagerRejectsBackwardUpdate verifies no broadcast happens when the
// store rejects a transition.
func TestManagerRejectsBackwardUpdate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	task := &catalog.Task{Kind: catalog.KindDownload, ItemID: "item-1"}
	require.NoError(t, m.Create(ctx, task))
	task.Status = catalog.StatusCompleted
	require.NoError(t, m.Update(ctx, task))

	events, cancel := m.Subscribe()
	defer cancel()

	task.Status = catalog.StatusRunning
	require.Error(t, m.Update(ctx, task))
	select {
	case evt := <-events:
		t.Fatalf("unexpected broadcast: %+v", evt)
	default:
	}
}

// TestSweepInterrupted verifies the startup sweep fails stale tasks and
// announces each one.
func TestSweepInterrupted(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t)
	ctx := context.Background()

	pending := &catalog.Task{Kind: catalog.KindDownload, ItemID: "item-1"}
	require.NoError(t, m.Create(ctx, pending))

	running := &catalog.Task{Kind: catalog.KindSync}
	require.NoError(t, m.Create(ctx, running))
	running.Status = catalog.StatusRunning
	require.NoError(t, m.Update(ctx, running))

	events, cancel := m.Subscribe()
	defer cancel()

	swept, err := m.SweepInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	for i := 0; i < 2; i++ {
		evt := <-events
		require.Equal(t, EventUpdated, evt.Type)
		require.Equal(t, catalog.StatusFailed, evt.Task.Status)
		require.Equal(t, "interrupted by restart", evt.Task.Error)
	}

	stored, err := store.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFailed, stored.Status)
}

// TestFlightSingleOccupancy verifies the try-acquire guard admits exactly one
// holder at a time.
func TestFlightSingleOccupancy(t *testing.T) {
	t.Parallel()

	f := NewFlight()
	require.True(t, f.TryAcquire())
	require.False(t, f.TryAcquire())
	require.True(t, f.Busy())

	f.Release()
	require.False(t, f.Busy())
	require.True(t, f.TryAcquire())
	f.Release()

	require.Panics(t, func() { f.Release() })
}
