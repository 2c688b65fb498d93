package task

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"comicshelf/internal/catalog"
)

// interruptedMessage is stamped on tasks swept after an unclean shutdown.
const interruptedMessage = "interrupted by restart"

// Manager owns the task lifecycle: every mutation is persisted first and only
// then broadcast, so subscribers never observe a state the store does not
// hold.
type Manager struct {
	store       *catalog.Store
	broadcaster *Broadcaster
	logger      *zap.Logger
}

// NewManager wires a Manager over the given store and broadcaster.
func NewManager(store *catalog.Store, broadcaster *Broadcaster, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, broadcaster: broadcaster, logger: logger}
}

// Create persists a new pending task and announces it.
func (m *Manager) Create(ctx context.Context, task *catalog.Task) error {
	if err := m.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	m.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)))
	m.broadcaster.Publish(Event{Type: EventCreated, Task: task})
	return nil
}

// Update persists a task mutation and announces it. The store rejects
// backward lifecycle transitions, which guards concurrent updaters.
func (m *Manager) Update(ctx context.Context, task *catalog.Task) error {
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if task.Status.Terminal() {
		m.logger.Info("task finished",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("status", string(task.Status)))
	}
	m.broadcaster.Publish(Event{Type: EventUpdated, Task: task})
	return nil
}

// Get fetches one task by id.
func (m *Manager) Get(ctx context.Context, id string) (*catalog.Task, error) {
	return m.store.GetTask(ctx, id)
}

// List proxies the store's filtered task listing.
func (m *Manager) List(ctx context.Context, kind catalog.TaskKind, status catalog.TaskStatus, limit int) ([]catalog.Task, error) {
	return m.store.ListTasks(ctx, kind, status, limit)
}

// Subscribe hands out a broadcast mailbox.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.broadcaster.Subscribe()
}

// SubscriberCount reports the number of live event subscribers.
func (m *Manager) SubscriberCount() int {
	return m.broadcaster.SubscriberCount()
}

// SweepInterrupted fails every pending or running task left over from a
// previous process. It must run at startup before any new task is accepted:
// the executors that owned those tasks are gone, and their partial downloads
// are reclaimed lazily when the item is next acquired.
func (m *Manager) SweepInterrupted(ctx context.Context) (int, error) {
	swept, err := m.store.FailInterrupted(ctx, interruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("sweep interrupted tasks: %w", err)
	}
	for i := range swept {
		task := swept[i]
		m.logger.Warn("failed interrupted task",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)))
		m.broadcaster.Publish(Event{Type: EventUpdated, Task: &task})
	}
	return len(swept), nil
}
