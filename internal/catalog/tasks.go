package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, kind, status, progress, total_units, completed_units,
	message, error, item_id, item_ids, result, created_at, updated_at, completed_at`

// CreateTask inserts a new task. A zero status defaults to pending.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if task.ID == "" {
		task.ID = newID()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	itemIDs, err := marshalItemIDs(task.ItemIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Kind,
		task.Status,
		task.Progress,
		task.TotalUnits,
		task.CompletedUnits,
		nullableString(task.Message),
		nullableString(task.Error),
		nullableString(task.ItemID),
		itemIDs,
		nullableString(task.Result),
		formatTime(now),
		formatTime(now),
		nullableTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask persists the full task row. It rejects backward status
// transitions; completed_at is stamped exactly when the task turns terminal.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	current, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if task.Status.rank() < current.Status.rank() {
		return fmt.Errorf("task %s: transition %s -> %s goes backward", task.ID, current.Status, task.Status)
	}
	task.UpdatedAt = time.Now().UTC()
	if task.Status.Terminal() && task.CompletedAt.IsZero() {
		task.CompletedAt = task.UpdatedAt
	}

	itemIDs, err := marshalItemIDs(task.ItemIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?, progress = ?, total_units = ?, completed_units = ?,
			message = ?, error = ?, item_id = ?, item_ids = ?, result = ?,
			updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		task.Status,
		task.Progress,
		task.TotalUnits,
		task.CompletedUnits,
		nullableString(task.Message),
		nullableString(task.Error),
		nullableString(task.ItemID),
		itemIDs,
		nullableString(task.Result),
		formatTime(task.UpdatedAt),
		nullableTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally filtered by kind and
// status. limit <= 0 means no limit.
func (s *Store) ListTasks(ctx context.Context, kind TaskKind, status TaskStatus, limit int) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		clauses []string
		args    []any
	)
	if kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, kind)
	}
	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, status)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// OldestPendingDownload returns the head of the download queue, or nil when
// the queue is empty.
func (s *Store) OldestPendingDownload(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE kind = ? AND status = ?
		 ORDER BY created_at ASC LIMIT 1`,
		KindDownload, StatusPending)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest pending download: %w", err)
	}
	return task, nil
}

// ActiveTaskForItem returns the pending or running download task for an
// item, or nil.
func (s *Store) ActiveTaskForItem(ctx context.Context, itemID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE kind = ? AND item_id = ? AND status IN (?, ?)
		 ORDER BY created_at ASC LIMIT 1`,
		KindDownload, itemID, StatusPending, StatusRunning)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active task for item: %w", err)
	}
	return task, nil
}

// ActiveTaskOfKind returns the pending or running task of the given kind,
// or nil. Sync-family kinds allow at most one active task.
func (s *Store) ActiveTaskOfKind(ctx context.Context, kind TaskKind) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE kind = ? AND status IN (?, ?)
		 ORDER BY created_at ASC LIMIT 1`,
		kind, StatusPending, StatusRunning)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active task of kind: %w", err)
	}
	return task, nil
}

// PendingDownloadItemIDs returns the item ids of queued download tasks in
// queue order.
func (s *Store) PendingDownloadItemIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM tasks
		 WHERE kind = ? AND status = ? AND item_id IS NOT NULL
		 ORDER BY created_at ASC`,
		KindDownload, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending download items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}
	return ids, nil
}

// FailInterrupted force-fails every pending or running task and returns the
// swept tasks. It runs at process start, before any new task is accepted,
// because work from a previous process lifetime cannot resume.
func (s *Store) FailInterrupted(ctx context.Context, message string) ([]Task, error) {
	stale, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) ORDER BY created_at ASC`,
		StatusPending, StatusRunning)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	stamp := formatTime(now)
	for i := range stale {
		stale[i].Status = StatusFailed
		stale[i].Error = message
		stale[i].UpdatedAt = now
		stale[i].CompletedAt = now
		_, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			StatusFailed, message, stamp, stamp, stale[i].ID)
		if err != nil {
			return nil, fmt.Errorf("sweep task %s: %w", stale[i].ID, err)
		}
	}
	return stale, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task        Task
		message     sql.NullString
		errMsg      sql.NullString
		itemID      sql.NullString
		itemIDs     sql.NullString
		result      sql.NullString
		createdAt   sql.NullString
		updatedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(
		&task.ID, &task.Kind, &task.Status, &task.Progress,
		&task.TotalUnits, &task.CompletedUnits,
		&message, &errMsg, &itemID, &itemIDs, &result,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Message = message.String
	task.Error = errMsg.String
	task.ItemID = itemID.String
	task.Result = result.String
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	task.CompletedAt = parseTime(completedAt)
	if itemIDs.Valid && itemIDs.String != "" {
		if err := json.Unmarshal([]byte(itemIDs.String), &task.ItemIDs); err != nil {
			return nil, fmt.Errorf("decode item ids: %w", err)
		}
	}
	return &task, nil
}

func marshalItemIDs(ids []string) (any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode item ids: %w", err)
	}
	return string(data), nil
}
