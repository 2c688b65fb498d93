package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const itemColumns = `id, title, owner, url, page_count, remote_updated_at,
	cover_url, cover_path, archive_path, byte_size, download_state,
	downloaded_pages, downloaded_at, created_at`

// CreateItem inserts a new item. A zero ID is assigned; CreatedAt is set.
func (s *Store) CreateItem(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	if item.ID == "" {
		item.ID = newID()
	}
	if item.DownloadState == "" {
		item.DownloadState = StateNotStarted
	}
	item.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.Title,
		item.Owner,
		item.URL,
		nullableInt(item.PageCount),
		nullableTime(item.RemoteUpdatedAt),
		nullableString(item.CoverURL),
		nullableString(item.CoverPath),
		nullableString(item.ArchivePath),
		item.ByteSize,
		item.DownloadState,
		item.DownloadedPages,
		nullableTime(item.DownloadedAt),
		formatTime(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetItem fetches an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	return scanItemRow(row, "get item")
}

// GetItemByURL fetches an item by its canonical URL.
func (s *Store) GetItemByURL(ctx context.Context, url string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE url = ?`, url)
	return scanItemRow(row, "get item by url")
}

// ListItems returns all items, newest sighting first.
func (s *Store) ListItems(ctx context.Context) ([]Item, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at DESC`)
}

// ListItemsByState returns items in the given download state.
func (s *Store) ListItemsByState(ctx context.Context, state DownloadState) ([]Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE download_state = ? ORDER BY created_at DESC`, state)
}

// UpdateItemMeta persists descriptive fields resolved after first sighting.
// Zero values leave the stored column untouched.
func (s *Store) UpdateItemMeta(ctx context.Context, id string, pageCount int, remoteUpdatedAt time.Time, coverURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET
			page_count = COALESCE(?, page_count),
			remote_updated_at = COALESCE(?, remote_updated_at),
			cover_url = COALESCE(?, cover_url)
		 WHERE id = ?`,
		nullableInt(pageCount),
		nullableTime(remoteUpdatedAt),
		nullableString(coverURL),
		id,
	)
	if err != nil {
		return fmt.Errorf("update item meta: %w", err)
	}
	return nil
}

// SetItemDownloadState moves an item between download states.
func (s *Store) SetItemDownloadState(ctx context.Context, id string, state DownloadState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET download_state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("set download state: %w", err)
	}
	return nil
}

// SetItemDownloadedPages records acquisition progress.
func (s *Store) SetItemDownloadedPages(ctx context.Context, id string, pages int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET downloaded_pages = ? WHERE id = ?`, pages, id)
	if err != nil {
		return fmt.Errorf("set downloaded pages: %w", err)
	}
	return nil
}

// MarkItemCompleted records a finished acquisition: archive location, cover,
// size, and page total.
func (s *Store) MarkItemCompleted(ctx context.Context, id, archivePath, coverPath string, byteSize int64, pages int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET
			download_state = ?, archive_path = ?, cover_path = COALESCE(?, cover_path),
			byte_size = ?, downloaded_pages = ?, downloaded_at = ?
		 WHERE id = ?`,
		StateCompleted,
		archivePath,
		nullableString(coverPath),
		byteSize,
		pages,
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark item completed: %w", err)
	}
	return nil
}

// ResetItemDownload returns an item to not_started, clearing archive
// bookkeeping. The cover path is cleared only when clearCover is set, so a
// surviving cover image keeps serving.
func (s *Store) ResetItemDownload(ctx context.Context, id string, clearCover bool) error {
	query := `UPDATE items SET
		download_state = ?, archive_path = NULL, byte_size = 0,
		downloaded_pages = 0, downloaded_at = NULL`
	if clearCover {
		query += `, cover_path = NULL`
	}
	query += ` WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, StateNotStarted, id); err != nil {
		return fmt.Errorf("reset item download: %w", err)
	}
	return nil
}

// DeleteItem removes the record. The caller is responsible for removing the
// archive and cover files.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete item rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DistinctOwners returns every owner label present in the collection.
func (s *Store) DistinctOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner FROM items ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return owners, nil
}

// LatestRemoteUpdate returns the newest remote_updated_at known for an
// owner's items, or the zero time when none is recorded.
func (s *Store) LatestRemoteUpdate(ctx context.Context, owner string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT MAX(remote_updated_at) FROM items WHERE owner = ?`, owner)
	var value sql.NullString
	if err := row.Scan(&value); err != nil {
		return time.Time{}, fmt.Errorf("latest remote update: %w", err)
	}
	return parseTime(value), nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item            Item
		pageCount       sql.NullInt64
		remoteUpdatedAt sql.NullString
		coverURL        sql.NullString
		coverPath       sql.NullString
		archivePath     sql.NullString
		byteSize        sql.NullInt64
		downloadedAt    sql.NullString
		createdAt       sql.NullString
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.Owner, &item.URL,
		&pageCount, &remoteUpdatedAt, &coverURL, &coverPath, &archivePath,
		&byteSize, &item.DownloadState, &item.DownloadedPages,
		&downloadedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	item.PageCount = int(pageCount.Int64)
	item.RemoteUpdatedAt = parseTime(remoteUpdatedAt)
	item.CoverURL = coverURL.String
	item.CoverPath = coverPath.String
	item.ArchivePath = archivePath.String
	item.ByteSize = byteSize.Int64
	item.DownloadedAt = parseTime(downloadedAt)
	item.CreatedAt = parseTime(createdAt)
	return &item, nil
}

func scanItemRow(row *sql.Row, op string) (*Item, error) {
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}
