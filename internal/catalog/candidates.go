package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const candidateColumns = `id, title, owner, url, page_count, remote_updated_at,
	cover_url, discovered_at`

// UpsertCandidate records a discovered update, keyed by canonical URL. An
// existing row is refreshed in place.
func (s *Store) UpsertCandidate(ctx context.Context, candidate *CandidateUpdate) error {
	if candidate == nil {
		return errors.New("candidate is nil")
	}
	if candidate.ID == "" {
		candidate.ID = newID()
	}
	if candidate.DiscoveredAt.IsZero() {
		candidate.DiscoveredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_updates (`+candidateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
			title = excluded.title,
			page_count = excluded.page_count,
			remote_updated_at = excluded.remote_updated_at,
			cover_url = excluded.cover_url,
			discovered_at = excluded.discovered_at`,
		candidate.ID,
		candidate.Title,
		candidate.Owner,
		candidate.URL,
		nullableInt(candidate.PageCount),
		nullableTime(candidate.RemoteUpdatedAt),
		nullableString(candidate.CoverURL),
		formatTime(candidate.DiscoveredAt),
	)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	return nil
}

// PruneCandidates deletes an owner's candidates whose remote update is at or
// before the cutoff, returning the number removed. Each resync calls this so
// the table never accumulates records older than the collection already has.
func (s *Store) PruneCandidates(ctx context.Context, owner string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM candidate_updates
		 WHERE owner = ? AND remote_updated_at IS NOT NULL AND remote_updated_at < ?`,
		owner, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune candidates: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune candidates rows affected: %w", err)
	}
	return affected, nil
}

// ListCandidates returns candidates newest first, optionally scoped to one
// owner.
func (s *Store) ListCandidates(ctx context.Context, owner string) ([]CandidateUpdate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidate_updates`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY remote_updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []CandidateUpdate
	for rows.Next() {
		var (
			c               CandidateUpdate
			pageCount       sql.NullInt64
			remoteUpdatedAt sql.NullString
			coverURL        sql.NullString
			discoveredAt    sql.NullString
		)
		err := rows.Scan(&c.ID, &c.Title, &c.Owner, &c.URL,
			&pageCount, &remoteUpdatedAt, &coverURL, &discoveredAt)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.PageCount = int(pageCount.Int64)
		c.RemoteUpdatedAt = parseTime(remoteUpdatedAt)
		c.CoverURL = coverURL.String
		c.DiscoveredAt = parseTime(discoveredAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}
