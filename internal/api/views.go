package api

import (
	"encoding/json"
	"time"

	"comicshelf/internal/catalog"
)

// taskView is the wire shape of a task. Times are RFC 3339 or null.
type taskView struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	TotalUnits     int             `json:"total_units"`
	CompletedUnits int             `json:"completed_units"`
	Message        string          `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
	ItemID         string          `json:"item_id,omitempty"`
	ItemIDs        []string        `json:"item_ids,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func viewTask(t *catalog.Task) taskView {
	v := taskView{
		ID:             t.ID,
		Kind:           string(t.Kind),
		Status:         string(t.Status),
		Progress:       t.Progress,
		TotalUnits:     t.TotalUnits,
		CompletedUnits: t.CompletedUnits,
		Message:        t.Message,
		Error:          t.Error,
		ItemID:         t.ItemID,
		ItemIDs:        t.ItemIDs,
		CreatedAt:      timePtr(t.CreatedAt),
		UpdatedAt:      timePtr(t.UpdatedAt),
		CompletedAt:    timePtr(t.CompletedAt),
	}
	if t.Result != "" {
		v.Result = json.RawMessage(t.Result)
	}
	return v
}

// itemView is the wire shape of a catalog item.
type itemView struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Owner           string     `json:"owner"`
	URL             string     `json:"url"`
	PageCount       int        `json:"page_count"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
	CoverURL        string     `json:"cover_url,omitempty"`
	CoverPath       string     `json:"cover_path,omitempty"`
	ArchivePath     string     `json:"archive_path,omitempty"`
	ByteSize        int64      `json:"byte_size"`
	DownloadState   string     `json:"download_state"`
	DownloadedPages int        `json:"downloaded_pages"`
	DownloadedAt    *time.Time `json:"downloaded_at,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

func viewItem(item *catalog.Item) itemView {
	return itemView{
		ID:              item.ID,
		Title:           item.Title,
		Owner:           item.Owner,
		URL:             item.URL,
		PageCount:       item.PageCount,
		RemoteUpdatedAt: timePtr(item.RemoteUpdatedAt),
		CoverURL:        item.CoverURL,
		CoverPath:       item.CoverPath,
		ArchivePath:     item.ArchivePath,
		ByteSize:        item.ByteSize,
		DownloadState:   string(item.DownloadState),
		DownloadedPages: item.DownloadedPages,
		DownloadedAt:    timePtr(item.DownloadedAt),
		CreatedAt:       timePtr(item.CreatedAt),
	}
}

// candidateView is the wire shape of a discovered candidate update.
type candidateView struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Owner           string     `json:"owner"`
	URL             string     `json:"url"`
	PageCount       int        `json:"page_count"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
	CoverURL        string     `json:"cover_url,omitempty"`
	DiscoveredAt    *time.Time `json:"discovered_at,omitempty"`
}

func viewCandidate(c *catalog.CandidateUpdate) candidateView {
	return candidateView{
		ID:              c.ID,
		Title:           c.Title,
		Owner:           c.Owner,
		URL:             c.URL,
		PageCount:       c.PageCount,
		RemoteUpdatedAt: timePtr(c.RemoteUpdatedAt),
		CoverURL:        c.CoverURL,
		DiscoveredAt:    timePtr(c.DiscoveredAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
