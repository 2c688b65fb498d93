// Package catalog persists the mirror's knowledge: items, discovered
// candidate updates, and tasks, backed by SQLite.
package catalog

import (
	"strings"
	"time"
)

// DownloadState tracks an item's acquisition lifecycle.
type DownloadState string

// Item download states.
const (
	StateNotStarted  DownloadState = "not_started"
	StateDownloading DownloadState = "downloading"
	StateCompleted   DownloadState = "completed"
	StateFailed      DownloadState = "failed"
)

// Item is one collectible work tracked by the mirror. URL is the canonical
// identity; it is unique across the store.
type Item struct {
	ID    string
	Title string
	// Owner is the grouping bucket the catalog files the item under. It is
	// an opaque label: often a creator name, sometimes a user-defined shelf
	// folder. Nothing here assumes which.
	Owner string
	URL   string
	// PageCount is 0 until the page total is known.
	PageCount int
	// RemoteUpdatedAt is the zero time until the catalog exposes one.
	RemoteUpdatedAt time.Time
	CoverURL        string
	CoverPath       string
	ArchivePath     string
	ByteSize        int64
	DownloadState   DownloadState
	DownloadedPages int
	DownloadedAt    time.Time
	CreatedAt       time.Time
}

// CandidateUpdate is a newer work by a known owner, discovered by the
// targeted resync but not yet part of the collection. Candidates live in
// their own table so they can be pruned independently of items.
type CandidateUpdate struct {
	ID              string
	Title           string
	Owner           string
	URL             string
	PageCount       int
	RemoteUpdatedAt time.Time
	CoverURL        string
	DiscoveredAt    time.Time
}

// TaskKind identifies a unit of asynchronous work.
type TaskKind string

// Task kinds.
const (
	KindSync          TaskKind = "sync"
	KindDownload      TaskKind = "download"
	KindBatchDownload TaskKind = "batch_download"
	KindResyncUpdates TaskKind = "resync_updates"
)

// TaskStatus is a task's lifecycle state. Transitions only move forward:
// pending, running, then exactly one of completed or failed.
type TaskStatus string

// Task statuses.
const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// ErrorLine reduces err to its first line for storage on a task. Wrapped
// causes can drag multi-line output along; the error column holds a summary,
// not a dump.
func ErrorLine(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

// Terminal reports whether the status ends the task.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the lifecycle so updates can reject backward
// transitions.
func (s TaskStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Task is one persisted unit of asynchronous work. Pending download tasks,
// ordered by CreatedAt, are the download queue; there is no separate queue
// structure to drift out of sync.
type Task struct {
	ID             string
	Kind           TaskKind
	Status         TaskStatus
	Progress       int
	TotalUnits     int
	CompletedUnits int
	Message        string
	Error          string
	ItemID         string
	ItemIDs        []string
	// Result carries an opaque JSON payload recorded at completion.
	Result      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}
