package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"comicshelf/internal/catalog"
	"comicshelf/internal/config"
	"comicshelf/internal/download"
	"comicshelf/internal/metrics"
	"comicshelf/internal/service"
	"comicshelf/internal/task"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type testHarness struct {
	server *httptest.Server
	store  *catalog.Store
	tasks  *task.Manager
}

// newTestHarness wires a server over a real temporary store. The executor's
// single-flight slot is held for the whole test so enqueue handlers respond
// without a drain actually starting.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	b := task.NewBroadcaster(64, nil)
	t.Cleanup(b.Close)
	tasks := task.NewManager(store, b, nil)

	cfg := config.Config{
		Server: config.ServerConfig{Port: 8000},
		Site: config.SiteConfig{
			PublishPageURL: "https://publish.test/",
			Username:       "reader",
			Password:       "secret",
		},
		Browser: config.BrowserConfig{
			UserAgent:      "test-agent",
			NavTimeoutSec:  5,
			PageCeiling:    10,
			ProbeTimeoutMs: 100,
		},
		Fetch: config.FetchConfig{TimeoutSeconds: 5},
		Paths: config.PathsConfig{
			DataDir:     dir,
			DownloadDir: filepath.Join(dir, "downloads"),
			CoverDir:    filepath.Join(dir, "covers"),
		},
	}
	services := service.New(cfg, store, tasks, nil)

	flight := task.NewFlight()
	require.True(t, flight.TryAcquire())
	t.Cleanup(flight.Release)

	queue := download.NewQueue(store, tasks, nil)
	executor := download.NewExecutor(store, tasks, flight, nil, nil)

	srv := httptest.NewServer(NewServer(store, tasks, services, queue, executor, nil).Handler())
	t.Cleanup(srv.Close)
	return &testHarness{server: srv, store: store, tasks: tasks}
}

func (h *testHarness) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func (h *testHarness) createItem(t *testing.T, url string) *catalog.Item {
	t.Helper()
	item := &catalog.Item{
		Title:         "Work",
		Owner:         "artist-a",
		URL:           url,
		DownloadState: catalog.StateNotStarted,
	}
	require.NoError(t, h.store.CreateItem(context.Background(), item))
	return item
}

// TestHealthz verifies the liveness endpoint.
func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	resp, body := h.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"ok"`)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

// TestDownloadItem verifies enqueue returns 202 with the task, 404 for
// unknown ids, and a plain 200 when the archive already exists.
func TestDownloadItem(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	item := h.createItem(t, "https://mirror.test/photos-index-aid-1.html")

	resp, body := h.do(t, http.MethodPost, "/api/download/"+item.ID, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var view struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		ItemID string `json:"item_id"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	require.Equal(t, item.ID, view.ItemID)
	require.Equal(t, string(catalog.StatusPending), view.Status)

	resp, _ = h.do(t, http.MethodPost, "/api/download/nope", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	done := h.createItem(t, "https://mirror.test/photos-index-aid-2.html")
	require.NoError(t, h.store.MarkItemCompleted(context.Background(), done.ID, "/archives/x.cbz", "", 10, 1))
	resp, body = h.do(t, http.MethodPost, "/api/download/"+done.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "already_downloaded")
}

// TestDownloadBatch verifies the batch records its own completed task with
// per-id outcomes in the right bucket of the result.
func TestDownloadBatch(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	fresh := h.createItem(t, "https://mirror.test/photos-index-aid-1.html")
	done := h.createItem(t, "https://mirror.test/photos-index-aid-2.html")
	require.NoError(t, h.store.MarkItemCompleted(context.Background(), done.ID, "/archives/x.cbz", "", 10, 1))

	payload, _ := json.Marshal(map[string][]string{
		"item_ids": {fresh.ID, done.ID, "ghost"},
	})
	resp, body := h.do(t, http.MethodPost, "/api/download/batch", string(payload))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var view taskView
	require.NoError(t, json.Unmarshal(body, &view))
	require.Equal(t, string(catalog.KindBatchDownload), view.Kind)
	require.Equal(t, string(catalog.StatusCompleted), view.Status)
	require.Equal(t, []string{fresh.ID, done.ID, "ghost"}, view.ItemIDs)
	require.Equal(t, 3, view.TotalUnits)
	require.Equal(t, 1, view.CompletedUnits)

	var out batchResponse
	require.NoError(t, json.Unmarshal(view.Result, &out))
	require.Equal(t, []string{fresh.ID}, out.Enqueued)
	require.Equal(t, []string{done.ID}, out.Skipped)
	require.Equal(t, []string{"ghost"}, out.Failed)

	// The batch is persisted and retrievable, but never enters the queue.
	stored, err := h.tasks.Get(context.Background(), view.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.KindBatchDownload, stored.Kind)
	ids, err := download.NewQueue(h.store, h.tasks, nil).QueuedItemIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{fresh.ID}, ids)

	resp, _ = h.do(t, http.MethodPost, "/api/download/batch", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestRecentUpdatesEndpoint verifies discovered candidates come back newest
// first and the owner filter narrows the list.
func TestRecentUpdatesEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	resp, body := h.do(t, http.MethodGet, "/api/recent-updates", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"updates":[]`)

	older := &catalog.CandidateUpdate{
		Title:           "Older Work",
		Owner:           "artist-a",
		URL:             "https://mirror.test/photos-index-aid-1.html",
		PageCount:       12,
		RemoteUpdatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	newer := &catalog.CandidateUpdate{
		Title:           "Newer Work",
		Owner:           "artist-b",
		URL:             "https://mirror.test/photos-index-aid-2.html",
		RemoteUpdatedAt: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.store.UpsertCandidate(ctx, older))
	require.NoError(t, h.store.UpsertCandidate(ctx, newer))

	_, body = h.do(t, http.MethodGet, "/api/recent-updates", "")
	var listing struct {
		Updates []candidateView `json:"updates"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Updates, 2)
	require.Equal(t, "Newer Work", listing.Updates[0].Title)
	require.Equal(t, "Older Work", listing.Updates[1].Title)
	require.Equal(t, 12, listing.Updates[1].PageCount)

	_, body = h.do(t, http.MethodGet, "/api/recent-updates?owner=artist-a", "")
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Updates, 1)
	require.Equal(t, "artist-a", listing.Updates[0].Owner)
}

// TestQueueEndpoint verifies queued ids come back in order and an empty queue
// is an empty array, not null.
func TestQueueEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	resp, body := h.do(t, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"item_ids":[]`)

	item := h.createItem(t, "https://mirror.test/photos-index-aid-1.html")
	_, _ = h.do(t, http.MethodPost, "/api/download/"+item.ID, "")

	_, body = h.do(t, http.MethodGet, "/api/queue", "")
	require.Contains(t, string(body), item.ID)
}

// TestTaskEndpoints verifies list filtering, lookup, and 404 for unknowns.
func TestTaskEndpoints(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	created := &catalog.Task{Kind: catalog.KindDownload, Message: "queued"}
	require.NoError(t, h.tasks.Create(ctx, created))

	resp, body := h.do(t, http.MethodGet, "/api/tasks/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), created.ID)

	resp, _ = h.do(t, http.MethodGet, "/api/tasks/nope", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/api/tasks?kind=download&status=pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), created.ID)

	resp, body = h.do(t, http.MethodGet, "/api/tasks?status=completed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotContains(t, string(body), created.ID)

	resp, _ = h.do(t, http.MethodGet, "/api/tasks?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestItemEndpoints verifies listing and deletion.
func TestItemEndpoints(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	item := h.createItem(t, "https://mirror.test/photos-index-aid-1.html")

	resp, body := h.do(t, http.MethodGet, "/api/items", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), item.ID)

	resp, _ = h.do(t, http.MethodDelete, "/api/items/"+item.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/api/items/"+item.ID, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = h.do(t, http.MethodGet, "/api/items", "")
	require.NotContains(t, string(body), item.ID)
}

// TestVerifyFilesEndpoint verifies the report shape on a clean store.
func TestVerifyFilesEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	resp, body := h.do(t, http.MethodPost, "/api/verify-files", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"verified":0`)
	require.Contains(t, string(body), `"titles":[]`)
}

// TestEventStreamDelivers verifies a subscribed client sees a task creation
// as a data frame.
func TestEventStreamDelivers(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	created := &catalog.Task{ID: uuid.NewString(), Kind: catalog.KindDownload, Message: "queued"}
	go func() {
		// Give the handler a moment to register its subscription.
		time.Sleep(100 * time.Millisecond)
		_ = h.tasks.Create(context.Background(), created)
	}()

	scan := bufio.NewScanner(resp.Body)
	for scan.Scan() {
		line := scan.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.Contains(t, line, created.ID)
		require.Contains(t, line, "task_created")
		return
	}
	t.Fatalf("stream ended without a data frame: %v", scan.Err())
}
