package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"comicshelf/internal/catalog"
	"comicshelf/internal/service"
)

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	t, err := s.services.StartSync(r.Context())
	if errors.Is(err, service.ErrAlreadyRunning) {
		writeError(s.logger, w, http.StatusConflict, "a sync is already running")
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, viewTask(t))
}

func (s *Server) startResyncUpdates(w http.ResponseWriter, r *http.Request) {
	t, err := s.services.StartResyncUpdates(r.Context())
	if errors.Is(err, service.ErrAlreadyRunning) {
		writeError(s.logger, w, http.StatusConflict, "an updates resync is already running")
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, viewTask(t))
}

func (s *Server) verifyFiles(w http.ResponseWriter, r *http.Request) {
	report, err := s.services.VerifyArchives(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, report)
}

func (s *Server) downloadItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	t, err := s.queue.Enqueue(r.Context(), itemID)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(s.logger, w, http.StatusNotFound, "unknown item")
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "already_downloaded"})
		return
	}
	s.executor.Kick(s.backgroundContext())
	writeJSON(s.logger, w, http.StatusAccepted, viewTask(t))
}

type batchRequest struct {
	ItemIDs []string `json:"item_ids"`
}

type batchResponse struct {
	Enqueued []string `json:"enqueued"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
}

func (s *Server) downloadBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ItemIDs) == 0 {
		writeError(s.logger, w, http.StatusBadRequest, "item_ids is required")
		return
	}

	// The batch itself is a task: per-item progress travels on the child
	// download tasks, the batch records which ids made it into the queue.
	batch := &catalog.Task{
		Kind:       catalog.KindBatchDownload,
		ItemIDs:    req.ItemIDs,
		TotalUnits: len(req.ItemIDs),
		Message:    fmt.Sprintf("enqueueing %d items", len(req.ItemIDs)),
	}
	if err := s.tasks.Create(r.Context(), batch); err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := batchResponse{Enqueued: []string{}, Skipped: []string{}, Failed: []string{}}
	for _, id := range req.ItemIDs {
		t, err := s.queue.Enqueue(r.Context(), id)
		switch {
		case err != nil:
			s.logger.Warn("batch enqueue failed", zap.String("item_id", id), zap.Error(err))
			resp.Failed = append(resp.Failed, id)
		case t == nil:
			resp.Skipped = append(resp.Skipped, id)
		default:
			resp.Enqueued = append(resp.Enqueued, id)
		}
	}
	if len(resp.Enqueued) > 0 {
		s.executor.Kick(s.backgroundContext())
	}

	result, _ := json.Marshal(resp)
	batch.Status = catalog.StatusCompleted
	batch.Progress = 100
	batch.CompletedUnits = len(resp.Enqueued)
	batch.Message = fmt.Sprintf("enqueued %d of %d items", len(resp.Enqueued), len(req.ItemIDs))
	batch.Result = string(result)
	if err := s.tasks.Update(r.Context(), batch); err != nil {
		s.logger.Warn("batch task update failed", zap.String("task_id", batch.ID), zap.Error(err))
	}
	writeJSON(s.logger, w, http.StatusAccepted, viewTask(batch))
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	ids, err := s.queue.QueuedItemIDs(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string][]string{"item_ids": ids})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "task_id"))
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(s.logger, w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, viewTask(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(s.logger, w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	kind := catalog.TaskKind(r.URL.Query().Get("kind"))
	status := catalog.TaskStatus(r.URL.Query().Get("status"))

	tasks, err := s.tasks.List(r.Context(), kind, status, limit)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, viewTask(&tasks[i]))
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) recentUpdates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.store.ListCandidates(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]candidateView, 0, len(candidates))
	for i := range candidates {
		views = append(views, viewCandidate(&candidates[i]))
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"updates": views})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListItems(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]itemView, 0, len(items))
	for i := range items {
		views = append(views, viewItem(&items[i]))
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"items": views})
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	err := s.services.DeleteItem(r.Context(), chi.URLParam(r, "item_id"))
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(s.logger, w, http.StatusNotFound, "unknown item")
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "deleted"})
}
