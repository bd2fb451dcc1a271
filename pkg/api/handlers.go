package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skylarbarrera/whim/pkg/types"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed request body")
		return
	}
	item, err := s.queue.Add(r.Context(), &req)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	var typeFilter *types.WorkItemType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t := types.WorkItemType(raw)
		if !types.ValidWorkItemType(t) {
			writeError(w, http.StatusBadRequest, CodeValidation, "unknown work item type "+raw)
			return
		}
		typeFilter = &t
	}
	items, err := s.queue.List(r.Context(), typeFilter)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	if !ok {
		// Distinguish a missing item from one that already started.
		if _, err := s.queue.Get(r.Context(), id); err != nil {
			s.writeCoreError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, CodeInvalidState, "work item "+id+" is not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.supervisor.List(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkItemID string `json:"workItemId"`
	}
	if err := decode(r, &req); err != nil || req.WorkItemID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "workItemId is required")
		return
	}
	worker, item, err := s.supervisor.Register(r.Context(), req.WorkItemID)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"workerId": worker.ID,
		"worker":   worker,
		"workItem": item,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decode(r, &req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "workerId is required")
		return
	}
	worker, err := s.supervisor.Heartbeat(r.Context(), &req)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req types.CompleteRequest
	if err := decode(r, &req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "workerId is required")
		return
	}
	if err := s.supervisor.Complete(r.Context(), &req); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req types.FailRequest
	if err := decode(r, &req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "workerId is required")
		return
	}
	if err := s.supervisor.Fail(r.Context(), &req); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	var req types.StuckRequest
	if err := decode(r, &req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "workerId is required")
		return
	}
	if err := s.supervisor.Stuck(r.Context(), &req); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if err := s.supervisor.Kill(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeValidation, "lines must be a non-negative integer")
			return
		}
		lines = n
	}
	logs, err := s.supervisor.Logs(r.Context(), chi.URLParam(r, "id"), lines)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) handleAcquireLocks(w http.ResponseWriter, r *http.Request) {
	var req types.LockRequest
	if err := decode(r, &req); err != nil || req.WorkerID == "" || req.Repo == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "workerId and repo are required")
		return
	}
	result, err := s.arbiter.AcquireLocks(r.Context(), req.WorkerID, req.Repo, req.Files)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReleaseLocks(w http.ResponseWriter, r *http.Request) {
	var req types.LockRequest
	if err := decode(r, &req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "workerId is required")
		return
	}
	var err error
	if len(req.Files) == 0 {
		err = s.arbiter.ReleaseAllLocks(r.Context(), req.WorkerID)
	} else {
		err = s.arbiter.ReleaseLocks(r.Context(), req.WorkerID, req.Repo, req.Files)
	}
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queueStats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	workerStats, err := s.supervisor.Stats(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	rateStatus, err := s.limiter.Status(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":   queueStats,
		"workers": workerStats,
		"rate":    rateStatus,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if s.events == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.events.Recent(limit))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.aggregator.Summary(r.Context())
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListLearnings(w http.ResponseWriter, r *http.Request) {
	learnings, err := s.store.ListLearnings(r.Context(), r.URL.Query().Get("repo"))
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, learnings)
}

func (s *Server) handleAddLearning(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo    string `json:"repo"`
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil || req.Repo == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "repo and content are required")
		return
	}
	learning := &types.Learning{
		Repo:      req.Repo,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertLearning(r.Context(), learning); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, learning)
}
