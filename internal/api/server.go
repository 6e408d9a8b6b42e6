// Package api exposes the scheduler's operational HTTP surface: queue pop
// for the downstream task runner, task status reporting, and inspection of
// tasks and schedules. The tenant-facing application API lives elsewhere.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanflow/internal/domain"
	"scanflow/internal/queue"
	"scanflow/internal/store"
)

type Server struct {
	r     *chi.Mux
	store *store.Store
	queue *queue.PriorityQueue
}

func NewServer(st *store.Store, q *queue.PriorityQueue) http.Handler {
	return NewServerWithDebug(st, q, false)
}

func NewServerWithDebug(st *store.Store, q *queue.PriorityQueue, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, queue: q}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/queues/{id}/pop", s.popTasks)
	r.Get("/tasks/{id}", s.getTask)
	r.Get("/tasks", s.listTasks)
	r.Patch("/tasks/{id}", s.patchTask)
	r.Get("/schedules", s.listSchedules)
	r.Get("/schedules/{id}", s.getSchedule)
	r.Put("/schedules/{id}", s.updateSchedule)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type popReq struct {
	Limit        int    `json:"limit"`
	Organisation string `json:"organisation"`
	TaskType     string `json:"task_type"`
}

func (s *Server) popTasks(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "id") != s.queue.ID {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	var req popReq
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}
	tasks, err := s.queue.Pop(r.Context(), req.Limit, store.Filter{
		Organisation: req.Organisation,
		TaskType:     req.TaskType,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": taskViews(tasks)})
}

type patchTaskReq struct {
	Status string `json:"status"`
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req patchTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status := domain.TaskStatus(req.Status)
	switch status {
	case domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if t.Status.Terminal() {
		http.Error(w, "task is in a terminal state", http.StatusConflict)
		return
	}
	if err := s.store.UpdateTaskStatus(r.Context(), id, status); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 250 {
		limit = 50
	}
	tasks, err := s.store.ListRecentTasks(r.Context(), s.queue.ID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": taskViews(tasks)})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context(), s.queue.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": scheduleViews(schedules)})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, scheduleView(sch))
}

type updateScheduleReq struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var req updateScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}
	if err := s.store.UpdateSchedule(r.Context(), sch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scheduleView(sch))
}

func taskView(t domain.Task) map[string]any {
	v := map[string]any{
		"id":           t.ID,
		"scheduler_id": t.SchedulerID,
		"organisation": t.Organisation,
		"type":         t.Type,
		"hash":         t.Hash,
		"priority":     t.Priority,
		"status":       string(t.Status),
		"data":         t.Data,
		"created_at":   t.CreatedAt.Format(time.RFC3339),
		"modified_at":  t.ModifiedAt.Format(time.RFC3339),
	}
	if t.ScheduleID != nil {
		v["schedule_id"] = *t.ScheduleID
	}
	if t.DeduplicationKey != nil {
		v["deduplication_key"] = *t.DeduplicationKey
	}
	return v
}

func taskViews(tasks []domain.Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t))
	}
	return out
}

func scheduleView(s domain.Schedule) map[string]any {
	return map[string]any{
		"id":           s.ID,
		"scheduler_id": s.SchedulerID,
		"organisation": s.Organisation,
		"hash":         s.Hash,
		"data":         s.Data,
		"enabled":      s.Enabled,
		"cron_expr":    s.CronExpr,
		"deadline_at":  s.DeadlineAt.Format(time.RFC3339),
	}
}

func scheduleViews(schedules []domain.Schedule) []map[string]any {
	out := make([]map[string]any, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, scheduleView(s))
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
