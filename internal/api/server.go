// Package api exposes the engine's operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"courier/internal/domain"
	"courier/internal/engine"
	"courier/internal/store"
)

type Server struct {
	r      *chi.Mux
	engine *engine.Engine
}

func NewServer(eng *engine.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, engine: eng}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.scheduleTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Patch("/api/tasks/{id}", s.rescheduleTask)
	r.Delete("/api/tasks/{id}", s.cancelTask)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Delete("/api/schedules/{id}", s.cancelSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type scheduleReq struct {
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	At          time.Time `json:"at"`
	MaxRetries  *int      `json:"max_retries"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Destination == "" {
		http.Error(w, "destination is required", http.StatusBadRequest)
		return
	}
	id, err := s.engine.Schedule(r.Context(), req.Destination, req.Payload, req.At, engine.ScheduleOptions{MaxRetries: req.MaxRetries})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.engine.Query(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := domain.Status(r.URL.Query().Get("status"))
	if filter != "" && !filter.Valid() {
		http.Error(w, "unknown status filter", http.StatusBadRequest)
		return
	}
	tasks, err := s.engine.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type rescheduleReq struct {
	At          *time.Time `json:"at"`
	Destination *string    `json:"destination"`
	Payload     []byte     `json:"payload"`
	MaxRetries  *int       `json:"max_retries"`
}

func (s *Server) rescheduleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := s.engine.Reschedule(r.Context(), id, engine.Updates{
		ScheduledAt: req.At,
		Destination: req.Destination,
		Payload:     req.Payload,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "task not pending", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

type createScheduleReq struct {
	Destination string `json:"destination"`
	Payload     []byte `json:"payload"`
	Pattern     string `json:"pattern"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Destination == "" || req.Pattern == "" {
		http.Error(w, "destination and pattern are required", http.StatusBadRequest)
		return
	}
	id, err := s.engine.ScheduleRecurring(r.Context(), req.Destination, req.Payload, req.Pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	scheds, err := s.engine.ListRecurring(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.engine.CancelRecurring(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSchedule), errors.Is(err, domain.ErrInvalidPattern):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
