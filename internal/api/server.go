// Package api exposes the scheduler facade over HTTP. It is a convenience
// surface for callers and workers, not a protocol contract.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flowline/internal/domain"
	"flowline/internal/scheduler"
	"flowline/internal/store"
)

type Server struct {
	r     *chi.Mux
	sched *scheduler.Scheduler
}

func NewServer(sched *scheduler.Scheduler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched}

	r.Get("/health", s.health)

	r.Post("/api/tasks", s.scheduleTask)
	r.Get("/api/tasks", s.searchTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/dequeue", s.dequeue)
	r.Post("/api/tasks/{id}/succeed", s.succeed)
	r.Post("/api/tasks/{id}/fail", s.fail)
	r.Post("/api/tasks/{id}/cancel", s.cancel)
	r.Post("/api/tasks/{id}/heartbeat", s.heartbeat)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.searchSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.removeSchedule)
	r.Post("/api/schedules/{id}/state", s.transitionSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var props domain.TaskProps
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if props.Name == "" || props.GroupKey == "" {
		http.Error(w, "name and group_key are required", http.StatusBadRequest)
		return
	}
	task, err := s.sched.Schedule(r.Context(), scheduler.Immediate, props)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) searchTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.TaskSearch{
		GroupKey:   q.Get("group_key"),
		ScheduleID: q.Get("schedule_id"),
	}
	for _, st := range q["state"] {
		params.States = append(params.States, domain.TaskState(st))
	}
	params.Limit = intQuery(q.Get("limit"))
	tasks, err := s.sched.SearchTasks(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) dequeue(w http.ResponseWriter, r *http.Request) {
	var req scheduler.DequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.GroupKey == "" {
		http.Error(w, "group_key is required", http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}
	if req.OwnerKey == "" {
		host, _ := os.Hostname()
		req.OwnerKey = host
	}
	tasks, err := s.sched.Dequeue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type succeedReq struct {
	Output json.RawMessage `json:"output"`
}

func (s *Server) succeed(w http.ResponseWriter, r *http.Request) {
	var req succeedReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	task, err := s.sched.Succeed(r.Context(), chi.URLParam(r, "id"), req.Output)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.Fail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type scheduleReq struct {
	Name                          string          `json:"name"`
	Payload                       json.RawMessage `json:"payload"`
	GroupKey                      string          `json:"group_key"`
	RetryMax                      int             `json:"retry_max"`
	StartsAt                      *time.Time      `json:"starts_at"`
	FrequencyMs                   int64           `json:"frequency_ms"`
	CreatedToStartedTimeoutSecs   int             `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs int             `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          int             `json:"heartbeat_timeout_secs"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.GroupKey == "" {
		http.Error(w, "name and group_key are required", http.StatusBadRequest)
		return
	}
	if req.FrequencyMs <= 0 {
		http.Error(w, "frequency_ms must be > 0", http.StatusBadRequest)
		return
	}
	props := domain.ScheduleProps{
		Name:                          req.Name,
		Payload:                       req.Payload,
		GroupKey:                      req.GroupKey,
		RetryMax:                      req.RetryMax,
		Frequency:                     time.Duration(req.FrequencyMs) * time.Millisecond,
		CreatedToStartedTimeoutSecs:   req.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: req.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          req.HeartbeatTimeoutSecs,
	}
	if req.StartsAt != nil {
		props.StartsAt = *req.StartsAt
	}
	sch, err := s.sched.CreateSchedule(r.Context(), props)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) searchSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.ScheduleSearch{
		Names: q["name"],
		State: domain.ScheduleState(q.Get("state")),
		Limit: intQuery(q.Get("limit")),
	}
	schedules, err := s.sched.SearchSchedules(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.sched.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

type scheduleUpdateReq struct {
	FrequencyMs                   *int64          `json:"frequency_ms"`
	Payload                       json.RawMessage `json:"payload"`
	CreatedToStartedTimeoutSecs   *int            `json:"created_to_started_timeout_secs"`
	StartedToCompletedTimeoutSecs *int            `json:"started_to_completed_timeout_secs"`
	HeartbeatTimeoutSecs          *int            `json:"heartbeat_timeout_secs"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleUpdateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	up := store.ScheduleUpdate{
		ID:                            chi.URLParam(r, "id"),
		Payload:                       req.Payload,
		CreatedToStartedTimeoutSecs:   req.CreatedToStartedTimeoutSecs,
		StartedToCompletedTimeoutSecs: req.StartedToCompletedTimeoutSecs,
		HeartbeatTimeoutSecs:          req.HeartbeatTimeoutSecs,
	}
	if req.FrequencyMs != nil {
		if *req.FrequencyMs <= 0 {
			http.Error(w, "frequency_ms must be > 0", http.StatusBadRequest)
			return
		}
		freq := time.Duration(*req.FrequencyMs) * time.Millisecond
		up.Frequency = &freq
	}
	sch, err := s.sched.UpdateSchedule(r.Context(), up)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) removeSchedule(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sched.RemoveSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionReq struct {
	State domain.ScheduleState `json:"state"`
}

func (s *Server) transitionSchedule(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.State != domain.ScheduleStarted && req.State != domain.SchedulePaused {
		http.Error(w, "state must be STARTED or PAUSED", http.StatusBadRequest)
		return
	}
	sch, err := s.sched.TransitionSchedule(r.Context(), chi.URLParam(r, "id"), req.State)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func intQuery(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
