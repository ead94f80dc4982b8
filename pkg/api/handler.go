// Package api exposes the client over HTTP: submit tasks, read results,
// register periodic submissions and inspect the queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/guido-cesarano/taskworker/pkg/client"
	"github.com/guido-cesarano/taskworker/pkg/tasks"
)

const (
	defaultInspectLimit = 50
	maxInspectLimit     = 1000
	maxWait             = 60 * time.Second
)

// QueueInspector reads queue state without consuming it.
type QueueInspector interface {
	Name() string
	Depths(ctx context.Context) (map[string]int64, error)
	Inspect(ctx context.Context, which string, limit int64) ([]*tasks.Invocation, error)
}

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	client *client.Client
	queue  QueueInspector
	deps   map[string]Pinger
}

// NewHandler creates the HTTP handlers. deps are reported by /health.
func NewHandler(c *client.Client, q QueueInspector, deps map[string]Pinger) *Handler {
	return &Handler{client: c, queue: q, deps: deps}
}

type SubmitRequest struct {
	Task   string         `json:"task"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`

	// Countdown delays the first attempt, in seconds.
	Countdown  float64    `json:"countdown"`
	ETA        *time.Time `json:"eta"`
	MaxRetries *int       `json:"max_retries"`
}

type SubmitResponse struct {
	ID     string       `json:"id"`
	Status tasks.Status `json:"status"`
}

type ScheduleRequest struct {
	Spec   string         `json:"spec"`
	Task   string         `json:"task"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type ScheduleResponse struct {
	EntryID int       `json:"entry_id"`
	Next    time.Time `json:"next,omitempty"`
}

type StatsResponse struct {
	Queue     string           `json:"queue"`
	Depths    map[string]int64 `json:"depths"`
	Schedules int              `json:"schedules"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, dep := range h.deps {
		if err := dep.Ping(r.Context()); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	respondJSON(w, code, status)
}

func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" {
		respondError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		respondError(w, http.StatusBadRequest, "max_retries must be >= 0")
		return
	}

	var opts []client.SubmitOption
	if req.Countdown > 0 {
		opts = append(opts, client.WithCountdown(time.Duration(req.Countdown*float64(time.Second))))
	}
	if req.ETA != nil {
		opts = append(opts, client.WithETA(*req.ETA))
	}
	if req.MaxRetries != nil {
		opts = append(opts, client.WithMaxRetries(*req.MaxRetries))
	}

	id, err := h.client.Submit(r.Context(), req.Task, req.Args, req.Kwargs, opts...)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Status: tasks.StatusPending})
}

// GetTask returns the result for id. With ?wait=N it blocks up to N seconds
// for a terminal state and returns whatever state was reached.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		res tasks.Result
		err error
	)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		seconds, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || seconds < 0 {
			respondError(w, http.StatusBadRequest, "invalid wait parameter")
			return
		}
		wait := min(time.Duration(seconds*float64(time.Second)), maxWait)
		res, err = h.client.PollUntilTerminal(r.Context(), id, wait)
		if errors.Is(err, tasks.ErrTimeout) {
			err = nil
		}
	} else {
		res, err = h.client.GetResult(r.Context(), id)
	}
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Spec == "" || req.Task == "" {
		respondError(w, http.StatusBadRequest, "spec and task are required")
		return
	}

	entryID, err := h.client.Schedule(req.Spec, req.Task, req.Args, req.Kwargs)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := ScheduleResponse{EntryID: int(entryID)}
	for _, e := range h.client.Schedules() {
		if e.ID == entryID {
			resp.Next = e.Next
		}
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	depths, err := h.queue.Depths(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, StatsResponse{
		Queue:     h.queue.Name(),
		Depths:    depths,
		Schedules: len(h.client.Schedules()),
	})
}

func (h *Handler) InspectQueue(w http.ResponseWriter, r *http.Request) {
	which := chi.URLParam(r, "which")

	limit := int64(defaultInspectLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = min(n, maxInspectLimit)
	}

	switch which {
	case "ready", "delayed", "unacked", "dead", "completed":
	default:
		respondError(w, http.StatusNotFound, "unknown queue section")
		return
	}

	invocations, err := h.queue.Inspect(r.Context(), which, limit)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, invocations)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrUnknownTask), errors.Is(err, tasks.ErrSerialization):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
