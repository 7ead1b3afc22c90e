package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rezwanahmedsami/taskgrid/internal/arena"
	"github.com/rezwanahmedsami/taskgrid/internal/engine"
	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// routes builds the daemon's router.
func (app *application) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", app.handleSubmitTask)
		r.Get("/tasks/{id}", app.handleGetTask)
		r.Delete("/tasks/{id}", app.handleCancelTask)
		r.Get("/stats", app.handleGetStats)
	})
	r.Get("/healthz", app.handleHealth)
	r.Method(http.MethodGet, "/metrics", app.metricsHandler())

	return r
}

// submitRequest is the JSON body of POST /api/tasks.
type submitRequest struct {
	Type       string `json:"type"`
	Payload    string `json:"payload"`
	PayloadB64 string `json:"payload_b64"`
	Priority   string `json:"priority"`
	DelayMs    int    `json:"delay_ms"`
	MaxRetries int    `json:"max_retries"`
}

type submitResponse struct {
	TaskID uint64 `json:"task_id"`
}

func (app *application) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	body, err := app.registry.lookup(req.Type)
	if err != nil {
		app.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		app.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.DelayMs < 0 || req.MaxRetries < 0 || req.MaxRetries > 255 {
		app.writeError(w, http.StatusBadRequest, "delay_ms and max_retries out of range")
		return
	}

	payload := []byte(req.Payload)
	if req.PayloadB64 != "" {
		payload, err = base64.StdEncoding.DecodeString(req.PayloadB64)
		if err != nil {
			app.writeError(w, http.StatusBadRequest, "payload_b64 is not valid base64")
			return
		}
	}

	id, err := app.engine.Submit(
		body,
		payload,
		priority,
		time.Duration(req.DelayMs)*time.Millisecond,
		uint8(req.MaxRetries),
	)
	if err != nil {
		// Backpressure maps to 503 so clients know to retry; anything
		// else on this path is a bad request or a stopped engine.
		switch {
		case errors.Is(err, engine.ErrQueueFull), errors.Is(err, arena.ErrExhausted):
			app.writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, engine.ErrStopped):
			app.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			app.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	app.writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id})
}

// taskResponse is the JSON shape of GET /api/tasks/{id}.
type taskResponse struct {
	TaskID   uint64 `json:"task_id"`
	State    string `json:"state"`
	Priority string `json:"priority"`
	Attempts uint8  `json:"attempts"`
	Output   string `json:"output_b64,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (app *application) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		app.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	res, err := app.engine.Result(id)
	if err != nil {
		app.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := taskResponse{
		TaskID:   res.TaskID,
		State:    res.State.String(),
		Priority: res.Priority.String(),
		Attempts: res.Attempts,
		Error:    res.Err,
	}
	if len(res.Output) > 0 {
		resp.Output = base64.StdEncoding.EncodeToString(res.Output)
	}
	app.writeJSON(w, http.StatusOK, resp)
}

func (app *application) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		app.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	cancelled, err := app.engine.Cancel(id)
	if err != nil {
		app.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !cancelled {
		app.writeError(w, http.StatusConflict, "task already claimed or terminal")
		return
	}
	app.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// statsResponse flattens the engine snapshot for JSON consumers.
type statsResponse struct {
	QueueDepths    map[string]int `json:"queue_depths"`
	ActiveWorkers  int            `json:"active_workers"`
	IdleWorkers    int            `json:"idle_workers"`
	TotalWorkers   int            `json:"total_workers"`
	TotalSubmitted uint64         `json:"total_submitted"`
	TotalCompleted uint64         `json:"total_completed"`
	TotalFailed    uint64         `json:"total_failed"`
	TotalRetried   uint64         `json:"total_retried"`
	TotalRejected  uint64         `json:"total_rejected"`
	TasksPerSecond float64        `json:"tasks_per_second"`
	AvgExecMs      float64        `json:"avg_exec_ms"`
	P95ExecMs      float64        `json:"p95_exec_ms"`
	ErrorRate      float64        `json:"error_rate"`
	MemoryBytes    uint64         `json:"memory_bytes"`
	MemoryKnown    bool           `json:"memory_known"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
}

func (app *application) handleGetStats(w http.ResponseWriter, r *http.Request) {
	s := app.engine.Stats()
	resp := statsResponse{
		QueueDepths:    make(map[string]int, task.PriorityCount),
		ActiveWorkers:  s.ActiveWorkers,
		IdleWorkers:    s.IdleWorkers,
		TotalWorkers:   s.TotalWorkers,
		TotalSubmitted: s.TotalSubmitted,
		TotalCompleted: s.TotalCompleted,
		TotalFailed:    s.TotalFailed,
		TotalRetried:   s.TotalRetried,
		TotalRejected:  s.TotalRejected,
		TasksPerSecond: s.TasksPerSecond,
		AvgExecMs:      float64(s.AvgExecTime.Microseconds()) / 1000,
		P95ExecMs:      float64(s.P95ExecTime.Microseconds()) / 1000,
		ErrorRate:      s.ErrorRate,
		MemoryBytes:    s.MemoryUsageBytes,
		MemoryKnown:    s.MemoryStatsAvailable,
		UptimeSeconds:  s.UptimeSeconds,
	}
	for p := task.Priority(0); p < task.PriorityCount; p++ {
		resp.QueueDepths[p.String()] = s.QueueDepths[p]
	}
	app.writeJSON(w, http.StatusOK, resp)
}

func (app *application) handleHealth(w http.ResponseWriter, r *http.Request) {
	app.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Error("failed to encode response", "error", err)
	}
}

func (app *application) writeError(w http.ResponseWriter, status int, msg string) {
	app.writeJSON(w, status, map[string]string{"error": msg})
}
