// Package httpapi is the observability HTTP surface: liveness and a
// JSON status snapshot of the state index. It never writes to the
// state index, only List, a consistent snapshot read, so it needs
// no coordination with the Scheduler beyond sharing the same Index.
package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nixci/runner-controller/internal/stateindex"
)

// StateIndex is the subset of stateindex.Index the HTTP surface
// depends on, narrowed to an interface so tests can supply a fake.
type StateIndex interface {
	List() ([]stateindex.Entry, error)
}

// Handler serves /health and /status.
type Handler struct {
	state            StateIndex
	startedAt        time.Time
	maxConcurrent    int
	pollIntervalSecs int64
	jobTimeoutSecs   int64
}

// New constructs a Handler. maxConcurrent, pollInterval, and
// jobTimeout are echoed back verbatim in /status so operators can
// confirm what configuration a running instance actually loaded.
func New(state StateIndex, maxConcurrent int, pollInterval, jobTimeout time.Duration) *Handler {
	return &Handler{
		state:            state,
		startedAt:        time.Now(),
		maxConcurrent:    maxConcurrent,
		pollIntervalSecs: int64(pollInterval.Seconds()),
		jobTimeoutSecs:   int64(jobTimeout.Seconds()),
	}
}

// RegisterRoutes attaches /health and /status to e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)
	e.GET("/status", h.status)
}

func (h *Handler) health(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type activeContainer struct {
	Name           string `json:"name"`
	JobID          uint64 `json:"job_id"`
	RunningSeconds int64  `json:"running_seconds"`
}

type statusResponse struct {
	ActiveContainers    []activeContainer `json:"active_containers"`
	MaxConcurrent       int               `json:"max_concurrent"`
	PollIntervalSeconds int64             `json:"poll_interval_seconds"`
	JobTimeoutSeconds   int64             `json:"job_timeout_seconds"`
	UptimeSeconds       int64             `json:"uptime_seconds"`
}

func (h *Handler) status(c echo.Context) error {
	entries, err := h.state.List()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	now := time.Now().Unix()
	active := make([]activeContainer, 0, len(entries))
	for _, e := range entries {
		active = append(active, activeContainer{
			Name:           e.Name,
			JobID:          e.Assignment.JobID,
			RunningSeconds: now - e.Assignment.StartedAt,
		})
	}

	return c.JSON(http.StatusOK, statusResponse{
		ActiveContainers:    active,
		MaxConcurrent:       h.maxConcurrent,
		PollIntervalSeconds: h.pollIntervalSecs,
		JobTimeoutSeconds:   h.jobTimeoutSecs,
		UptimeSeconds:       int64(time.Since(h.startedAt).Seconds()),
	})
}
