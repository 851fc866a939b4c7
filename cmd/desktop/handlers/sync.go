// Package handlers provides REST API handlers for the desktop invoice sync daemon.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/logging"
	syncpkg "github.com/kimhsiao/invoicesync/internal/sync"
	"github.com/kimhsiao/invoicesync/internal/sync/scheduler"
)

// PassScheduler runs manual passes and reports scheduler state.
// Implemented by *scheduler.Scheduler.
type PassScheduler interface {
	SyncNow(ctx context.Context) (syncpkg.PassResult, error)
	GetStatus() scheduler.SchedulerStatus
}

// StatusSource reports the subsystem snapshot. Implemented by *sync.Orchestrator.
type StatusSource interface {
	Status(ctx context.Context) (syncpkg.Status, error)
}

// ReachabilityChecker is the part of the reachability monitor the API exposes.
type ReachabilityChecker interface {
	IsReachable() bool
	LastChecked() time.Time
	ForceCheck(ctx context.Context) bool
	NotifyOSChange(ctx context.Context, connected bool)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	scheduler PassScheduler
	status    StatusSource
	reach     ReachabilityChecker
	version   string
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(sched PassScheduler, status StatusSource, reach ReachabilityChecker, version string) *SyncHandler {
	return &SyncHandler{
		scheduler: sched,
		status:    status,
		reach:     reach,
		version:   version,
	}
}

// Register mounts the sync routes on g.
func (h *SyncHandler) Register(g *echo.Group) {
	g.GET("/health", h.Health)
	g.GET("/sync/status", h.GetStatus)
	g.POST("/sync/now", h.SyncNow)
	g.GET("/reachability", h.GetReachability)
	g.POST("/reachability", h.NotifyConnectivity)
	g.POST("/reachability/check", h.CheckReachability)
}

// Health handles GET /api/health
func (h *SyncHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "invoicesync-desktop",
		"version": h.version,
	})
}

// StatusResponse combines the orchestrator and scheduler views.
type StatusResponse struct {
	syncpkg.Status
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
	Summary   string                    `json:"summary,omitempty"`
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(c echo.Context) error {
	st, err := h.status.Status(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	resp := StatusResponse{Status: st, Scheduler: h.scheduler.GetStatus()}
	if st.LastPass != nil {
		resp.Summary = scheduler.Summary(*st.LastPass)
	}
	return c.JSON(http.StatusOK, resp)
}

// PassResponse is returned by POST /api/sync/now.
type PassResponse struct {
	syncpkg.PassResult
	Summary string `json:"summary,omitempty"`
}

// SyncNow handles POST /api/sync/now
// Runs a manual pass and waits for it. A skipped pass answers 409 when another
// pass holds the store and 503 when the network is unreachable.
func (h *SyncHandler) SyncNow(c echo.Context) error {
	res, err := h.scheduler.SyncNow(c.Request().Context())
	if err != nil {
		return httpError(err)
	}

	status := http.StatusOK
	if res.Skipped {
		switch res.SkipReason {
		case syncpkg.SkipBusy:
			status = http.StatusConflict
		case syncpkg.SkipUnreachable:
			status = http.StatusServiceUnavailable
		}
	}
	return c.JSON(status, PassResponse{PassResult: res, Summary: scheduler.Summary(res)})
}

// ReachabilityResponse reports the reachability estimate.
type ReachabilityResponse struct {
	Reachable   bool       `json:"reachable"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
}

func (h *SyncHandler) reachability() ReachabilityResponse {
	resp := ReachabilityResponse{Reachable: h.reach.IsReachable()}
	if t := h.reach.LastChecked(); !t.IsZero() {
		resp.LastChecked = &t
	}
	return resp
}

// GetReachability handles GET /api/reachability
func (h *SyncHandler) GetReachability(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reachability())
}

// CheckReachability handles POST /api/reachability/check
func (h *SyncHandler) CheckReachability(c echo.Context) error {
	h.reach.ForceCheck(c.Request().Context())
	return c.JSON(http.StatusOK, h.reachability())
}

// NotifyConnectivity handles POST /api/reachability
// The desktop shell forwards OS connectivity callbacks here.
func (h *SyncHandler) NotifyConnectivity(c echo.Context) error {
	var req struct {
		Connected *bool `json:"connected"`
	}
	if err := c.Bind(&req); err != nil || req.Connected == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "connected is required")
	}
	h.reach.NotifyOSChange(c.Request().Context(), *req.Connected)
	return c.JSON(http.StatusOK, h.reachability())
}

// httpError maps application errors onto HTTP statuses.
func httpError(err error) error {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrInvalid, errors.ErrValidation:
		status = http.StatusBadRequest
	case errors.ErrDuplicate, errors.ErrSyncInProgress:
		status = http.StatusConflict
	case errors.ErrStorageFull, errors.ErrStorageExhausted:
		status = http.StatusInsufficientStorage
	}
	if status == http.StatusInternalServerError {
		logging.Error("request failed", err)
	}
	return echo.NewHTTPError(status, err.Error())
}
