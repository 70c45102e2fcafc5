package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bassista/go_offline/internal/app"
	"github.com/bassista/go_offline/internal/cache"
	"github.com/bassista/go_offline/internal/clients"
	"github.com/bassista/go_offline/internal/connectivity"
	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/logger"
	"github.com/bassista/go_offline/internal/queue"
	"github.com/bassista/go_offline/internal/update"
	"github.com/bassista/go_offline/internal/worker"
	"github.com/gin-gonic/gin"
)

const defaultRecentEvents = 50

// StatsResponse is the full diagnostics snapshot.
type StatsResponse struct {
	Stores       []cache.StoreStats  `json:"stores"`
	Queue        map[string]int      `json:"queue"`
	Registration lifecycle.Status    `json:"registration"`
	Update       update.Status       `json:"update"`
	Connectivity connectivity.Status `json:"connectivity"`
	Clients      []clients.Info      `json:"clients"`
	Counts       map[string]int      `json:"counts"`
	Recent       []diagnostics.Event `json:"recent"`
}

// DiagnosticsController exposes cache, queue and lifecycle state and the
// maintenance commands.
type DiagnosticsController struct {
	app *app.App
}

func NewDiagnosticsController(appCtx *app.App) *DiagnosticsController {
	return &DiagnosticsController{app: appCtx}
}

// Stats returns the diagnostics snapshot. ?limit= bounds the recent events.
func (dc *DiagnosticsController) Stats(c *gin.Context) {
	limit := defaultRecentEvents
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	stores, err := dc.app.Manager.Stats(ctx)
	if err != nil {
		logger.WithComponent("diagnostics_controller").Errorf("failed to read store stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cache stats"})
		return
	}
	pending, err := dc.app.Queue.Pending(ctx)
	if err != nil {
		logger.WithComponent("diagnostics_controller").Errorf("failed to read queue counts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue"})
		return
	}

	c.JSON(http.StatusOK, StatsResponse{
		Stores:       stores,
		Queue:        pending,
		Registration: dc.app.Registration.Status(),
		Update:       dc.app.Negotiator.Status(),
		Connectivity: dc.app.Monitor.Status(),
		Clients:      dc.app.Clients.List(),
		Counts:       dc.app.Diagnostics.Counts(),
		Recent:       dc.app.Diagnostics.Recent(limit),
	})
}

// Clear drops every cache store.
func (dc *DiagnosticsController) Clear(c *gin.Context) {
	ev := worker.Event{Kind: worker.KindMessage, Message: worker.Message{Type: worker.MessageClearCache}}
	if _, err := dc.app.Worker.Dispatch(c.Request.Context(), ev); err != nil {
		logger.WithComponent("diagnostics_controller").Errorf("failed to clear caches: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear caches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "caches cleared"})
}

// Replay drains the queue of ?domain=, or every queue.
func (dc *DiagnosticsController) Replay(c *gin.Context) {
	ev := worker.Event{Kind: worker.KindSync, Domain: c.Query("domain")}
	out, err := dc.app.Worker.Dispatch(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownDomain) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue domain"})
			return
		}
		logger.WithComponent("diagnostics_controller").Errorf("replay failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed", "replays": out.Replays})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replays": out.Replays})
}

// Queue lists pending records, oldest first, optionally for one ?domain=.
func (dc *DiagnosticsController) Queue(c *gin.Context) {
	records, err := dc.app.Queue.List(c.Request.Context(), c.Query("domain"))
	if err != nil {
		if errors.Is(err, queue.ErrUnknownDomain) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown queue domain"})
			return
		}
		logger.WithComponent("diagnostics_controller").Errorf("failed to list queue: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list queue"})
		return
	}
	if records == nil {
		records = []queue.Record{}
	}
	c.JSON(http.StatusOK, records)
}

// Version returns the registration state.
func (dc *DiagnosticsController) Version(c *gin.Context) {
	ev := worker.Event{Kind: worker.KindMessage, Message: worker.Message{Type: worker.MessageGetVersion}}
	out, err := dc.app.Worker.Dispatch(c.Request.Context(), ev)
	if err != nil || out.Registration == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read version"})
		return
	}
	c.JSON(http.StatusOK, out.Registration)
}
