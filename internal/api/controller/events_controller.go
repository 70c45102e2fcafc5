package controller

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bassista/go_offline/internal/clients"
	"github.com/bassista/go_offline/internal/connectivity"
	"github.com/bassista/go_offline/internal/worker"
	"github.com/gin-gonic/gin"
)

const DefaultHeartbeat = 25 * time.Second

// ClientRegistry is the part of clients.Registry used by connected instances.
type ClientRegistry interface {
	Register(rawURL string) (string, <-chan clients.Message)
	Unregister(id string)
	Navigate(id, rawURL string) error
	Focus(id string) error
	List() []clients.Info
}

// ConnectivityReporter receives what the app itself observes.
type ConnectivityReporter interface {
	ReportOnline()
	ReportOffline(reason string)
	Status() connectivity.Status
}

// EventsController connects app instances: the SSE stream, their navigation
// reports and the messages they post.
type EventsController struct {
	registry  ClientRegistry
	worker    Dispatcher
	monitor   ConnectivityReporter
	heartbeat time.Duration
}

func NewEventsController(registry ClientRegistry, w Dispatcher, monitor ConnectivityReporter, heartbeat time.Duration) *EventsController {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &EventsController{registry: registry, worker: w, monitor: monitor, heartbeat: heartbeat}
}

// Stream registers the caller as an app instance showing ?url= and streams
// its messages until the connection closes.
func (ec *EventsController) Stream(c *gin.Context) {
	target := c.Query("url")
	if target == "" {
		target = "/"
	}
	id, messages := ec.registry.Register(target)
	defer ec.registry.Unregister(id)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("connected", gin.H{"id": id})
	c.Writer.Flush()

	heartbeat := time.NewTicker(ec.heartbeat)
	defer heartbeat.Stop()
	done := c.Request.Context().Done()

	c.Stream(func(io.Writer) bool {
		select {
		case <-done:
			return false
		case msg, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent(msg.Event, msg.Data)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

func (ec *EventsController) Clients(c *gin.Context) {
	list := ec.registry.List()
	if list == nil {
		list = []clients.Info{}
	}
	c.JSON(http.StatusOK, list)
}

type navigateRequest struct {
	URL string `json:"url" binding:"required"`
}

// Navigate records the URL instance :id now shows.
func (ec *EventsController) Navigate(c *gin.Context) {
	var req navigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if err := ec.registry.Navigate(c.Param("id"), req.URL); err != nil {
		clientError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "url": req.URL})
}

// Focus marks instance :id as focused.
func (ec *EventsController) Focus(c *gin.Context) {
	if err := ec.registry.Focus(c.Param("id")); err != nil {
		clientError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "focused": true})
}

// Message handles a command posted by an app instance.
func (ec *EventsController) Message(c *gin.Context) {
	var msg worker.Message
	if err := c.ShouldBindJSON(&msg); err != nil || msg.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message type is required"})
		return
	}
	out, err := ec.worker.Dispatch(c.Request.Context(), worker.Event{Kind: worker.KindMessage, Message: msg})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrUnknownMessage) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

type connectivityRequest struct {
	Online *bool  `json:"online" binding:"required"`
	Reason string `json:"reason"`
}

// Connectivity lets an instance report the browser's online/offline events.
func (ec *EventsController) Connectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "online is required"})
		return
	}
	if *req.Online {
		ec.monitor.ReportOnline()
	} else {
		ec.monitor.ReportOffline(req.Reason)
	}
	c.JSON(http.StatusOK, ec.monitor.Status())
}

func clientError(c *gin.Context, err error) {
	if errors.Is(err, clients.ErrUnknownClient) {
		c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

var _ Dispatcher = (*worker.Worker)(nil)
