package controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/bassista/go_offline/internal/notify"
	"github.com/bassista/go_offline/internal/worker"
	"github.com/gin-gonic/gin"
)

const maxPushPayload = 64 << 10

// NotificationLister lists the notifications currently shown.
type NotificationLister interface {
	List() []notify.Notification
}

type NotificationController struct {
	worker Dispatcher
	center NotificationLister
}

func NewNotificationController(w Dispatcher, center NotificationLister) *NotificationController {
	return &NotificationController{worker: w, center: center}
}

// Push delivers a push payload. Malformed payloads are dropped, not rejected.
func (nc *NotificationController) Push(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushPayload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}
	out, err := nc.worker.Dispatch(c.Request.Context(), worker.Event{Kind: worker.KindPush, Data: raw})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if out.Dropped || out.Notification == nil {
		c.JSON(http.StatusAccepted, gin.H{"dropped": true})
		return
	}
	c.JSON(http.StatusCreated, out.Notification)
}

func (nc *NotificationController) List(c *gin.Context) {
	list := nc.center.List()
	if list == nil {
		list = []notify.Notification{}
	}
	c.JSON(http.StatusOK, list)
}

type clickRequest struct {
	Action string `json:"action"`
}

// Click handles a click on notification :tag, optionally on an action button
// given as ?action= or {"action": "..."}.
func (nc *NotificationController) Click(c *gin.Context) {
	tag := c.Param("tag")
	if tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing notification tag"})
		return
	}
	action := c.Query("action")
	if action == "" && c.Request.ContentLength != 0 {
		var req clickRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		action = req.Action
	}

	out, err := nc.worker.Dispatch(c.Request.Context(), worker.Event{Kind: worker.KindNotificationClick, Tag: tag, Action: action})
	if err != nil {
		if errors.Is(err, notify.ErrUnknownNotification) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out.Click)
}
