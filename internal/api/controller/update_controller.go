package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/logger"
	"github.com/bassista/go_offline/internal/update"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Negotiator is the part of update.Negotiator the controller drives.
type Negotiator interface {
	Check(ctx context.Context) (update.State, error)
	Accept(ctx context.Context) error
	Defer() error
	Status() update.Status
}

// BuildWriter persists the build descriptor a deploy publishes.
type BuildWriter interface {
	Save(build *lifecycle.Build) error
}

type UpdateController struct {
	negotiator Negotiator
	builds     BuildWriter
}

func NewUpdateController(n Negotiator, builds BuildWriter) *UpdateController {
	return &UpdateController{negotiator: n, builds: builds}
}

func (uc *UpdateController) Status(c *gin.Context) {
	c.JSON(http.StatusOK, uc.negotiator.Status())
}

// Check looks for a new build now.
func (uc *UpdateController) Check(c *gin.Context) {
	if _, err := uc.negotiator.Check(c.Request.Context()); err != nil {
		logger.WithComponent("update_controller").Warnf("update check failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "update": uc.negotiator.Status()})
		return
	}
	c.JSON(http.StatusOK, uc.negotiator.Status())
}

// Accept activates the waiting version. Instances reload on controllerchange.
func (uc *UpdateController) Accept(c *gin.Context) {
	if err := uc.negotiator.Accept(c.Request.Context()); err != nil {
		if errors.Is(err, update.ErrNoUpdate) {
			c.JSON(http.StatusConflict, gin.H{"error": "no update available"})
			return
		}
		logger.WithComponent("update_controller").Errorf("update activation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed", "update": uc.negotiator.Status()})
		return
	}
	c.JSON(http.StatusOK, uc.negotiator.Status())
}

// Defer keeps the current version until the next prompt.
func (uc *UpdateController) Defer(c *gin.Context) {
	if err := uc.negotiator.Defer(); err != nil {
		if errors.Is(err, update.ErrNoUpdate) {
			c.JSON(http.StatusConflict, gin.H{"error": "no update available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, uc.negotiator.Status())
}

// Publish is the deploy hook: it stores the new build descriptor and checks
// for it right away, so watching the build file is optional.
func (uc *UpdateController) Publish(c *gin.Context) {
	var build lifecycle.Build
	if err := c.ShouldBindJSON(&build); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := uc.builds.Save(&build); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.WithComponent("update_controller").Errorf("cannot save build %s: %v", build.Version, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot save build"})
		return
	}
	if _, err := uc.negotiator.Check(c.Request.Context()); err != nil {
		logger.WithComponent("update_controller").Warnf("update check after publish failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "update": uc.negotiator.Status()})
		return
	}
	c.JSON(http.StatusAccepted, uc.negotiator.Status())
}
