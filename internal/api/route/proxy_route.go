package route

import (
	"github.com/bassista/go_offline/internal/api/controller"
	"github.com/bassista/go_offline/internal/app"
	"github.com/gin-gonic/gin"
)

// NewProxyRouter sends every unmatched request through the worker.
func NewProxyRouter(appCtx *app.App, r *gin.Engine) {
	pc := controller.NewProxyController(appCtx.Worker)

	r.NoRoute(pc.Forward)
}
