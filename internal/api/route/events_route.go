package route

import (
	"github.com/bassista/go_offline/internal/api/controller"
	"github.com/bassista/go_offline/internal/app"
	"github.com/gin-gonic/gin"
)

// NewEventsRouter wires the endpoints used by connected app instances. The
// event stream is exempt from the request timeout.
func NewEventsRouter(appCtx *app.App, group *gin.RouterGroup) {
	ec := controller.NewEventsController(appCtx.Clients, appCtx.Worker, appCtx.Monitor, controller.DefaultHeartbeat)

	group.GET("events", ec.Stream)
	group.GET("clients", ec.Clients)
	group.POST("clients/:id/navigate", ec.Navigate)
	group.POST("clients/:id/focus", ec.Focus)
	group.POST("message", ec.Message)
	group.POST("connectivity", ec.Connectivity)
}
