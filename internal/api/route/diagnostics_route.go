package route

import (
	"github.com/bassista/go_offline/internal/api/controller"
	"github.com/bassista/go_offline/internal/app"
	"github.com/gin-gonic/gin"
)

func NewDiagnosticsRouter(appCtx *app.App, group *gin.RouterGroup) {
	dc := controller.NewDiagnosticsController(appCtx)

	group.GET("stats", dc.Stats)
	group.GET("version", dc.Version)
	group.POST("clear", dc.Clear)
	group.POST("replay", dc.Replay)
	group.GET("queue", dc.Queue)
}
