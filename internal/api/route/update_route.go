package route

import (
	"github.com/bassista/go_offline/internal/api/controller"
	"github.com/bassista/go_offline/internal/app"
	"github.com/gin-gonic/gin"
)

func NewUpdateRouter(appCtx *app.App, group *gin.RouterGroup) {
	uc := controller.NewUpdateController(appCtx.Negotiator, appCtx.Builds)

	group.GET("update", uc.Status)
	group.POST("update/check", uc.Check)
	group.POST("update/accept", uc.Accept)
	group.POST("update/defer", uc.Defer)
	group.POST("update/publish", uc.Publish)
}
