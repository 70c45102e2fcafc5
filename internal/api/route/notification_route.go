package route

import (
	"github.com/bassista/go_offline/internal/api/controller"
	"github.com/bassista/go_offline/internal/app"
	"github.com/gin-gonic/gin"
)

func NewNotificationRouter(appCtx *app.App, group *gin.RouterGroup) {
	nc := controller.NewNotificationController(appCtx.Worker, appCtx.Notifications)

	group.POST("push", nc.Push)
	group.GET("notifications", nc.List)
	group.POST("notifications/:tag/click", nc.Click)
}
