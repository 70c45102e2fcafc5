package route

import (
	"net/http"

	"github.com/bassista/go_offline/internal/api/middleware"
	"github.com/bassista/go_offline/internal/app"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// OfflinePrefix is the path namespace of the proxy's own endpoints. Every
// other path is forwarded upstream.
const OfflinePrefix = "/__offline"

func SetupRoutes(appCtx *app.App, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middleware.HoneybadgerMiddleware(log.WithField("component", "honeybadger")))
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(appCtx.Config.Server.CORSAllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "UP",
			"online":  appCtx.Monitor.Online(),
		})
	})

	offline := r.Group(OfflinePrefix)
	offline.Use(middleware.RequestTimeout(appCtx.Config.Server.RequestTimeout))

	NewDiagnosticsRouter(appCtx, offline)
	NewUpdateRouter(appCtx, offline)
	NewNotificationRouter(appCtx, offline)
	NewEventsRouter(appCtx, offline)
	NewProxyRouter(appCtx, r)

	return r
}
