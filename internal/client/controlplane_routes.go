package client

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siasync/siasync/internal/client/handlers"
	"github.com/siasync/siasync/internal/client/middleware"
	"github.com/siasync/siasync/internal/version"
)

type RouteConfig struct {
	Auth middleware.TokenAuthConfig
}

func SetupRoutes(svc handlers.SyncService, routeConfig *RouteConfig) http.Handler {
	r := gin.New()

	statusH := handlers.NewStatusHandler(svc, nil)
	syncH := handlers.NewSyncHandler(svc)
	eventsH := handlers.NewEventsHandler(svc)
	auth := middleware.TokenAuth(routeConfig.Auth)

	r.Use(middleware.AccessLog())
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())

	r.GET("/", IndexHandler)
	r.GET("/health", statusH.Health)

	metrics := promhttp.HandlerFor(svc.Metrics().Registry(), promhttp.HandlerOpts{})
	r.GET("/metrics", auth, gin.WrapH(metrics))

	v1 := r.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/status", statusH.Status)
		v1.GET("/records", syncH.Records)
		v1.GET("/record", syncH.Record)
		v1.GET("/conflicts", syncH.Conflicts)
		v1.GET("/events", eventsH.Events)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Current())
}
