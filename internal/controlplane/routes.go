package controlplane

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

type RouteConfig struct {
	Token     string
	RateLimit string
}

func SetupRoutes(svc Service, cfg RouteConfig) (http.Handler, error) {
	r := gin.New()

	h := &handler{svc: svc}

	r.Use(requestLogger())
	r.Use(gin.Recovery())
	if cfg.RateLimit != "" {
		limit, err := rateLimit(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		r.Use(limit)
	}

	r.GET("/", index)

	v1 := r.Group("/v1")
	v1.Use(tokenAuth(cfg.Token))
	{
		// the websocket stream must not be wrapped by gzip
		v1.GET("/events", h.events)

		api := v1.Group("")
		api.Use(gzip.Gzip(gzip.BestSpeed))
		api.GET("/status", h.status)
		api.GET("/failed", h.failed)
		api.GET("/regions/:world/:dimension/:x/:z", h.region)
		api.POST("/regions/completed", h.completed)
		api.POST("/retry", h.retry)
		api.POST("/clear", h.clear)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, &ControlPlaneError{ErrorCode: ErrCodeNotFound, Message: "not found"})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, &ControlPlaneError{ErrorCode: ErrCodeBadRequest, Message: "method not allowed"})
	})

	return r.Handler(), nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
