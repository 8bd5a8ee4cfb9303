package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins enables CORS for the listed origins. "*" allows any.
	AllowedOrigins []string
	// Gatherer is exposed on /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the gin engine serving h.
func NewRouter(h *HTTPHandler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if len(opts.AllowedOrigins) > 0 {
		cfg := cors.DefaultConfig()
		if len(opts.AllowedOrigins) == 1 && opts.AllowedOrigins[0] == "*" {
			cfg.AllowAllOrigins = true
		} else {
			cfg.AllowOrigins = opts.AllowedOrigins
		}
		cfg.AllowHeaders = append(cfg.AllowHeaders, CallerHeader)
		cfg.MaxAge = 12 * time.Hour
		r.Use(cors.New(cfg))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	h.RegisterPublicRoutes(api)

	callerRoutes := api.Group("/")
	callerRoutes.Use(h.CallerMiddleware())
	h.RegisterCallerRoutes(callerRoutes)

	return r
}
