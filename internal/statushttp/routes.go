package statushttp

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"

	"github.com/openmined/syftsync/internal/version"
)

const eventsPath = "/v1/events"

// RouteConfig holds the optional protections of the status API.
type RouteConfig struct {
	// Token, when set, is required as a bearer token on /v1.
	Token string
	// RateLimit is the number of requests per second allowed per client.
	RateLimit int64
}

func SetupRoutes(engines Engines, cfg *RouteConfig) http.Handler {
	if cfg == nil {
		cfg = &RouteConfig{}
	}
	r := gin.New()
	h := &handlers{engines: engines}

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.BestSpeed, gzip.WithExcludedPaths([]string{eventsPath})))
	r.Use(cors.Default())
	r.Use(SecureHeaders())
	r.Use(RateLimit(cfg.RateLimit))

	r.GET("/healthz", HealthHandler)

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(cfg.Token))
	{
		v1.GET("/status", h.ListStatus)
		v1.GET("/status/:tag", h.GetStatus)
		v1.GET("/state/:tag", h.GetState)
		v1.GET("/conflicts", h.ListConflicts)
		v1.GET("/events", h.Events)
	}

	return r
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Get(),
		"process": processStats(),
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
