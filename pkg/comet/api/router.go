// Package api serves the read-only inspection endpoints and the
// acknowledgement endpoint of a running engine.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

// Service is the part of the engine the API needs. *comet.Engine
// implements it.
type Service interface {
	Group(ctx context.Context, key store.Key) (*store.Group, error)
	Groups(ctx context.Context, f store.Filter) ([]*store.Group, error)
	Records(ctx context.Context, f store.RecordFilter) ([]event.Record, error)
	Quarantined(ctx context.Context, limit int) ([]event.QuarantinedMessage, error)
	Acknowledge(ctx context.Context, key store.Key, generation int64) (bool, error)
}

// Config configures the router.
type Config struct {
	// Token enables bearer authentication on /api/v1 when set.
	Token string
	// ServiceName enables otelgin request tracing when set.
	ServiceName string
	// Registry receives the group collector. Nil means a fresh registry
	// with the Go and process collectors.
	Registry *prometheus.Registry
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, cfg Config, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	reg.MustRegister(NewGroupCollector(svc, logger))

	router := gin.New()

	// Order matters: tracing opens the span, Recovery catches panics,
	// Logger logs with the trace context.
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(Recovery(logger))
	router.Use(Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	h := NewHandler(svc, logger)
	v1 := router.Group("/api/v1")
	if cfg.Token != "" {
		v1.Use(BearerAuth(cfg.Token))
	}
	{
		v1.GET("/groups", h.ListGroups)
		v1.GET("/groups/:source_type/:fingerprint", h.GetGroup)
		v1.GET("/events", h.ListEvents)
		v1.GET("/quarantine", h.ListQuarantine)
		v1.POST("/acknowledge", h.Acknowledge)
	}
	return router
}
