package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanosuguru/go-event-calendar/internal/api"
	"github.com/sanosuguru/go-event-calendar/internal/api/handler"
	"github.com/sanosuguru/go-event-calendar/internal/api/middleware"
	"github.com/sanosuguru/go-event-calendar/internal/application"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
)

// Config はルーティングに必要な依存
type Config struct {
	Sessions     *application.SessionManager
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	MetricsAuth  *middleware.MetricsConfig
	HealthChecks []handler.HealthCheck
}

// New はミドルウェアとルートを設定した Echo を返す
//
//	GET    /health
//	GET    /metrics
//	GET    /api/v1/events
//	POST   /api/v1/events
//	POST   /api/v1/events/refresh
//	GET    /api/v1/events/stream
//	PATCH  /api/v1/events/:id
//	DELETE /api/v1/events/:id
func New(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = api.NewValidator()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler
	middleware.SetupMiddleware(e, cfg.Metrics)

	var counter handler.SessionCounter
	if cfg.Sessions != nil {
		counter = cfg.Sessions
	}
	healthHandler := handler.NewHealthHandler(counter, cfg.HealthChecks...)
	e.GET("/health", healthHandler.Check)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics",
		echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
		middleware.MetricsBasicAuth(cfg.MetricsAuth),
	)

	eventHandler := handler.NewEventHandler(handler.NewSessionProvider(cfg.Sessions))
	eventHandler.Register(e.Group("/api/v1"))

	return e
}
