package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	return e
}

// HealthCheckHandler reports process liveness. Per-device health is
// visible through the poll_success/poll_error metrics instead: a single
// slow or unreachable device should never make the whole process report
// unhealthy, since every other Device Actor keeps polling independently.
func (s *Server) HealthCheckHandler(c echo.Context) error {
	return c.String(http.StatusOK, "health_check: OK")
}
