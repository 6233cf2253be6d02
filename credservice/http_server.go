package credservice

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imgflow/credentials/version"
)

// runOpsServer exposes read-only operational endpoints: health, status and
// prometheus metrics. Account management stays on the bus; nothing here
// mutates state or returns secret material.
func (s *Service) runOpsServer() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":         string(s.currentStatus()),
			"version":        version.Get(),
			"jobs_in_flight": s.registry.Count(),
			"ring_keys":      s.ring.Len(),
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	if err := e.Start(s.config.OpsServerAddr); err != nil && err != http.ErrServerClosed {
		s.logger.Error("ops server stopped", "error", err)
	}
}
