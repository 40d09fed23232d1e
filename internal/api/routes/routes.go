package routes

import (
	"github.com/fabriziosalmi/rainwal/internal/api/handlers"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Register(e *echo.Echo, h *handlers.Handlers) {
	e.GET("/health", h.Health)
	e.GET("/queue", h.Queue)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
