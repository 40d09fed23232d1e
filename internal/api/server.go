// Package api serves the archiver's status endpoints: health, queue contents
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fabriziosalmi/rainwal/internal/api/handlers"
	apimw "github.com/fabriziosalmi/rainwal/internal/api/middleware"
	"github.com/fabriziosalmi/rainwal/internal/api/routes"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// New builds the status server.
func New(h *handlers.Handlers, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(apimw.RequestID())
	e.Use(apimw.SecurityHeaders())
	e.Use(apimw.AccessLog(log))
	e.Use(echomw.Recover())

	routes.Register(e, h)
	return e
}

// Serve runs e on addr until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, e *echo.Echo, addr string, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("status server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
