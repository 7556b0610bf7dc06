package handler

import (
	"errors"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maven-proxy-go/internal/config"
	"maven-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Every path other than the proxy's own is an artifact path.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, info *InfoHandler, m *metrics.Metrics, cfg *config.Config) {
	e.Any("/", info.Home)
	e.Any("/favicon.ico", info.Favicon)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		})))
	}

	e.Any("/*", proxy.Handle)

	e.HTTPErrorHandler = methodFallback(e.DefaultHTTPErrorHandler, proxy)
}

// methodFallback answers requests whose method the router has no route for
// (MKCOL, PURGE, ...) through the proxy front end, so every method gets the
// same home, favicon and 405 handling.
func methodFallback(next echo.HTTPErrorHandler, proxy *ProxyHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if errors.Is(err, echo.ErrMethodNotAllowed) && !c.Response().Committed {
			// The router has already set Allow to its own method list.
			c.Response().Header().Del(echo.HeaderAllow)
			if err = proxy.Handle(c); err == nil {
				return
			}
		}
		next(err, c)
	}
}
