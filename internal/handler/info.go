package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// InfoHandler serves the proxy's own pages.
type InfoHandler struct {
	version Version
}

// NewInfoHandler creates an InfoHandler.
func NewInfoHandler(v Version) *InfoHandler {
	return &InfoHandler{version: v}
}

// Home answers the root path for any method.
func (h *InfoHandler) Home(c echo.Context) error {
	return c.String(http.StatusOK, "A maven repository proxy backed by maven-proxy version "+string(h.version))
}

// Favicon answers /favicon.ico with an empty 404.
func (h *InfoHandler) Favicon(c echo.Context) error {
	return c.NoContent(http.StatusNotFound)
}
