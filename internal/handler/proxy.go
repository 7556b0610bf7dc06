package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"maven-proxy-go/internal/model"
	"maven-proxy-go/internal/service"
)

const (
	msgBadMethod  = "Only GET, HEAD requests are allowed to maven-proxy."
	msgBadBody    = "A GET or HEAD request must have an empty body"
	msgNotFound   = "No such artifact found in any of the proxy locations"
	msgBadGateway = "Status code %d received from proxy"
)

// ProxyHandler is the proxy front end: it validates inbound requests, races
// them across the backends and writes the client response.
type ProxyHandler struct {
	dispatcher *service.Dispatcher
	info       *InfoHandler
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(d *service.Dispatcher, info *InfoHandler, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		dispatcher: d,
		info:       info,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle answers one inbound request.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := hasBody(req)
	if err != nil {
		h.logger.Debug("reading request body", "err", err, "path", req.URL.Path)
		return c.String(http.StatusBadRequest, msgBadBody)
	}

	decision := service.Validate(req.Method, requestTarget(req), body)
	switch decision.Kind {
	case service.Home:
		return h.info.Home(c)
	case service.StaticNotFound:
		return h.info.Favicon(c)
	case service.BadMethod:
		c.Response().Header().Set(echo.HeaderAllow, service.AllowHeader)
		return c.String(http.StatusMethodNotAllowed, msgBadMethod)
	case service.BadBody:
		h.logger.Debug("rejecting request with body", "method", req.Method, "path", req.URL.Path)
		return c.String(http.StatusBadRequest, msgBadBody)
	}

	result := h.dispatcher.Dispatch(req.Context(), &model.ProxyRequest{
		Method:       req.Method,
		ArtifactPath: decision.ArtifactPath,
		Header:       req.Header,
	})

	switch {
	case result.Winner != nil:
		return h.passThrough(c, result.Winner)
	case result.UnexpectedStatus != 0:
		return c.String(http.StatusBadGateway, fmt.Sprintf(msgBadGateway, result.UnexpectedStatus))
	default:
		return c.String(http.StatusNotFound, msgNotFound)
	}
}

// passThrough copies the winning backend response to the client.
func (h *ProxyHandler) passThrough(c echo.Context, winner *model.Outcome) error {
	resp := winner.Response
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range service.FilterResponseHeaders(resp.Header) {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy leaves the client with a
	// truncated body; it can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"backend", winner.Backend.Redacted(),
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

// requestTarget returns the inbound path-and-query exactly as received.
func requestTarget(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// hasBody reports whether r carries at least one body byte. Bodies of
// unknown length are probed by reading a single byte.
func hasBody(r *http.Request) (bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return false, nil
	}
	switch {
	case r.ContentLength > 0:
		return true, nil
	case r.ContentLength == 0:
		return false, nil
	}

	var b [1]byte
	n, err := io.ReadFull(r.Body, b[:])
	if n > 0 {
		return true, nil
	}
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	return false, err
}
