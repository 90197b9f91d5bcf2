package api

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"agora/internal/apperr"
	"agora/internal/logging"
	"agora/internal/paywall"
	"agora/internal/web"
)

// Route names used for metrics labels and rate limiting.
const (
	routeRoot     = "root"
	routeFiles    = "files"
	routeInvoice  = "invoice"
	routeQRCode   = "qr_code"
	routeStatic   = "static"
	routeFavicon  = "favicon"
	routeNotFound = "not_found"
)

// RouteName classifies a request by the route that serves it.
func RouteName(r *http.Request) string {
	p := r.URL.EscapedPath()
	switch {
	case p == "/" || p == "/files":
		return routeRoot
	case strings.HasPrefix(p, "/files/"):
		if r.URL.Query().Has("invoice") {
			return routeInvoice
		}
		return routeFiles
	case strings.HasPrefix(p, "/invoice/"):
		return routeQRCode
	case strings.HasPrefix(p, "/static/"):
		return routeStatic
	case p == "/favicon.ico":
		return routeFavicon
	}
	return routeNotFound
}

// Handler routes requests. Paths are matched on their escaped form and
// never cleaned, so the file tail reaches the paywall exactly as sent.
type Handler struct {
	paywall *paywall.Controller
	log     *zap.SugaredLogger
}

// NewHandler creates a new HTTP handler.
func NewHandler(c *paywall.Controller, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{paywall: c, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	if err := h.route(tw, r); err != nil {
		h.fail(tw, r, err)
	}
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) error {
	p := r.URL.EscapedPath()

	switch RouteName(r) {
	case routeRoot:
		redirect(w, "/files/")
		return nil
	case routeFiles:
		return h.paywall.Serve(w, r, strings.TrimPrefix(p, "/files/"))
	case routeInvoice:
		return h.paywall.ServeInvoice(w, r, strings.TrimPrefix(p, "/files/"), r.URL.Query().Get("invoice"))
	case routeQRCode:
		name := strings.TrimPrefix(p, "/invoice/")
		id, ok := strings.CutSuffix(name, ".svg")
		if !ok {
			return &apperr.Error{Kind: apperr.RouteNotFound, Detail: p}
		}
		return h.paywall.ServeInvoiceQRCode(w, r, id)
	case routeStatic:
		return serveStatic(w, r, strings.TrimPrefix(p, "/static/"))
	case routeFavicon:
		redirect(w, "/static/favicon.svg")
		return nil
	}
	return &apperr.Error{Kind: apperr.RouteNotFound, Detail: p}
}

func redirect(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

func serveStatic(w http.ResponseWriter, r *http.Request, rawName string) error {
	name, err := url.PathUnescape(rawName)
	if err != nil {
		return &apperr.Error{Kind: apperr.InvalidURIPath, Detail: r.URL.EscapedPath()}
	}
	data, ctype, err := web.Asset(name)
	if err != nil {
		return &apperr.Error{Kind: apperr.StaticAssetNotFound, Detail: name}
	}
	if ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	if r.Method != http.MethodHead {
		_, err = w.Write(data)
	}
	return err
}

// fail logs err and answers with an error page that carries nothing but
// the status. If the response was already started there is nothing left
// to tell the client.
func (h *Handler) fail(w *responseWriter, r *http.Request, err error) {
	status := apperr.StatusOf(err)
	fields := []any{
		"error", err.Error(),
		"kind", apperr.KindOf(err).String(),
		"status", status,
		"path", r.URL.EscapedPath(),
		"request_id", logging.RequestID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		h.log.Errorw("request failed", fields...)
	} else {
		h.log.Warnw("request failed", fields...)
	}

	if w.wroteHeader {
		return
	}
	// drop headers set for the aborted response
	w.Header().Del("Location")
	w.Header().Del("Content-Length")
	if err := web.RenderError(w, status); err != nil {
		h.log.Errorw("failed to render error page", "error", err)
	}
}
