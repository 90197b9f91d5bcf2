package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"agora/internal/web"
)

// RedirectHandler sends every request to the same host and URI on the
// HTTPS port.
func RedirectHandler(httpsPort int, log *zap.SugaredLogger) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	port := strconv.Itoa(httpsPort)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "" {
			log.Warnw("redirect failed", "error", "missing Host header", "path", r.URL.EscapedPath())
			if err := web.RenderError(w, http.StatusBadRequest); err != nil {
				log.Errorw("failed to render error page", "error", err)
			}
			return
		}

		host := strings.Trim(r.Host, "[]")
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		}
		w.Header().Set("Location", "https://"+net.JoinHostPort(host, port)+r.URL.RequestURI())
		w.WriteHeader(http.StatusFound)
	})
}
