// Package server assembles the file server from its configuration and runs
// its listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"agora/internal/api"
	"agora/internal/config"
	"agora/internal/files"
	"agora/internal/lightning"
	"agora/internal/logging"
	"agora/internal/metrics"
	"agora/internal/paywall"
	"agora/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	pingTimeout     = 10 * time.Second
	cleanupInterval = time.Hour

	// Invoices are dropped from the pending limiter once the node would
	// have expired them. LND's default expiry is one hour.
	pendingInvoiceTTL = time.Hour
)

// Server is a configured but not yet listening file server.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	node    lightning.Client
	nodeID  string
	pending *api.PendingInvoiceLimiter
	limiter *api.RateLimiter
	handler http.Handler
	certs   *autocert.Manager

	bind func(network, addr string) (net.Listener, error)

	mu        sync.Mutex
	listeners []*listener
}

type listener struct {
	name string
	srv  *http.Server
	ln   net.Listener
	tls  bool
}

// New builds the server. history may be nil. The served directory must be
// readable, otherwise startup fails.
func New(cfg *config.Config, log *logging.Logger, history store.Store) (*Server, error) {
	if _, err := os.ReadDir(cfg.Directory); err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	vfs, err := files.NewVFS(cfg.Directory)
	if err != nil {
		return nil, err
	}

	node, nodeID, err := NewLightningClient(cfg, log.Lightning)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		node:   node,
		nodeID: nodeID,
		bind:   net.Listen,
	}

	controller := paywall.New(vfs, node, history, log.Internal)
	if cfg.MaxPendingInvoices > 0 {
		s.pending = api.NewPendingInvoiceLimiter(cfg.MaxPendingInvoices, cfg.TrustProxy)
		controller.SetInvoiceLimiter(s.pending)
	}

	// Apply middleware (order: Logger -> RateLimit -> Headers -> handler)
	var handler http.Handler = api.NewHandler(controller, log.HTTP)
	handler = api.Headers(handler)
	if !cfg.Dev {
		rl := api.DefaultRateLimitConfig()
		rl.TrustProxy = cfg.TrustProxy
		s.limiter = api.NewRateLimiter(rl, log.HTTP)
		handler = s.limiter.Middleware(handler)
		log.Internal.Info("rate limiting enabled")
	} else {
		log.Internal.Info("development mode: rate limiting disabled")
	}
	s.handler = api.Logger(log.HTTP)(handler)

	if cfg.HTTPSPort != 0 {
		s.certs = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(cfg.ACMECacheDirectory),
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomains...),
		}
	}
	return s, nil
}

// NewLightningClient connects the configured backend. It returns a nil
// client when none is configured, along with a description of the node
// for log messages.
func NewLightningClient(cfg *config.Config, log *zap.SugaredLogger) (lightning.Client, string, error) {
	switch {
	case cfg.LNDRPCAuthority != "":
		c, err := lightning.NewLNDClient(lightning.LNDConfig{
			Authority:    cfg.LNDRPCAuthority,
			CertPath:     cfg.LNDRPCCertPath,
			MacaroonPath: cfg.LNDRPCMacaroonPath,
		}, log)
		if err != nil {
			return nil, "", fmt.Errorf("failed to set up LND client: %w", err)
		}
		return c, "LND RPC server at " + cfg.LNDRPCAuthority, nil
	case cfg.CoreLightningRPCFilePath != "":
		c, err := lightning.NewCoreLightningClient(cfg.CoreLightningRPCFilePath, log)
		if err != nil {
			return nil, "", fmt.Errorf("failed to set up Core Lightning client: %w", err)
		}
		return c, "Core Lightning RPC server at " + cfg.CoreLightningRPCFilePath, nil
	case cfg.MockLightning:
		c := lightning.NewMockClient(log)
		if cfg.MockAutoSettle > 0 {
			c.SetAutoSettle(cfg.MockAutoSettle)
		}
		return c, "mock Lightning node", nil
	}
	return nil, "", nil
}

// Handler returns the complete request handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds every configured listener. Run calls it when nothing has
// been bound yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.HTTPPort != 0 {
		if err := s.listen("HTTP", s.cfg.HTTPPort, s.handler, false); err != nil {
			return err
		}
	}
	if s.cfg.HTTPSPort != 0 {
		if err := s.listen("HTTPS", s.cfg.HTTPSPort, s.handler, true); err != nil {
			return err
		}
		if s.cfg.HTTPSRedirectPort != 0 {
			// autocert answers ACME http-01 challenges and passes
			// everything else on to the redirect.
			h := s.certs.HTTPHandler(RedirectHandler(s.cfg.HTTPSPort, s.log.HTTP))
			if err := s.listen("HTTPS redirect", s.cfg.HTTPSRedirectPort, h, false); err != nil {
				return err
			}
		}
	}
	if s.cfg.MetricsAddr != "" {
		ln, err := s.bind("tcp", s.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.listeners = append(s.listeners, &listener{
			name: "metrics",
			srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
			ln:   ln,
		})
	}
	return nil
}

func (s *Server) listen(name string, port int, h http.Handler, useTLS bool) error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(port))
	ln, err := s.bind("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for %s connections on %s: %w", name, addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	if useTLS {
		srv.TLSConfig = s.certs.TLSConfig()
	}
	s.listeners = append(s.listeners, &listener{name: name, srv: srv, ln: ln, tls: useTLS})
	return nil
}

// Addr returns the bound address of the named listener ("HTTP", "HTTPS",
// "HTTPS redirect" or "metrics"), or nil.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.name == name {
			return l.ln.Addr()
		}
	}
	return nil
}

// Run serves until ctx is canceled or a listener fails, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	bound := len(s.listeners) > 0
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			s.closeListeners()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	listeners := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		s.log.Internal.Infof("Listening for %s connections on `%s`", l.name, l.ln.Addr())
		go func(l *listener) {
			var err error
			if l.tls {
				err = l.srv.ServeTLS(l.ln, "", "")
			} else {
				err = l.srv.Serve(l.ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server error: %w", l.name, err)
			}
		}(l)
	}

	go s.pingNode(ctx)
	if s.pending != nil {
		go s.cleanupLoop(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.log.Internal.Info("shutting down...")
	if s.limiter != nil {
		s.limiter.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for _, l := range listeners {
		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Internal.Warnw("shutdown error", "listener", l.name, "error", err)
		}
	}
	return runErr
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.ln.Close()
	}
	s.listeners = nil
}

// pingNode reports whether the node is reachable. Serving never waits for it.
func (s *Server) pingNode(ctx context.Context) {
	if s.node == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := s.node.Ping(ctx); err != nil {
		metrics.RecordLightningError("ping")
		s.log.Lightning.Warnf("Cannot connect to %s: %v", s.nodeID, err)
		return
	}
	s.log.Lightning.Infof("Connected to %s", s.nodeID)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.pending.CleanupExpired(pendingInvoiceTTL); n > 0 {
				s.log.Internal.Infof("cleaned up %d expired pending invoice entries", n)
			}
		}
	}
}
