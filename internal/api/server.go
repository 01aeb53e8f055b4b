// Package api provides the local REST and WebSocket control surface of the
// daemon.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/lifecycle"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/metrics"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/provision"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/ratelimit"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/routing"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/store"
)

// Config wires the API's collaborators.
type Config struct {
	Listen      string
	Token       string
	RateLimit   ratelimit.Config
	Store       store.RuleStore
	Lifecycle   *lifecycle.Manager
	Routing     *routing.Engine
	Provisioner *provision.Provisioner
	Metrics     *metrics.Metrics
}

// Server is the HTTP control surface.
type Server struct {
	cfg     Config
	hub     *Hub
	logger  *slog.Logger
	limiter *ratelimit.KeyedLimiter

	httpServer *http.Server
	stopWatch  func()
}

// New creates an API server. Call Start to begin serving.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    NewHub(),
		logger: logging.WithComponent("api"),
	}
	if cfg.RateLimit.Enabled() {
		s.limiter = ratelimit.NewKeyedLimiter(cfg.RateLimit)
	}
	return s
}

// Router assembles the chi router with the full route set.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(requestLogger)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}

	if s.cfg.Token != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			s.addRoutes(r)
		})
	} else {
		s.addRoutes(r)
	}

	// WebSocket state stream and metrics are read-only and unauthenticated
	// on the loopback listener.
	r.Handle("/api/v1/ws", websocket.Handler(s.hub.ServeWS))
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return r
}

func (s *Server) addRoutes(r chi.Router) {
	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/version", s.handleVersion)
	r.Get("/api/v1/status", s.handleStatus)

	r.Route("/api/v1/route", func(r chi.Router) {
		r.Get("/{package}", s.handleRouteFor)
		r.Delete("/{package}", s.handleRouteRelease)
	})

	r.Route("/api/v1/tunnels", func(r chi.Router) {
		r.Get("/", s.handleListTunnels)
		r.Post("/", s.handleCreateTunnel)
		r.Get("/{id}", s.handleGetTunnel)
		r.Delete("/{id}", s.handleDeleteTunnel)
	})

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Put("/{package}", s.handleSetRule)
		r.Delete("/{package}", s.handleDeleteRule)
	})

	r.Post("/api/v1/autosetup", s.handleAutoSetup)
}

// Start begins serving and feeding tunnel transitions to the WebSocket hub.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}

	go s.hub.Run()
	if s.cfg.Lifecycle != nil {
		ch, cancel := s.cfg.Lifecycle.Watch()
		s.stopWatch = cancel
		go func() {
			for st := range ch {
				s.hub.Broadcast(EventTunnelState, st)
			}
		}()
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	s.hub.Stop()
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requestLogger puts a request-scoped logger into the context so handlers
// can attribute log lines to a request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWith(r.Context(), "request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RealIP middleware runs first, so RemoteAddr is the client.
		if !s.limiter.Allow(r.RemoteAddr) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token != s.cfg.Token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
