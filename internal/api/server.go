package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/admingate/internal/auth"
	"github.com/org/admingate/internal/gateway"
	"github.com/org/admingate/internal/policy"
	"github.com/org/admingate/internal/storage"
	"github.com/org/admingate/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr        string
	TLSCertFile       string
	TLSKeyFile        string
	UpstreamURL       string
	PropagateIdentity bool
	RateLimitRPS      float64
	RateLimitBurst    int
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	Record(ctx context.Context, d *models.Decision)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	tokens   *auth.TokenService
	routes   *policy.Table
	auditor  AuditLogger
	gate     *gateway.Pipeline
	upstream http.Handler
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(tokens *auth.TokenService, routes *policy.Table, auditor AuditLogger, cfg Config) (*Server, error) {
	upstream, err := newUpstream(cfg.UpstreamURL)
	if err != nil {
		return nil, err
	}
	s := &Server{
		tokens:   tokens,
		routes:   routes,
		auditor:  auditor,
		upstream: upstream,
		cfg:      cfg,
	}
	s.gate = gateway.New(routes, tokens, auditor, gateway.Options{
		PropagateIdentity: cfg.PropagateIdentity,
		RequestID:         func(r *http.Request) string { return requestIDFromCtx(r.Context()) },
		Observe:           observeDecision,
	})
	return s, nil
}

// BuildRouter wires up all routes and returns a chi router. Everything
// except /healthz and /metrics passes through the authorization pipeline.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	}

	// Unauthenticated
	r.Handle("/metrics", MetricsHandler())
	r.Get("/healthz", s.HealthHandler)

	gated := s.gate.Middleware(s.apiRouter())
	r.NotFound(gated.ServeHTTP)
	r.MethodNotAllowed(gated.ServeHTTP)

	return r
}

// apiRouter serves the endpoints implemented by the gateway itself and
// forwards everything else to the business upstream.
func (s *Server) apiRouter() http.Handler {
	r := chi.NewRouter()

	// Token administration
	r.Post("/api/v1/tokens", s.TokenCreateHandler)
	r.Get("/api/v1/tokens", s.TokenListHandler)
	r.Get("/api/v1/tokens/{id}", s.TokenGetHandler)
	r.Post("/api/v1/tokens/{id}/revoke", s.TokenRevokeHandler)

	// Audit
	r.Get("/api/v1/audit-log", s.AuditLogHandler)

	r.NotFound(s.upstream.ServeHTTP)
	r.MethodNotAllowed(s.upstream.ServeHTTP)
	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()
	s.refreshTokenGauge(context.Background())

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func newUpstream(raw string) (http.Handler, error) {
	if raw == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusBadGateway, "no upstream configured")
		}), nil
	}
	target, err := url.Parse(raw)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", raw)
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}, nil
}
