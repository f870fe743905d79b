// Package server exposes the relay over HTTP: the pairing and preset
// resources plus the WebSocket endpoint agents and controllers connect to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/roomrelay/internal/config"
	"github.com/markus-barta/roomrelay/internal/hub"
	"github.com/markus-barta/roomrelay/internal/lifecycle"
	"github.com/markus-barta/roomrelay/internal/pairing"
	"github.com/markus-barta/roomrelay/internal/store"
	"github.com/markus-barta/roomrelay/internal/telemetry"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
)

// Server is the relay HTTP server.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	log       zerolog.Logger
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics

	pairing  *pairing.Service
	registry *hub.Registry
	gateway  *hub.Gateway
	tracker  *lifecycle.Tracker

	claimLimiter *RateLimiter
	wsUpgrader   websocket.Upgrader
	router       *chi.Mux

	// baseCtx is handed to connections so they outlive the upgrade request.
	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
}

// New creates a relay server on top of an opened store.
func New(cfg *config.Config, st *store.Store, log zerolog.Logger, tel *telemetry.Provider) (*Server, error) {
	if tel == nil {
		tel = telemetry.Init(telemetry.Config{Enabled: false})
	}
	metrics, err := telemetry.NewMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	registry := hub.NewRegistry(log, metrics)
	gateway := hub.NewGateway(log, registry, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		store:        st,
		log:          log.With().Str("component", "server").Logger(),
		telemetry:    tel,
		metrics:      metrics,
		pairing:      pairing.NewService(log, st, pairing.NewBcryptVerifier(), cfg.TokenExpiresIn),
		registry:     registry,
		gateway:      gateway,
		tracker:      lifecycle.NewTracker(log, st, gateway, metrics),
		claimLimiter: NewRateLimiter(cfg.ClaimRateLimit, cfg.ClaimRateWindow),
		baseCtx:      ctx,
		cancel:       cancel,
	}
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/debug/metrics", s.handleMetrics)

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.With(s.requireAdminTOTP).Post("/", s.handleCreateRoom)

		r.Route("/{roomID}", func(r chi.Router) {
			r.Get("/", s.handleGetRoom)
			r.Post("/claim", s.handleClaim)

			r.Route("/presets", func(r chi.Router) {
				r.Post("/", s.handleCreatePreset)
				r.Get("/", s.handleListPresets)
				r.Post("/debug/broadcast", s.handleDebugBroadcast)
				r.Get("/{presetID}", s.handleGetPreset)
				r.Post("/{presetID}/run", s.handleRunPreset)
			})

			r.Get("/executions/{executionID}", s.handleGetExecution)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdminTOTP checks the X-Admin-TOTP header when an admin secret is configured.
func (s *Server) requireAdminTOTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.HasTOTP() {
			next.ServeHTTP(w, r)
			return
		}
		code := r.Header.Get("X-Admin-TOTP")
		if code == "" || !totp.Validate(code, s.cfg.AdminTOTPSecret) {
			s.log.Warn().Str("ip", clientIP(r)).Msg("room creation rejected: bad TOTP")
			writeError(w, http.StatusUnauthorized, "admin_code_required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows every origin unless allowed origins are configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (agents) send no Origin.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
	return false
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting relay server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close closes every live connection, waits until each has left its rooms,
// then waits for background broadcasts.
func (s *Server) Close() {
	s.cancel()
	s.conns.Wait()
	s.gateway.Wait()
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Gateway returns the broadcast gateway (for testing).
func (s *Server) Gateway() *hub.Gateway {
	return s.gateway
}
