package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/washline/apiserver/config"
	"github.com/washline/apiserver/internal/audit"
	"github.com/washline/apiserver/internal/auth"
	"github.com/washline/apiserver/internal/db"
	"github.com/washline/apiserver/internal/handlers"
	"github.com/washline/apiserver/internal/logging"
	"github.com/washline/apiserver/internal/services"
	"github.com/washline/apiserver/internal/store"
	"go.uber.org/zap"
)

// Dependencies are the collaborators the router is assembled from.
type Dependencies struct {
	DB      handlers.Pinger
	Users   services.UserRepository
	Codec   *auth.Codec
	Cookies auth.Cookies
	Events  services.EventRecorder
	Logger  *zap.Logger

	// TrustProxy lets X-Forwarded-For and X-Real-IP replace the peer
	// address. Only set it behind a proxy that overwrites those headers.
	TrustProxy bool
}

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	db         *sql.DB
	bus        audit.Bus
	logger     *zap.Logger
}

// New constructs a Server from cfg. It fails when the configuration is not
// safe to serve with.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	secret, fallback := cfg.SigningSecret()
	if fallback {
		logger.Warn("JWT_SECRET is not set; using the development signing secret")
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	bus, err := audit.NewBus(ctx, cfg)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("connect events backend: %w", err)
	}
	recorder := audit.NewRecorder(logger.Named("audit"), bus, cfg.Events.Channel)

	router := NewRouter(Dependencies{
		DB:      dbConn,
		Users:   store.NewUserRepository(dbConn),
		Codec:   auth.NewCodec(secret),
		Cookies: auth.Cookies{Secure: !cfg.IsDevelopment()},
		Events:  recorder,
		Logger:  logger,

		TrustProxy: cfg.TrustProxy,
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		db:         dbConn,
		bus:        bus,
		logger:     logger,
	}, nil
}

// NewRouter assembles the middleware stack and every route. The gatekeeper
// sits in front of all of them.
func NewRouter(deps Dependencies) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gatekeeper := auth.NewGatekeeper(deps.Codec, deps.Cookies, logger.Named("gatekeeper"))
	guard := auth.NewGuard(deps.Codec, deps.Users, deps.Events, logger.Named("guard"))
	authService := services.NewAuthService(deps.Users, deps.Codec, deps.Events, logger.Named("auth"))
	authHandler := handlers.NewAuthHandler(authService, guard, deps.Codec, deps.Cookies, deps.Events, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if deps.TrustProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(
		logging.RequestLogger(logger.Named("http")),
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
		gatekeeper.Middleware,
	)

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.Health(deps.DB, logger))
		r.Route("/auth", func(r chi.Router) {
			handlers.AuthRouter(r, authHandler)
		})
		handlers.DashboardRouter(r, guard)
	})
	handlers.PageRouter(router)

	return router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the events bus and the
// database.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.bus != nil {
		if cerr := s.bus.Close(); cerr != nil {
			s.logger.Warn("close events backend", zap.Error(cerr))
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
