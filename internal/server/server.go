// Пакет server — HTTP-серверы ClipSafe с graceful shutdown:
// API для чат-слоя и служебный сервер воркера (health, metrics).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/bigkaa/clipsafe/internal/api/handlers"
	"github.com/bigkaa/clipsafe/internal/api/middleware"
)

// APIRoutes — зависимости маршрутизатора API.
type APIRoutes struct {
	Health *handlers.HealthHandler
	API    *handlers.APIHandler
	// Auth — middleware, помещающий пользователя в контекст
	Auth func(http.Handler) http.Handler
	// Limiter может быть nil
	Limiter     *middleware.RateLimiter
	CORSOrigins []string
}

// NewAPIRouter собирает маршрутизатор API.
// Probe-эндпоинты и /metrics доступны без аутентификации.
func NewAPIRouter(routes APIRoutes, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	mountProbes(router, routes.Health)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(routes.Auth)
		if routes.Limiter != nil {
			r.Use(routes.Limiter.Middleware())
		}
		routes.API.Routes(r)
	})

	if len(routes.CORSOrigins) == 0 {
		return router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: routes.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.HeaderUserID},
	})
	return c.Handler(router)
}

// NewProbeRouter собирает служебный маршрутизатор воркера.
func NewProbeRouter(health *handlers.HealthHandler) http.Handler {
	router := chi.NewRouter()
	mountProbes(router, health)
	return router
}

func mountProbes(r chi.Router, health *handlers.HealthHandler) {
	r.Get("/health/live", health.HealthLive)
	r.Get("/health/ready", health.HealthReady)
	r.Get("/metrics", health.GetMetrics)
}

// Server — HTTP-сервер с остановкой по контексту.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// New создаёт сервер на порту port.
func New(port int, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Run запускает сервер и блокируется до отмены ctx или ошибки прослушивания.
// После отмены ctx выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
