// Пакет server — HTTP-сервер архивного узла с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arturkryukov/artsore/archive-node/internal/api/handlers"
	"github.com/arturkryukov/artsore/archive-node/internal/api/middleware"
	"github.com/arturkryukov/artsore/archive-node/internal/config"
)

// Server — HTTP-сервер архивного узла.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Options — обработчики и middleware команд.
type Options struct {
	API *handlers.APIHandler
	// Auth — проверка JWT; nil отключает аутентификацию команд
	Auth *middleware.JWTAuth
	// Validator — проверка параметров по OpenAPI; nil отключает проверку
	Validator *middleware.RequestValidator
}

// NewRouter собирает маршруты узла.
// /health/* и /metrics публичны; команды проходят аутентификацию
// (если она включена), проверку прав и валидацию параметров.
func NewRouter(logger *slog.Logger, opts Options) (http.Handler, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	opts.API.RegisterProbes(router)
	router.Handle("/metrics", promhttp.Handler())

	var regErr error
	router.Group(func(r chi.Router) {
		guard := handlers.NoGuard
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware())
			guard = middleware.RequireScope
		}
		if opts.Validator != nil {
			r.Use(opts.Validator.Middleware())
		}
		regErr = opts.API.RegisterCommands(r, guard)
	})
	if regErr != nil {
		return nil, regErr
	}
	return router, nil
}

// New готовит http.Server; прослушивание начинается в Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	router, err := NewRouter(logger, opts)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http")),
		cfg:        cfg,
	}, nil
}

func (s *Server) listen() error {
	if s.httpServer.TLSConfig != nil {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return s.httpServer.ListenAndServe()
}

// Run обслуживает запросы до SIGINT/SIGTERM или отмены ctx, затем
// прекращает приём соединений и ждёт текущие запросы не дольше
// AN_SHUTDOWN_TIMEOUT.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Узел принимает запросы",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.httpServer.TLSConfig != nil),
		)
		serveErr <- s.listen()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP-сервер: %w", err)
	case <-ctx.Done():
		s.logger.Info("Остановка HTTP-сервера", slog.String("reason", context.Cause(ctx).Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("завершение HTTP-сервера за %s: %w", s.cfg.ShutdownTimeout, err)
	}
	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
