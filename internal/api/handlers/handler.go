// handler.go — APIHandler собирает доменные handlers и регистрирует
// команды узла в роутере по группам прав доступа.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/arturkryukov/artsore/archive-node/internal/api/middleware"
)

// Guard возвращает middleware проверки прав для набора scopes.
type Guard func(scopes ...string) func(http.Handler) http.Handler

// NoGuard пропускает все запросы (аутентификация отключена).
func NoGuard(...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

// APIHandler — все команды узла.
type APIHandler struct {
	Archive       *ArchiveHandler
	Subscriptions *SubscriptionHandler
	Maintenance   *MaintenanceHandler
	System        *SystemHandler
	Health        *HealthHandler
}

// RegisterCommands регистрирует команды в r. JSON-ответы GET-команд сжимаются gzip.
func (h *APIHandler) RegisterCommands(r chi.Router, guard Guard) error {
	if guard == nil {
		guard = NoGuard
	}
	gz, err := gzhttp.NewWrapper(
		gzhttp.MinSize(1024),
		gzhttp.ContentTypes([]string{"application/json"}),
	)
	if err != nil {
		return fmt.Errorf("ошибка настройки gzip: %w", err)
	}
	compress := func(next http.Handler) http.Handler { return gz(next) }

	// Приём и выдача файлов
	r.Group(func(r chi.Router) {
		r.Use(guard(middleware.ScopeArchive))
		r.Post("/ARCHIVE", h.Archive.Archive)
		r.Put("/QARCHIVE", h.Archive.Archive)
		r.Get("/RETRIEVE", h.Archive.Retrieve)
		r.Post("/DISCARD", h.Archive.Discard)
		r.With(compress).Get("/FILELIST", h.Archive.FileList)
	})

	// Подписки
	r.Group(func(r chi.Router) {
		r.Use(guard(middleware.ScopeSubscriptions))
		r.Post("/SUBSCRIBE", h.Subscriptions.Subscribe)
		r.Post("/USUBSCRIBE", h.Subscriptions.UpdateSubscriber)
		r.Post("/UNSUBSCRIBE", h.Subscriptions.Unsubscribe)
		r.Post("/SUBSCRIPTION/RESUME", h.Subscriptions.Resume)
		r.With(compress).Get("/SUBSCRIBERS", h.Subscriptions.ListSubscribers)
		r.With(compress).Get("/BACKLOG", h.Subscriptions.Backlog)
		r.Post("/TRIGGER", h.Subscriptions.Trigger)
	})

	// Обслуживание и состояние
	r.Group(func(r chi.Router) {
		r.Use(guard(middleware.ScopeAdmin))
		r.Post("/RECONCILE", h.Maintenance.Reconcile)
		r.With(compress).Get("/STATUS", h.System.GetStatus)
	})

	return nil
}

// RegisterProbes регистрирует health endpoints (без аутентификации).
func (h *APIHandler) RegisterProbes(r chi.Router) {
	r.Get("/health/live", h.Health.HealthLive)
	r.Get("/health/ready", h.Health.HealthReady)
}
