// subscription.go — команды подписки: SUBSCRIBE, USUBSCRIBE, UNSUBSCRIBE,
// SUBSCRIPTION/RESUME, SUBSCRIBERS, BACKLOG, TRIGGER.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "github.com/arturkryukov/artsore/archive-node/internal/api/errors"
	"github.com/arturkryukov/artsore/archive-node/internal/api/middleware"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/subscription"
)

// Subscriptions — реестр подписчиков.
type Subscriptions interface {
	Subscribe(ctx context.Context, def subscription.Definition) (*model.Subscriber, int, error)
	Update(ctx context.Context, def subscription.Definition) (*model.Subscriber, int, error)
	Unsubscribe(ctx context.Context, subscrID, rawURL string) (*model.Subscriber, int, error)
	Resume(ctx context.Context, subscrID string) (int, error)
	List(ctx context.Context) ([]*model.Subscriber, error)
}

// BacklogReader — просмотр backlog.
type BacklogReader interface {
	List(subscrID string, limit, offset int) ([]*model.BacklogEntry, int)
	CountBySubscriber(subscrID string) (pending, failed int)
}

// Trigger запускает внеочередной цикл доставки.
type Trigger interface {
	Trigger()
}

// SubscriptionHandler — обработчик команд подписки.
type SubscriptionHandler struct {
	registry Subscriptions
	backlog  BacklogReader
	trigger  Trigger
	logger   *slog.Logger
}

// NewSubscriptionHandler создаёт обработчик.
func NewSubscriptionHandler(registry Subscriptions, bl BacklogReader, trigger Trigger, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		registry: registry,
		backlog:  bl,
		trigger:  trigger,
		logger:   logger.With(slog.String("component", "subscription_handler")),
	}
}

// subscribeResponse — ответ SUBSCRIBE/USUBSCRIBE/UNSUBSCRIBE.
type subscribeResponse struct {
	Status     string            `json:"status"`
	Subscriber *model.Subscriber `json:"subscriber"`
	// Backlog — добавлено (подписка) или удалено (отписка) записей
	Backlog int `json:"backlog"`
}

// definition собирает параметры подписки из запроса.
func definition(q *query) subscription.Definition {
	return subscription.Definition{
		SubscrID:          q.str("subscr_id"),
		URL:               q.str("url"),
		Priority:          q.optInt("priority"),
		StartDate:         q.optTime("start_date"),
		ConcurrentThreads: q.optInt("concurrent_threads"),
		FilterPlugIn:      q.optStr("filter_plug_in"),
		PlugInPars:        q.optStr("plug_in_pars"),
	}
}

// Subscribe обрабатывает POST /SUBSCRIBE.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	def := definition(q)
	if q.err != nil {
		apierrors.ValidationError(w, q.err.Error())
		return
	}

	sub, added, err := h.registry.Subscribe(r.Context(), def)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscribeResponse{Status: statusSuccess, Subscriber: sub, Backlog: added})
}

// UpdateSubscriber обрабатывает POST /USUBSCRIBE: меняет параметры
// существующего подписчика, незаданные поля сохраняются.
func (h *SubscriptionHandler) UpdateSubscriber(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	def := definition(q)
	if q.err != nil {
		apierrors.ValidationError(w, q.err.Error())
		return
	}
	if def.SubscrID == "" && def.URL == "" {
		apierrors.ValidationError(w, "Не указан subscr_id или url")
		return
	}

	sub, added, err := h.registry.Update(r.Context(), def)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscribeResponse{Status: statusSuccess, Subscriber: sub, Backlog: added})
}

// Unsubscribe обрабатывает POST /UNSUBSCRIBE.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	sub, removed, err := h.registry.Unsubscribe(r.Context(), q.str("subscr_id"), q.str("url"))
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscribeResponse{Status: statusSuccess, Subscriber: sub, Backlog: removed})
}

// Resume обрабатывает POST /SUBSCRIPTION/RESUME.
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	id := q.str("subscr_id")
	if id == "" {
		apierrors.ValidationError(w, "Не указан subscr_id")
		return
	}

	reset, err := h.registry.Resume(r.Context(), id)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       statusSuccess,
		"subscr_id":    id,
		"reset_failed": reset,
	})
}

// subscriberStatus — подписчик с состоянием его backlog.
type subscriberStatus struct {
	*model.Subscriber
	Pending int `json:"backlog_pending"`
	Failed  int `json:"backlog_failed"`
}

// ListSubscribers обрабатывает GET /SUBSCRIBERS.
func (h *SubscriptionHandler) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.List(r.Context())
	if err != nil {
		apierrors.FromError(w, err)
		return
	}

	out := make([]subscriberStatus, 0, len(subs))
	for _, s := range subs {
		pending, failed := h.backlog.CountBySubscriber(s.SubscrID)
		out = append(out, subscriberStatus{Subscriber: s, Pending: pending, Failed: failed})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscribers": out,
		"total":       len(out),
	})
}

// Backlog обрабатывает GET /BACKLOG. Без subscr_id — записи всех подписчиков.
func (h *SubscriptionHandler) Backlog(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	limit, offset := q.page()
	if q.err != nil {
		apierrors.ValidationError(w, q.err.Error())
		return
	}

	entries, total := h.backlog.List(q.str("subscr_id"), limit, offset)
	if entries == nil {
		entries = []*model.BacklogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Trigger обрабатывает POST /TRIGGER: цикл доставки запускается асинхронно.
func (h *SubscriptionHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.trigger.Trigger()
	h.logger.Debug("Запрошен внеочередной цикл доставки",
		slog.String("subject", middleware.SubjectFromContext(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": statusSuccess})
}
