// registry.go — реестр подписчиков: подписка, изменение, отписка
// и пополнение backlog при фиксации новых файлов.
package subscription

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/backlog"
)

var backlogAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "an_backlog_added_total",
	Help: "Количество записей, добавленных в backlog, по источнику",
}, []string{"source"})

// DefaultPriority — приоритет подписчика по умолчанию.
const DefaultPriority = 5

// listPageSize — размер страницы каталога при расчёте начального backlog.
const listPageSize = 500

// Definition — параметры подписки. Nil-поля при изменении
// существующего подписчика сохраняют прежние значения.
type Definition struct {
	SubscrID          string
	URL               string
	Priority          *int
	StartDate         *time.Time
	ConcurrentThreads *int
	FilterPlugIn      *string
	PlugInPars        *string
}

// boundFilter — фильтр, построенный для конкретных параметров подписчика.
type boundFilter struct {
	name   string
	pars   string
	filter Filter
}

// Registry — реестр подписчиков.
type Registry struct {
	subs     repository.SubscriberCatalog
	files    repository.FileCatalog
	backlog  *backlog.Store
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger

	// mu: запись — подписка и отписка, чтение — изменения backlog,
	// чтобы после отписки не появлялось новых записей
	mu sync.RWMutex

	filtersMu sync.Mutex
	filters   map[string]boundFilter

	changeMu sync.Mutex
	onChange func()

	// Сверка backlog с каталогом: полная до первого успешного прохода
	// и для подписчиков, чья запись backlog не удалась
	catchMu   sync.Mutex
	fullDone  bool
	needsFull map[string]bool
}

// NewRegistry создаёт реестр подписчиков.
func NewRegistry(
	subs repository.SubscriberCatalog,
	files repository.FileCatalog,
	bl *backlog.Store,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Registry {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Registry{
		subs:      subs,
		files:     files,
		backlog:   bl,
		notifier:  notifier,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "subscriptions")),
		filters:   make(map[string]boundFilter),
		needsFull: make(map[string]bool),
	}
}

// OnChange задаёт функцию, вызываемую при появлении работы для доставки.
func (r *Registry) OnChange(fn func()) {
	r.changeMu.Lock()
	defer r.changeMu.Unlock()
	r.onChange = fn
}

func (r *Registry) changed() {
	r.changeMu.Lock()
	fn := r.onChange
	r.changeMu.Unlock()
	if fn != nil {
		fn()
	}
}

// SubscriberID возвращает идентификатор подписчика по умолчанию — hex SHA-1 URL.
func SubscriberID(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Subscribe создаёт подписчика или обновляет существующего с тем же
// subscr_id и заносит в backlog уже принятые файлы, положенные ему.
// Возвращает подписчика и количество добавленных записей backlog.
func (r *Registry) Subscribe(ctx context.Context, def Definition) (*model.Subscriber, int, error) {
	sub := &model.Subscriber{
		SubscrID:          def.SubscrID,
		URL:               def.URL,
		Priority:          DefaultPriority,
		ConcurrentThreads: 1,
		StartDate:         r.now().UTC(),
		FilterPlugIn:      DefaultFilter,
	}
	if sub.SubscrID == "" {
		sub.SubscrID = SubscriberID(def.URL)
	}
	applyDefinition(sub, def)
	return r.save(ctx, sub)
}

// Update изменяет существующего подписчика. Незаданные поля сохраняются.
func (r *Registry) Update(ctx context.Context, def Definition) (*model.Subscriber, int, error) {
	id := def.SubscrID
	if id == "" && def.URL != "" {
		id = SubscriberID(def.URL)
	}
	cur, err := r.subs.Get(ctx, id)
	if err != nil {
		return nil, 0, notFoundOr(err, id)
	}
	if def.URL == "" {
		def.URL = cur.URL
	}
	cur.URL = def.URL
	applyDefinition(cur, def)
	return r.save(ctx, cur)
}

func applyDefinition(sub *model.Subscriber, def Definition) {
	if def.Priority != nil {
		sub.Priority = *def.Priority
	}
	if def.ConcurrentThreads != nil {
		sub.ConcurrentThreads = *def.ConcurrentThreads
	}
	if def.StartDate != nil {
		sub.StartDate = def.StartDate.UTC()
	}
	if def.FilterPlugIn != nil {
		sub.FilterPlugIn = *def.FilterPlugIn
		if sub.FilterPlugIn == "" {
			sub.FilterPlugIn = DefaultFilter
		}
	}
	if def.PlugInPars != nil {
		sub.PlugInPars = *def.PlugInPars
	}
}

// save проверяет и сохраняет подписчика, затем пополняет backlog.
func (r *Registry) save(ctx context.Context, sub *model.Subscriber) (*model.Subscriber, int, error) {
	if err := validate(sub); err != nil {
		return nil, 0, err
	}
	f, err := NewFilter(sub.FilterPlugIn, sub.PlugInPars)
	if err != nil {
		return nil, 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	created, err := r.subs.Upsert(ctx, sub)
	if errors.Is(err, repository.ErrConflict) {
		return nil, 0, model.E(model.KindSubscriptionValidation, "subscription.subscribe",
			"URL уже используется другим подписчиком", err).With("url", sub.URL)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка сохранения подписчика %s: %w", sub.SubscrID, err)
	}
	r.bindFilter(sub, f)

	added, err := r.fillBacklog(ctx, sub, f, sub.StartDate)
	backlogAddedTotal.WithLabelValues("subscribe").Add(float64(added))
	if err != nil {
		r.markNeedsFull(sub.SubscrID)
		return nil, added, err
	}

	r.logger.Info("Подписчик сохранён",
		slog.String("subscr_id", sub.SubscrID),
		slog.String("url", sub.URL),
		slog.Bool("created", created),
		slog.Int("priority", sub.Priority),
		slog.Int("concurrent_threads", sub.ConcurrentThreads),
		slog.Time("start_date", sub.StartDate),
		slog.String("filter", sub.FilterPlugIn),
		slog.Int("backlog_added", added),
	)
	r.changed()
	return sub, added, nil
}

// validate проверяет определение подписчика.
func validate(sub *model.Subscriber) error {
	u, err := url.Parse(sub.URL)
	if sub.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.E(model.KindSubscriptionValidation, "subscription.subscribe",
			fmt.Sprintf("некорректный url %q: ожидается http(s)://host/...", sub.URL), err)
	}
	if sub.ConcurrentThreads < 1 {
		return model.E(model.KindSubscriptionValidation, "subscription.subscribe",
			"concurrent_threads должен быть >= 1", nil)
	}
	if sub.Priority < 0 {
		return model.E(model.KindSubscriptionValidation, "subscription.subscribe",
			"priority не может быть отрицательным", nil)
	}
	if len(sub.SubscrID) > 255 {
		return model.E(model.KindSubscriptionValidation, "subscription.subscribe",
			"subscr_id длиннее 255 символов", nil)
	}
	return nil
}

// fillBacklog заносит в backlog принятые файлы с ingestion_date >= from,
// прошедшие фильтр и ещё не доставленные. Вызывается под r.mu (запись).
func (r *Registry) fillBacklog(ctx context.Context, sub *model.Subscriber, f Filter, from time.Time) (int, error) {
	filter := repository.FileFilter{IngestedFrom: &from}
	added := 0

	for offset := 0; ; offset += listPageSize {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		page, err := r.files.List(ctx, filter, listPageSize, offset)
		if err != nil {
			return added, fmt.Errorf("ошибка чтения каталога: %w", err)
		}
		for _, rec := range page {
			ok, err := r.enqueue(ctx, sub, f, rec)
			if err != nil {
				return added, err
			}
			if ok {
				added++
			}
		}
		if len(page) < listPageSize {
			break
		}
	}
	return added, nil
}

// enqueue добавляет файл в backlog подписчика, если он положен подписчику
// и ещё не доставлен. Возвращает true, если запись добавлена.
func (r *Registry) enqueue(ctx context.Context, sub *model.Subscriber, f Filter, rec *model.FileRecord) (bool, error) {
	if rec.Discarded || rec.IsReplica || rec.IngestionDate.Before(sub.StartDate) || !f.Match(rec) {
		return false, nil
	}
	e := newEntry(sub.SubscrID, rec)
	if r.backlog.Has(e.BacklogKey) {
		return false, nil
	}
	delivered, err := r.subs.IsDelivered(ctx, sub.SubscrID, rec.Key())
	if err != nil {
		return false, fmt.Errorf("ошибка чтения отметок доставки: %w", err)
	}
	if delivered {
		return false, nil
	}
	return r.backlog.Add(e)
}

// CatchUp сверяет backlog с каталогом и добавляет файлы, которые положены
// подписчикам, но не доставлены и отсутствуют в backlog (уведомление о
// фиксации потеряно при сбое или запись backlog не удалась). Первый
// проход и проход для подписчика с неудачной записью просматривают
// каталог от start_date, остальные — от курсора доставки.
func (r *Registry) CatchUp(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, err := r.subs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения подписчиков: %w", err)
	}

	r.catchMu.Lock()
	full := !r.fullDone
	r.catchMu.Unlock()

	total := 0
	var errs []error
	for _, sub := range subs {
		f, err := r.FilterFor(sub)
		if err != nil {
			continue
		}
		from := sub.StartDate
		r.catchMu.Lock()
		subFull := full || r.needsFull[sub.SubscrID]
		r.catchMu.Unlock()
		if !subFull && sub.LastDeliveredAt != nil && sub.LastDeliveredAt.After(from) {
			from = *sub.LastDeliveredAt
		}

		added, err := r.fillBacklog(ctx, sub, f, from)
		total += added
		if err != nil {
			errs = append(errs, fmt.Errorf("подписчик %s: %w", sub.SubscrID, err))
			r.markNeedsFull(sub.SubscrID)
			continue
		}
		if subFull {
			r.catchMu.Lock()
			delete(r.needsFull, sub.SubscrID)
			r.catchMu.Unlock()
		}
		if added > 0 {
			r.logger.Warn("Backlog пополнен сверкой с каталогом",
				slog.String("subscr_id", sub.SubscrID),
				slog.Int("added", added),
				slog.Bool("full", subFull),
			)
		}
	}
	if len(errs) > 0 {
		return total, errors.Join(errs...)
	}

	r.catchMu.Lock()
	r.fullDone = true
	r.catchMu.Unlock()

	if total > 0 {
		backlogAddedTotal.WithLabelValues("catchup").Add(float64(total))
		r.changed()
	}
	return total, nil
}

func (r *Registry) markNeedsFull(subscrID string) {
	r.catchMu.Lock()
	defer r.catchMu.Unlock()
	r.needsFull[subscrID] = true
}

func newEntry(subscrID string, rec *model.FileRecord) *model.BacklogEntry {
	return &model.BacklogEntry{
		BacklogKey: model.BacklogKey{
			SubscrID:    subscrID,
			FileID:      rec.FileID,
			FileVersion: rec.FileVersion,
		},
		IngestionDate: rec.IngestionDate,
		State:         model.BacklogPending,
	}
}

// Unsubscribe удаляет подписчика (по subscrID или URL) и весь его backlog.
// Передачи, уже идущие, завершаются; новые не начинаются.
// Возвращает удалённого подписчика и число удалённых записей backlog.
func (r *Registry) Unsubscribe(ctx context.Context, subscrID, rawURL string) (*model.Subscriber, int, error) {
	var (
		sub *model.Subscriber
		err error
	)
	switch {
	case subscrID != "":
		sub, err = r.subs.Get(ctx, subscrID)
	case rawURL != "":
		sub, err = r.subs.GetByURL(ctx, rawURL)
	default:
		return nil, 0, model.E(model.KindSubscriptionValidation, "subscription.unsubscribe",
			"не указан subscr_id или url", nil)
	}
	if err != nil {
		return nil, 0, notFoundOr(err, subscrID+rawURL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.subs.Delete(ctx, sub.SubscrID); err != nil {
		return nil, 0, notFoundOr(err, sub.SubscrID)
	}
	removed, err := r.backlog.RemoveSubscriber(sub.SubscrID)
	if err != nil {
		return sub, removed, fmt.Errorf("ошибка очистки backlog %s: %w", sub.SubscrID, err)
	}

	r.filtersMu.Lock()
	delete(r.filters, sub.SubscrID)
	r.filtersMu.Unlock()

	r.logger.Info("Подписчик удалён",
		slog.String("subscr_id", sub.SubscrID),
		slog.String("url", sub.URL),
		slog.Int("backlog_removed", removed),
	)
	return sub, removed, nil
}

// Resume снимает приостановку и возвращает failed-записи в очередь.
func (r *Registry) Resume(ctx context.Context, subscrID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.subs.SetSuspended(ctx, subscrID, false, ""); err != nil {
		return 0, notFoundOr(err, subscrID)
	}
	n, err := r.backlog.ResetFailed(subscrID)
	if err != nil {
		return n, err
	}
	r.logger.Info("Доставка подписчику возобновлена",
		slog.String("subscr_id", subscrID),
		slog.Int("reset_failed", n),
	)
	r.changed()
	return n, nil
}

// Suspend приостанавливает доставку подписчику и уведомляет оператора.
func (r *Registry) Suspend(ctx context.Context, subscrID, reason string) error {
	if err := r.subs.SetSuspended(ctx, subscrID, true, reason); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	r.logger.Warn("Доставка подписчику приостановлена",
		slog.String("subscr_id", subscrID),
		slog.String("reason", reason),
	)
	r.notifier.Notify(ctx, notify.Event{
		Level:   notify.LevelAlarm,
		Key:     "subscriber_suspended:" + subscrID,
		Subject: "Подписчик приостановлен",
		Message: "Постоянная ошибка доставки, требуется исправление и RESUME",
		Fields: map[string]string{
			"subscr_id": subscrID,
			"reason":    reason,
		},
	})
	return nil
}

// Get возвращает подписчика.
func (r *Registry) Get(ctx context.Context, subscrID string) (*model.Subscriber, error) {
	sub, err := r.subs.Get(ctx, subscrID)
	if err != nil {
		return nil, notFoundOr(err, subscrID)
	}
	return sub, nil
}

// List возвращает подписчиков по возрастанию приоритета.
func (r *Registry) List(ctx context.Context) ([]*model.Subscriber, error) {
	return r.subs.List(ctx)
}

// FilterFor возвращает фильтр подписчика, построенный по его текущим параметрам.
func (r *Registry) FilterFor(sub *model.Subscriber) (Filter, error) {
	r.filtersMu.Lock()
	bf, ok := r.filters[sub.SubscrID]
	r.filtersMu.Unlock()
	if ok && bf.name == sub.FilterPlugIn && bf.pars == sub.PlugInPars {
		return bf.filter, nil
	}
	f, err := NewFilter(sub.FilterPlugIn, sub.PlugInPars)
	if err != nil {
		return nil, err
	}
	r.bindFilter(sub, f)
	return f, nil
}

func (r *Registry) bindFilter(sub *model.Subscriber, f Filter) {
	r.filtersMu.Lock()
	defer r.filtersMu.Unlock()
	r.filters[sub.SubscrID] = boundFilter{name: sub.FilterPlugIn, pars: sub.PlugInPars, filter: f}
}

// OnFileCommitted заносит новый файл в backlog всех подписчиков,
// которым он положен. Вызывается менеджером фиксации после MAIN_COMMITTED
// (в том числе повторно после сбоя) и при снятии пометки discarded.
// Подписчик, для которого запись не удалась, получит файл при следующей
// сверке CatchUp.
func (r *Registry) OnFileCommitted(ctx context.Context, rec *model.FileRecord) {
	r.mu.RLock()
	added := 0
	subs, err := r.subs.List(ctx)
	if err != nil {
		r.catchMu.Lock()
		r.fullDone = false
		r.catchMu.Unlock()
		r.mu.RUnlock()
		r.logger.Error("Ошибка чтения подписчиков, файл добавит сверка",
			slog.String("file_id", rec.FileID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, sub := range subs {
		f, err := r.FilterFor(sub)
		if err != nil {
			r.logger.Warn("Фильтр подписчика не построен",
				slog.String("subscr_id", sub.SubscrID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ok, err := r.enqueue(ctx, sub, f, rec)
		if err != nil {
			r.logger.Error("Ошибка записи backlog, файл добавит сверка",
				slog.String("subscr_id", sub.SubscrID),
				slog.String("file_id", rec.FileID),
				slog.String("error", err.Error()),
			)
			r.markNeedsFull(sub.SubscrID)
			continue
		}
		if ok {
			added++
		}
	}
	r.mu.RUnlock()

	if added > 0 {
		backlogAddedTotal.WithLabelValues("commit").Add(float64(added))
		r.changed()
	}
}

// MarkDelivered удаляет запись из backlog и отмечает доставку в каталоге.
// Курсор подписчика сдвигается, если раньше записи в backlog ничего не осталось.
func (r *Registry) MarkDelivered(ctx context.Context, e *model.BacklogEntry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.backlog.Remove(e.BacklogKey); err != nil {
		return err
	}
	var advanceTo *time.Time
	if next := r.backlog.Oldest(e.SubscrID); next == nil || !next.IngestionDate.Before(e.IngestionDate) {
		t := e.IngestionDate
		advanceTo = &t
	}
	err := r.subs.RecordDelivery(ctx, e.SubscrID, e.FileKey(), r.now().UTC(), advanceTo)
	if errors.Is(err, repository.ErrNotFound) {
		// Отписан во время передачи
		return nil
	}
	return err
}

// MarkFailed сохраняет неудачную попытку. Запись, удалённую отпиской,
// не восстанавливает.
func (r *Registry) MarkFailed(e *model.BacklogEntry, errMsg string, next time.Time, failed bool) (*model.BacklogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	upd, err := r.backlog.RecordFailure(e.BacklogKey, errMsg, next, failed)
	if errors.Is(err, backlog.ErrNotFound) {
		return nil, nil
	}
	return upd, err
}

// Prune удаляет запись, которая больше не подлежит доставке.
func (r *Registry) Prune(key model.BacklogKey) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backlog.Remove(key)
}

func notFoundOr(err error, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return model.E(model.KindNotFound, "subscription", "подписчик не найден", err).
			With("subscr_id", id)
	}
	return err
}
