// scheduler.go — планировщик доставки.
//
// Цикл запускается по тикеру (AN_SUBSCR_CYCLE_INTERVAL) и по запросу
// (Trigger: новый файл, новая подписка, RESUME, POST /TRIGGER, старт узла).
// Решение о том, что отправлять, принимается в одной горутине цикла;
// передачи идут параллельно, не более concurrent_threads на подписчика.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/cache"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/service"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/backlog"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_deliveries_total",
		Help: "Количество передач подписчикам по результату",
	}, []string{"result"})

	deliveriesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "an_deliveries_in_flight",
		Help: "Количество передач, выполняющихся сейчас",
	})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "an_delivery_duration_seconds",
		Help:    "Длительность одной передачи",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	deliveryCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_delivery_cycles_total",
		Help: "Количество циклов планировщика доставки",
	})
)

// Sender передаёт файл подписчику.
type Sender interface {
	Send(ctx context.Context, target string, rec *model.FileRecord, body io.Reader) error
}

// Opener открывает зафиксированный файл для чтения.
type Opener interface {
	Open(ctx context.Context, fileID string, version int) (*service.Retrieved, error)
}

// RetryPolicy — задержки повторов: экспоненциальный рост от Initial
// с удвоением, не больше Max. GiveUp > 0 — число неудачных попыток,
// после которого запись переводится в failed.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
	GiveUp  int
}

// maxBackoffSteps ограничивает число шагов при расчёте задержки.
const maxBackoffSteps = 64

// Delay возвращает задержку после attempt-й неудачной попытки (attempt >= 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := p.Initial
	for i := 0; i < min(max(attempt, 1), maxBackoffSteps); i++ {
		d = b.NextBackOff()
	}
	return min(d, p.Max)
}

// Exhausted сообщает, исчерпан ли лимит попыток.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.GiveUp > 0 && attempts >= p.GiveUp
}

// SchedulerConfig — параметры планировщика.
type SchedulerConfig struct {
	// Interval — период цикла
	Interval time.Duration
	// CatchUpInterval — период сверки backlog с каталогом (Registry.CatchUp);
	// первая сверка выполняется в первом цикле
	CatchUpInterval time.Duration
	Retry           RetryPolicy
}

// CycleResult — итог одного цикла.
type CycleResult struct {
	Subscribers int `json:"subscribers"`
	Dispatched  int `json:"dispatched"`
	Pruned      int `json:"pruned"`
	CaughtUp    int `json:"caught_up"`
}

// Scheduler — планировщик доставки.
type Scheduler struct {
	registry *Registry
	backlog  *backlog.Store
	files    *cache.FileCache
	opener   Opener
	sender   Sender
	notifier notify.Notifier
	cfg      SchedulerConfig
	now      func() time.Time
	logger   *slog.Logger

	trigger chan struct{}

	mu sync.Mutex
	// active — идущие передачи по подписчикам; новая передача запускается,
	// только пока active < concurrent_threads
	active      map[string]int
	inFlight    map[model.BacklogKey]bool
	running     bool
	lastCatchUp time.Time

	cancel  context.CancelFunc
	loop    sync.WaitGroup
	workers sync.WaitGroup
}

// NewScheduler создаёт планировщик и подписывает его на изменения реестра.
func NewScheduler(
	registry *Registry,
	bl *backlog.Store,
	files *cache.FileCache,
	opener Opener,
	sender Sender,
	notifier notify.Notifier,
	cfg SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CatchUpInterval <= 0 {
		cfg.CatchUpInterval = 10 * time.Minute
	}
	s := &Scheduler{
		registry: registry,
		backlog:  bl,
		files:    files,
		opener:   opener,
		sender:   sender,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "scheduler")),
		trigger:  make(chan struct{}, 1),
		active:   make(map[string]int),
		inFlight: make(map[model.BacklogKey]bool),
	}
	registry.OnChange(s.Trigger)
	return s
}

// Start запускает цикл доставки. Первый цикл выполняется сразу.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loop.Add(1)
	go s.run(ctx)
	s.Trigger()

	s.logger.Info("Планировщик доставки запущен",
		slog.String("interval", s.cfg.Interval.String()),
	)
}

// Stop останавливает цикл и ждёт завершения идущих передач.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.loop.Wait()
	s.workers.Wait()
	s.logger.Info("Планировщик доставки остановлен")
}

// Trigger запрашивает внеочередной цикл. Не блокируется.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Wait ждёт завершения всех запущенных передач.
func (s *Scheduler) Wait() {
	s.workers.Wait()
}

// InFlight возвращает число идущих передач.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.RunOnce(ctx)
	}
}

// RunOnce выполняет один цикл: для каждого активного подписчика
// (по возрастанию приоритета) отбирает записи backlog, срок которых
// наступил, и запускает передачи в пределах concurrent_threads.
// Передачи продолжаются после возврата; Wait дожидается их.
func (s *Scheduler) RunOnce(ctx context.Context) CycleResult {
	var res CycleResult

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return res
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	deliveryCyclesTotal.Inc()
	res.CaughtUp = s.catchUp(ctx)

	subs, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("Ошибка чтения подписчиков", slog.String("error", err.Error()))
		return res
	}

	// Передачи не прерываются остановкой цикла, их ограничивает таймаут клиента
	workCtx := context.WithoutCancel(ctx)

	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		if sub.Suspended {
			continue
		}
		res.Subscribers++
		dispatched, pruned := s.dispatch(ctx, workCtx, sub)
		res.Dispatched += dispatched
		res.Pruned += pruned
	}

	if res.Dispatched > 0 || res.Pruned > 0 || res.CaughtUp > 0 {
		s.logger.Debug("Цикл доставки",
			slog.Int("subscribers", res.Subscribers),
			slog.Int("dispatched", res.Dispatched),
			slog.Int("pruned", res.Pruned),
			slog.Int("caught_up", res.CaughtUp),
		)
	}
	return res
}

// catchUp выполняет сверку backlog с каталогом, если подошёл её срок.
func (s *Scheduler) catchUp(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	due := s.lastCatchUp.IsZero() || now.Sub(s.lastCatchUp) >= s.cfg.CatchUpInterval
	if due {
		s.lastCatchUp = now
	}
	s.mu.Unlock()
	if !due {
		return 0
	}

	added, err := s.registry.CatchUp(ctx)
	if err != nil {
		s.logger.Error("Сверка backlog с каталогом не завершена",
			slog.Int("added", added),
			slog.String("error", err.Error()),
		)
	}
	return added
}

// dispatch запускает передачи одному подписчику.
func (s *Scheduler) dispatch(ctx, workCtx context.Context, sub *model.Subscriber) (dispatched, pruned int) {
	candidates := s.backlog.Candidates(sub.SubscrID, s.now())
	if len(candidates) == 0 {
		return 0, 0
	}
	f, err := s.registry.FilterFor(sub)
	if err != nil {
		s.logger.Warn("Фильтр подписчика не построен",
			slog.String("subscr_id", sub.SubscrID),
			slog.String("error", err.Error()),
		)
		return 0, 0
	}
	for _, e := range candidates {
		if ctx.Err() != nil {
			return dispatched, pruned
		}
		if s.isInFlight(e.BacklogKey) {
			continue
		}

		rec, err := s.files.Load(ctx, e.FileKey())
		switch {
		case errors.Is(err, repository.ErrNotFound):
			s.prune(e, "файл отсутствует в каталоге")
			pruned++
			continue
		case err != nil:
			s.logger.Warn("Ошибка чтения файла из каталога",
				slog.String("file", e.FileKey().String()),
				slog.String("error", err.Error()),
			)
			continue
		case rec.Discarded:
			s.prune(e, "файл помечен discarded")
			pruned++
			continue
		case !f.Match(rec):
			s.prune(e, "файл не проходит фильтр "+sub.FilterPlugIn)
			pruned++
			continue
		}

		s.mu.Lock()
		if s.active[sub.SubscrID] >= sub.ConcurrentThreads {
			// Все потоки подписчика заняты
			s.mu.Unlock()
			return dispatched, pruned
		}
		s.active[sub.SubscrID]++
		s.inFlight[e.BacklogKey] = true
		s.mu.Unlock()
		deliveriesInFlight.Inc()
		s.workers.Add(1)
		dispatched++

		go s.deliver(workCtx, sub, e, rec)
	}
	return dispatched, pruned
}

func (s *Scheduler) isInFlight(key model.BacklogKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[key]
}

func (s *Scheduler) prune(e *model.BacklogEntry, reason string) {
	if err := s.registry.Prune(e.BacklogKey); err != nil {
		s.logger.Warn("Не удалось удалить запись backlog",
			slog.String("key", e.BacklogKey.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	deliveriesTotal.WithLabelValues("pruned").Inc()
	s.logger.Info("Запись backlog снята",
		slog.String("key", e.BacklogKey.String()),
		slog.String("reason", reason),
	)
}

// deliver выполняет одну передачу и записывает её итог.
func (s *Scheduler) deliver(ctx context.Context, sub *model.Subscriber, e *model.BacklogEntry, rec *model.FileRecord) {
	delivered := false
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, e.BacklogKey)
		if s.active[sub.SubscrID]--; s.active[sub.SubscrID] <= 0 {
			delete(s.active, sub.SubscrID)
		}
		s.mu.Unlock()
		deliveriesInFlight.Dec()
		// Поток освободился: следующий файл подписчика можно отправлять сразу
		if delivered {
			s.Trigger()
		}
		s.workers.Done()
	}()

	// Отписка между решением и запуском
	if !s.backlog.Has(e.BacklogKey) {
		return
	}

	log := s.logger.With(
		slog.String("subscr_id", sub.SubscrID),
		slog.String("file_id", e.FileID),
		slog.Int("file_version", e.FileVersion),
	)

	start := time.Now()
	err := s.transfer(ctx, sub, rec)
	deliveryDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		if err := s.registry.MarkDelivered(ctx, e); err != nil {
			log.Error("Файл доставлен, но отметка не сохранена", slog.String("error", err.Error()))
		}
		deliveriesTotal.WithLabelValues("ok").Inc()
		log.Info("Файл доставлен",
			slog.String("url", sub.URL),
			slog.Duration("duration", time.Since(start)),
		)
		delivered = true
		return
	}

	if ctx.Err() != nil {
		// Остановка узла: попытка не засчитывается
		return
	}

	attempts := e.Attempts + 1
	now := s.now()
	if model.IsKind(err, model.KindDeliveryPermanent) {
		deliveriesTotal.WithLabelValues("permanent").Inc()
		log.Error("Постоянная ошибка доставки", slog.String("error", err.Error()))
		if _, ferr := s.registry.MarkFailed(e, err.Error(), now, false); ferr != nil {
			log.Error("Ошибка записи backlog", slog.String("error", ferr.Error()))
		}
		if serr := s.registry.Suspend(ctx, sub.SubscrID, err.Error()); serr != nil {
			log.Error("Не удалось приостановить подписчика", slog.String("error", serr.Error()))
		}
		return
	}

	deliveriesTotal.WithLabelValues("transient").Inc()
	failed := s.cfg.Retry.Exhausted(attempts)
	next := now.Add(s.cfg.Retry.Delay(attempts))
	if _, ferr := s.registry.MarkFailed(e, err.Error(), next, failed); ferr != nil {
		log.Error("Ошибка записи backlog", slog.String("error", ferr.Error()))
		return
	}
	if failed {
		deliveriesTotal.WithLabelValues("gave_up").Inc()
		log.Error("Лимит попыток доставки исчерпан",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		s.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelWarning,
			Key:     "delivery_failed:" + sub.SubscrID,
			Subject: "Доставка прекращена",
			Message: fmt.Sprintf("Файл %s не доставлен после %d попыток", e.FileKey(), attempts),
			Fields: map[string]string{
				"subscr_id": sub.SubscrID,
				"url":       sub.URL,
				"error":     err.Error(),
			},
		})
		return
	}
	log.Warn("Ошибка доставки, повтор позже",
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", err.Error()),
	)
}

// transfer открывает файл и передаёт его подписчику.
func (s *Scheduler) transfer(ctx context.Context, sub *model.Subscriber, rec *model.FileRecord) error {
	r, err := s.opener.Open(ctx, rec.FileID, rec.FileVersion)
	if err != nil {
		return model.E(model.KindDeliveryTransient, "delivery.open", "файл недоступен", err)
	}
	defer r.File.Close()
	return s.sender.Send(ctx, sub.URL, r.Record, r.File)
}
