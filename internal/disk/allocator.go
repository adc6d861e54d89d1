// Пакет disk — выбор тома для нового файла и учёт свободного места.
//
// Учёт места приблизительный: между выбором тома и записью блокировок нет.
// Два одновременных запроса могут выбрать один почти заполненный том;
// это исправляется следующей проверкой заполненности.
package disk

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
)

var (
	diskAvailableBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "an_disk_available_bytes",
			Help: "Свободное место на томе по последней проверке",
		},
		[]string{"disk_id"},
	)

	diskCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "an_disks_completed_total",
			Help: "Количество томов, помеченных заполненными",
		},
	)

	allocationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "an_allocation_failures_total",
			Help: "Количество запросов, для которых не нашлось тома",
		},
	)
)

// Catalog — часть каталога, нужная для учёта томов.
type Catalog interface {
	List(ctx context.Context) ([]*model.DiskRecord, error)
	Get(ctx context.Context, diskID string) (*model.DiskRecord, error)
	Upsert(ctx context.Context, d *model.DiskRecord) error
	UpdateUsage(ctx context.Context, diskID string, total, available int64) error
	MarkCompleted(ctx context.Context, diskID string, at time.Time) error
}

// Config — параметры выбора тома.
type Config struct {
	// Strategy — стратегия выбора; nil — MostFree
	Strategy Strategy
	// ThresholdBytes — ниже этого значения том помечается заполненным
	ThresholdBytes int64
	// WarningBytes — ниже этого значения оператор получает предупреждение
	WarningBytes int64
	// Usage — источник данных о месте; nil — Statfs
	Usage UsageFunc
}

// SelectRequest — параметры выбора тома.
type SelectRequest struct {
	MimeType string
	// Required — сколько байт должно поместиться (0 — размер неизвестен)
	Required int64
	// Exclude — тома, которые нельзя выбирать (основная копия при репликации)
	Exclude []string
	// ForReplica — разрешены тома только для реплик
	ForReplica bool
}

// Allocator — выбор тома и проверка заполненности.
type Allocator struct {
	catalog  Catalog
	strategy Strategy
	usage    UsageFunc
	cfg      Config
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewAllocator создаёт Allocator.
func NewAllocator(catalog Catalog, cfg Config, notifier notify.Notifier, logger *slog.Logger) *Allocator {
	if cfg.Strategy == nil {
		cfg.Strategy = MostFree{}
	}
	if cfg.Usage == nil {
		cfg.Usage = Statfs
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Allocator{
		catalog:  catalog,
		strategy: cfg.Strategy,
		usage:    cfg.Usage,
		cfg:      cfg,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "allocator")),
	}
}

// Select выбирает том для записи. Если подходящего тома нет, возвращает
// ошибку KindNoDisksAvailable и уведомляет оператора. Автоматических
// повторов нет: нехватка места требует вмешательства.
func (a *Allocator) Select(ctx context.Context, req SelectRequest) (*model.DiskRecord, error) {
	disks, err := a.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка томов: %w", err)
	}

	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	var candidates []*model.DiskRecord
	for _, d := range disks {
		switch {
		case d.Completed:
		case excluded[d.DiskID]:
		case d.ReplicaOnly && !req.ForReplica:
		case !d.Accepts(req.MimeType):
		case req.Required > 0 && d.AvailableBytes < req.Required:
		default:
			candidates = append(candidates, d)
		}
	}

	if len(candidates) == 0 {
		allocationFailuresTotal.Inc()
		e := model.E(model.KindNoDisksAvailable, "disk.select", "нет подходящего тома", nil).
			With("mime_type", req.MimeType).
			With("required", strconv.FormatInt(req.Required, 10))
		if len(req.Exclude) > 0 {
			e = e.With("exclude", strings.Join(req.Exclude, ","))
		}
		a.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelAlarm,
			Key:     "no_disks:" + req.MimeType + ":" + strconv.FormatBool(req.ForReplica),
			Subject: "Нет свободных томов",
			Message: "Не найден том для записи файла",
			Fields:  e.Fields,
		})
		return nil, e
	}

	chosen := a.strategy.Choose(candidates)
	a.logger.Debug("Том выбран",
		slog.String("disk_id", chosen.DiskID),
		slog.String("strategy", a.strategy.Name()),
		slog.Int("candidates", len(candidates)),
		slog.Bool("for_replica", req.ForReplica),
	)
	return chosen, nil
}

// CheckCompletion перечитывает свободное место тома после записи.
// Ниже порога заполнения том помечается completed; ниже порога
// предупреждения оператор получает уведомление. Возвращает true,
// если том заполнен.
func (a *Allocator) CheckCompletion(ctx context.Context, diskID string) (bool, error) {
	d, err := a.catalog.Get(ctx, diskID)
	if err != nil {
		return false, fmt.Errorf("ошибка чтения тома %s: %w", diskID, err)
	}

	total, available, err := a.usage(d.MountPoint)
	if err != nil {
		return d.Completed, fmt.Errorf("том %s: %w", diskID, err)
	}
	if err := a.catalog.UpdateUsage(ctx, diskID, total, available); err != nil {
		return d.Completed, fmt.Errorf("ошибка обновления места тома %s: %w", diskID, err)
	}
	diskAvailableBytes.WithLabelValues(diskID).Set(float64(available))

	if d.Completed {
		return true, nil
	}

	fields := map[string]string{
		"disk_id":     diskID,
		"mount_point": d.MountPoint,
		"available":   humanize.IBytes(uint64(max(available, 0))),
	}

	if available < a.cfg.ThresholdBytes {
		if err := a.catalog.MarkCompleted(ctx, diskID, a.now()); err != nil {
			return false, fmt.Errorf("ошибка пометки тома %s заполненным: %w", diskID, err)
		}
		diskCompletedTotal.Inc()
		fields["threshold"] = humanize.IBytes(uint64(a.cfg.ThresholdBytes))
		a.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelAlarm,
			Key:     "disk_completed:" + diskID,
			Subject: "Том заполнен",
			Message: "Том помечен заполненным и исключён из выбора",
			Fields:  fields,
		})
		return true, nil
	}

	if available < a.cfg.WarningBytes {
		fields["warning"] = humanize.IBytes(uint64(a.cfg.WarningBytes))
		a.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelWarning,
			Key:     "disk_low:" + diskID,
			Subject: "Мало места на томе",
			Message: "Свободное место на томе ниже порога предупреждения",
			Fields:  fields,
		})
	}
	return false, nil
}

// Register заносит обнаруженные тома в каталог и проверяет их заполненность.
// Флаг completed, уже записанный в каталоге, сохраняется.
func (a *Allocator) Register(ctx context.Context, disks []*model.DiskRecord) error {
	for _, d := range disks {
		if err := a.catalog.Upsert(ctx, d); err != nil {
			return fmt.Errorf("ошибка регистрации тома %s: %w", d.DiskID, err)
		}
		if _, err := a.CheckCompletion(ctx, d.DiskID); err != nil {
			return err
		}
		a.logger.Info("Том зарегистрирован",
			slog.String("disk_id", d.DiskID),
			slog.String("mount_point", d.MountPoint),
			slog.String("available", humanize.IBytes(uint64(max(d.AvailableBytes, 0)))),
			slog.Bool("replica_only", d.ReplicaOnly),
		)
	}
	return nil
}

// Refresh перечитывает место на всех томах. Ошибки отдельных томов логируются.
func (a *Allocator) Refresh(ctx context.Context) error {
	disks, err := a.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("ошибка чтения списка томов: %w", err)
	}
	for _, d := range disks {
		if _, err := a.CheckCompletion(ctx, d.DiskID); err != nil {
			a.logger.Warn("Не удалось обновить место тома",
				slog.String("disk_id", d.DiskID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
