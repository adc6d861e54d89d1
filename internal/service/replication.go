// replication.go — создание реплики зафиксированного файла на другом томе.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/checksum"
	"github.com/arturkryukov/artsore/archive-node/internal/disk"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/commit"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/wal"
)

var (
	replicationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_replications_total",
		Help: "Количество попыток репликации по результату",
	}, []string{"result"})

	replicationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "an_replication_duration_seconds",
		Help:    "Длительность создания реплики",
		Buckets: prometheus.DefBuckets,
	})
)

// Placer выбирает том и проверяет его заполнение.
type Placer interface {
	Select(ctx context.Context, req disk.SelectRequest) (*model.DiskRecord, error)
	CheckCompletion(ctx context.Context, diskID string) (bool, error)
}

// Replicator копирует основную копию на второй том и регистрирует реплику.
type Replicator struct {
	wal       *wal.WAL
	files     repository.FileCatalog
	placer    Placer
	staging   *staging.Store
	notifier  notify.Notifier
	blockSize int
	logger    *slog.Logger

	// crashAfter — тестовый хук: остановиться сразу после перехода в это состояние
	crashAfter commit.State
}

// NewReplicator создаёт Replicator.
func NewReplicator(
	w *wal.WAL,
	files repository.FileCatalog,
	placer Placer,
	st *staging.Store,
	notifier notify.Notifier,
	blockSize int,
	logger *slog.Logger,
) *Replicator {
	if blockSize <= 0 {
		blockSize = checksum.DefaultBlockSize
	}
	return &Replicator{
		wal:       w,
		files:     files,
		placer:    placer,
		staging:   st,
		notifier:  notifier,
		blockSize: blockSize,
		logger:    logger.With(slog.String("component", "replication")),
	}
}

// Run доводит намерение из MAIN_COMMITTED (или промежуточного состояния
// реплики) до REPLICA_COMMITTED. Ошибка имеет KindReplication; намерение
// при этом остаётся в журнале для повтора.
func (r *Replicator) Run(ctx context.Context, e *wal.Entry) (*wal.Entry, error) {
	start := time.Now()
	out, err := r.run(ctx, e)
	replicationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, errSimulatedCrash) {
			return out, err
		}
		replicationsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("Ошибка репликации",
			slog.String("intent_id", e.IntentID),
			slog.String("file_id", e.FileID),
			slog.Int("file_version", e.FileVersion),
			slog.String("error", err.Error()),
		)
		r.notifier.Notify(ctx, notify.Event{
			Level:   notify.LevelWarning,
			Key:     "replication_failed:" + e.Main.DiskID,
			Subject: "Ошибка репликации",
			Message: fmt.Sprintf("Реплика %s@%d не создана: %v", e.FileID, e.FileVersion, err),
			Fields: map[string]string{
				"file_id":   e.FileID,
				"main_disk": e.Main.DiskID,
			},
		})
		if model.KindOf(err) != model.KindReplication {
			err = model.E(model.KindReplication, "replication", "реплика не создана", err).
				With("file_id", e.FileID)
		}
		return out, err
	}
	replicationsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (r *Replicator) run(ctx context.Context, e *wal.Entry) (*wal.Entry, error) {
	var err error

	if e.State == commit.StateMainCommitted {
		if e, err = r.copyToNewDisk(ctx, e); err != nil {
			return e, err
		}
	}

	if e.State == commit.StateReplicaPromoted {
		if err := r.ensureReplicaFile(ctx, e); err != nil {
			return e, err
		}
		rec := recordFromEntry(e, *e.Replica, true)
		if err := r.files.Insert(ctx, rec); err != nil && !errors.Is(err, repository.ErrConflict) {
			return e, fmt.Errorf("ошибка записи реплики в каталог: %w", err)
		}
		if e, err = advance(r.wal, e, commit.StateReplicaCommitted, nil); err != nil {
			return e, err
		}
		if r.crashAfter == commit.StateReplicaCommitted {
			return e, errSimulatedCrash
		}
		r.logger.Info("Реплика зафиксирована",
			slog.String("file_id", e.FileID),
			slog.Int("file_version", e.FileVersion),
			slog.String("disk_id", e.Replica.DiskID),
		)
	}

	if e.Replica != nil {
		if _, err := r.placer.CheckCompletion(ctx, e.Replica.DiskID); err != nil {
			r.logger.Warn("Ошибка проверки заполнения тома реплики",
				slog.String("disk_id", e.Replica.DiskID),
				slog.String("error", err.Error()),
			)
		}
	}
	return e, nil
}

// copyToNewDisk выбирает том, отличный от основного, копирует файл,
// сверяет сумму и переименовывает копию в итоговый путь.
func (r *Replicator) copyToNewDisk(ctx context.Context, e *wal.Entry) (*wal.Entry, error) {
	// Остатки предыдущей попытки. Строки каталога для них ещё нет:
	// она пишется только после REPLICA_PROMOTED.
	if e.Replica != nil {
		removeIfExists(e.Replica.StagingPath)
		removeIfExists(e.Replica.FinalPath())
	}

	d, err := r.placer.Select(ctx, disk.SelectRequest{
		MimeType:   e.MimeType,
		Required:   e.Size,
		Exclude:    []string{e.Main.DiskID},
		ForReplica: true,
	})
	if err != nil {
		return e, model.E(model.KindReplication, "replication.select", "нет тома для реплики", err)
	}

	placement := wal.Placement{
		DiskID:       d.DiskID,
		MountPoint:   d.MountPoint,
		RelativePath: e.Main.RelativePath,
	}
	staged, err := r.stageCopy(ctx, e, placement, func(tempPath string) error {
		p := placement
		p.StagingPath = tempPath
		next, err := r.wal.Update(e.IntentID, func(x *wal.Entry) { x.Replica = &p })
		if err == nil {
			e = next
		}
		return err
	})
	if err != nil {
		r.forgetReplica(e)
		return e, err
	}

	if err := promote(staged.TempPath, e.Replica.FinalPath()); err != nil {
		removeIfExists(staged.TempPath)
		r.forgetReplica(e)
		return e, err
	}
	next, err := r.wal.Advance(e.IntentID, commit.StateReplicaPromoted, nil)
	if err != nil {
		return e, err
	}
	if r.crashAfter == commit.StateReplicaPromoted {
		return next, errSimulatedCrash
	}
	return next, nil
}

// ensureReplicaFile проверяет итоговый файл реплики после сбоя и при
// необходимости копирует его заново на тот же том.
func (r *Replicator) ensureReplicaFile(ctx context.Context, e *wal.Entry) error {
	final := e.Replica.FinalPath()
	err := verifyFile(ctx, final, e.Size, e.ChecksumVariant, e.Checksum, r.blockSize)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.logger.Warn("Реплика отсутствует или повреждена, повторное копирование",
		slog.String("path", final),
		slog.String("error", err.Error()),
	)
	removeIfExists(final)
	removeIfExists(e.Replica.StagingPath)

	staged, err := r.stageCopy(ctx, e, *e.Replica, nil)
	if err != nil {
		return err
	}
	if err := promote(staged.TempPath, final); err != nil {
		removeIfExists(staged.TempPath)
		return err
	}
	return nil
}

// stageCopy копирует основную копию во временный файл тома p и сверяет
// сумму. onTemp вызывается сразу после создания временного файла.
func (r *Replicator) stageCopy(ctx context.Context, e *wal.Entry, p wal.Placement, onTemp func(tempPath string) error) (*staging.StagedFile, error) {
	v, err := checksum.Lookup(e.ChecksumVariant)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(e.Main.FinalPath())
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия основной копии: %w", err)
	}
	defer src.Close()

	h, err := r.staging.Begin(staging.Target{
		DiskID:       p.DiskID,
		MountPoint:   p.MountPoint,
		RelativePath: p.RelativePath,
	}, e.Size, v)
	if err != nil {
		return nil, err
	}
	if onTemp != nil {
		if err := onTemp(h.TempPath()); err != nil {
			h.Abort()
			return nil, err
		}
	}
	if _, err := h.ReadFrom(ctx, src); err != nil {
		h.Abort()
		return nil, err
	}
	staged, err := h.Finalize(ctx)
	if err != nil {
		return nil, err
	}
	if !v.Equal(staged.Digest.Value, e.Checksum) {
		removeIfExists(staged.TempPath)
		return nil, model.E(model.KindChecksumMismatch, "replication.verify",
			"контрольная сумма реплики не совпадает с основной копией", nil).
			With("expected", e.Checksum).
			With("actual", staged.Digest.Value)
	}
	return staged, nil
}

// forgetReplica сбрасывает неудачное размещение реплики, чтобы повтор
// выбрал том заново.
func (r *Replicator) forgetReplica(e *wal.Entry) {
	if e.Replica == nil {
		return
	}
	removeIfExists(e.Replica.StagingPath)
	if _, err := r.wal.Update(e.IntentID, func(x *wal.Entry) { x.Replica = nil }); err != nil {
		r.logger.Warn("Не удалось сбросить размещение реплики",
			slog.String("intent_id", e.IntentID),
			slog.String("error", err.Error()),
		)
	}
	e.Replica = nil
}
