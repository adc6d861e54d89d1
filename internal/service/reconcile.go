// reconcile.go — сервис сверки томов, журнала намерений и каталога.
//
// Сверка:
//   - продолжает или откатывает незавершённые намерения (после сбоя,
//     а также намерения с недостроенной репликой)
//   - удаляет временные файлы, не связанные ни с одним намерением
//     и не изменявшиеся дольше TempMaxAge
//   - переносит в {том}/.bad/ файлы без строки каталога и без намерения
//   - удаляет из журнала завершённые намерения
//
// Выполняется при старте узла (до приёма запросов) и далее по тикеру
// (AN_RECONCILE_INTERVAL).
package service

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/commit"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/volinfo"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/wal"
)

var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "an_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// QuarantineDir — директория тома для файлов без строки каталога.
const QuarantineDir = ".bad"

// Типы проблем сверки.
const (
	IssueIntentCompleted  = "intent_completed"
	IssueIntentRolledBack = "intent_rolled_back"
	IssueIntentFailed     = "intent_failed"
	IssueOrphanTemp       = "orphan_temp"
	IssueOrphanFile       = "orphan_file"
)

// ReconcileIssue — найденная и обработанная проблема.
type ReconcileIssue struct {
	Type        string `json:"type"`
	IntentID    string `json:"intent_id,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	Path        string `json:"path,omitempty"`
	Description string `json:"description"`
}

// ReconcileSummary — счётчики по типам.
type ReconcileSummary struct {
	IntentsCompleted  int `json:"intents_completed"`
	IntentsRolledBack int `json:"intents_rolled_back"`
	IntentsFailed     int `json:"intents_failed"`
	OrphanTemps       int `json:"orphan_temps"`
	OrphanFiles       int `json:"orphan_files"`
	FinishedRemoved   int `json:"finished_removed"`
}

// ReconcileResult — итог одного прохода.
type ReconcileResult struct {
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Issues      []ReconcileIssue `json:"issues"`
	Summary     ReconcileSummary `json:"summary"`
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	commit     *CommitManager
	wal        *wal.WAL
	files      repository.FileCatalog
	disks      repository.DiskCatalog
	interval   time.Duration
	tempMaxAge time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	cm *CommitManager,
	w *wal.WAL,
	files repository.FileCatalog,
	disks repository.DiskCatalog,
	interval time.Duration,
	tempMaxAge time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		commit:     cm,
		wal:        w,
		files:      files,
		disks:      disks,
		interval:   interval,
		tempMaxAge: tempMaxAge,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	rs.wg.Add(1)
	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку и ждёт завершения текущего прохода.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.wg.Wait()
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	res := &ReconcileResult{StartedAt: rs.now().UTC()}
	rs.logger.Info("Сверка начата")

	rs.resumeIntents(ctx, res)
	if ctx.Err() == nil {
		rs.sweepTemps(ctx, res)
	}
	if ctx.Err() == nil {
		rs.quarantineOrphans(ctx, res)
	}
	if n, err := rs.wal.CleanFinished(); err != nil {
		rs.logger.Error("Ошибка очистки журнала намерений", slog.String("error", err.Error()))
	} else {
		res.Summary.FinishedRemoved = n
	}

	res.CompletedAt = rs.now().UTC()
	duration := res.CompletedAt.Sub(res.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range res.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("issues", len(res.Issues)),
		slog.Int("intents_completed", res.Summary.IntentsCompleted),
		slog.Int("intents_rolled_back", res.Summary.IntentsRolledBack),
		slog.Int("intents_failed", res.Summary.IntentsFailed),
		slog.Int("orphan_temps", res.Summary.OrphanTemps),
		slog.Int("orphan_files", res.Summary.OrphanFiles),
		slog.Duration("duration", duration),
	)
	return res, false
}

// resumeIntents продолжает все незавершённые намерения.
func (rs *ReconcileService) resumeIntents(ctx context.Context, res *ReconcileResult) {
	pending, err := rs.wal.Pending()
	if err != nil {
		rs.logger.Error("Ошибка чтения журнала намерений", slog.String("error", err.Error()))
		return
	}

	for _, e := range pending {
		if ctx.Err() != nil {
			return
		}
		from := e.State
		state, err := rs.commit.Resume(ctx, e)
		issue := ReconcileIssue{IntentID: e.IntentID, FileID: e.FileID, Path: e.Main.FinalPath()}
		switch {
		case errors.Is(err, errBusy):
			// Фиксация ещё идёт в запросе
			continue
		case err != nil:
			issue.Type = IssueIntentFailed
			issue.Description = "намерение из " + string(from) + " не завершено: " + err.Error()
			res.Summary.IntentsFailed++
		case state == commit.StateRolledBack:
			issue.Type = IssueIntentRolledBack
			issue.Description = "намерение из " + string(from) + " откачено"
			res.Summary.IntentsRolledBack++
		default:
			issue.Type = IssueIntentCompleted
			issue.Description = "намерение из " + string(from) + " доведено до " + string(state)
			res.Summary.IntentsCompleted++
		}
		res.Issues = append(res.Issues, issue)
	}
}

// sweepTemps удаляет временные файлы, которых нет в журнале и которые
// давно не изменялись. Свежие временные файлы принадлежат идущим загрузкам.
func (rs *ReconcileService) sweepTemps(ctx context.Context, res *ReconcileResult) {
	disks, err := rs.disks.List(ctx)
	if err != nil {
		rs.logger.Error("Ошибка чтения списка томов", slog.String("error", err.Error()))
		return
	}
	known, err := rs.wal.StagingPaths()
	if err != nil {
		rs.logger.Error("Ошибка чтения журнала намерений", slog.String("error", err.Error()))
		return
	}
	cutoff := rs.now().Add(-rs.tempMaxAge)

	for _, d := range disks {
		temps, err := staging.ListTemps(d.MountPoint)
		if err != nil {
			rs.logger.Warn("Ошибка чтения временных файлов тома",
				slog.String("disk_id", d.DiskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, t := range temps {
			if known[t.Path] || t.ModTime.After(cutoff) {
				continue
			}
			if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
				rs.logger.Warn("Не удалось удалить временный файл",
					slog.String("path", t.Path),
					slog.String("error", err.Error()),
				)
				continue
			}
			res.Summary.OrphanTemps++
			res.Issues = append(res.Issues, ReconcileIssue{
				Type:        IssueOrphanTemp,
				Path:        t.Path,
				Description: "временный файл без намерения удалён",
			})
		}
	}
}

// orphanCandidate — файл тома без строки каталога на момент обхода.
type orphanCandidate struct {
	diskID string
	mount  string
	rel    string
	path   string
}

// quarantineOrphans переносит в .bad/ файлы без строки каталога.
// Журнал читается после обхода: файл, переименованный в итоговый путь,
// уже имеет намерение, поэтому оно попадёт в снимок.
func (rs *ReconcileService) quarantineOrphans(ctx context.Context, res *ReconcileResult) {
	disks, err := rs.disks.List(ctx)
	if err != nil {
		rs.logger.Error("Ошибка чтения списка томов", slog.String("error", err.Error()))
		return
	}

	var candidates []orphanCandidate
	for _, d := range disks {
		err := filepath.WalkDir(d.MountPoint, func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			name := de.Name()
			if de.IsDir() {
				if path != d.MountPoint && strings.HasPrefix(name, ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !de.Type().IsRegular() || name == volinfo.FileName || strings.HasPrefix(name, ".") {
				return nil
			}
			rel, err := filepath.Rel(d.MountPoint, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if _, err := rs.files.GetByPath(ctx, d.DiskID, rel); errors.Is(err, repository.ErrNotFound) {
				candidates = append(candidates, orphanCandidate{diskID: d.DiskID, mount: d.MountPoint, rel: rel, path: path})
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			rs.logger.Warn("Ошибка обхода тома",
				slog.String("disk_id", d.DiskID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(candidates) == 0 {
		return
	}

	pending, err := rs.wal.Pending()
	if err != nil {
		rs.logger.Error("Ошибка чтения журнала намерений", slog.String("error", err.Error()))
		return
	}
	inFlight := make(map[string]bool, len(pending)*2)
	for _, e := range pending {
		inFlight[e.Main.FinalPath()] = true
		if e.Replica != nil {
			inFlight[e.Replica.FinalPath()] = true
		}
	}

	for _, c := range candidates {
		if inFlight[c.path] {
			continue
		}
		if _, err := rs.files.GetByPath(ctx, c.diskID, c.rel); !errors.Is(err, repository.ErrNotFound) {
			continue
		}
		dest := filepath.Join(c.mount, QuarantineDir, filepath.FromSlash(c.rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			rs.logger.Warn("Не удалось создать директорию карантина",
				slog.String("path", dest),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := os.Rename(c.path, dest); err != nil {
			rs.logger.Warn("Не удалось перенести файл в карантин",
				slog.String("path", c.path),
				slog.String("error", err.Error()),
			)
			continue
		}
		rs.logger.Warn("Файл без строки каталога перенесён в карантин",
			slog.String("disk_id", c.diskID),
			slog.String("path", c.rel),
		)
		res.Summary.OrphanFiles++
		res.Issues = append(res.Issues, ReconcileIssue{
			Type:        IssueOrphanFile,
			Path:        c.path,
			Description: "файл без строки каталога перенесён в " + QuarantineDir,
		})
	}
}
