// Пакет service — бизнес-логика архивного узла.
// commit.go — менеджер фиксации: перевод принятого файла из временного
// состояния в каталог через журнал намерений.
//
// Переходы:
//
//	STAGED → MAIN_PROMOTED → MAIN_COMMITTED → [REPLICA_PROMOTED → REPLICA_COMMITTED] → CLEANED_UP
//
// Намерение сохраняется в журнал до первого изменения файловой системы
// и обновляется после каждого шага, поэтому Resume после сбоя всегда
// знает, что завершить или откатить.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/checksum"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/commit"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/wal"
)

var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_commits_total",
		Help: "Количество фиксаций основной копии по результату",
	}, []string{"result"})

	intentsResumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_intents_resumed_total",
		Help: "Количество намерений, продолженных после сбоя, по исходному состоянию",
	}, []string{"state"})
)

// Статусы репликации в ответе на архивирование.
const (
	ReplicationOK       = "ok"
	ReplicationFailed   = "failed"
	ReplicationPending  = "pending"
	ReplicationDisabled = "disabled"
)

// errSimulatedCrash — остановка после заданного состояния (только тесты).
var errSimulatedCrash = errors.New("имитация сбоя процесса")

// CommitListener получает записи основных копий сразу после MAIN_COMMITTED.
type CommitListener interface {
	OnFileCommitted(ctx context.Context, rec *model.FileRecord)
}

// CommitRequest — параметры фиксации принятого файла.
type CommitRequest struct {
	Staged        *staging.StagedFile
	FileID        string
	MimeType      string
	IngestionDate time.Time
	// Replicate — требуется реплика на втором томе
	Replicate bool
}

// ReplicaOutcome — итог репликации для ответа клиенту.
type ReplicaOutcome struct {
	Status string `json:"status"`
	DiskID string `json:"disk_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CommitResult — результат фиксации.
type CommitResult struct {
	Record  *model.FileRecord
	Replica ReplicaOutcome
}

// CommitManager — менеджер фиксации.
type CommitManager struct {
	wal        *wal.WAL
	files      repository.FileCatalog
	replicator *Replicator
	async      bool
	blockSize  int
	logger     *slog.Logger

	mu        sync.Mutex
	inFlight  map[string]bool
	listeners []CommitListener

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// crashAfter — тестовый хук: остановиться сразу после перехода в это состояние
	crashAfter commit.State
}

// CommitConfig — параметры менеджера фиксации.
type CommitConfig struct {
	// Replicator — nil, если репликация выключена
	Replicator *Replicator
	// Async — реплика создаётся в фоне, клиент получает статус pending
	Async bool
	// BlockSize — размер блока при проверке контрольной суммы
	BlockSize int
	// QueueSize — ёмкость очереди фоновой репликации
	QueueSize int
}

// NewCommitManager создаёт менеджер фиксации.
func NewCommitManager(w *wal.WAL, files repository.FileCatalog, cfg CommitConfig, logger *slog.Logger) *CommitManager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = checksum.DefaultBlockSize
	}
	return &CommitManager{
		wal:        w,
		files:      files,
		replicator: cfg.Replicator,
		async:      cfg.Async,
		blockSize:  cfg.BlockSize,
		logger:     logger.With(slog.String("component", "commit")),
		inFlight:   make(map[string]bool),
		queue:      make(chan string, cfg.QueueSize),
	}
}

// AddListener регистрирует получателя событий о фиксации.
func (m *CommitManager) AddListener(l CommitListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// ReplicationEnabled сообщает, настроена ли репликация.
func (m *CommitManager) ReplicationEnabled() bool {
	return m.replicator != nil
}

// Start запускает фоновую репликацию (только в режиме async).
func (m *CommitManager) Start(ctx context.Context) {
	if !m.async || m.replicator == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.runQueue(ctx)
	m.logger.Info("Фоновая репликация запущена", slog.Int("queue", cap(m.queue)))
}

// Stop останавливает фоновую репликацию и ждёт текущую задачу.
// Намерения, оставшиеся в очереди, будут продолжены сверкой.
func (m *CommitManager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Фоновая репликация остановлена")
}

func (m *CommitManager) runQueue(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			e, err := m.wal.Get(id)
			if err != nil {
				m.logger.Warn("Намерение из очереди не найдено",
					slog.String("intent_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			if _, err := m.resume(ctx, e, false); err != nil && !errors.Is(err, errBusy) {
				m.logger.Warn("Фоновая репликация не завершена",
					slog.String("intent_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// errBusy — намерение уже обрабатывается другой горутиной.
var errBusy = errors.New("намерение уже обрабатывается")

func (m *CommitManager) claim(intentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[intentID] {
		return false
	}
	m.inFlight[intentID] = true
	return true
}

func (m *CommitManager) release(intentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, intentID)
}

// Commit фиксирует принятый файл. Ошибка до MAIN_COMMITTED возвращается
// как KindCommit, временный и итоговый файлы удаляются. После MAIN_COMMITTED
// ошибки репликации не считаются ошибкой фиксации и отражаются в Replica.
func (m *CommitManager) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	st := req.Staged

	version, err := m.files.NextVersion(ctx, req.FileID)
	if err != nil {
		os.Remove(st.TempPath)
		commitsTotal.WithLabelValues("failed").Inc()
		return nil, commitErr("commit.version", "ошибка выделения версии", err, req.FileID)
	}

	entry, err := m.wal.Begin(&wal.Entry{
		FileID:          req.FileID,
		FileVersion:     version,
		MimeType:        req.MimeType,
		Size:            st.Size,
		Checksum:        st.Digest.Value,
		ChecksumVariant: st.Digest.Variant,
		IngestionDate:   req.IngestionDate.UTC(),
		Main: wal.Placement{
			DiskID:       st.DiskID,
			MountPoint:   st.MountPoint,
			StagingPath:  st.TempPath,
			RelativePath: staging.StoragePath(req.FileID, version, req.IngestionDate),
		},
		ReplicaRequired: req.Replicate && m.replicator != nil,
	})
	if err != nil {
		os.Remove(st.TempPath)
		commitsTotal.WithLabelValues("failed").Inc()
		return nil, commitErr("commit.begin", "ошибка записи намерения", err, req.FileID)
	}

	m.claim(entry.IntentID)
	claimed := true
	defer func() {
		if claimed {
			m.release(entry.IntentID)
		}
	}()

	log := m.logger.With(
		slog.String("intent_id", entry.IntentID),
		slog.String("file_id", entry.FileID),
		slog.Int("file_version", entry.FileVersion),
	)

	entry, err = m.promoteMain(entry)
	if err != nil {
		if errors.Is(err, errSimulatedCrash) {
			return nil, err
		}
		m.rollback(entry, err)
		commitsTotal.WithLabelValues("failed").Inc()
		return nil, commitErr("commit.promote", "ошибка переименования в итоговый путь", err, req.FileID)
	}

	rec, err := m.commitMain(ctx, entry)
	if err != nil {
		if errors.Is(err, errSimulatedCrash) {
			return nil, err
		}
		m.rollback(entry, err)
		commitsTotal.WithLabelValues("failed").Inc()
		return nil, commitErr("commit.catalog", "ошибка записи в каталог", err, req.FileID)
	}
	entry, err = advance(m.wal, entry, commit.StateMainCommitted, nil)
	if err != nil {
		// Строка каталога уже есть: файл считается принятым, сверка
		// доведёт намерение до конца
		log.Error("Не удалось записать MAIN_COMMITTED в журнал",
			slog.String("error", err.Error()),
		)
		commitsTotal.WithLabelValues("ok").Inc()
		m.notifyCommitted(ctx, rec)
		return &CommitResult{Record: rec, Replica: ReplicaOutcome{Status: ReplicationPending}}, nil
	}
	commitsTotal.WithLabelValues("ok").Inc()
	log.Info("Файл зафиксирован",
		slog.String("disk_id", rec.DiskID),
		slog.Int64("size", rec.Size),
	)
	if m.crashAfter == commit.StateMainCommitted {
		return nil, errSimulatedCrash
	}
	m.notifyCommitted(ctx, rec)

	result := &CommitResult{Record: rec}
	switch {
	case !entry.ReplicaRequired:
		result.Replica = ReplicaOutcome{Status: ReplicationDisabled}
		if _, err := m.cleanup(entry); err != nil {
			log.Warn("Ошибка завершения намерения", slog.String("error", err.Error()))
		}
	case m.async:
		result.Replica = ReplicaOutcome{Status: ReplicationPending}
		// Очередь должна застать намерение свободным
		m.release(entry.IntentID)
		claimed = false
		select {
		case m.queue <- entry.IntentID:
		default:
			log.Warn("Очередь репликации заполнена, реплику создаст сверка")
		}
	default:
		result.Replica = m.replicate(ctx, entry)
	}
	return result, nil
}

// Resume продолжает незавершённое намерение после сбоя.
// До MAIN_COMMITTED намерение либо доводится до каталога (MAIN_PROMOTED
// с целым файлом), либо откатывается; после — достраивается реплика.
// Получатели событий уведомляются повторно для MAIN_COMMITTED: сбой мог
// случиться между записью журнала и уведомлением.
// Возвращает итоговое состояние.
func (m *CommitManager) Resume(ctx context.Context, e *wal.Entry) (commit.State, error) {
	return m.resume(ctx, e, true)
}

// resume: renotify = false для очереди фоновой репликации, чьи намерения
// уже прошли уведомление в Commit.
func (m *CommitManager) resume(ctx context.Context, e *wal.Entry, renotify bool) (commit.State, error) {
	if !m.claim(e.IntentID) {
		return e.State, errBusy
	}
	defer m.release(e.IntentID)

	// Запись могла измениться, пока намерение ждало
	fresh, err := m.wal.Get(e.IntentID)
	if err != nil {
		return e.State, err
	}
	e = fresh
	if e.State.IsTerminal() {
		return e.State, nil
	}
	intentsResumedTotal.WithLabelValues(string(e.State)).Inc()

	log := m.logger.With(
		slog.String("intent_id", e.IntentID),
		slog.String("file_id", e.FileID),
		slog.Int("file_version", e.FileVersion),
		slog.String("state", string(e.State)),
	)

	switch e.State {
	case commit.StateStaged:
		// Клиент не получил подтверждения: откат. Если временного файла
		// уже нет, переименование успело пройти, и итоговый файл наш.
		if _, err := os.Stat(e.Main.StagingPath); os.IsNotExist(err) {
			removeIfExists(e.Main.FinalPath())
		}
		log.Info("Откат намерения, прерванного до переименования")
		m.rollback(e, errors.New("прервано до переименования"))
		return commit.StateRolledBack, nil

	case commit.StateMainPromoted:
		if err := m.verifyCopy(ctx, e, e.Main.FinalPath()); err != nil {
			if ctx.Err() != nil {
				return e.State, ctx.Err()
			}
			log.Warn("Итоговый файл непригоден, откат", slog.String("error", err.Error()))
			if derr := m.files.Delete(ctx, e.FileID, e.FileVersion, e.Main.DiskID); derr != nil && !errors.Is(derr, repository.ErrNotFound) {
				return e.State, fmt.Errorf("ошибка удаления строки каталога: %w", derr)
			}
			m.rollback(e, err)
			return commit.StateRolledBack, nil
		}
		rec, err := m.commitMain(ctx, e)
		if err != nil {
			return e.State, err
		}
		if e, err = advance(m.wal, e, commit.StateMainCommitted, nil); err != nil {
			return commit.StateMainPromoted, err
		}
		log.Info("Фиксация завершена после сбоя")
		m.notifyCommitted(ctx, rec)

	case commit.StateMainCommitted:
		if renotify {
			rec, err := m.files.Get(ctx, e.FileID, e.FileVersion, e.Main.DiskID)
			if err != nil {
				return e.State, fmt.Errorf("ошибка чтения строки каталога: %w", err)
			}
			m.notifyCommitted(ctx, rec)
		}
	}

	if e.ReplicaRequired && m.replicator != nil {
		out := m.replicate(ctx, e)
		if out.Status != ReplicationOK {
			return m.currentState(e), fmt.Errorf("репликация: %s", out.Error)
		}
		return commit.StateCleanedUp, nil
	}
	if e.ReplicaRequired {
		log.Warn("Репликация выключена, намерение завершается без реплики")
	}
	e, err = m.cleanup(e)
	if err != nil {
		return m.currentState(e), err
	}
	return e.State, nil
}

func (m *CommitManager) currentState(e *wal.Entry) commit.State {
	if cur, err := m.wal.Get(e.IntentID); err == nil {
		return cur.State
	}
	return e.State
}

// promoteMain переименовывает временный файл в итоговый путь на том же томе.
func (m *CommitManager) promoteMain(e *wal.Entry) (*wal.Entry, error) {
	if err := promote(e.Main.StagingPath, e.Main.FinalPath()); err != nil {
		return e, err
	}
	next, err := m.wal.Advance(e.IntentID, commit.StateMainPromoted, nil)
	if err != nil {
		return e, err
	}
	if m.crashAfter == commit.StateMainPromoted {
		return next, errSimulatedCrash
	}
	return next, nil
}

// commitMain записывает строку каталога основной копии. Повторная запись
// той же строки (после сбоя) считается успехом.
func (m *CommitManager) commitMain(ctx context.Context, e *wal.Entry) (*model.FileRecord, error) {
	rec := recordFromEntry(e, e.Main, false)
	err := m.files.Insert(ctx, rec)
	if errors.Is(err, repository.ErrConflict) {
		existing, gerr := m.files.Get(ctx, rec.FileID, rec.FileVersion, rec.DiskID)
		if gerr == nil && existing.Checksum == rec.Checksum && existing.StoragePath == rec.StoragePath {
			return existing, nil
		}
		return nil, fmt.Errorf("конфликт строки каталога %s@%d: %w", rec.FileID, rec.FileVersion, err)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// replicate создаёт реплику и завершает намерение. Ошибка не прерывает
// запрос: намерение остаётся незавершённым до следующей сверки.
func (m *CommitManager) replicate(ctx context.Context, e *wal.Entry) ReplicaOutcome {
	e, err := m.replicator.Run(ctx, e)
	if err != nil {
		if errors.Is(err, errSimulatedCrash) {
			return ReplicaOutcome{Status: ReplicationFailed, Error: err.Error()}
		}
		msg := err.Error()
		if _, uerr := m.wal.Update(e.IntentID, func(x *wal.Entry) { x.LastError = msg }); uerr != nil {
			m.logger.Warn("Не удалось сохранить ошибку репликации",
				slog.String("intent_id", e.IntentID),
				slog.String("error", uerr.Error()),
			)
		}
		return ReplicaOutcome{Status: ReplicationFailed, Error: msg}
	}

	diskID := ""
	if e.Replica != nil {
		diskID = e.Replica.DiskID
	}
	if _, err := m.cleanup(e); err != nil {
		m.logger.Warn("Ошибка завершения намерения",
			slog.String("intent_id", e.IntentID),
			slog.String("error", err.Error()),
		)
	}
	return ReplicaOutcome{Status: ReplicationOK, DiskID: diskID}
}

// cleanup удаляет оставшиеся временные файлы и переводит намерение в CLEANED_UP.
// Повторный вызов безопасен.
func (m *CommitManager) cleanup(e *wal.Entry) (*wal.Entry, error) {
	removeIfExists(e.Main.StagingPath)
	if e.Replica != nil {
		removeIfExists(e.Replica.StagingPath)
	}
	if e.State == commit.StateCleanedUp {
		return e, nil
	}
	return advance(m.wal, e, commit.StateCleanedUp, func(x *wal.Entry) { x.LastError = "" })
}

// rollback удаляет временный и итоговый файлы намерения и переводит его
// в ROLLED_BACK. Допустим только до MAIN_COMMITTED.
func (m *CommitManager) rollback(e *wal.Entry, cause error) {
	removeIfExists(e.Main.StagingPath)
	if e.State == commit.StateMainPromoted {
		removeIfExists(e.Main.FinalPath())
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := m.wal.Advance(e.IntentID, commit.StateRolledBack, func(x *wal.Entry) { x.LastError = msg }); err != nil {
		m.logger.Error("Ошибка отката намерения",
			slog.String("intent_id", e.IntentID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Warn("Намерение откачено",
		slog.String("intent_id", e.IntentID),
		slog.String("file_id", e.FileID),
		slog.String("cause", msg),
	)
}

// verifyCopy проверяет размер и контрольную сумму файла по намерению.
func (m *CommitManager) verifyCopy(ctx context.Context, e *wal.Entry, path string) error {
	return verifyFile(ctx, path, e.Size, e.ChecksumVariant, e.Checksum, m.blockSize)
}

func (m *CommitManager) notifyCommitted(ctx context.Context, rec *model.FileRecord) {
	m.mu.Lock()
	listeners := append([]CommitListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnFileCommitted(ctx, rec.Clone())
	}
}

// --- Общие шаги фиксации ---

// promote переименовывает временный файл в итоговый и сбрасывает
// директории на диск. Существующий итоговый файл не перезаписывается.
func promote(tempPath, finalPath string) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	if _, err := os.Lstat(finalPath); err == nil {
		return fmt.Errorf("итоговый путь %s уже занят", finalPath)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("ошибка переименования %s: %w", tempPath, err)
	}
	if err := wal.SyncDir(dir); err != nil {
		return err
	}
	return wal.SyncDir(filepath.Dir(tempPath))
}

// verifyFile сверяет размер и контрольную сумму файла.
func verifyFile(ctx context.Context, path string, size int64, variantName, want string, blockSize int) error {
	v, err := checksum.Lookup(variantName)
	if err != nil {
		return err
	}
	digest, n, err := checksum.File(ctx, path, v, blockSize)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("размер %d, ожидался %d", n, size)
	}
	if !v.Equal(digest.Value, want) {
		return model.E(model.KindChecksumMismatch, "verify", "контрольная сумма не совпадает", nil).
			With("expected", want).
			With("actual", digest.Value)
	}
	return nil
}

// advance выполняет переход в журнале; при ошибке возвращает прежнюю запись.
func advance(w *wal.WAL, e *wal.Entry, to commit.State, mutate func(*wal.Entry)) (*wal.Entry, error) {
	next, err := w.Advance(e.IntentID, to, mutate)
	if err != nil {
		return e, err
	}
	return next, nil
}

// recordFromEntry строит строку каталога копии по намерению.
func recordFromEntry(e *wal.Entry, p wal.Placement, replica bool) *model.FileRecord {
	return &model.FileRecord{
		FileID:          e.FileID,
		FileVersion:     e.FileVersion,
		DiskID:          p.DiskID,
		MimeType:        e.MimeType,
		Size:            e.Size,
		Checksum:        e.Checksum,
		ChecksumVariant: e.ChecksumVariant,
		IngestionDate:   e.IngestionDate,
		StoragePath:     p.RelativePath,
		Status:          model.FileStatusCommitted,
		IsReplica:       replica,
	}
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Default().Warn("Не удалось удалить файл",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func commitErr(op, msg string, err error, fileID string) error {
	return model.E(model.KindCommit, op, msg, err).With("file_id", fileID)
}
