package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/commit"
)

// ErrNotFound — намерение с таким идентификатором отсутствует.
var ErrNotFound = errors.New("намерение не найдено")

// WAL — файловый журнал намерений фиксации: один JSON-файл на намерение
// в директории AN_WAL_DIR. Каждая запись на диске всегда целая
// (см. writeFileAtomic).
type WAL struct {
	dir    string
	mu     sync.Mutex
	now    func() time.Time // подменяется в тестах
	logger *slog.Logger
}

// New открывает журнал в dir, создавая директорию при необходимости.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("директория журнала %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("журнал %s недоступен для записи: %w", dir, err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	return &WAL{
		dir:    dir,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// Begin сохраняет новое намерение в состоянии STAGED.
// Если IntentID пуст, назначается UUID v4. Вызывающий обязан вызвать Begin
// до того, как временный файл будет переименован в итоговый путь.
func (w *WAL) Begin(entry *Entry) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := entry.Clone()
	if e.IntentID == "" {
		e.IntentID = uuid.New().String()
	}
	now := w.now()
	e.State = commit.StateStaged
	e.StartedAt = now
	e.UpdatedAt = now
	e.History = nil

	if err := w.writeEntry(e); err != nil {
		return nil, fmt.Errorf("не удалось создать запись намерения: %w", err)
	}

	w.logger.Debug("Намерение фиксации создано",
		slog.String("intent_id", e.IntentID),
		slog.String("file_id", e.FileID),
		slog.Int("file_version", e.FileVersion),
		slog.String("disk_id", e.Main.DiskID),
	)

	return e.Clone(), nil
}

// Advance переводит намерение в состояние to. Переход проверяется
// по таблице commit; mutate (может быть nil) применяется к записи
// перед сохранением. Запись на диске обновляется атомарно.
func (w *WAL) Advance(intentID string, to commit.State, mutate func(*Entry)) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, err := w.readEntry(intentID)
	if err != nil {
		return nil, err
	}
	if err := commit.Validate(e.State, to); err != nil {
		return nil, fmt.Errorf("намерение %s: %w", intentID, err)
	}

	now := w.now()
	if mutate != nil {
		mutate(e)
	}
	e.History = append(e.History, commit.Transition{From: e.State, To: to, Timestamp: now})
	e.State = to
	e.UpdatedAt = now

	if err := w.writeEntry(e); err != nil {
		return nil, fmt.Errorf("не удалось обновить запись намерения %s: %w", intentID, err)
	}

	w.logger.Debug("Переход намерения",
		slog.String("intent_id", intentID),
		slog.String("file_id", e.FileID),
		slog.String("state", string(to)),
	)

	return e.Clone(), nil
}

// Update изменяет поля записи без смены состояния.
func (w *WAL) Update(intentID string, mutate func(*Entry)) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, err := w.readEntry(intentID)
	if err != nil {
		return nil, err
	}
	state := e.State
	mutate(e)
	e.State = state
	e.UpdatedAt = w.now()

	if err := w.writeEntry(e); err != nil {
		return nil, fmt.Errorf("не удалось обновить запись намерения %s: %w", intentID, err)
	}
	return e.Clone(), nil
}

// Get читает запись по идентификатору.
func (w *WAL) Get(intentID string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.readEntry(intentID)
}

// Pending возвращает все незавершённые намерения, упорядоченные по времени начала.
// Вызывается при старте узла и в цикле reconcile.
func (w *WAL) Pending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	all, err := w.scan()
	if err != nil {
		return nil, err
	}

	var pending []*Entry
	for _, e := range all {
		if e.State.IsTerminal() {
			continue
		}
		pending = append(pending, e)
		w.logger.Warn("Обнаружено незавершённое намерение фиксации",
			slog.String("intent_id", e.IntentID),
			slog.String("state", string(e.State)),
			slog.String("file_id", e.FileID),
			slog.Time("started_at", e.StartedAt),
		)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].StartedAt.Before(pending[j].StartedAt)
	})
	return pending, nil
}

// StagingPaths возвращает временные пути всех незавершённых намерений.
// Используется при очистке осиротевших временных файлов.
func (w *WAL) StagingPaths() (map[string]bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	all, err := w.scan()
	if err != nil {
		return nil, err
	}
	paths := make(map[string]bool)
	for _, e := range all {
		if e.State.IsTerminal() {
			continue
		}
		paths[e.Main.StagingPath] = true
		if e.Replica != nil {
			paths[e.Replica.StagingPath] = true
		}
	}
	return paths, nil
}

// CleanFinished удаляет записи в терминальных состояниях (CLEANED_UP, ROLLED_BACK).
func (w *WAL) CleanFinished() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	all, err := w.scan()
	if err != nil {
		return 0, err
	}

	var cleaned int
	for _, e := range all {
		if !e.State.IsTerminal() {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, walFileName(e.IntentID))); err != nil {
			w.logger.Warn("Завершённое намерение не удалено",
				slog.String("intent_id", e.IntentID),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		w.logger.Info("Завершённые намерения удалены из журнала", slog.Int("count", cleaned))
	}
	return cleaned, nil
}

// scan читает все записи директории. Повреждённые файлы пропускаются с предупреждением.
func (w *WAL) scan() ([]*Entry, error) {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*"+walSuffix))
	if err != nil {
		return nil, fmt.Errorf("сканирование журнала: %w", err)
	}

	entries := make([]*Entry, 0, len(paths))
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), walSuffix)
		e, err := w.readEntry(id)
		if err != nil {
			w.logger.Warn("Запись журнала пропущена",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (w *WAL) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация намерения: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.dir, walFileName(entry.IntentID)), data)
}

// writeFileAtomic: запись во временный файл, fsync, rename, fsync директории.
// После сбоя на месте path остаётся либо старая, либо новая версия.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("создание %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("запись %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("закрытие %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return SyncDir(filepath.Dir(path))
}

func (w *WAL) readEntry(intentID string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, walFileName(intentID)))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, intentID)
	case err != nil:
		return nil, fmt.Errorf("чтение намерения %s: %w", intentID, err)
	}

	entry := new(Entry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("намерение %s повреждено: %w", intentID, err)
	}
	return entry, nil
}

// Dir возвращает путь к директории WAL.
func (w *WAL) Dir() string {
	return w.dir
}

// SyncDir выполняет fsync директории, чтобы rename пережил сбой питания.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("ошибка открытия директории %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync директории %s: %w", dir, err)
	}
	return nil
}
