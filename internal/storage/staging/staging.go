// Пакет staging — приём байтов во временный файл на томе назначения.
//
// Временный файл создаётся в {mount}/.staging на том же томе, что и
// итоговый путь, поэтому продвижение в итоговый путь — это rename,
// а не копирование. Контрольная сумма считается на лету.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/artsore/archive-node/internal/checksum"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

const (
	// DirName — директория временных файлов относительно корня тома
	DirName = ".staging"
	// tmpSuffix — суффикс временных файлов
	tmpSuffix = ".tmp"
)

// UnknownSize — объявленный размер не задан.
const UnknownSize int64 = -1

// Store — фабрика временных файлов.
type Store struct {
	blockSize int
	logger    *slog.Logger
}

// Target — куда в итоге попадёт файл.
type Target struct {
	DiskID     string
	MountPoint string
	// RelativePath — итоговый путь относительно MountPoint (через "/")
	RelativePath string
}

// StagedFile — результат успешного приёма.
type StagedFile struct {
	Target
	// TempPath — абсолютный путь временного файла
	TempPath string
	// Size — количество принятых байт
	Size int64
	// Digest — контрольная сумма содержимого
	Digest checksum.Digest
}

// New создаёт Store. blockSize — размер блока чтения входного потока.
func New(blockSize int, logger *slog.Logger) *Store {
	if blockSize <= 0 {
		blockSize = checksum.DefaultBlockSize
	}
	return &Store{
		blockSize: blockSize,
		logger:    logger.With(slog.String("component", "staging")),
	}
}

// Handle — открытый временный файл одного запроса.
// Последовательная запись (Write, ReadFrom) и запись по смещению (WriteAt)
// не смешиваются: при WriteAt сумма пересчитывается в Finalize.
type Handle struct {
	store    *Store
	target   Target
	tempPath string
	declared int64
	variant  checksum.Variant

	mu       sync.RWMutex
	f        *os.File
	acc      *checksum.Accumulator
	written  atomic.Int64
	parallel atomic.Bool
	done     bool
}

// Begin создаёт временный файл для target. declaredSize — ожидаемый
// размер или UnknownSize.
func (s *Store) Begin(target Target, declaredSize int64, v checksum.Variant) (*Handle, error) {
	dir := filepath.Join(target.MountPoint, DirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, stagingErr("staging.begin", "не удалось создать директорию временных файлов", err, target)
	}

	tempPath := filepath.Join(dir, uuid.New().String()+tmpSuffix)
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	if err != nil {
		return nil, stagingErr("staging.begin", "ошибка создания временного файла", err, target)
	}

	s.logger.Debug("Временный файл создан",
		slog.String("disk_id", target.DiskID),
		slog.String("temp_path", tempPath),
		slog.Int64("declared_size", declaredSize),
	)

	return &Handle{
		store:    s,
		target:   target,
		tempPath: tempPath,
		declared: declaredSize,
		variant:  v,
		f:        f,
		acc:      checksum.NewAccumulator(v),
	}, nil
}

// TempPath возвращает путь временного файла.
func (h *Handle) TempPath() string {
	return h.tempPath
}

// Target возвращает назначение.
func (h *Handle) Target() Target {
	return h.target
}

// Written возвращает количество записанных байт.
func (h *Handle) Written() int64 {
	return h.written.Load()
}

// Write дописывает блок в конец временного файла и в накопитель суммы.
// При ошибке ввода-вывода временный файл удаляется.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		return 0, stagingErr("staging.write", "запись в закрытый временный файл", os.ErrClosed, h.target)
	}
	if h.declared >= 0 && h.written.Load()+int64(len(p)) > h.declared {
		h.abortLocked()
		return 0, h.sizeErr("staging.write", h.written.Load()+int64(len(p)))
	}

	n, err := h.f.Write(p)
	h.written.Add(int64(n))
	if err != nil {
		h.abortLocked()
		return n, stagingErr("staging.write", "ошибка записи во временный файл", err, h.target)
	}
	_, _ = h.acc.Write(p[:n])
	return n, nil
}

// WriteAt пишет блок по смещению. Используется при параллельной загрузке
// диапазонами; безопасен для одновременного вызова.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.done || h.f == nil {
		return 0, stagingErr("staging.write_at", "запись в закрытый временный файл", os.ErrClosed, h.target)
	}
	h.parallel.Store(true)
	if h.declared >= 0 && off+int64(len(p)) > h.declared {
		return 0, h.sizeErr("staging.write_at", off+int64(len(p)))
	}
	n, err := h.f.WriteAt(p, off)
	h.written.Add(int64(n))
	if err != nil {
		return n, stagingErr("staging.write_at", "ошибка записи во временный файл", err, h.target)
	}
	return n, nil
}

// ReadFrom читает поток блоками до конца, проверяя ctx между блоками.
// При отмене или ошибке временный файл удаляется.
func (h *Handle) ReadFrom(ctx context.Context, r io.Reader) (int64, error) {
	n, err := checksum.CopyBlocks(ctx, h, r, h.store.blockSize)
	if err != nil {
		h.Abort()
		var de *model.Error
		if errors.As(err, &de) {
			return n, err
		}
		return n, stagingErr("staging.read", "ошибка приёма данных", err, h.target)
	}
	return n, nil
}

// Finalize сбрасывает данные на диск, проверяет объявленный размер и
// возвращает StagedFile. При несоответствии размера временный файл удаляется.
func (h *Handle) Finalize(ctx context.Context) (*StagedFile, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		return nil, stagingErr("staging.finalize", "временный файл уже закрыт", os.ErrClosed, h.target)
	}

	if err := h.f.Sync(); err != nil {
		h.abortLocked()
		return nil, stagingErr("staging.finalize", "ошибка fsync временного файла", err, h.target)
	}
	if err := h.f.Close(); err != nil {
		h.f = nil
		h.abortLocked()
		return nil, stagingErr("staging.finalize", "ошибка закрытия временного файла", err, h.target)
	}
	h.f = nil

	var size int64
	digest := h.acc.Digest()
	if h.parallel.Load() {
		// Блоки пришли не по порядку, сумму считаем по готовому файлу
		d, n, err := checksum.File(ctx, h.tempPath, h.variant, h.store.blockSize)
		if err != nil {
			h.abortLocked()
			return nil, stagingErr("staging.finalize", "ошибка вычисления контрольной суммы", err, h.target)
		}
		digest, size = d, n
	} else {
		size = h.written.Load()
	}

	if h.declared >= 0 && size != h.declared {
		h.abortLocked()
		return nil, h.sizeErr("staging.finalize", size)
	}

	h.done = true
	h.store.logger.Debug("Временный файл готов",
		slog.String("temp_path", h.tempPath),
		slog.Int64("size", size),
		slog.String("checksum", digest.Value),
	)

	return &StagedFile{
		Target:   h.target,
		TempPath: h.tempPath,
		Size:     size,
		Digest:   digest,
	}, nil
}

// Abort закрывает и удаляет временный файл. Повторный вызов безопасен.
func (h *Handle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abortLocked()
}

func (h *Handle) abortLocked() {
	if h.f != nil {
		h.f.Close()
		h.f = nil
	}
	if err := os.Remove(h.tempPath); err != nil && !os.IsNotExist(err) {
		h.store.logger.Warn("Не удалось удалить временный файл",
			slog.String("temp_path", h.tempPath),
			slog.String("error", err.Error()),
		)
	}
	h.done = true
}

func (h *Handle) sizeErr(op string, received int64) error {
	return stagingErr(op, "размер данных не совпадает с объявленным", nil, h.target).
		With("declared", strconv.FormatInt(h.declared, 10)).
		With("received", strconv.FormatInt(received, 10))
}

// TempFile — временный файл на томе.
type TempFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// ListTemps возвращает временные файлы тома. Отсутствие директории — не ошибка.
func ListTemps(mountPoint string) ([]TempFile, error) {
	dir := filepath.Join(mountPoint, DirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", dir, err)
	}

	var temps []TempFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		temps = append(temps, TempFile{
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return temps, nil
}

// StoragePath строит итоговый путь относительно корня тома:
// {YYYY-MM-DD}/{file_id}/{version}/{file_id}
func StoragePath(fileID string, version int, ingested time.Time) string {
	name := sanitize(fileID)
	return path.Join(ingested.UTC().Format("2006-01-02"), name, strconv.Itoa(version), name)
}

// sanitize убирает небезопасные символы из строки для использования в имени файла.
// Оставляет буквы, цифры, точку, дефис и подчёркивание; прочее заменяется на "_".
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' ||
			(r >= 0x0400 && r <= 0x04FF): // Кириллица
			result.WriteRune(r)
		default:
			result.WriteRune('_')
		}
	}
	name := strings.Trim(result.String(), ".")
	if name == "" {
		return "file"
	}
	if r := []rune(name); len(r) > 200 {
		name = string(r[:200])
	}
	return name
}

func stagingErr(op, msg string, err error, t Target) *model.Error {
	return model.E(model.KindStagingIO, op, msg, err).With("disk_id", t.DiskID)
}
