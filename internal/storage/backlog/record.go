package backlog

import (
	"crypto/sha1" //nolint:gosec // имя файла, не криптография
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// RecordSuffix — суффикс файла записи backlog.
const RecordSuffix = ".backlog"

// maxRecordSize — максимальный размер одной записи.
const maxRecordSize = 4096

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("backlog: инициализация CBOR-кодировщика: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("backlog: инициализация CBOR-декодировщика: " + err.Error())
	}
}

// recordName возвращает имя файла записи: sha1 ключа + суффикс.
// Идентификаторы файлов могут содержать любые символы, поэтому
// ключ в имени не используется напрямую.
func recordName(key model.BacklogKey) string {
	sum := sha1.Sum([]byte(key.String())) //nolint:gosec
	return hex.EncodeToString(sum[:]) + RecordSuffix
}

// writeRecord атомарно записывает запись: CBOR → temp → fsync → rename.
func writeRecord(dir string, e *model.BacklogEntry) error {
	data, err := encMode.Marshal(e)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи backlog: %w", err)
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("размер записи backlog (%d байт) превышает максимум (%d байт)", len(data), maxRecordSize)
	}

	path := filepath.Join(dir, recordName(e.BacklogKey))
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return syncDir(dir)
}

// readRecord читает запись из файла.
func readRecord(path string) (*model.BacklogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	var e model.BacklogEntry
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("ошибка десериализации %s: %w", path, err)
	}
	if e.SubscrID == "" || e.FileID == "" {
		return nil, fmt.Errorf("запись %s без ключа", path)
	}
	if filepath.Base(path) != recordName(e.BacklogKey) {
		return nil, fmt.Errorf("имя файла %s не соответствует ключу %s", path, e.BacklogKey)
	}
	return &e, nil
}

// deleteRecord удаляет файл записи. Отсутствующий файл — не ошибка.
func deleteRecord(dir string, key model.BacklogKey) error {
	err := os.Remove(filepath.Join(dir, recordName(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления записи backlog %s: %w", key, err)
	}
	return nil
}

// isRecordFile проверяет, является ли имя файлом записи.
func isRecordFile(name string) bool {
	return strings.HasSuffix(name, RecordSuffix)
}

// syncDir выполняет fsync директории, чтобы rename и удаление пережили сбой питания.
func syncDir(dir string) error {
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
