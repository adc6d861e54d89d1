// Пакет model — доменные модели архивного узла.
// FileRecord и DiskRecord соответствуют строкам каталога,
// Subscriber и BacklogEntry — подсистеме доставки по подписке.
package model

import (
	"fmt"
	"time"
)

// FileStatus — статус файла в каталоге.
type FileStatus string

const (
	// FileStatusStaged — данные приняты, но ещё не закоммичены
	FileStatusStaged FileStatus = "staged"
	// FileStatusCommitted — файл зарегистрирован в каталоге и доступен
	FileStatusCommitted FileStatus = "committed"
)

// FileRecord — запись каталога о копии файла на конкретном диске.
// Идентичность: (FileID, FileVersion, DiskID).
//
// Реплика (ReplicaRecord) хранится в том же виде с IsReplica = true
// и создаётся только после коммита основной копии.
type FileRecord struct {
	// FileID — идентификатор файла, заданный клиентом или выведенный из имени
	FileID string `json:"file_id"`
	// FileVersion — версия, монотонно растёт для каждого FileID
	FileVersion int `json:"file_version"`
	// DiskID — диск, на котором лежит копия
	DiskID string `json:"disk_id"`
	// MimeType — MIME-тип содержимого
	MimeType string `json:"mime_type"`
	// Size — размер в байтах
	Size int64 `json:"size"`
	// Checksum — значение контрольной суммы
	Checksum string `json:"checksum"`
	// ChecksumVariant — алгоритм, которым посчитана Checksum
	ChecksumVariant string `json:"checksum_variant"`
	// IngestionDate — момент приёма файла (UTC)
	IngestionDate time.Time `json:"ingestion_date"`
	// StoragePath — путь относительно точки монтирования диска
	StoragePath string `json:"storage_path"`
	// Status — staged или committed
	Status FileStatus `json:"status"`
	// Discarded — мягкая пометка удаления
	Discarded bool `json:"discarded"`
	// IsReplica — избыточная копия
	IsReplica bool `json:"is_replica"`
}

// FileKey — пара (FileID, FileVersion), общая для основной копии и реплик.
type FileKey struct {
	FileID      string
	FileVersion int
}

// String возвращает ключ в виде "file_id@version".
func (k FileKey) String() string {
	return fmt.Sprintf("%s@%d", k.FileID, k.FileVersion)
}

// Key возвращает FileKey записи.
func (f *FileRecord) Key() FileKey {
	return FileKey{FileID: f.FileID, FileVersion: f.FileVersion}
}

// Clone возвращает независимую копию записи.
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	return &c
}
