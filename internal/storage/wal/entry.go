// Пакет wal — журнал намерений фиксации (intent log).
//
// Каждое намерение — отдельный файл {intent_id}.wal.json в AN_WAL_DIR.
// Запись создаётся до первого изменения файловой системы и обновляется
// при каждом переходе состояния, поэтому после сбоя восстановление
// видит последнее достигнутое состояние и все пути, нужные для
// завершения или отката.
package wal

import (
	"path/filepath"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/commit"
)

// Placement — размещение одной копии: временный и итоговый путь на томе.
type Placement struct {
	// DiskID — идентификатор тома
	DiskID string `json:"disk_id"`
	// MountPoint — корень тома
	MountPoint string `json:"mount_point"`
	// StagingPath — абсолютный путь временного файла
	StagingPath string `json:"staging_path"`
	// RelativePath — итоговый путь относительно MountPoint
	RelativePath string `json:"relative_path"`
}

// FinalPath возвращает абсолютный итоговый путь копии.
func (p Placement) FinalPath() string {
	return filepath.Join(p.MountPoint, filepath.FromSlash(p.RelativePath))
}

// Entry — запись журнала намерений.
type Entry struct {
	// IntentID — уникальный идентификатор намерения (UUID v4)
	IntentID string `json:"intent_id"`

	// State — последнее достигнутое состояние
	State commit.State `json:"state"`

	FileID          string    `json:"file_id"`
	FileVersion     int       `json:"file_version"`
	MimeType        string    `json:"mime_type"`
	Size            int64     `json:"size"`
	Checksum        string    `json:"checksum"`
	ChecksumVariant string    `json:"checksum_variant"`
	IngestionDate   time.Time `json:"ingestion_date"`

	// Main — основная копия
	Main Placement `json:"main"`

	// ReplicaRequired — на момент начала фиксации репликация была включена
	ReplicaRequired bool `json:"replica_required"`

	// Replica — размещение реплики, заполняется после выбора тома
	Replica *Placement `json:"replica,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// History — пройденные переходы
	History []commit.Transition `json:"history,omitempty"`

	// LastError — последняя ошибка, из-за которой фиксация остановилась
	LastError string `json:"last_error,omitempty"`
}

// Clone возвращает независимую копию записи.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Replica != nil {
		r := *e.Replica
		c.Replica = &r
	}
	c.History = append([]commit.Transition(nil), e.History...)
	return &c
}

const walSuffix = ".wal.json"

func walFileName(intentID string) string {
	return intentID + walSuffix
}
