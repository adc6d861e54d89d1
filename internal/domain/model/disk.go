package model

import (
	"strings"
	"time"
)

// DiskRecord — запись каталога о томе (диске) архивного узла.
type DiskRecord struct {
	// DiskID — идентификатор из файла .ngas_volume_info
	DiskID string `json:"disk_id"`
	// MountPoint — абсолютный путь к корню тома
	MountPoint string `json:"mount_point"`
	// TotalBytes — ёмкость тома по последней проверке
	TotalBytes int64 `json:"total_bytes"`
	// AvailableBytes — свободное место по последней проверке (оценка)
	AvailableBytes int64 `json:"available_bytes"`
	// Completed — том заполнен и исключён из выбора
	Completed bool `json:"completed"`
	// CompletionDate — когда том был помечен заполненным
	CompletionDate *time.Time `json:"completion_date,omitempty"`
	// MimeTypes — привязка к MIME-типам; пусто — принимает любые
	MimeTypes []string `json:"mime_types,omitempty"`
	// ReplicaOnly — том используется только для реплик
	ReplicaOnly bool `json:"replica_only"`
	// UpdatedAt — время последнего обновления записи
	UpdatedAt time.Time `json:"updated_at"`
}

// Accepts проверяет привязку тома к MIME-типу.
// Поддерживаются точное совпадение, "*" и шаблон вида "image/*".
func (d *DiskRecord) Accepts(mimeType string) bool {
	if len(d.MimeTypes) == 0 {
		return true
	}
	mimeType = strings.ToLower(mimeType)
	for _, mt := range d.MimeTypes {
		mt = strings.ToLower(strings.TrimSpace(mt))
		switch {
		case mt == "*" || mt == "*/*":
			return true
		case strings.HasSuffix(mt, "/*"):
			if strings.HasPrefix(mimeType, strings.TrimSuffix(mt, "*")) {
				return true
			}
		case mt == mimeType:
			return true
		}
	}
	return false
}

// Clone возвращает независимую копию записи.
func (d *DiskRecord) Clone() *DiskRecord {
	c := *d
	if d.MimeTypes != nil {
		c.MimeTypes = append([]string(nil), d.MimeTypes...)
	}
	if d.CompletionDate != nil {
		t := *d.CompletionDate
		c.CompletionDate = &t
	}
	return &c
}
