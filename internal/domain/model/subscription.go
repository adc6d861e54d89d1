package model

import (
	"fmt"
	"time"
)

// Subscriber — зарегистрированный получатель новых файлов.
type Subscriber struct {
	// SubscrID — идентификатор; по умолчанию хэш URL
	SubscrID string `json:"subscr_id"`
	// URL — адрес, на который отправляются файлы
	URL string `json:"url"`
	// Priority — меньшее значение обслуживается раньше
	Priority int `json:"priority"`
	// ConcurrentThreads — максимум одновременных передач (>= 1)
	ConcurrentThreads int `json:"concurrent_threads"`
	// StartDate — доставляются только файлы, принятые не раньше этого момента
	StartDate time.Time `json:"start_date"`
	// FilterPlugIn — имя фильтра (пусто — все файлы)
	FilterPlugIn string `json:"filter_plug_in,omitempty"`
	// PlugInPars — параметры фильтра в форме "k1=v1,k2=v2"
	PlugInPars string `json:"plug_in_pars,omitempty"`
	// LastDeliveredAt — курсор доставки: время приёма последнего
	// доставленного файла, перед которым в backlog ничего не осталось
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`
	// Suspended — доставка приостановлена после постоянной ошибки
	Suspended bool `json:"suspended"`
	// SuspendReason — причина приостановки
	SuspendReason string    `json:"suspend_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone возвращает независимую копию подписчика.
func (s *Subscriber) Clone() *Subscriber {
	c := *s
	if s.LastDeliveredAt != nil {
		t := *s.LastDeliveredAt
		c.LastDeliveredAt = &t
	}
	return &c
}

// BacklogState — состояние обязательства доставки.
type BacklogState string

const (
	// BacklogPending — ожидает доставки или повтора
	BacklogPending BacklogState = "pending"
	// BacklogFailed — превышен порог повторов, требуется ручной разбор
	BacklogFailed BacklogState = "failed"
)

// BacklogKey — идентичность записи backlog.
type BacklogKey struct {
	SubscrID    string `json:"subscr_id"`
	FileID      string `json:"file_id"`
	FileVersion int    `json:"file_version"`
}

// String возвращает ключ в виде "subscr/file_id@version".
func (k BacklogKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.SubscrID, k.FileID, k.FileVersion)
}

// FileKey возвращает ключ файла без подписчика.
func (k BacklogKey) FileKey() FileKey {
	return FileKey{FileID: k.FileID, FileVersion: k.FileVersion}
}

// BacklogEntry — недоставленная пара (подписчик, файл).
// Наличие записи — единственный признак того, что файл ещё не доставлен.
type BacklogEntry struct {
	BacklogKey
	// IngestionDate — время приёма файла, задаёт приблизительный порядок доставки
	IngestionDate time.Time `json:"ingestion_date"`
	// Attempts — количество неудачных попыток
	Attempts int `json:"attempts"`
	// LastError — текст последней ошибки
	LastError string `json:"last_error,omitempty"`
	// NextAttemptAt — раньше этого момента запись не является кандидатом
	NextAttemptAt time.Time `json:"next_attempt_at"`
	// State — pending или failed
	State BacklogState `json:"state"`
	// CreatedAt — время создания записи
	CreatedAt time.Time `json:"created_at"`
}

// Clone возвращает независимую копию записи.
func (e *BacklogEntry) Clone() *BacklogEntry {
	c := *e
	return &c
}
