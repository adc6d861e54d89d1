// Пакет repository — каталог архивного узла в PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
//
// Каталог разделён на три узких интерфейса (FileCatalog, DiskCatalog,
// SubscriberCatalog); Catalog собирает их в одно значение, которое
// создаётся при старте и передаётся компонентам явно.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

var (
	ErrNotFound = errors.New("запись каталога не найдена")
	ErrConflict = errors.New("запись каталога уже существует")
)

// FileFilter — фильтр выборки файлов.
type FileFilter struct {
	FileID *string
	DiskID *string
	// IngestedFrom — только файлы, принятые не раньше этого момента
	IngestedFrom *time.Time
	// IncludeReplicas — включать реплики (по умолчанию только основные копии)
	IncludeReplicas bool
	// IncludeDiscarded — включать файлы с пометкой discarded
	IncludeDiscarded bool
}

// FileCatalog — записи о копиях файлов.
type FileCatalog interface {
	// NextVersion атомарно выделяет следующую версию для fileID.
	NextVersion(ctx context.Context, fileID string) (int, error)
	// Insert добавляет запись. Повтор ключа (file_id, file_version, disk_id) — ErrConflict.
	Insert(ctx context.Context, f *model.FileRecord) error
	// Get возвращает копию на конкретном томе.
	Get(ctx context.Context, fileID string, version int, diskID string) (*model.FileRecord, error)
	// GetMain возвращает основную копию; version <= 0 — последняя версия.
	GetMain(ctx context.Context, fileID string, version int) (*model.FileRecord, error)
	// ListCopies возвращает все копии версии (основная первой).
	ListCopies(ctx context.Context, fileID string, version int) ([]*model.FileRecord, error)
	// GetByPath ищет запись по тому и относительному пути.
	GetByPath(ctx context.Context, diskID, storagePath string) (*model.FileRecord, error)
	// Delete удаляет запись о копии (используется только при откате).
	Delete(ctx context.Context, fileID string, version int, diskID string) error
	// SetDiscarded ставит или снимает мягкую пометку удаления на всех копиях версии.
	SetDiscarded(ctx context.Context, fileID string, version int, discarded bool) error
	// List возвращает файлы в порядке времени приёма.
	List(ctx context.Context, filter FileFilter, limit, offset int) ([]*model.FileRecord, error)
	// Count возвращает количество файлов.
	Count(ctx context.Context, filter FileFilter) (int, error)
}

// DiskCatalog — записи о томах.
type DiskCatalog interface {
	// Upsert регистрирует том; флаг completed уже существующей записи сохраняется.
	Upsert(ctx context.Context, d *model.DiskRecord) error
	Get(ctx context.Context, diskID string) (*model.DiskRecord, error)
	List(ctx context.Context) ([]*model.DiskRecord, error)
	UpdateUsage(ctx context.Context, diskID string, total, available int64) error
	MarkCompleted(ctx context.Context, diskID string, at time.Time) error
}

// SubscriberCatalog — подписчики и отметки о доставке.
type SubscriberCatalog interface {
	// Upsert создаёт или обновляет подписчика по SubscrID. Курсор доставки
	// и время создания существующей записи сохраняются, приостановка снимается.
	// Возвращает created = true для новой записи.
	Upsert(ctx context.Context, s *model.Subscriber) (created bool, err error)
	Get(ctx context.Context, subscrID string) (*model.Subscriber, error)
	GetByURL(ctx context.Context, url string) (*model.Subscriber, error)
	// List возвращает подписчиков по возрастанию приоритета.
	List(ctx context.Context) ([]*model.Subscriber, error)
	// Delete удаляет подписчика вместе с отметками о доставке.
	Delete(ctx context.Context, subscrID string) error
	SetSuspended(ctx context.Context, subscrID string, suspended bool, reason string) error
	// RecordDelivery отмечает файл доставленным; если advanceTo не nil,
	// курсор доставки сдвигается вперёд (но не назад) в той же транзакции.
	RecordDelivery(ctx context.Context, subscrID string, key model.FileKey, at time.Time, advanceTo *time.Time) error
	IsDelivered(ctx context.Context, subscrID string, key model.FileKey) (bool, error)
}

// Catalog — каталог узла.
type Catalog struct {
	Files       FileCatalog
	Disks       DiskCatalog
	Subscribers SubscriberCatalog
}

// NewCatalog создаёт каталог поверх пула PostgreSQL.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{
		Files:       NewFileCatalog(pool),
		Disks:       NewDiskCatalog(pool),
		Subscribers: NewSubscriberCatalog(pool, NewTxRunner(pool)),
	}
}

// DBTX — общее подмножество *pgxpool.Pool и pgx.Tx: одни и те же
// запросы выполняются и в транзакции, и без неё.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner открывает транзакции на пуле каталога.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx фиксирует транзакцию, если fn вернула nil, иначе откатывает.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Коды SQLSTATE, которые каталог переводит в доменные ошибки.
const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return sqlState(err) == sqlStateUniqueViolation }

// isForeignKeyViolation — строка-родитель уже удалена.
func isForeignKeyViolation(err error) bool { return sqlState(err) == sqlStateForeignKeyViolation }

// utcPtr приводит время к UTC, сохраняя nil.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
