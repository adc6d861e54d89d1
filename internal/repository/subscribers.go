package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

const subscriberColumns = `subscr_id, url, priority, concurrent_threads, start_date, filter_plug_in,
	plug_in_pars, last_delivered_at, suspended, suspend_reason, created_at, updated_at`

// subscriberCatalog — реализация SubscriberCatalog.
type subscriberCatalog struct {
	db DBTX
	tx *TxRunner
}

// NewSubscriberCatalog создаёт репозиторий подписчиков.
// tx может быть nil: тогда составные операции выполняются без транзакции.
func NewSubscriberCatalog(db DBTX, tx *TxRunner) SubscriberCatalog {
	return &subscriberCatalog{db: db, tx: tx}
}

func scanSubscriber(row pgx.Row) (*model.Subscriber, error) {
	s := &model.Subscriber{}
	err := row.Scan(
		&s.SubscrID, &s.URL, &s.Priority, &s.ConcurrentThreads, &s.StartDate, &s.FilterPlugIn,
		&s.PlugInPars, &s.LastDeliveredAt, &s.Suspended, &s.SuspendReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.StartDate = s.StartDate.UTC()
	s.LastDeliveredAt = utcPtr(s.LastDeliveredAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func (r *subscriberCatalog) Upsert(ctx context.Context, s *model.Subscriber) (bool, error) {
	query := `
		INSERT INTO subscribers (subscr_id, url, priority, concurrent_threads, start_date,
			filter_plug_in, plug_in_pars, suspended, suspend_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, '', NOW(), NOW())
		ON CONFLICT (subscr_id) DO UPDATE SET
			url = EXCLUDED.url,
			priority = EXCLUDED.priority,
			concurrent_threads = EXCLUDED.concurrent_threads,
			start_date = EXCLUDED.start_date,
			filter_plug_in = EXCLUDED.filter_plug_in,
			plug_in_pars = EXCLUDED.plug_in_pars,
			suspended = FALSE,
			suspend_reason = '',
			updated_at = NOW()
		RETURNING (xmax = 0) AS is_insert, last_delivered_at, created_at, updated_at`

	var created bool
	err := r.db.QueryRow(ctx, query,
		s.SubscrID, s.URL, s.Priority, s.ConcurrentThreads, s.StartDate.UTC(),
		s.FilterPlugIn, s.PlugInPars,
	).Scan(&created, &s.LastDeliveredAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: URL %s уже используется другим подписчиком", ErrConflict, s.URL)
		}
		return false, fmt.Errorf("ошибка сохранения подписчика: %w", err)
	}
	s.Suspended = false
	s.SuspendReason = ""
	return created, nil
}

func (r *subscriberCatalog) Get(ctx context.Context, subscrID string) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE subscr_id = $1`, subscrID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения подписчика: %w", err)
	}
	return s, nil
}

func (r *subscriberCatalog) GetByURL(ctx context.Context, url string) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE url = $1`, url))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения подписчика: %w", err)
	}
	return s, nil
}

func (r *subscriberCatalog) List(ctx context.Context) ([]*model.Subscriber, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers ORDER BY priority, subscr_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка подписчиков: %w", err)
	}
	defer rows.Close()

	var result []*model.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования подписчика: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *subscriberCatalog) Delete(ctx context.Context, subscrID string) error {
	// deliveries удаляются каскадно
	tag, err := r.db.Exec(ctx, `DELETE FROM subscribers WHERE subscr_id = $1`, subscrID)
	if err != nil {
		return fmt.Errorf("ошибка удаления подписчика: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriberCatalog) SetSuspended(ctx context.Context, subscrID string, suspended bool, reason string) error {
	if !suspended {
		reason = ""
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE subscribers SET suspended = $2, suspend_reason = $3, updated_at = NOW()
		WHERE subscr_id = $1`, subscrID, suspended, reason)
	if err != nil {
		return fmt.Errorf("ошибка изменения приостановки подписчика: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriberCatalog) RecordDelivery(ctx context.Context, subscrID string, key model.FileKey, at time.Time, advanceTo *time.Time) error {
	record := func(db DBTX) error {
		_, err := db.Exec(ctx, `
			INSERT INTO deliveries (subscr_id, file_id, file_version, delivered_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (subscr_id, file_id, file_version) DO UPDATE SET delivered_at = EXCLUDED.delivered_at`,
			subscrID, key.FileID, key.FileVersion, at.UTC())
		if err != nil {
			// Подписчик удалён, пока передача была в полёте
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка записи доставки: %w", err)
		}
		if advanceTo == nil {
			return nil
		}
		_, err = db.Exec(ctx, `
			UPDATE subscribers SET last_delivered_at = $2
			WHERE subscr_id = $1 AND (last_delivered_at IS NULL OR last_delivered_at < $2)`,
			subscrID, advanceTo.UTC())
		if err != nil {
			return fmt.Errorf("ошибка сдвига курсора доставки: %w", err)
		}
		return nil
	}

	if r.tx == nil {
		return record(r.db)
	}
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return record(tx)
	})
}

func (r *subscriberCatalog) IsDelivered(ctx context.Context, subscrID string, key model.FileKey) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM deliveries WHERE subscr_id = $1 AND file_id = $2 AND file_version = $3)`,
		subscrID, key.FileID, key.FileVersion).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки доставки: %w", err)
	}
	return exists, nil
}
