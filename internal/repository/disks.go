package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

const diskColumns = `disk_id, mount_point, total_bytes, available_bytes, completed, completion_date,
	mime_types, replica_only, updated_at`

// diskCatalog — реализация DiskCatalog.
type diskCatalog struct {
	db DBTX
}

// NewDiskCatalog создаёт репозиторий томов.
func NewDiskCatalog(db DBTX) DiskCatalog {
	return &diskCatalog{db: db}
}

func scanDisk(row pgx.Row) (*model.DiskRecord, error) {
	d := &model.DiskRecord{}
	err := row.Scan(
		&d.DiskID, &d.MountPoint, &d.TotalBytes, &d.AvailableBytes, &d.Completed, &d.CompletionDate,
		&d.MimeTypes, &d.ReplicaOnly, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.CompletionDate = utcPtr(d.CompletionDate)
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (r *diskCatalog) Upsert(ctx context.Context, d *model.DiskRecord) error {
	query := `
		INSERT INTO disks (disk_id, mount_point, total_bytes, available_bytes, mime_types, replica_only, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (disk_id) DO UPDATE SET
			mount_point = EXCLUDED.mount_point,
			total_bytes = EXCLUDED.total_bytes,
			available_bytes = EXCLUDED.available_bytes,
			mime_types = EXCLUDED.mime_types,
			replica_only = EXCLUDED.replica_only,
			updated_at = NOW()
		RETURNING completed, completion_date, updated_at`

	mimeTypes := d.MimeTypes
	if mimeTypes == nil {
		mimeTypes = []string{}
	}
	err := r.db.QueryRow(ctx, query,
		d.DiskID, d.MountPoint, d.TotalBytes, d.AvailableBytes, mimeTypes, d.ReplicaOnly,
	).Scan(&d.Completed, &d.CompletionDate, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка регистрации тома: %w", err)
	}
	return nil
}

func (r *diskCatalog) Get(ctx context.Context, diskID string) (*model.DiskRecord, error) {
	d, err := scanDisk(r.db.QueryRow(ctx, `SELECT `+diskColumns+` FROM disks WHERE disk_id = $1`, diskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения тома: %w", err)
	}
	return d, nil
}

func (r *diskCatalog) List(ctx context.Context) ([]*model.DiskRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+diskColumns+` FROM disks ORDER BY disk_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка томов: %w", err)
	}
	defer rows.Close()

	var result []*model.DiskRecord
	for rows.Next() {
		d, err := scanDisk(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования тома: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *diskCatalog) UpdateUsage(ctx context.Context, diskID string, total, available int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE disks SET total_bytes = $2, available_bytes = $3, updated_at = NOW()
		WHERE disk_id = $1`, diskID, total, available)
	if err != nil {
		return fmt.Errorf("ошибка обновления места тома: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *diskCatalog) MarkCompleted(ctx context.Context, diskID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE disks SET completed = TRUE, completion_date = COALESCE(completion_date, $2), updated_at = NOW()
		WHERE disk_id = $1`, diskID, at.UTC())
	if err != nil {
		return fmt.Errorf("ошибка пометки тома заполненным: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
