package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

const fileColumns = `file_id, file_version, disk_id, mime_type, size, checksum, checksum_variant,
	ingestion_date, storage_path, status, discarded, is_replica`

// fileCatalog — реализация FileCatalog.
type fileCatalog struct {
	db DBTX
}

// NewFileCatalog создаёт репозиторий файлов.
func NewFileCatalog(db DBTX) FileCatalog {
	return &fileCatalog{db: db}
}

func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var status string
	err := row.Scan(
		&f.FileID, &f.FileVersion, &f.DiskID, &f.MimeType, &f.Size, &f.Checksum, &f.ChecksumVariant,
		&f.IngestionDate, &f.StoragePath, &status, &f.Discarded, &f.IsReplica,
	)
	if err != nil {
		return nil, err
	}
	f.Status = model.FileStatus(status)
	f.IngestionDate = f.IngestionDate.UTC()
	return f, nil
}

func (r *fileCatalog) NextVersion(ctx context.Context, fileID string) (int, error) {
	query := `
		INSERT INTO file_versions (file_id, latest_version)
		VALUES ($1, 1)
		ON CONFLICT (file_id) DO UPDATE
			SET latest_version = file_versions.latest_version + 1
		RETURNING latest_version`

	var version int
	if err := r.db.QueryRow(ctx, query, fileID).Scan(&version); err != nil {
		return 0, fmt.Errorf("ошибка выделения версии файла %s: %w", fileID, err)
	}
	return version, nil
}

func (r *fileCatalog) Insert(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Exec(ctx, query,
		f.FileID, f.FileVersion, f.DiskID, f.MimeType, f.Size, f.Checksum, f.ChecksumVariant,
		f.IngestionDate.UTC(), f.StoragePath, string(f.Status), f.Discarded, f.IsReplica,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл %s@%d на томе %s уже зарегистрирован",
				ErrConflict, f.FileID, f.FileVersion, f.DiskID)
		}
		return fmt.Errorf("ошибка регистрации файла: %w", err)
	}
	return nil
}

func (r *fileCatalog) Get(ctx context.Context, fileID string, version int, diskID string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE file_id = $1 AND file_version = $2 AND disk_id = $3`

	f, err := scanFile(r.db.QueryRow(ctx, query, fileID, version, diskID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileCatalog) GetMain(ctx context.Context, fileID string, version int) (*model.FileRecord, error) {
	var row pgx.Row
	if version > 0 {
		row = r.db.QueryRow(ctx, `SELECT `+fileColumns+` FROM files
			WHERE file_id = $1 AND file_version = $2 AND NOT is_replica`, fileID, version)
	} else {
		row = r.db.QueryRow(ctx, `SELECT `+fileColumns+` FROM files
			WHERE file_id = $1 AND NOT is_replica
			ORDER BY file_version DESC
			LIMIT 1`, fileID)
	}

	f, err := scanFile(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileCatalog) ListCopies(ctx context.Context, fileID string, version int) ([]*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE file_id = $1 AND file_version = $2
		ORDER BY is_replica, disk_id`

	return r.query(ctx, query, fileID, version)
}

func (r *fileCatalog) GetByPath(ctx context.Context, diskID, storagePath string) (*model.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE disk_id = $1 AND storage_path = $2`

	f, err := scanFile(r.db.QueryRow(ctx, query, diskID, storagePath))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска файла по пути: %w", err)
	}
	return f, nil
}

func (r *fileCatalog) Delete(ctx context.Context, fileID string, version int, diskID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files
		WHERE file_id = $1 AND file_version = $2 AND disk_id = $3`, fileID, version, diskID)
	if err != nil {
		return fmt.Errorf("ошибка удаления записи файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileCatalog) SetDiscarded(ctx context.Context, fileID string, version int, discarded bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE files SET discarded = $3
		WHERE file_id = $1 AND file_version = $2`, fileID, version, discarded)
	if err != nil {
		return fmt.Errorf("ошибка пометки файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildFileWhere строит WHERE-условие и аргументы для фильтрации файлов.
func buildFileWhere(filter FileFilter, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if !filter.IncludeReplicas {
		conditions = append(conditions, "NOT is_replica")
	}
	if !filter.IncludeDiscarded {
		conditions = append(conditions, "NOT discarded")
	}
	if filter.FileID != nil {
		conditions = append(conditions, fmt.Sprintf("file_id = $%d", argNum))
		args = append(args, *filter.FileID)
		argNum++
	}
	if filter.DiskID != nil {
		conditions = append(conditions, fmt.Sprintf("disk_id = $%d", argNum))
		args = append(args, *filter.DiskID)
		argNum++
	}
	if filter.IngestedFrom != nil {
		conditions = append(conditions, fmt.Sprintf("ingestion_date >= $%d", argNum))
		args = append(args, filter.IngestedFrom.UTC())
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *fileCatalog) List(ctx context.Context, filter FileFilter, limit, offset int) ([]*model.FileRecord, error) {
	where, args := buildFileWhere(filter, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT %s
		FROM files
		%s
		ORDER BY ingestion_date, file_id, file_version, is_replica, disk_id
		LIMIT $%d OFFSET $%d`, fileColumns, where, argNum, argNum+1)

	args = append(args, limit, offset)
	return r.query(ctx, query, args...)
}

func (r *fileCatalog) Count(ctx context.Context, filter FileFilter) (int, error) {
	where, args := buildFileWhere(filter, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM files %s`, where)

	var count int
	err := r.db.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}
	return count, nil
}

func (r *fileCatalog) query(ctx context.Context, query string, args ...any) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
