// archive.go — сервис архивирования: приём тела запроса во временный файл,
// проверка суммы и передача менеджеру фиксации.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/checksum"
	"github.com/arturkryukov/artsore/archive-node/internal/disk"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
)

var (
	archiveRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_archive_requests_total",
		Help: "Количество запросов архивирования по результату",
	}, []string{"result"})

	archiveBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_archive_bytes_total",
		Help: "Объём принятых данных в байтах",
	})

	archiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "an_archive_duration_seconds",
		Help:    "Длительность архивирования",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"mode"})
)

// defaultMimeType — тип, если клиент его не указал и расширение неизвестно.
const defaultMimeType = "application/octet-stream"

// ArchiveParams — параметры архивирования.
type ArchiveParams struct {
	// Body — содержимое файла
	Body io.Reader
	// Filename — исходное имя; из него выводится FileID, если он не задан
	Filename string
	// FileID — явный идентификатор файла
	FileID string
	// MimeType — тип содержимого; если пуст, определяется по расширению
	MimeType string
	// Size — объявленный размер или staging.UnknownSize
	Size int64
	// ChecksumVariant — вариант суммы; пусто — вариант узла
	ChecksumVariant string
	// ExpectedChecksum — сумма, заявленная клиентом (bchecksum)
	ExpectedChecksum string
}

// ArchiveResult — результат архивирования.
type ArchiveResult struct {
	File        *model.FileRecord
	Replication ReplicaOutcome
}

// ArchiveConfig — параметры сервиса архивирования.
type ArchiveConfig struct {
	// ChecksumVariant — вариант суммы узла
	ChecksumVariant string
	// MaxFileSize — максимальный размер одного файла
	MaxFileSize int64
	// Replicate — создавать реплику для каждого файла
	Replicate bool
}

// ArchiveService — сервис архивирования.
type ArchiveService struct {
	cfg     ArchiveConfig
	placer  Placer
	staging *staging.Store
	commit  *CommitManager
	now     func() time.Time
	logger  *slog.Logger

	pullClient *http.Client
}

// NewArchiveService создаёт сервис архивирования.
func NewArchiveService(
	cfg ArchiveConfig,
	placer Placer,
	st *staging.Store,
	cm *CommitManager,
	logger *slog.Logger,
) *ArchiveService {
	return &ArchiveService{
		cfg:     cfg,
		placer:  placer,
		staging: st,
		commit:  cm,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "archive")),
	}
}

// prepared — нормализованные параметры запроса.
type prepared struct {
	fileID   string
	mimeType string
	variant  checksum.Variant
}

// prepare проверяет параметры до выбора тома и первой записи на диск.
func (s *ArchiveService) prepare(fileID, filename, mimeType, variantName string, size int64) (*prepared, error) {
	if variantName == "" {
		variantName = s.cfg.ChecksumVariant
	}
	v, err := checksum.Lookup(variantName)
	if err != nil {
		return nil, err
	}

	if fileID == "" {
		fileID = path.Base(filepath.ToSlash(strings.TrimSpace(filename)))
	}
	if err := validateFileID(fileID); err != nil {
		return nil, err
	}

	if mimeType == "" {
		mimeType = mime.TypeByExtension(path.Ext(fileID))
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	} else {
		return nil, model.E(model.KindValidation, "archive", fmt.Sprintf("некорректный mime_type %q", mimeType), err)
	}

	if size > s.cfg.MaxFileSize {
		return nil, model.E(model.KindValidation, "archive",
			fmt.Sprintf("размер файла %s превышает максимум %s",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.cfg.MaxFileSize))), nil)
	}

	return &prepared{fileID: fileID, mimeType: mimeType, variant: v}, nil
}

// Archive принимает файл из тела запроса.
//
// Последовательность:
//  1. Проверка варианта суммы и параметров (до записи на диск)
//  2. Выбор тома
//  3. Приём потока во временный файл на выбранном томе
//  4. Проверка заявленной суммы
//  5. Фиксация (и реплика)
//  6. Проверка заполнения тома
func (s *ArchiveService) Archive(ctx context.Context, p ArchiveParams) (*ArchiveResult, error) {
	start := time.Now()
	res, err := s.archive(ctx, p, func(h *staging.Handle) error {
		body := io.LimitReader(p.Body, s.cfg.MaxFileSize+1)
		n, err := h.ReadFrom(ctx, body)
		if err != nil {
			return err
		}
		if n > s.cfg.MaxFileSize {
			h.Abort()
			return model.E(model.KindValidation, "archive", "размер файла превышает максимум", nil)
		}
		return nil
	})
	archiveDuration.WithLabelValues("push").Observe(time.Since(start).Seconds())
	return res, err
}

// receiveFunc заполняет временный файл.
type receiveFunc func(h *staging.Handle) error

func (s *ArchiveService) archive(ctx context.Context, p ArchiveParams, receive receiveFunc) (*ArchiveResult, error) {
	pr, err := s.prepare(p.FileID, p.Filename, p.MimeType, p.ChecksumVariant, p.Size)
	if err != nil {
		archiveRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	required := p.Size
	if required < 0 {
		required = 0
	}
	d, err := s.placer.Select(ctx, disk.SelectRequest{MimeType: pr.mimeType, Required: required})
	if err != nil {
		archiveRequestsTotal.WithLabelValues("no_disk").Inc()
		return nil, err
	}

	h, err := s.staging.Begin(staging.Target{DiskID: d.DiskID, MountPoint: d.MountPoint}, p.Size, pr.variant)
	if err != nil {
		archiveRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if err := receive(h); err != nil {
		h.Abort()
		archiveRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	staged, err := h.Finalize(ctx)
	if err != nil {
		archiveRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if p.ExpectedChecksum != "" && !pr.variant.Equal(staged.Digest.Value, p.ExpectedChecksum) {
		removeIfExists(staged.TempPath)
		archiveRequestsTotal.WithLabelValues("checksum_mismatch").Inc()
		return nil, model.E(model.KindChecksumMismatch, "archive", "контрольная сумма не совпадает с заявленной", nil).
			With("expected", p.ExpectedChecksum).
			With("actual", staged.Digest.Value).
			With("variant", pr.variant.Name())
	}

	cr, err := s.commit.Commit(ctx, CommitRequest{
		Staged:        staged,
		FileID:        pr.fileID,
		MimeType:      pr.mimeType,
		IngestionDate: s.now().UTC(),
		Replicate:     s.cfg.Replicate,
	})
	if err != nil {
		archiveRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if _, err := s.placer.CheckCompletion(ctx, d.DiskID); err != nil {
		s.logger.Warn("Ошибка проверки заполнения тома",
			slog.String("disk_id", d.DiskID),
			slog.String("error", err.Error()),
		)
	}

	archiveRequestsTotal.WithLabelValues("ok").Inc()
	archiveBytesTotal.Add(float64(cr.Record.Size))
	s.logger.Info("Файл заархивирован",
		slog.String("file_id", cr.Record.FileID),
		slog.Int("file_version", cr.Record.FileVersion),
		slog.String("disk_id", cr.Record.DiskID),
		slog.String("size", humanize.IBytes(uint64(cr.Record.Size))),
		slog.String("replication", cr.Replica.Status),
	)

	return &ArchiveResult{File: cr.Record, Replication: cr.Replica}, nil
}

// validateFileID проверяет идентификатор файла.
func validateFileID(id string) error {
	if id == "" || id == "." || id == "/" {
		return model.E(model.KindValidation, "archive", "не указан file_id или filename", nil)
	}
	if len(id) > 255 {
		return model.E(model.KindValidation, "archive", "file_id длиннее 255 символов", nil)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return model.E(model.KindValidation, "archive", "file_id содержит управляющие символы", nil)
		}
	}
	return nil
}
