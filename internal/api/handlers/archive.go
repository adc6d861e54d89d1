// archive.go — команды приёма и выдачи файлов: ARCHIVE, QARCHIVE, RETRIEVE,
// DISCARD, FILELIST.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/arturkryukov/artsore/archive-node/internal/api/errors"
	"github.com/arturkryukov/artsore/archive-node/internal/api/middleware"
	"github.com/arturkryukov/artsore/archive-node/internal/delivery"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/service"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
)

// statusSuccess — значение поля status успешного ответа.
const statusSuccess = "SUCCESS"

// Archiver — приём файлов.
type Archiver interface {
	Archive(ctx context.Context, p service.ArchiveParams) (*service.ArchiveResult, error)
	Pull(ctx context.Context, p service.PullParams) (*service.ArchiveResult, error)
}

// FileStore — чтение каталога и копий файлов.
type FileStore interface {
	Open(ctx context.Context, fileID string, version int) (*service.Retrieved, error)
	Discard(ctx context.Context, fileID string, version int, discarded bool) (*model.FileRecord, error)
	List(ctx context.Context, filter repository.FileFilter, limit, offset int) ([]*model.FileRecord, int, error)
}

// ArchiveHandler — обработчик команд над файлами.
type ArchiveHandler struct {
	archiver    Archiver
	files       FileStore
	maxFileSize int64
	logger      *slog.Logger
}

// NewArchiveHandler создаёт обработчик.
func NewArchiveHandler(archiver Archiver, files FileStore, maxFileSize int64, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archiver:    archiver,
		files:       files,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "archive_handler")),
	}
}

// archiveResponse — ответ ARCHIVE/QARCHIVE.
type archiveResponse struct {
	Status          string                 `json:"status"`
	FileID          string                 `json:"file_id"`
	FileVersion     int                    `json:"file_version"`
	Checksum        string                 `json:"checksum"`
	ChecksumVariant string                 `json:"checksum_variant"`
	DiskID          string                 `json:"disk_id"`
	Size            int64                  `json:"size"`
	MimeType        string                 `json:"mime_type"`
	IngestionDate   time.Time              `json:"ingestion_date"`
	Replication     service.ReplicaOutcome `json:"replication"`
}

func newArchiveResponse(res *service.ArchiveResult) archiveResponse {
	f := res.File
	return archiveResponse{
		Status:          statusSuccess,
		FileID:          f.FileID,
		FileVersion:     f.FileVersion,
		Checksum:        f.Checksum,
		ChecksumVariant: f.ChecksumVariant,
		DiskID:          f.DiskID,
		Size:            f.Size,
		MimeType:        f.MimeType,
		IngestionDate:   f.IngestionDate,
		Replication:     res.Replication,
	}
}

// Archive обрабатывает POST /ARCHIVE и PUT /QARCHIVE.
// С параметром fileUri узел сам забирает файл по ссылке, иначе
// содержимое читается из тела запроса.
func (h *ArchiveHandler) Archive(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	fileURI := q.str("fileUri")
	streams := q.optInt("bnum_streams")
	if q.err != nil {
		apierrors.ValidationError(w, q.err.Error())
		return
	}

	var (
		res *service.ArchiveResult
		err error
	)
	if fileURI != "" {
		p := service.PullParams{
			URL:              fileURI,
			FileID:           q.str("file_id"),
			MimeType:         q.str("mime_type"),
			ChecksumVariant:  q.str("crc_variant"),
			ExpectedChecksum: q.str("bchecksum"),
			Streams:          1,
		}
		if streams != nil {
			p.Streams = *streams
		}
		res, err = h.archiver.Pull(r.Context(), p)
	} else {
		if r.ContentLength > h.maxFileSize {
			apierrors.FileTooLarge(w, fmt.Sprintf("Размер файла %d превышает максимум %d", r.ContentLength, h.maxFileSize))
			return
		}
		size := r.ContentLength
		if size < 0 {
			size = staging.UnknownSize
		}
		res, err = h.archiver.Archive(r.Context(), service.ArchiveParams{
			Body:             r.Body,
			Filename:         filenameOf(r, q),
			FileID:           q.str("file_id"),
			MimeType:         mimeTypeOf(r, q),
			Size:             size,
			ChecksumVariant:  q.str("crc_variant"),
			ExpectedChecksum: q.str("bchecksum"),
		})
	}
	if err != nil {
		h.logger.Warn("Архивирование отклонено",
			slog.String("file_id", q.str("file_id")),
			slog.String("subject", middleware.SubjectFromContext(r.Context())),
			slog.String("code", model.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		apierrors.FromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newArchiveResponse(res))
}

// filenameOf — имя файла из параметра filename или заголовка Content-Disposition.
func filenameOf(r *http.Request, q *query) string {
	if name := q.str("filename"); name != "" {
		return name
	}
	if cd := r.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			return params["filename"]
		}
	}
	return ""
}

// mimeTypeOf — тип из параметра mime_type или заголовка Content-Type.
// Общий application/octet-stream не учитывается: тогда тип выводится из расширения.
func mimeTypeOf(r *http.Request, q *query) string {
	if mt := q.str("mime_type"); mt != "" {
		return mt
	}
	ct := r.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "application/octet-stream" {
		return mt
	}
	return ""
}

// Retrieve обрабатывает GET /RETRIEVE: отдаёт содержимое версии файла
// (последней, если file_version не задан). Поддерживаются Range-запросы.
func (h *ArchiveHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	fileID := q.str("file_id")
	version := q.optInt("file_version")
	if q.err != nil {
		apierrors.ValidationError(w, q.err.Error())
		return
	}
	if fileID == "" {
		apierrors.ValidationError(w, "Не указан file_id")
		return
	}

	got, err := h.files.Open(r.Context(), fileID, deref(version))
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	defer got.File.Close()

	rec := got.Record
	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.FileID}))
	w.Header().Set(delivery.HeaderFileID, rec.FileID)
	w.Header().Set(delivery.HeaderFileVersion, strconv.Itoa(rec.FileVersion))
	w.Header().Set(delivery.HeaderChecksum, rec.Checksum)
	w.Header().Set(delivery.HeaderChecksumVariant, rec.ChecksumVariant)

	http.ServeContent(w, r, rec.FileID, rec.IngestionDate, got.File)
}

// discardResponse — ответ DISCARD.
type discardResponse struct {
	Status      string `json:"status"`
	FileID      string `json:"file_id"`
	FileVersion int    `json:"file_version"`
	Discarded   bool   `json:"discarded"`
}

// Discard обрабатывает POST /DISCARD. С undo=true пометка снимается.
func (h *ArchiveHandler) Discard(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	fileID := q.str("file_id")
	version := q.optInt("file_version")
	undo := q.optBool("undo")
	if q.err != nil {
		apierrors.ValidationError(w, q.err.Error())
		return
	}
	if fileID == "" {
		apierrors.ValidationError(w, "Не указан file_id")
		return
	}

	discarded := undo == nil || !*undo
	rec, err := h.files.Discard(r.Context(), fileID, deref(version), discarded)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, discardResponse{
		Status:      statusSuccess,
		FileID:      rec.FileID,
		FileVersion: rec.FileVersion,
		Discarded:   rec.Discarded,
	})
}

// fileListResponse — страница каталога.
type fileListResponse struct {
	Files  []*model.FileRecord `json:"files"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// FileList обрабатывает GET /FILELIST.
func (h *ArchiveHandler) FileList(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	limit, offset := q.page()
	replicas := q.optBool("include_replicas")
	discarded := q.optBool("include_discarded")
	if q.err != nil {
		apierrors.ValidationError(w, q.err.Error())
		return
	}

	filter := repository.FileFilter{
		IncludeReplicas:  replicas != nil && *replicas,
		IncludeDiscarded: discarded != nil && *discarded,
	}
	if id := q.str("file_id"); id != "" {
		filter.FileID = &id
	}

	files, total, err := h.files.List(r.Context(), filter, limit, offset)
	if err != nil {
		apierrors.FromError(w, err)
		return
	}
	if files == nil {
		files = []*model.FileRecord{}
	}

	writeJSON(w, http.StatusOK, fileListResponse{
		Files:  files,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
