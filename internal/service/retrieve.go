// retrieve.go — выдача зафиксированных файлов, пометка discarded и листинг каталога.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/cache"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
)

var retrieveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "an_retrieve_total",
	Help: "Количество выдач файлов по источнику копии",
}, []string{"source"})

// Retrieved — открытая копия файла. Вызывающий закрывает File.
type Retrieved struct {
	Record *model.FileRecord
	Path   string
	File   *os.File
}

// RetrieveService — чтение каталога и файлов.
type RetrieveService struct {
	files  repository.FileCatalog
	disks  repository.DiskCatalog
	cache  *cache.FileCache
	logger *slog.Logger

	mu        sync.Mutex
	listeners []CommitListener
}

// NewRetrieveService создаёт сервис. fc может быть nil.
func NewRetrieveService(files repository.FileCatalog, disks repository.DiskCatalog, fc *cache.FileCache, logger *slog.Logger) *RetrieveService {
	return &RetrieveService{
		files:  files,
		disks:  disks,
		cache:  fc,
		logger: logger.With(slog.String("component", "retrieve")),
	}
}

// AddListener регистрирует получателя событий о снятии пометки discarded:
// восстановленный файл снова подлежит доставке.
func (s *RetrieveService) AddListener(l CommitListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Open открывает копию версии файла; version <= 0 — последняя версия.
// Основная копия предпочтительна; если её файл недоступен, используется реплика.
func (s *RetrieveService) Open(ctx context.Context, fileID string, version int) (*Retrieved, error) {
	main, err := s.files.GetMain(ctx, fileID, version)
	if err != nil {
		return nil, notFoundOr(err, fileID, version)
	}
	if main.Discarded {
		return nil, model.E(model.KindNotFound, "retrieve", "файл помечен как discarded", nil).
			With("file_id", fileID)
	}

	copies, err := s.files.ListCopies(ctx, main.FileID, main.FileVersion)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения копий %s@%d: %w", fileID, main.FileVersion, err)
	}

	for _, c := range copies {
		path, err := s.resolve(ctx, c)
		if err != nil {
			s.logger.Warn("Том копии недоступен",
				slog.String("file_id", c.FileID),
				slog.String("disk_id", c.DiskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			s.logger.Warn("Копия файла недоступна",
				slog.String("path", path),
				slog.Bool("replica", c.IsReplica),
				slog.String("error", err.Error()),
			)
			continue
		}
		source := "main"
		if c.IsReplica {
			source = "replica"
		}
		retrieveTotal.WithLabelValues(source).Inc()
		return &Retrieved{Record: c, Path: path, File: f}, nil
	}

	retrieveTotal.WithLabelValues("missing").Inc()
	return nil, model.E(model.KindNotFound, "retrieve", "ни одна копия файла не доступна", nil).
		With("file_id", fileID).
		With("file_version", fmt.Sprint(main.FileVersion))
}

// resolve возвращает абсолютный путь копии.
func (s *RetrieveService) resolve(ctx context.Context, rec *model.FileRecord) (string, error) {
	d, err := s.disks.Get(ctx, rec.DiskID)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.MountPoint, filepath.FromSlash(rec.StoragePath)), nil
}

// Discard ставит или снимает пометку discarded на всех копиях версии.
func (s *RetrieveService) Discard(ctx context.Context, fileID string, version int, discarded bool) (*model.FileRecord, error) {
	main, err := s.files.GetMain(ctx, fileID, version)
	if err != nil {
		return nil, notFoundOr(err, fileID, version)
	}
	if err := s.files.SetDiscarded(ctx, main.FileID, main.FileVersion, discarded); err != nil {
		return nil, notFoundOr(err, fileID, version)
	}
	if s.cache != nil {
		s.cache.Invalidate(main.Key())
	}
	wasDiscarded := main.Discarded
	main.Discarded = discarded
	s.logger.Info("Пометка discarded изменена",
		slog.String("file_id", main.FileID),
		slog.Int("file_version", main.FileVersion),
		slog.Bool("discarded", discarded),
	)
	if wasDiscarded && !discarded {
		s.mu.Lock()
		listeners := append([]CommitListener(nil), s.listeners...)
		s.mu.Unlock()
		for _, l := range listeners {
			l.OnFileCommitted(ctx, main.Clone())
		}
	}
	return main, nil
}

// List возвращает страницу каталога и общее количество.
func (s *RetrieveService) List(ctx context.Context, filter repository.FileFilter, limit, offset int) ([]*model.FileRecord, int, error) {
	files, err := s.files.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.files.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func notFoundOr(err error, fileID string, version int) error {
	if errors.Is(err, repository.ErrNotFound) {
		return model.E(model.KindNotFound, "retrieve", "файл не найден", err).
			With("file_id", fileID).
			With("file_version", fmt.Sprint(version))
	}
	return err
}
