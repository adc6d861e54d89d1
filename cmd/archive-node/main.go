// Archive Node — узел архива: приём, хранение, репликация и рассылка файлов.
// Точка входа: загрузка конфигурации, восстановление после сбоя,
// запуск фоновых сервисов и HTTP-сервера.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/arturkryukov/artsore/archive-node/internal/api/handlers"
	"github.com/arturkryukov/artsore/archive-node/internal/api/middleware"
	"github.com/arturkryukov/artsore/archive-node/internal/cache"
	"github.com/arturkryukov/artsore/archive-node/internal/config"
	"github.com/arturkryukov/artsore/archive-node/internal/database"
	"github.com/arturkryukov/artsore/archive-node/internal/delivery"
	"github.com/arturkryukov/artsore/archive-node/internal/disk"
	"github.com/arturkryukov/artsore/archive-node/internal/lock"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/repository/memrepo"
	"github.com/arturkryukov/artsore/archive-node/internal/server"
	"github.com/arturkryukov/artsore/archive-node/internal/service"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/backlog"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/wal"
	"github.com/arturkryukov/artsore/archive-node/internal/subscription"
)

// lockWait — сколько ждать освобождения блокировки узла
// (перекрытие старого и нового процесса при перезапуске).
const lockWait = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Archive Node завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// 1. Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		// Логгер ещё не настроен — используем стандартный
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		return err
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Archive Node запускается",
		slog.String("version", config.Version),
		slog.String("node_id", cfg.NodeID),
		slog.Int("port", cfg.Port),
		slog.String("catalog", cfg.Catalog),
		slog.String("checksum", cfg.ChecksumVariant),
		slog.Bool("replication", cfg.Replication),
	)

	ctx := context.Background()

	// 3. Блокировка узла: второй процесс на тех же томах не запускается
	nodeLock, err := lock.Acquire(ctx, cfg.VolumesRoot, cfg.NodeID, lockWait, logger)
	if err != nil {
		return fmt.Errorf("ошибка блокировки узла: %w", err)
	}
	defer func() {
		if err := nodeLock.Release(); err != nil {
			logger.Warn("Ошибка снятия блокировки узла", slog.String("error", err.Error()))
		}
	}()

	// 4. Уведомления оператора
	var sender notify.Sender
	if cfg.NotifySMTPAddr != "" {
		sender = notify.NewSMTPSender(cfg.NotifySMTPAddr, cfg.NotifyFrom, cfg.NotifyTo, cfg.NodeID, nil)
	}
	notifier := notify.NewDispatcher(sender, cfg.NotifyRate, logger)

	// 5. Каталог: PostgreSQL (миграции + пул) или память
	var (
		catalog   *repository.Catalog
		pool      *pgxpool.Pool
		readiness handlers.ReadinessChecker
	)
	switch cfg.Catalog {
	case config.CatalogPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			return fmt.Errorf("ошибка миграций: %w", err)
		}
		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		catalog = repository.NewCatalog(pool)
		readiness = database.NewReadinessChecker(pool)
	default:
		logger.Warn("Каталог в памяти: записи о файлах не переживут перезапуск")
		catalog = memrepo.NewCatalog()
	}

	// 6. Тома: обнаружение, разметка, регистрация в каталоге
	layout, err := config.LoadVolumeLayout(cfg.VolumesFile)
	if err != nil {
		return err
	}
	options := make(map[string]disk.VolumeOptions, len(layout.Volumes))
	for _, v := range layout.Volumes {
		options[v.Name] = disk.VolumeOptions{
			MimeTypes:   v.MimeTypes,
			ReplicaOnly: v.Replication == "replica",
		}
	}
	disks, err := disk.Discover(cfg.VolumesRoot, options, cfg.Hostname, nil, time.Now())
	if err != nil {
		return fmt.Errorf("ошибка обнаружения томов: %w", err)
	}
	if len(disks) == 0 {
		logger.Warn("Не найдено ни одного тома", slog.String("root", cfg.VolumesRoot))
	}

	strategy, err := disk.ParseStrategy(cfg.AllocationStrategy)
	if err != nil {
		return err
	}
	allocator := disk.NewAllocator(catalog.Disks, disk.Config{
		Strategy:       strategy,
		ThresholdBytes: cfg.FreeSpaceThreshold,
		WarningBytes:   cfg.FreeSpaceWarning,
	}, notifier, logger)
	if err := allocator.Register(ctx, disks); err != nil {
		return err
	}
	logger.Info("Тома зарегистрированы", slog.Int("count", len(disks)))

	// 7. Журнал намерений и промежуточное хранилище
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации WAL: %w", err)
	}
	stagingStore := staging.New(cfg.ChecksumBlockSize, logger)

	// 8. Менеджер фиксации и репликация
	var replicator *service.Replicator
	if cfg.Replication {
		replicator = service.NewReplicator(journal, catalog.Files, allocator, stagingStore,
			notifier, cfg.ChecksumBlockSize, logger)
	}
	commitManager := service.NewCommitManager(journal, catalog.Files, service.CommitConfig{
		Replicator: replicator,
		Async:      cfg.ReplicationMode == config.ReplicationAsync,
		BlockSize:  cfg.ChecksumBlockSize,
	}, logger)

	// 9. Backlog и реестр подписок: реестр должен получать события о фиксации
	// уже во время восстановления
	backlogStore, err := backlog.Open(cfg.BacklogDir, logger)
	if err != nil {
		return fmt.Errorf("ошибка открытия backlog: %w", err)
	}
	registry := subscription.NewRegistry(catalog.Subscribers, catalog.Files, backlogStore, notifier, logger)
	commitManager.AddListener(registry)

	// 10. Восстановление после сбоя до приёма запросов
	reconcile := service.NewReconcileService(commitManager, journal, catalog.Files, catalog.Disks,
		cfg.ReconcileInterval, cfg.StagingMaxAge, logger)
	if res, skipped := reconcile.RunOnce(ctx); !skipped {
		logger.Info("Восстановление после запуска завершено",
			slog.Int("intents_completed", res.Summary.IntentsCompleted),
			slog.Int("intents_rolled_back", res.Summary.IntentsRolledBack),
			slog.Int("orphan_temps", res.Summary.OrphanTemps),
			slog.Int("orphan_files", res.Summary.OrphanFiles),
		)
	}

	// 11. Кэш записей, выдача файлов; снятие пометки discarded возвращает
	// файл в backlog подписчиков
	fileCache := cache.New(cfg.CacheSize, cfg.CacheTTL, catalog.Files)
	retrieve := service.NewRetrieveService(catalog.Files, catalog.Disks, fileCache, logger)
	retrieve.AddListener(registry)

	var token delivery.TokenProvider
	if cfg.DeliveryToken != "" {
		token = delivery.StaticToken(cfg.DeliveryToken)
	}
	deliveryClient, err := delivery.New(cfg.DeliveryCACert, cfg.DeliveryTimeout, token, logger)
	if err != nil {
		return fmt.Errorf("ошибка создания клиента доставки: %w", err)
	}

	scheduler := subscription.NewScheduler(registry, backlogStore, fileCache, retrieve, deliveryClient,
		notifier, subscription.SchedulerConfig{
			Interval:        cfg.SubscrCycleInterval,
			CatchUpInterval: cfg.SubscrCatchUpInterval,
			Retry: subscription.RetryPolicy{
				Initial: cfg.BackoffInitial,
				Max:     cfg.BackoffMax,
				GiveUp:  cfg.BackoffGiveUp,
			},
		}, logger)

	// 12. Приём файлов
	archive := service.NewArchiveService(service.ArchiveConfig{
		ChecksumVariant: cfg.ChecksumVariant,
		MaxFileSize:     cfg.MaxFileSize,
		Replicate:       cfg.Replication,
	}, allocator, stagingStore, commitManager, logger)

	// 13. Фоновые сервисы
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	commitManager.Start(bgCtx)
	defer commitManager.Stop()

	scheduler.Start(bgCtx)
	defer scheduler.Stop()

	reconcile.Start(bgCtx)
	defer reconcile.Stop()

	// 14. Мониторинг зависимостей (topologymetrics)
	var db *sql.DB
	if pool != nil {
		db = stdlib.OpenDBFromPool(pool)
		defer db.Close()
	}
	group := cfg.DephealthGroup
	if group == "" {
		group = parseOwnerName(cfg.Hostname)
		logger.Info("AN_DEPHEALTH_GROUP не задан, группа определена по hostname",
			slog.String("group", group))
	}
	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		NodeID:        cfg.NodeID,
		Group:         group,
		DB:            db,
		PgConnURL:     fmt.Sprintf("postgres://%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName),
		JWKSURL:       cfg.JWKSUrl,
		TLSSkipVerify: cfg.TLSSkipVerify,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	switch {
	case errors.Is(err, service.ErrNoDependencies):
		logger.Info("Мониторинг зависимостей отключён: нет внешних зависимостей")
	case err != nil:
		logger.Warn("Не удалось создать сервис мониторинга зависимостей",
			slog.String("error", err.Error()))
	default:
		if err := dephealthSvc.Start(bgCtx); err != nil {
			logger.Warn("Не удалось запустить мониторинг зависимостей",
				slog.String("error", err.Error()))
		} else {
			defer dephealthSvc.Stop()
		}
	}

	// 15. Аутентификация и проверка параметров
	var auth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		auth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			TLSSkipVerify:   cfg.TLSSkipVerify,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
			Issuer:          cfg.JWTIssuer,
			Audience:        cfg.JWTAudience,
		}, logger)
		if err != nil {
			return fmt.Errorf("ошибка инициализации JWT: %w", err)
		}
		defer auth.Close()
	} else {
		logger.Warn("AN_JWKS_URL не задан: команды доступны без аутентификации")
	}

	validator, err := middleware.NewRequestValidator(logger)
	if err != nil {
		return fmt.Errorf("ошибка загрузки OpenAPI: %w", err)
	}

	// 16. HTTP-обработчики
	api := &handlers.APIHandler{
		Archive:       handlers.NewArchiveHandler(archive, retrieve, cfg.MaxFileSize, logger),
		Subscriptions: handlers.NewSubscriptionHandler(registry, backlogStore, scheduler, logger),
		Maintenance:   handlers.NewMaintenanceHandler(reconcile),
		System: handlers.NewSystemHandler(handlers.NodeInfo{
			NodeID:          cfg.NodeID,
			Hostname:        cfg.Hostname,
			ChecksumVariant: cfg.ChecksumVariant,
			Replication:     cfg.Replication,
			ReplicationMode: cfg.ReplicationMode,
		}, catalog.Disks, backlogStore),
		Health: handlers.NewHealthHandler(cfg.VolumesRoot, cfg.WALDir, cfg.BacklogDir, readiness),
	}

	// 17. HTTP-сервер; возврат из Run запускает остановку в обратном порядке
	srv, err := server.New(cfg, logger, server.Options{
		API:       api,
		Auth:      auth,
		Validator: validator,
	})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("Archive Node остановлен")
	return nil
}

var (
	// <owner>-<hash ReplicaSet>-<суффикс пода>
	deploymentPod = regexp.MustCompile(`^(.+)-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// <owner>-<порядковый номер>
	statefulSetPod = regexp.MustCompile(`^(.+)-\d+$`)
)

// parseOwnerName извлекает имя Deployment или StatefulSet из hostname пода.
// Если hostname не похож на имя пода, возвращается без изменений.
func parseOwnerName(hostname string) string {
	if m := deploymentPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPod.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
