// Граф зависимостей узла для topologymetrics: каталог PostgreSQL (через
// пул pgx) и JWKS-эндпоинт, когда включена аутентификация. Подписчики
// в граф не входят: их недоступность покрывается backlog и повторами.
// Состояние публикуется на /metrics (app_dependency_health,
// app_dependency_latency_seconds).
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — зависимости узла.
type DephealthConfig struct {
	// NodeID — имя вершины графа (AN_NODE_ID)
	NodeID string
	// Group — имя группы в метриках (AN_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB из pgxpool через stdlib.OpenDBFromPool(); nil — каталог в памяти
	DB *sql.DB
	// PgConnURL — URL PostgreSQL для лейблов (не для подключения)
	PgConnURL string
	// JWKSURL — пусто, если аутентификация выключена
	JWKSURL string
	// TLSSkipVerify — не проверять сертификат JWKS endpoint
	TLSSkipVerify bool
	// CheckInterval — интервал проверки (AN_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
}

// ErrNoDependencies — нечего мониторить.
var ErrNoDependencies = errors.New("не задано ни одной зависимости")

type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService регистрирует метрики в глобальном реестре Prometheus.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer — вариант с отдельным реестром (тесты).
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	deps := 0

	if cfg.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PgConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
		deps++
	}
	if cfg.JWKSURL != "" {
		opts = append(opts, dephealth.HTTP("jwks",
			dephealth.FromURL(cfg.JWKSURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(cfg.TLSSkipVerify),
		))
		deps++
	}
	if deps == 0 {
		return nil, ErrNoDependencies
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.NodeID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

func (ds *DephealthService) Start(ctx context.Context) error {
	if err := ds.dh.Start(ctx); err != nil {
		return err
	}
	ds.logger.Info("Проверки зависимостей запущены")
	return nil
}

func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Проверки зависимостей остановлены")
}

// Health: имя зависимости → последняя проверка успешна.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
