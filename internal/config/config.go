// Пакет config — загрузка и валидация конфигурации архивного узла
// из переменных окружения и необязательного YAML-файла разметки томов.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения перечислимых параметров.
const (
	CatalogPostgres = "postgres"
	CatalogMemory   = "memory"

	ReplicationSync  = "sync"
	ReplicationAsync = "async"
)

// Config содержит все параметры конфигурации архивного узла.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Идентификатор узла (логи, метрики, dephealth)
	NodeID string
	// Имя хоста, используется при генерации DiskId новых томов
	Hostname string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Путь к TLS сертификату (HTTPS, если заданы оба)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string
	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// --- Хранилище ---

	// Каталог, в котором каждая поддиректория — отдельный том
	VolumesRoot string
	// Необязательный YAML с разметкой томов
	VolumesFile string
	// Директория журнала намерений
	WALDir string
	// Директория буфера backlog
	BacklogDir string
	// Вариант контрольной суммы узла
	ChecksumVariant string
	// Размер блока чтения при вычислении контрольной суммы
	ChecksumBlockSize int
	// Стратегия выбора тома (most_free, random)
	AllocationStrategy string
	// Порог заполнения тома, байты
	FreeSpaceThreshold int64
	// Порог предупреждения оператора, байты
	FreeSpaceWarning int64
	// Максимальный размер одного файла
	MaxFileSize int64
	// Создавать реплику на втором томе
	Replication bool
	// Режим репликации (sync, async)
	ReplicationMode string
	// Интервал автоматической сверки
	ReconcileInterval time.Duration
	// Временные файлы без намерения старше этого срока удаляются сверкой
	StagingMaxAge time.Duration

	// --- Каталог ---

	// Реализация каталога (postgres, memory)
	Catalog    string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Размер пула и время ожидания PostgreSQL при старте
	DBMaxConns       int
	DBConnectTimeout time.Duration

	// --- Подписки ---

	// Период цикла доставки
	SubscrCycleInterval time.Duration
	// Период сверки backlog с каталогом
	SubscrCatchUpInterval time.Duration
	// Таймаут одной передачи подписчику
	DeliveryTimeout time.Duration
	// Дополнительный CA для https-подписчиков
	DeliveryCACert string
	// Bearer-токен для подписчиков, требующих авторизации
	DeliveryToken string
	// Границы экспоненциальной задержки повторов
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Число попыток до перевода записи в failed (0 — без ограничения)
	BackoffGiveUp int

	// --- Уведомления ---

	NotifySMTPAddr string
	NotifyFrom     string
	NotifyTo       []string
	// Минимальный интервал между уведомлениями с одинаковым ключом
	NotifyRate time.Duration

	// --- Аутентификация ---

	// URL JWKS endpoint; пустое значение отключает JWT
	JWKSUrl string
	// Путь к CA-сертификату для JWKS endpoint (опционально)
	JWKSCACert string
	// Пропускать проверку TLS-сертификата JWKS endpoint
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Ожидаемые iss и aud токена; пусто — не проверяются
	JWTIssuer   string
	JWTAudience string

	// --- Прочее ---

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics; пусто — имя владельца пода из hostname
	DephealthGroup string
	// Кэш записей о файлах
	CacheSize int
	CacheTTL  time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// AN_PORT — порт HTTP-сервера (по умолчанию 7777)
	cfg.Port, err = getEnvInt("AN_PORT", 7777)
	if err != nil {
		return nil, fmt.Errorf("AN_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AN_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// AN_NODE_ID — обязательный
	cfg.NodeID, err = getEnvRequired("AN_NODE_ID")
	if err != nil {
		return nil, err
	}

	cfg.Hostname = getEnvDefault("AN_HOSTNAME", "")
	if cfg.Hostname == "" {
		if cfg.Hostname, err = os.Hostname(); err != nil {
			cfg.Hostname = cfg.NodeID
		}
	}

	// AN_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AN_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AN_LOG_LEVEL: %w", err)
	}

	// AN_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AN_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AN_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.TLSCert = getEnvDefault("AN_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("AN_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("AN_TLS_CERT и AN_TLS_KEY задаются только вместе")
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("AN_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("AN_HTTP_READ_TIMEOUT: %w", err)
	}
	// Загрузка больших файлов: таймаут записи отключён по умолчанию
	if cfg.HTTPWriteTimeout, err = getEnvDuration("AN_HTTP_WRITE_TIMEOUT", 0); err != nil {
		return nil, fmt.Errorf("AN_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("AN_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("AN_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("AN_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("AN_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище ---

	if cfg.VolumesRoot, err = getEnvRequired("AN_VOLUMES_ROOT"); err != nil {
		return nil, err
	}
	cfg.VolumesFile = getEnvDefault("AN_VOLUMES_FILE", "")
	if cfg.WALDir, err = getEnvRequired("AN_WAL_DIR"); err != nil {
		return nil, err
	}
	if cfg.BacklogDir, err = getEnvRequired("AN_BACKLOG_DIR"); err != nil {
		return nil, err
	}

	cfg.ChecksumVariant = strings.ToLower(getEnvDefault("AN_CHECKSUM_VARIANT", "crc32c"))
	cfg.ChecksumBlockSize, err = getEnvInt("AN_CHECKSUM_BLOCK_SIZE", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("AN_CHECKSUM_BLOCK_SIZE: %w", err)
	}
	if cfg.ChecksumBlockSize <= 0 {
		return nil, fmt.Errorf("AN_CHECKSUM_BLOCK_SIZE: значение должно быть положительным")
	}

	cfg.AllocationStrategy = getEnvDefault("AN_ALLOCATION_STRATEGY", "most_free")
	if cfg.AllocationStrategy != "most_free" && cfg.AllocationStrategy != "random" {
		return nil, fmt.Errorf("AN_ALLOCATION_STRATEGY: недопустимое значение %q, допустимые: most_free, random",
			cfg.AllocationStrategy)
	}

	thresholdMB, err := getEnvInt64("AN_FREE_SPACE_THRESHOLD_MB", 1024)
	if err != nil {
		return nil, fmt.Errorf("AN_FREE_SPACE_THRESHOLD_MB: %w", err)
	}
	warningMB, err := getEnvInt64("AN_FREE_SPACE_WARNING_MB", 5120)
	if err != nil {
		return nil, fmt.Errorf("AN_FREE_SPACE_WARNING_MB: %w", err)
	}
	if thresholdMB < 0 || warningMB < thresholdMB {
		return nil, fmt.Errorf("AN_FREE_SPACE_WARNING_MB: значение %d должно быть >= AN_FREE_SPACE_THRESHOLD_MB (%d)",
			warningMB, thresholdMB)
	}
	cfg.FreeSpaceThreshold = thresholdMB << 20
	cfg.FreeSpaceWarning = warningMB << 20

	// AN_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 10 GiB)
	cfg.MaxFileSize, err = getEnvInt64("AN_MAX_FILE_SIZE", 10<<30)
	if err != nil {
		return nil, fmt.Errorf("AN_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("AN_MAX_FILE_SIZE: значение должно быть положительным")
	}

	if cfg.Replication, err = getEnvBool("AN_REPLICATION", false); err != nil {
		return nil, fmt.Errorf("AN_REPLICATION: %w", err)
	}
	cfg.ReplicationMode = getEnvDefault("AN_REPLICATION_MODE", ReplicationSync)
	if cfg.ReplicationMode != ReplicationSync && cfg.ReplicationMode != ReplicationAsync {
		return nil, fmt.Errorf("AN_REPLICATION_MODE: недопустимое значение %q, допустимые: sync, async",
			cfg.ReplicationMode)
	}

	if cfg.ReconcileInterval, err = getEnvDuration("AN_RECONCILE_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_RECONCILE_INTERVAL: %w", err)
	}
	if cfg.StagingMaxAge, err = getEnvDuration("AN_STAGING_MAX_AGE", time.Hour); err != nil {
		return nil, fmt.Errorf("AN_STAGING_MAX_AGE: %w", err)
	}

	// --- Каталог ---

	cfg.Catalog = getEnvDefault("AN_CATALOG", CatalogPostgres)
	switch cfg.Catalog {
	case CatalogPostgres:
		if cfg.DBHost, err = getEnvRequired("AN_DB_HOST"); err != nil {
			return nil, err
		}
		if cfg.DBPort, err = getEnvInt("AN_DB_PORT", 5432); err != nil {
			return nil, fmt.Errorf("AN_DB_PORT: %w", err)
		}
		if cfg.DBName, err = getEnvRequired("AN_DB_NAME"); err != nil {
			return nil, err
		}
		if cfg.DBUser, err = getEnvRequired("AN_DB_USER"); err != nil {
			return nil, err
		}
		if cfg.DBPassword, err = getEnvRequired("AN_DB_PASSWORD"); err != nil {
			return nil, err
		}
		cfg.DBSSLMode = getEnvDefault("AN_DB_SSL_MODE", "disable")
		if cfg.DBMaxConns, err = getEnvInt("AN_DB_MAX_CONNS", 10); err != nil {
			return nil, fmt.Errorf("AN_DB_MAX_CONNS: %w", err)
		}
		if cfg.DBConnectTimeout, err = getEnvDuration("AN_DB_CONNECT_TIMEOUT", 30*time.Second); err != nil {
			return nil, fmt.Errorf("AN_DB_CONNECT_TIMEOUT: %w", err)
		}
	case CatalogMemory:
	default:
		return nil, fmt.Errorf("AN_CATALOG: недопустимое значение %q, допустимые: postgres, memory", cfg.Catalog)
	}

	// --- Подписки ---

	if cfg.SubscrCycleInterval, err = getEnvDuration("AN_SUBSCR_CYCLE_INTERVAL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("AN_SUBSCR_CYCLE_INTERVAL: %w", err)
	}
	if cfg.SubscrCatchUpInterval, err = getEnvDuration("AN_SUBSCR_CATCHUP_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_SUBSCR_CATCHUP_INTERVAL: %w", err)
	}
	if cfg.DeliveryTimeout, err = getEnvDuration("AN_DELIVERY_TIMEOUT", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_DELIVERY_TIMEOUT: %w", err)
	}
	cfg.DeliveryCACert = getEnvDefault("AN_DELIVERY_CA_CERT", "")
	cfg.DeliveryToken = getEnvDefault("AN_DELIVERY_TOKEN", "")
	if cfg.BackoffInitial, err = getEnvDuration("AN_BACKOFF_INITIAL", 10*time.Second); err != nil {
		return nil, fmt.Errorf("AN_BACKOFF_INITIAL: %w", err)
	}
	if cfg.BackoffMax, err = getEnvDuration("AN_BACKOFF_MAX", time.Hour); err != nil {
		return nil, fmt.Errorf("AN_BACKOFF_MAX: %w", err)
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return nil, fmt.Errorf("AN_BACKOFF_MAX: значение %s должно быть >= AN_BACKOFF_INITIAL (%s)",
			cfg.BackoffMax, cfg.BackoffInitial)
	}
	if cfg.BackoffGiveUp, err = getEnvInt("AN_BACKOFF_GIVEUP", 0); err != nil {
		return nil, fmt.Errorf("AN_BACKOFF_GIVEUP: %w", err)
	}
	if cfg.BackoffGiveUp < 0 {
		return nil, fmt.Errorf("AN_BACKOFF_GIVEUP: значение не может быть отрицательным")
	}

	// --- Уведомления ---

	cfg.NotifySMTPAddr = getEnvDefault("AN_NOTIFY_SMTP_ADDR", "")
	cfg.NotifyFrom = getEnvDefault("AN_NOTIFY_FROM", "")
	cfg.NotifyTo = parseCSV(getEnvDefault("AN_NOTIFY_TO", ""))
	if cfg.NotifySMTPAddr != "" && (cfg.NotifyFrom == "" || len(cfg.NotifyTo) == 0) {
		return nil, fmt.Errorf("AN_NOTIFY_SMTP_ADDR: требуются AN_NOTIFY_FROM и AN_NOTIFY_TO")
	}
	if cfg.NotifyRate, err = getEnvDuration("AN_NOTIFY_RATE", time.Minute); err != nil {
		return nil, fmt.Errorf("AN_NOTIFY_RATE: %w", err)
	}

	// --- Аутентификация ---

	cfg.JWKSUrl = getEnvDefault("AN_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("AN_JWKS_CA_CERT", "")
	if cfg.TLSSkipVerify, err = getEnvBool("AN_TLS_SKIP_VERIFY", false); err != nil {
		return nil, fmt.Errorf("AN_TLS_SKIP_VERIFY: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("AN_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("AN_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("AN_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("AN_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("AN_JWT_LEEWAY: %w", err)
	}
	cfg.JWTIssuer = os.Getenv("AN_JWT_ISSUER")
	cfg.JWTAudience = os.Getenv("AN_JWT_AUDIENCE")

	// --- Прочее ---

	if cfg.DephealthCheckInterval, err = getEnvDuration("AN_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("AN_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = os.Getenv("AN_DEPHEALTH_GROUP")

	if cfg.CacheSize, err = getEnvInt("AN_CACHE_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("AN_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("AN_CACHE_SIZE: значение должно быть положительным")
	}
	if cfg.CacheTTL, err = getEnvDuration("AN_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("AN_CACHE_TTL: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Разметка томов ---

// VolumeSpec — описание одного тома в YAML-файле разметки.
type VolumeSpec struct {
	// Имя поддиректории в AN_VOLUMES_ROOT
	Name string `yaml:"name"`
	// Допустимые MIME-типы; пусто — любые
	MimeTypes []string `yaml:"mime_types"`
	// Роль тома: main (по умолчанию) или replica
	Replication string `yaml:"replication"`
}

// VolumeLayout — содержимое AN_VOLUMES_FILE.
type VolumeLayout struct {
	Volumes []VolumeSpec `yaml:"volumes"`
}

// LoadVolumeLayout читает YAML-файл разметки томов.
// Пустой путь — пустая разметка (все тома принимают любые файлы).
func LoadVolumeLayout(path string) (*VolumeLayout, error) {
	layout := &VolumeLayout{}
	if path == "" {
		return layout, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, layout); err != nil {
		return nil, fmt.Errorf("разбор %s: %w", path, err)
	}

	seen := make(map[string]bool, len(layout.Volumes))
	for i, v := range layout.Volumes {
		if v.Name == "" {
			return nil, fmt.Errorf("%s: volumes[%d]: не задано имя тома", path, i)
		}
		if seen[v.Name] {
			return nil, fmt.Errorf("%s: том %q описан дважды", path, v.Name)
		}
		seen[v.Name] = true
		switch v.Replication {
		case "", "main", "replica":
		default:
			return nil, fmt.Errorf("%s: том %q: недопустимая роль %q, допустимые: main, replica",
				path, v.Name, v.Replication)
		}
	}
	return layout, nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("длительность не может быть отрицательной: %q", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
