package database

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arturkryukov/artsore/archive-node/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startPostgres поднимает PostgreSQL в контейнере (только при TEST_INTEGRATION).
func startPostgres(t *testing.T) *config.Config {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("archive_test"),
		postgres.WithUsername("archive"),
		postgres.WithPassword("p@ss/w:rd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mapped, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(mapped.Port())

	return &config.Config{
		Catalog:          config.CatalogPostgres,
		DBHost:           host,
		DBPort:           port,
		DBName:           "archive_test",
		DBUser:           "archive",
		DBPassword:       "p@ss/w:rd",
		DBSSLMode:        "disable",
		DBMaxConns:       4,
		DBConnectTimeout: 10 * time.Second,
	}
}

func TestMigrateURL_EscapesCredentials(t *testing.T) {
	cfg := &config.Config{
		DBHost: "db.local", DBPort: 6432, DBName: "catalog",
		DBUser: "an", DBPassword: "p@ss/w:rd", DBSSLMode: "verify-full",
	}
	raw := migrateURL(cfg)

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("адрес миграций не разбирается: %v", err)
	}
	if u.Scheme != "pgx5" || u.Host != "db.local:6432" || u.Path != "/catalog" {
		t.Errorf("адрес миграций: %s", raw)
	}
	if pw, _ := u.User.Password(); pw != "p@ss/w:rd" {
		t.Errorf("пароль после разбора = %q", pw)
	}
	if got := u.Query().Get("sslmode"); got != "verify-full" {
		t.Errorf("sslmode = %q", got)
	}
}

func TestConnect_UnreachableGivesUp(t *testing.T) {
	cfg := &config.Config{
		DBHost: "127.0.0.1", DBPort: 1, DBName: "x", DBUser: "x", DBPassword: "x",
		DBSSLMode: "disable", DBConnectTimeout: time.Second,
	}

	start := time.Now()
	pool, err := Connect(context.Background(), cfg, testLogger())
	if err == nil {
		pool.Close()
		t.Fatal("Connect к закрытому порту должен вернуть ошибку")
	}
	if !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Errorf("в ошибке нет адреса: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("повторы не ограничены AN_DB_CONNECT_TIMEOUT: %s", elapsed)
	}
}

func TestConnect_CanceledContext(t *testing.T) {
	cfg := &config.Config{
		DBHost: "127.0.0.1", DBPort: 1, DBName: "x", DBUser: "x", DBPassword: "x",
		DBSSLMode: "disable", DBConnectTimeout: time.Minute,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Connect(ctx, cfg, testLogger()); err == nil {
		t.Fatal("Connect с отменённым контекстом должен вернуть ошибку")
	}
}

func TestMigrate_CreatesSchemaAndIsIdempotent(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	if err := Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("повторный Migrate: %v", err)
	}

	pool, err := Connect(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"disks", "files", "file_versions", "subscribers", "deliveries"} {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT FROM information_schema.tables
			 WHERE table_schema = 'public' AND table_name = $1)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("проверка таблицы %s: %v", table, err)
		}
		if !exists {
			t.Errorf("таблица %s не создана", table)
		}
	}

	var indexExists bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_indexes WHERE indexname = 'files_main_copy_idx')`,
	).Scan(&indexExists); err != nil {
		t.Fatal(err)
	}
	if !indexExists {
		t.Error("индекс основной копии files_main_copy_idx не создан")
	}
}

func TestReadinessChecker_ReportsPool(t *testing.T) {
	cfg := startPostgres(t)
	pool, err := Connect(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	checker := NewReadinessChecker(pool)
	status, msg := checker.CheckReady()
	if status != "ok" || !strings.Contains(msg, "из 4") {
		t.Errorf("CheckReady() = %q, %q", status, msg)
	}

	pool.Close()
	if status, _ := checker.CheckReady(); status != "fail" {
		t.Errorf("после закрытия пула CheckReady() = %q, ожидался fail", status)
	}
}
