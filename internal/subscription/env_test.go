package subscription

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/cache"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/repository/memrepo"
	"github.com/arturkryukov/artsore/archive-node/internal/service"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/backlog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingNotifier запоминает уведомления.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) byLevel(level notify.Level) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, ev := range n.events {
		if ev.Level == level {
			out = append(out, ev)
		}
	}
	return out
}

// testEnv — каталог в памяти, один том и реестр подписчиков.
type testEnv struct {
	catalog  *repository.Catalog
	mount    string
	backlog  *backlog.Store
	registry *Registry
	cache    *cache.FileCache
	retrieve *service.RetrieveService
	notifier *recordingNotifier
	// base — опорный момент времени для дат приёма
	base time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	catalog := memrepo.NewCatalog()
	mount := t.TempDir()
	if err := catalog.Disks.Upsert(ctx, &model.DiskRecord{
		DiskID:         "d1",
		MountPoint:     mount,
		TotalBytes:     1 << 40,
		AvailableBytes: 1 << 40,
	}); err != nil {
		t.Fatalf("Upsert диска: %v", err)
	}

	bl, err := backlog.Open(filepath.Join(t.TempDir(), "backlog"), testLogger())
	if err != nil {
		t.Fatalf("backlog.Open: %v", err)
	}

	n := &recordingNotifier{}
	fc := cache.New(100, time.Minute, catalog.Files)

	return &testEnv{
		catalog:  catalog,
		mount:    mount,
		backlog:  bl,
		registry: NewRegistry(catalog.Subscribers, catalog.Files, bl, n, testLogger()),
		cache:    fc,
		retrieve: service.NewRetrieveService(catalog.Files, catalog.Disks, fc, testLogger()),
		notifier: n,
		base:     time.Now().UTC().Truncate(time.Second),
	}
}

// addFile кладёт файл на том и регистрирует его в каталоге
// с датой приёма base+offset. Реестр о файле не уведомляется.
func (e *testEnv) addFile(t *testing.T, fileID, mimeType string, data []byte, offset time.Duration) *model.FileRecord {
	t.Helper()
	rel := "files/" + fileID
	path := filepath.Join(e.mount, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	rec := &model.FileRecord{
		FileID:          fileID,
		FileVersion:     1,
		DiskID:          "d1",
		MimeType:        mimeType,
		Size:            int64(len(data)),
		Checksum:        "0",
		ChecksumVariant: "crc32c",
		IngestionDate:   e.base.Add(offset),
		StoragePath:     rel,
		Status:          model.FileStatusCommitted,
	}
	if err := e.catalog.Files.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return rec
}

// commitFile — addFile с уведомлением реестра, как после фиксации.
func (e *testEnv) commitFile(t *testing.T, fileID string, data []byte, offset time.Duration) *model.FileRecord {
	t.Helper()
	rec := e.addFile(t, fileID, "application/octet-stream", data, offset)
	e.registry.OnFileCommitted(context.Background(), rec)
	return rec
}

func (e *testEnv) subscribe(t *testing.T, def Definition) *model.Subscriber {
	t.Helper()
	sub, _, err := e.registry.Subscribe(context.Background(), def)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return sub
}

func ptr[T any](v T) *T { return &v }
