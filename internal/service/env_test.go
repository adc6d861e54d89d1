package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/checksum"
	"github.com/arturkryukov/artsore/archive-node/internal/disk"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/repository/memrepo"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUsage — свободное место по точке монтирования.
type fakeUsage struct {
	mu    sync.Mutex
	avail map[string]int64
}

func (f *fakeUsage) set(mount string, available int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avail[mount] = available
}

func (f *fakeUsage) fn(path string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 1 << 40, f.avail[path], nil
}

// recordingListener запоминает зафиксированные файлы.
type recordingListener struct {
	mu   sync.Mutex
	keys []model.FileKey
}

func (l *recordingListener) OnFileCommitted(_ context.Context, rec *model.FileRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, rec.Key())
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

type envOptions struct {
	// volumes — количество томов (d1, d2, ...)
	volumes   int
	replicate bool
	async     bool
}

// testEnv — узел целиком на каталоге в памяти и временных директориях.
type testEnv struct {
	root       string
	catalog    *repository.Catalog
	usage      *fakeUsage
	alloc      *disk.Allocator
	wal        *wal.WAL
	staging    *staging.Store
	replicator *Replicator
	commit     *CommitManager
	archive    *ArchiveService
	retrieve   *RetrieveService
	reconcile  *ReconcileService
	listener   *recordingListener
	disks      map[string]*model.DiskRecord
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.volumes == 0 {
		opts.volumes = 2
	}

	root := t.TempDir()
	logger := testLogger()
	env := &testEnv{
		root:     root,
		catalog:  memrepo.NewCatalog(),
		usage:    &fakeUsage{avail: make(map[string]int64)},
		listener: &recordingListener{},
		disks:    make(map[string]*model.DiskRecord),
	}

	env.alloc = disk.NewAllocator(env.catalog.Disks, disk.Config{
		Strategy:       disk.MostFree{},
		ThresholdBytes: 100,
		WarningBytes:   200,
		Usage:          env.usage.fn,
	}, notify.Discard{}, logger)

	for i := 1; i <= opts.volumes; i++ {
		env.addDisk(t, "d"+string(rune('0'+i)), int64(1<<30)-int64(i))
	}

	w, err := wal.New(filepath.Join(root, "wal"), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	env.wal = w
	env.staging = staging.New(4096, logger)

	var replicator *Replicator
	if opts.replicate {
		replicator = NewReplicator(w, env.catalog.Files, env.alloc, env.staging, notify.Discard{}, 4096, logger)
	}
	env.replicator = replicator
	env.commit = NewCommitManager(w, env.catalog.Files, CommitConfig{
		Replicator: replicator,
		Async:      opts.async,
		BlockSize:  4096,
	}, logger)
	env.commit.AddListener(env.listener)

	env.archive = NewArchiveService(ArchiveConfig{
		ChecksumVariant: "crc32c",
		MaxFileSize:     64 << 20,
		Replicate:       opts.replicate,
	}, env.alloc, env.staging, env.commit, logger)
	env.retrieve = NewRetrieveService(env.catalog.Files, env.catalog.Disks, nil, logger)
	env.reconcile = NewReconcileService(env.commit, w, env.catalog.Files, env.catalog.Disks,
		time.Hour, time.Hour, logger)
	return env
}

// addDisk создаёт директорию тома и регистрирует его.
func (env *testEnv) addDisk(t *testing.T, id string, available int64) *model.DiskRecord {
	t.Helper()
	mount := filepath.Join(env.root, "volumes", id)
	if err := os.MkdirAll(mount, 0o750); err != nil {
		t.Fatal(err)
	}
	env.usage.set(mount, available)
	d := &model.DiskRecord{DiskID: id, MountPoint: mount, AvailableBytes: available}
	if err := env.alloc.Register(context.Background(), []*model.DiskRecord{d}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.disks[id] = d
	return d
}

// archiveBytes архивирует data под именем name.
func (env *testEnv) archiveBytes(t *testing.T, name string, data []byte) *ArchiveResult {
	t.Helper()
	res, err := env.archive.Archive(context.Background(), ArchiveParams{
		Body:     bytes.NewReader(data),
		Filename: name,
		Size:     int64(len(data)),
	})
	if err != nil {
		t.Fatalf("Archive(%s): %v", name, err)
	}
	return res
}

// readVersion читает содержимое версии через RetrieveService.
func (env *testEnv) readVersion(t *testing.T, fileID string, version int) []byte {
	t.Helper()
	r, err := env.retrieve.Open(context.Background(), fileID, version)
	if err != nil {
		t.Fatalf("Open(%s@%d): %v", fileID, version, err)
	}
	defer r.File.Close()
	data, err := io.ReadAll(r.File)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// finalPath возвращает абсолютный путь копии.
func (env *testEnv) finalPath(rec *model.FileRecord) string {
	return filepath.Join(env.disks[rec.DiskID].MountPoint, filepath.FromSlash(rec.StoragePath))
}

// stagingEntries возвращает временные файлы тома.
func (env *testEnv) stagingEntries(t *testing.T, diskID string) []staging.TempFile {
	t.Helper()
	temps, err := staging.ListTemps(env.disks[diskID].MountPoint)
	if err != nil {
		t.Fatal(err)
	}
	return temps
}

func mustVariant(t *testing.T, name string) checksum.Variant {
	t.Helper()
	v, err := checksum.Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return v
}
