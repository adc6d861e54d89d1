package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/volinfo"
)

// writeFile создаёт файл с родительскими директориями.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileRunOnce_NoIssues(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	env.archiveBytes(t, "good.txt", []byte("test data"))

	result, skipped := env.reconcile.RunOnce(context.Background())
	if skipped {
		t.Fatal("сверка не должна быть пропущена")
	}
	if len(result.Issues) != 0 {
		t.Errorf("ожидалось 0 проблем, получено %d: %+v", len(result.Issues), result.Issues)
	}
	if result.CompletedAt.Before(result.StartedAt) {
		t.Error("CompletedAt раньше StartedAt")
	}
}

func TestReconcileRunOnce_OrphanTemps(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	mount := env.disks["d1"].MountPoint

	stale := filepath.Join(mount, staging.DirName, "stale.tmp")
	fresh := filepath.Join(mount, staging.DirName, "fresh.tmp")
	writeFile(t, stale, "old upload")
	writeFile(t, fresh, "upload in progress")
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	result, _ := env.reconcile.RunOnce(context.Background())
	if result.Summary.OrphanTemps != 1 {
		t.Errorf("orphan_temps = %d, ожидалось 1", result.Summary.OrphanTemps)
	}
	if fileExists(stale) {
		t.Error("старый временный файл должен быть удалён")
	}
	if !fileExists(fresh) {
		t.Error("свежий временный файл принадлежит идущей загрузке и должен остаться")
	}
}

func TestReconcileRunOnce_OrphanFileQuarantined(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	mount := env.disks["d1"].MountPoint
	rec := env.archiveBytes(t, "kept.txt", []byte("kept")).File

	rel := "2026-01-01/stray/1/stray"
	writeFile(t, filepath.Join(mount, filepath.FromSlash(rel)), "no catalog row")
	writeFile(t, filepath.Join(mount, volinfo.FileName), "volume info")

	result, _ := env.reconcile.RunOnce(context.Background())
	if result.Summary.OrphanFiles != 1 {
		t.Fatalf("orphan_files = %d, ожидалось 1: %+v", result.Summary.OrphanFiles, result.Issues)
	}
	if fileExists(filepath.Join(mount, filepath.FromSlash(rel))) {
		t.Error("файл без строки каталога должен быть перенесён")
	}
	if !fileExists(filepath.Join(mount, QuarantineDir, filepath.FromSlash(rel))) {
		t.Error("файл должен оказаться в карантине")
	}
	if !fileExists(env.finalPath(rec)) {
		t.Error("зафиксированный файл не должен трогаться")
	}
	if !fileExists(filepath.Join(mount, volinfo.FileName)) {
		t.Error("файл тома не должен трогаться")
	}

	// Повторный проход не находит новых проблем
	again, _ := env.reconcile.RunOnce(context.Background())
	if len(again.Issues) != 0 {
		t.Errorf("повторная сверка: %+v", again.Issues)
	}
}

func TestReconcileRunOnce_CleansFinishedIntents(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	env.archiveBytes(t, "a.txt", []byte("a"))
	env.archiveBytes(t, "b.txt", []byte("b"))

	result, _ := env.reconcile.RunOnce(context.Background())
	if result.Summary.FinishedRemoved != 2 {
		t.Errorf("finished_removed = %d, ожидалось 2", result.Summary.FinishedRemoved)
	}
	entries, err := os.ReadDir(env.wal.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("в журнале осталось %d записей", len(entries))
	}
}

func TestReconcileRunOnce_ConcurrentProtection(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})

	env.reconcile.mu.Lock()
	env.reconcile.inProcess = true
	env.reconcile.mu.Unlock()

	if !env.reconcile.IsInProgress() {
		t.Error("IsInProgress должен вернуть true")
	}
	result, skipped := env.reconcile.RunOnce(context.Background())
	if !skipped || result != nil {
		t.Error("параллельный запуск должен быть пропущен")
	}

	env.reconcile.mu.Lock()
	env.reconcile.inProcess = false
	env.reconcile.mu.Unlock()

	if _, skipped := env.reconcile.RunOnce(context.Background()); skipped {
		t.Error("после завершения сверка должна выполняться")
	}
}

func TestReconcileService_StartStop(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	env.reconcile.interval = 10 * time.Millisecond

	env.reconcile.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	env.reconcile.Stop()

	if env.reconcile.IsInProgress() {
		t.Error("после Stop сверка не должна выполняться")
	}
}
