package disk

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository/memrepo"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/volinfo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder — Notifier, запоминающий события.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Key)
	}
	return out
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

// newTestAllocator регистрирует тома с заданным свободным местом.
func newTestAllocator(t *testing.T, strategy Strategy, disks ...*model.DiskRecord) (*Allocator, *fakeUsage, *recorder) {
	t.Helper()
	usage := &fakeUsage{avail: make(map[string]int64)}
	for _, d := range disks {
		usage.set(d.MountPoint, d.AvailableBytes)
	}
	rec := &recorder{}
	catalog := memrepo.NewCatalog().Disks
	a := NewAllocator(catalog, Config{
		Strategy:       strategy,
		ThresholdBytes: 100,
		WarningBytes:   500,
		Usage:          usage.fn,
	}, rec, testLogger())

	if err := a.Register(context.Background(), disks); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return a, usage, rec
}

func disk(id string, available int64) *model.DiskRecord {
	return &model.DiskRecord{DiskID: id, MountPoint: "/v/" + id, AvailableBytes: available}
}

func TestSelect_MostFree(t *testing.T) {
	a, _, _ := newTestAllocator(t, MostFree{}, disk("d1", 1000), disk("d2", 5000), disk("d3", 3000))

	got, err := a.Select(context.Background(), SelectRequest{MimeType: "image/fits"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.DiskID != "d2" {
		t.Errorf("выбран %s, ожидался d2", got.DiskID)
	}
}

func TestSelect_MostFreeTieBreak(t *testing.T) {
	a, _, _ := newTestAllocator(t, MostFree{}, disk("d9", 4000), disk("d1", 4000))

	got, err := a.Select(context.Background(), SelectRequest{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.DiskID != "d1" {
		t.Errorf("при равном месте выбран %s, ожидался меньший DiskID d1", got.DiskID)
	}
}

func TestSelect_Filters(t *testing.T) {
	fits := disk("fits", 9000)
	fits.MimeTypes = []string{"image/*"}
	replica := disk("replica", 8000)
	replica.ReplicaOnly = true
	full := disk("full", 50) // ниже порога — completed при регистрации
	plain := disk("plain", 1000)

	a, _, _ := newTestAllocator(t, MostFree{}, fits, replica, full, plain)
	ctx := context.Background()

	got, err := a.Select(ctx, SelectRequest{MimeType: "application/pdf"})
	if err != nil || got.DiskID != "plain" {
		t.Errorf("pdf: ожидался plain, получено %v, %v", got, err)
	}

	got, err = a.Select(ctx, SelectRequest{MimeType: "image/fits"})
	if err != nil || got.DiskID != "fits" {
		t.Errorf("fits: ожидался fits, получено %v, %v", got, err)
	}

	got, err = a.Select(ctx, SelectRequest{MimeType: "application/pdf", Exclude: []string{"plain"}, ForReplica: true})
	if err != nil || got.DiskID != "replica" {
		t.Errorf("реплика: ожидался replica, получено %v, %v", got, err)
	}

	if _, err := a.Select(ctx, SelectRequest{MimeType: "application/pdf", Required: 2000}); !model.IsKind(err, model.KindNoDisksAvailable) {
		t.Errorf("Required больше свободного: ожидалась NoDisksAvailable, получено %v", err)
	}
}

func TestSelect_NoDisksNotifies(t *testing.T) {
	a, _, rec := newTestAllocator(t, MostFree{}, disk("d1", 1000))

	_, err := a.Select(context.Background(), SelectRequest{MimeType: "x/y", Exclude: []string{"d1"}})
	if !model.IsKind(err, model.KindNoDisksAvailable) {
		t.Fatalf("ожидалась NoDisksAvailable, получено %v", err)
	}
	keys := rec.keys()
	if len(keys) == 0 || keys[len(keys)-1] != "no_disks:x/y:false" {
		t.Errorf("ожидалось уведомление no_disks, получено %v", keys)
	}
}

func TestCheckCompletion_Threshold(t *testing.T) {
	a, usage, rec := newTestAllocator(t, MostFree{}, disk("d1", 10000))
	ctx := context.Background()

	usage.set("/v/d1", 300)
	completed, err := a.CheckCompletion(ctx, "d1")
	if err != nil || completed {
		t.Fatalf("300 байт: completed=%v err=%v", completed, err)
	}
	if keys := rec.keys(); len(keys) != 1 || keys[0] != "disk_low:d1" {
		t.Errorf("ожидалось предупреждение disk_low, получено %v", keys)
	}

	usage.set("/v/d1", 50)
	completed, err = a.CheckCompletion(ctx, "d1")
	if err != nil || !completed {
		t.Fatalf("50 байт: completed=%v err=%v", completed, err)
	}
	if _, err := a.Select(ctx, SelectRequest{}); !model.IsKind(err, model.KindNoDisksAvailable) {
		t.Errorf("заполненный том не должен выбираться: %v", err)
	}

	// Освобождение места не снимает completed
	usage.set("/v/d1", 10000)
	if completed, _ := a.CheckCompletion(ctx, "d1"); !completed {
		t.Error("completed не должен сниматься автоматически")
	}
}

func TestSelect_Random(t *testing.T) {
	small := disk("small", 600)
	fits := disk("fits", 9000)
	fits.MimeTypes = []string{"image/fits"}
	a, _, _ := newTestAllocator(t, Random{}, small, fits, disk("full", 10), disk("other", 700))

	seen := map[string]bool{}
	for range 200 {
		got, err := a.Select(context.Background(), SelectRequest{MimeType: "text/plain"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if got.DiskID == "full" || got.DiskID == "fits" {
			t.Fatalf("random выбрал недопустимый том %s", got.DiskID)
		}
		seen[got.DiskID] = true
	}
	if !seen["small"] || !seen["other"] {
		t.Errorf("ожидалось, что оба кандидата будут выбраны: %v", seen)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"most_free", "random"} {
		s, err := ParseStrategy(name)
		if err != nil || s.Name() != name {
			t.Errorf("ParseStrategy(%q) = %v, %v", name, s, err)
		}
	}
	if _, err := ParseStrategy("round_robin"); err == nil {
		t.Error("ожидалась ошибка для неизвестной стратегии")
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"vol1", "vol2", ".hidden"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	usage := &fakeUsage{avail: map[string]int64{}}
	now := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	opts := map[string]VolumeOptions{"vol2": {ReplicaOnly: true, MimeTypes: []string{"image/fits"}}}

	disks, err := Discover(root, opts, "host01", usage.fn, now)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(disks) != 2 {
		t.Fatalf("найдено %d томов, ожидалось 2", len(disks))
	}

	byMount := map[string]*model.DiskRecord{}
	for _, d := range disks {
		byMount[filepath.Base(d.MountPoint)] = d
	}
	if !byMount["vol2"].ReplicaOnly || byMount["vol1"].ReplicaOnly {
		t.Error("настройки тома vol2 не применены")
	}

	// Повторное обнаружение сохраняет DiskId
	info, err := volinfo.Read(filepath.Join(root, "vol1"))
	if err != nil {
		t.Fatal(err)
	}
	again, err := Discover(root, opts, "host01", usage.fn, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range again {
		if d.DiskID == info.DiskID {
			found = true
		}
	}
	if !found {
		t.Errorf("DiskId тома vol1 изменился при повторном обнаружении")
	}
}

func TestDiscover_MissingLayoutVolume(t *testing.T) {
	root := t.TempDir()
	usage := &fakeUsage{avail: map[string]int64{}}
	_, err := Discover(root, map[string]VolumeOptions{"ghost": {}}, "h", usage.fn, time.Now())
	if err == nil {
		t.Error("ожидалась ошибка для тома из раскладки, отсутствующего на диске")
	}
}
