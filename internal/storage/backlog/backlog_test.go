package backlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

var base = time.Date(2026, 10, 16, 10, 0, 0, 123456789, time.UTC)

func entry(subscr, file string, version int, ingested time.Time) *model.BacklogEntry {
	return &model.BacklogEntry{
		BacklogKey:    model.BacklogKey{SubscrID: subscr, FileID: file, FileVersion: version},
		IngestionDate: ingested,
		CreatedAt:     base,
	}
}

func TestAdd_Idempotent(t *testing.T) {
	s := openStore(t, t.TempDir())

	added, err := s.Add(entry("s1", "a.fits", 1, base))
	if err != nil || !added {
		t.Fatalf("первый Add: added=%v err=%v", added, err)
	}
	added, err = s.Add(entry("s1", "a.fits", 1, base.Add(time.Hour)))
	if err != nil || added {
		t.Fatalf("повторный Add: added=%v err=%v", added, err)
	}
	got, _ := s.Get(model.BacklogKey{SubscrID: "s1", FileID: "a.fits", FileVersion: 1})
	if !got.IngestionDate.Equal(base) {
		t.Error("повторный Add не должен менять запись")
	}
	if got.State != model.BacklogPending {
		t.Errorf("State = %q, ожидалось pending", got.State)
	}
}

func TestReopen_PreservesEntries(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	e := entry("s1", "obs/2026 run.fits", 3, base)
	if _, err := s.Add(e); err != nil {
		t.Fatal(err)
	}
	next := base.Add(10 * time.Second)
	if _, err := s.RecordFailure(e.BacklogKey, "HTTP 503", next, false); err != nil {
		t.Fatal(err)
	}

	reopened := openStore(t, dir)
	got, err := reopened.Get(e.BacklogKey)
	if err != nil {
		t.Fatalf("Get после перезапуска: %v", err)
	}
	want := &model.BacklogEntry{
		BacklogKey:    e.BacklogKey,
		IngestionDate: base,
		Attempts:      1,
		LastError:     "HTTP 503",
		NextAttemptAt: next,
		State:         model.BacklogPending,
		CreatedAt:     base,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("запись после перезапуска (-want +got):\n%s", diff)
	}
}

func TestOpen_SkipsCorruptAndTemp(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	_, _ = s.Add(entry("s1", "a", 1, base))

	bad := filepath.Join(dir, "deadbeef"+RecordSuffix)
	if err := os.WriteFile(bad, []byte{0xff, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(dir, "x"+RecordSuffix+".tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened := openStore(t, dir)
	if reopened.Count() != 1 {
		t.Errorf("Count = %d, ожидалось 1", reopened.Count())
	}
	if _, err := os.Stat(bad + ".bad"); err != nil {
		t.Errorf("повреждённая запись должна быть переименована: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("временный файл должен быть удалён")
	}
}

func TestCandidates_OrderAndEligibility(t *testing.T) {
	s := openStore(t, t.TempDir())
	now := base.Add(time.Hour)

	_, _ = s.Add(entry("s1", "late", 1, base.Add(30*time.Minute)))
	_, _ = s.Add(entry("s1", "early", 1, base))
	_, _ = s.Add(entry("s1", "retry", 1, base.Add(time.Minute)))
	_, _ = s.Add(entry("s2", "other", 1, base))

	// retry ещё не созрел
	_, _ = s.RecordFailure(model.BacklogKey{SubscrID: "s1", FileID: "retry", FileVersion: 1},
		"timeout", now.Add(time.Minute), false)

	got := s.Candidates("s1", now)
	var ids []string
	for _, e := range got {
		ids = append(ids, e.FileID)
	}
	if diff := cmp.Diff([]string{"early", "late"}, ids); diff != "" {
		t.Errorf("кандидаты (-want +got):\n%s", diff)
	}

	if n := len(s.Candidates("s1", now.Add(2*time.Minute))); n != 3 {
		t.Errorf("после наступления срока кандидатов %d, ожидалось 3", n)
	}
}

func TestRecordFailure_GiveUp(t *testing.T) {
	s := openStore(t, t.TempDir())
	key := model.BacklogKey{SubscrID: "s1", FileID: "a", FileVersion: 1}
	_, _ = s.Add(entry("s1", "a", 1, base))

	upd, err := s.RecordFailure(key, "HTTP 500", base, true)
	if err != nil {
		t.Fatal(err)
	}
	if upd.State != model.BacklogFailed || upd.Attempts != 1 {
		t.Errorf("запись = %+v", upd)
	}
	if len(s.Candidates("s1", base.Add(time.Hour))) != 0 {
		t.Error("failed-запись не должна быть кандидатом")
	}
	if pending, failed := s.CountBySubscriber("s1"); pending != 0 || failed != 1 {
		t.Errorf("CountBySubscriber = %d/%d", pending, failed)
	}

	n, err := s.ResetFailed("s1")
	if err != nil || n != 1 {
		t.Fatalf("ResetFailed = %d, %v", n, err)
	}
	if len(s.Candidates("s1", base)) != 1 {
		t.Error("после ResetFailed запись должна снова стать кандидатом")
	}
}

func TestRecordFailure_RemovedEntry(t *testing.T) {
	s := openStore(t, t.TempDir())
	key := model.BacklogKey{SubscrID: "s1", FileID: "a", FileVersion: 1}
	_, _ = s.Add(entry("s1", "a", 1, base))
	_ = s.Remove(key)

	if _, err := s.RecordFailure(key, "x", base, false); err != ErrNotFound {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
	if s.Has(key) {
		t.Error("RecordFailure не должен воссоздавать удалённую запись")
	}
	if err := s.Remove(key); err != nil {
		t.Errorf("повторный Remove: %v", err)
	}
}

func TestRemoveSubscriber(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	_, _ = s.Add(entry("s1", "a", 1, base))
	_, _ = s.Add(entry("s1", "b", 1, base))
	_, _ = s.Add(entry("s2", "a", 1, base))

	n, err := s.RemoveSubscriber("s1")
	if err != nil || n != 2 {
		t.Fatalf("RemoveSubscriber = %d, %v", n, err)
	}
	if openStore(t, dir).Count() != 1 {
		t.Error("записи s1 должны быть удалены и с диска")
	}
}

func TestOldestAndList(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, _ = s.Add(entry("s1", "b", 1, base.Add(time.Minute)))
	_, _ = s.Add(entry("s1", "a", 2, base))
	_, _ = s.Add(entry("s1", "a", 1, base))

	oldest := s.Oldest("s1")
	if oldest == nil || oldest.FileID != "a" || oldest.FileVersion != 1 {
		t.Errorf("Oldest = %+v", oldest)
	}
	if s.Oldest("nobody") != nil {
		t.Error("Oldest для неизвестного подписчика должен быть nil")
	}

	page, total := s.List("s1", 1, 1)
	if total != 3 || len(page) != 1 || page[0].FileVersion != 2 {
		t.Errorf("List(limit=1, offset=1) = %+v, total=%d", page, total)
	}
	if _, total := s.List("", 0, 0); total != 3 {
		t.Errorf("List всех = %d", total)
	}
}

func TestConcurrentAdd(t *testing.T) {
	s := openStore(t, t.TempDir())
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, _ = s.Add(entry("s1", "f", v%10+1, base))
		}(i)
	}
	wg.Wait()
	if s.Count() != 10 {
		t.Errorf("Count = %d, ожидалось 10", s.Count())
	}
}
