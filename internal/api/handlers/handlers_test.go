package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/artsore/archive-node/internal/api/middleware"
	"github.com/arturkryukov/artsore/archive-node/internal/delivery"
	"github.com/arturkryukov/artsore/archive-node/internal/disk"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/notify"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
	"github.com/arturkryukov/artsore/archive-node/internal/repository/memrepo"
	"github.com/arturkryukov/artsore/archive-node/internal/service"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/backlog"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/wal"
	"github.com/arturkryukov/artsore/archive-node/internal/subscription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

type stubReconciler struct {
	busy bool
	runs int
}

func (s *stubReconciler) RunOnce(context.Context) (*service.ReconcileResult, bool) {
	if s.busy {
		return nil, true
	}
	s.runs++
	return &service.ReconcileResult{Issues: []service.ReconcileIssue{}}, false
}

// testNode — узел на каталоге в памяти за HTTP-роутером.
type testNode struct {
	root       string
	catalog    *repository.Catalog
	backlog    *backlog.Store
	trigger    *countingTrigger
	reconciler *stubReconciler
	server     *httptest.Server
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	root := t.TempDir()
	logger := testLogger()
	n := &testNode{
		root:       root,
		catalog:    memrepo.NewCatalog(),
		trigger:    &countingTrigger{},
		reconciler: &stubReconciler{},
	}

	alloc := disk.NewAllocator(n.catalog.Disks, disk.Config{
		ThresholdBytes: 100,
		WarningBytes:   200,
		Usage: func(string) (int64, int64, error) {
			return 1 << 30, 1 << 29, nil
		},
	}, notify.Discard{}, logger)
	for _, id := range []string{"d1", "d2"} {
		mount := filepath.Join(root, "volumes", id)
		if err := os.MkdirAll(mount, 0o750); err != nil {
			t.Fatal(err)
		}
		d := &model.DiskRecord{DiskID: id, MountPoint: mount, TotalBytes: 1 << 30, AvailableBytes: 1 << 29}
		if err := alloc.Register(context.Background(), []*model.DiskRecord{d}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	w, err := wal.New(filepath.Join(root, "wal"), logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	st := staging.New(4096, logger)
	cm := service.NewCommitManager(w, n.catalog.Files, service.CommitConfig{BlockSize: 4096}, logger)

	bl, err := backlog.Open(filepath.Join(root, "backlog"), logger)
	if err != nil {
		t.Fatalf("backlog.Open: %v", err)
	}
	n.backlog = bl
	registry := subscription.NewRegistry(n.catalog.Subscribers, n.catalog.Files, bl, notify.Discard{}, logger)
	cm.AddListener(registry)

	archive := service.NewArchiveService(service.ArchiveConfig{
		ChecksumVariant: "crc32c",
		MaxFileSize:     1 << 20,
	}, alloc, st, cm, logger)
	retrieve := service.NewRetrieveService(n.catalog.Files, n.catalog.Disks, nil, logger)

	api := &APIHandler{
		Archive:       NewArchiveHandler(archive, retrieve, 1<<20, logger),
		Subscriptions: NewSubscriptionHandler(registry, bl, n.trigger, logger),
		Maintenance:   NewMaintenanceHandler(n.reconciler),
		System:        NewSystemHandler(NodeInfo{NodeID: "node-1", ChecksumVariant: "crc32c"}, n.catalog.Disks, bl),
		Health:        NewHealthHandler(filepath.Join(root, "volumes"), filepath.Join(root, "wal"), filepath.Join(root, "backlog"), nil),
	}

	validator, err := middleware.NewRequestValidator(logger)
	if err != nil {
		t.Fatalf("NewRequestValidator: %v", err)
	}
	r := chi.NewRouter()
	api.RegisterProbes(r)
	r.Group(func(r chi.Router) {
		r.Use(validator.Middleware())
		if err := api.RegisterCommands(r, nil); err != nil {
			t.Fatalf("RegisterCommands: %v", err)
		}
	})
	n.server = httptest.NewServer(r)
	t.Cleanup(n.server.Close)
	return n
}

func (n *testNode) do(t *testing.T, method, target string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, n.server.URL+target, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := n.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("ошибка декодирования ответа: %v", err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("статус = %d, ожидался %d", resp.StatusCode, status)
	}
	env := decode[errorEnvelope](t, resp)
	if env.Error.Code != code {
		t.Errorf("code = %q, ожидался %q (%s)", env.Error.Code, code, env.Error.Message)
	}
}

func (n *testNode) archive(t *testing.T, name string, data []byte) archiveResponse {
	t.Helper()
	resp := n.do(t, http.MethodPost, "/ARCHIVE?filename="+name+"&mime_type=text/plain", data)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ARCHIVE %s: статус %d", name, resp.StatusCode)
	}
	return decode[archiveResponse](t, resp)
}

func TestArchive_PushAndRetrieve(t *testing.T) {
	n := newTestNode(t)
	data := []byte("содержимое архивного файла")

	got := n.archive(t, "obs.txt", data)
	if got.Status != statusSuccess || got.FileID != "obs.txt" || got.FileVersion != 1 {
		t.Errorf("ответ ARCHIVE = %+v", got)
	}
	if got.ChecksumVariant != "crc32c" || got.Checksum == "" {
		t.Errorf("сумма = %q/%q", got.ChecksumVariant, got.Checksum)
	}
	if got.Size != int64(len(data)) {
		t.Errorf("size = %d, ожидалось %d", got.Size, len(data))
	}
	if got.Replication.Status != "disabled" {
		t.Errorf("replication = %q, ожидалось disabled", got.Replication.Status)
	}

	resp := n.do(t, http.MethodGet, "/RETRIEVE?file_id=obs.txt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("RETRIEVE: статус %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, data) {
		t.Errorf("содержимое отличается: %q", body)
	}
	if resp.Header.Get(delivery.HeaderChecksum) != got.Checksum {
		t.Errorf("%s = %q", delivery.HeaderChecksum, resp.Header.Get(delivery.HeaderChecksum))
	}
	if resp.Header.Get(delivery.HeaderFileVersion) != "1" {
		t.Errorf("%s = %q", delivery.HeaderFileVersion, resp.Header.Get(delivery.HeaderFileVersion))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestArchive_QArchiveCreatesNewVersion(t *testing.T) {
	n := newTestNode(t)
	n.archive(t, "v.txt", []byte("первая"))

	resp := n.do(t, http.MethodPut, "/QARCHIVE?file_id=v.txt", []byte("вторая"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("QARCHIVE: статус %d", resp.StatusCode)
	}
	if got := decode[archiveResponse](t, resp); got.FileVersion != 2 {
		t.Errorf("file_version = %d, ожидалась 2", got.FileVersion)
	}

	resp = n.do(t, http.MethodGet, "/RETRIEVE?file_id=v.txt&file_version=1", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "первая" {
		t.Errorf("версия 1 = %q", body)
	}
}

func TestArchive_Errors(t *testing.T) {
	n := newTestNode(t)

	resp := n.do(t, http.MethodPost, "/ARCHIVE?filename=a.txt&crc_variant=md5", []byte("x"))
	expectError(t, resp, http.StatusBadRequest, model.KindUnsupportedChecksumVariant.String())

	resp = n.do(t, http.MethodPost, "/ARCHIVE?filename=a.txt&crc_variant=crc32&bchecksum=1", []byte("x"))
	expectError(t, resp, http.StatusBadRequest, model.KindChecksumMismatch.String())

	resp = n.do(t, http.MethodPost, "/ARCHIVE?filename=big.bin", make([]byte, 1<<20+1))
	expectError(t, resp, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE")

	resp = n.do(t, http.MethodPost, "/ARCHIVE?bnum_streams=0", []byte("x"))
	expectError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestRetrieve_NotFound(t *testing.T) {
	n := newTestNode(t)

	resp := n.do(t, http.MethodGet, "/RETRIEVE?file_id=missing", nil)
	expectError(t, resp, http.StatusNotFound, "NOT_FOUND")
}

func TestDiscard_HidesAndRestores(t *testing.T) {
	n := newTestNode(t)
	n.archive(t, "d.txt", []byte("данные"))

	resp := n.do(t, http.MethodPost, "/DISCARD?file_id=d.txt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DISCARD: статус %d", resp.StatusCode)
	}
	if got := decode[discardResponse](t, resp); !got.Discarded || got.FileVersion != 1 {
		t.Errorf("ответ DISCARD = %+v", got)
	}
	expectError(t, n.do(t, http.MethodGet, "/RETRIEVE?file_id=d.txt", nil), http.StatusNotFound, "NOT_FOUND")

	resp = n.do(t, http.MethodPost, "/DISCARD?file_id=d.txt&undo=true", nil)
	if got := decode[discardResponse](t, resp); got.Discarded {
		t.Error("пометка не снята")
	}
	if resp := n.do(t, http.MethodGet, "/RETRIEVE?file_id=d.txt", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("RETRIEVE после undo: статус %d", resp.StatusCode)
	}
}

func TestFileList_Pagination(t *testing.T) {
	n := newTestNode(t)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		n.archive(t, name, []byte(name))
	}

	resp := n.do(t, http.MethodGet, "/FILELIST?limit=2&offset=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("FILELIST: статус %d", resp.StatusCode)
	}
	got := decode[fileListResponse](t, resp)
	if got.Total != 3 || len(got.Files) != 2 || got.Limit != 2 || got.Offset != 1 {
		t.Errorf("FILELIST = total %d, files %d, limit %d, offset %d", got.Total, len(got.Files), got.Limit, got.Offset)
	}

	resp = n.do(t, http.MethodGet, "/FILELIST?file_id=b.txt", nil)
	if got := decode[fileListResponse](t, resp); got.Total != 1 || got.Files[0].FileID != "b.txt" {
		t.Errorf("FILELIST по file_id = %+v", got)
	}
}

func TestSubscription_Lifecycle(t *testing.T) {
	n := newTestNode(t)
	n.archive(t, "one.txt", []byte("1"))
	n.archive(t, "two.txt", []byte("2"))

	resp := n.do(t, http.MethodPost, "/SUBSCRIBE?url=http://127.0.0.1:1/ingest&subscr_id=s1&concurrent_threads=2&start_date=2000-01-01", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("SUBSCRIBE: статус %d", resp.StatusCode)
	}
	sub := decode[subscribeResponse](t, resp)
	if sub.Backlog != 2 || sub.Subscriber.SubscrID != "s1" || sub.Subscriber.ConcurrentThreads != 2 {
		t.Errorf("ответ SUBSCRIBE = backlog %d, %+v", sub.Backlog, sub.Subscriber)
	}

	resp = n.do(t, http.MethodGet, "/SUBSCRIBERS", nil)
	list := decode[struct {
		Subscribers []subscriberStatus `json:"subscribers"`
		Total       int                `json:"total"`
	}](t, resp)
	if list.Total != 1 || list.Subscribers[0].Pending != 2 {
		t.Errorf("SUBSCRIBERS = %+v", list)
	}

	resp = n.do(t, http.MethodGet, "/BACKLOG?subscr_id=s1&limit=1", nil)
	bl := decode[struct {
		Entries []*model.BacklogEntry `json:"entries"`
		Total   int                   `json:"total"`
	}](t, resp)
	if bl.Total != 2 || len(bl.Entries) != 1 || bl.Entries[0].FileID != "one.txt" {
		t.Errorf("BACKLOG = %+v", bl)
	}

	resp = n.do(t, http.MethodPost, "/USUBSCRIBE?subscr_id=s1&priority=1", nil)
	if got := decode[subscribeResponse](t, resp); got.Subscriber.Priority != 1 || got.Subscriber.ConcurrentThreads != 2 {
		t.Errorf("USUBSCRIBE = %+v", got.Subscriber)
	}

	resp = n.do(t, http.MethodPost, "/SUBSCRIPTION/RESUME?subscr_id=s1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("RESUME: статус %d", resp.StatusCode)
	}

	resp = n.do(t, http.MethodPost, "/UNSUBSCRIBE?url=http://127.0.0.1:1/ingest", nil)
	if got := decode[subscribeResponse](t, resp); got.Backlog != 2 {
		t.Errorf("UNSUBSCRIBE удалил %d записей, ожидалось 2", got.Backlog)
	}
	if n.backlog.Count() != 0 {
		t.Errorf("backlog после отписки = %d", n.backlog.Count())
	}
}

func TestSubscription_Errors(t *testing.T) {
	n := newTestNode(t)

	resp := n.do(t, http.MethodPost, "/SUBSCRIBE?url=ftp://host/x", nil)
	expectError(t, resp, http.StatusBadRequest, model.KindSubscriptionValidation.String())

	resp = n.do(t, http.MethodPost, "/SUBSCRIBE?url=http://h/x&start_date=yesterday", nil)
	expectError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")

	resp = n.do(t, http.MethodPost, "/UNSUBSCRIBE?subscr_id=nobody", nil)
	expectError(t, resp, http.StatusNotFound, "NOT_FOUND")

	resp = n.do(t, http.MethodPost, "/USUBSCRIBE", nil)
	expectError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestTrigger(t *testing.T) {
	n := newTestNode(t)

	resp := n.do(t, http.MethodPost, "/TRIGGER", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("статус = %d, ожидался 202", resp.StatusCode)
	}
	if n.trigger.n.Load() != 1 {
		t.Errorf("Trigger вызван %d раз", n.trigger.n.Load())
	}
}

func TestReconcile_InProgress(t *testing.T) {
	n := newTestNode(t)

	if resp := n.do(t, http.MethodPost, "/RECONCILE", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("RECONCILE: статус %d", resp.StatusCode)
	}
	n.reconciler.busy = true
	expectError(t, n.do(t, http.MethodPost, "/RECONCILE", nil), http.StatusConflict, "RECONCILE_IN_PROGRESS")
	if n.reconciler.runs != 1 {
		t.Errorf("runs = %d", n.reconciler.runs)
	}
}

func TestStatus(t *testing.T) {
	n := newTestNode(t)
	n.archive(t, "s.txt", []byte("s"))

	resp := n.do(t, http.MethodGet, "/STATUS", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("STATUS: статус %d", resp.StatusCode)
	}
	got := decode[statusResponse](t, resp)
	if got.NodeID != "node-1" || len(got.Disks) != 2 || got.DisksAvailable != 2 {
		t.Errorf("STATUS = %+v", got)
	}
	if got.Replication != "disabled" || got.BacklogSize != 0 {
		t.Errorf("replication = %q, backlog = %d", got.Replication, got.BacklogSize)
	}
	if !strings.Contains(got.FreeTotal, "GiB") {
		t.Errorf("free_total = %q", got.FreeTotal)
	}
}

func TestHealth(t *testing.T) {
	n := newTestNode(t)

	if resp := n.do(t, http.MethodGet, "/health/live", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("live: статус %d", resp.StatusCode)
	}
	if resp := n.do(t, http.MethodGet, "/health/ready", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("ready: статус %d", resp.StatusCode)
	}

	h := NewHealthHandler(filepath.Join(n.root, "нет"), "", "", nil)
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready без корня томов: статус %d", rec.Code)
	}

	// Без backlog узел готов, но статус понижен
	h = NewHealthHandler(n.root, n.root, filepath.Join(n.root, "нет"), nil)
	rec = httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Errorf("ready без backlog: статус %d, тело %s", rec.Code, rec.Body.String())
	}
}
