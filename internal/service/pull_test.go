package service

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// rangeServer отдаёт content с поддержкой Range и считает запросы с Range.
func rangeServer(t *testing.T, content []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var ranged atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			ranged.Add(1)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "payload.bin", time.Unix(0, 0), bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv, &ranged
}

func TestPull_SingleStream(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	content := []byte("pulled over http")
	srv, ranged := rangeServer(t, content)

	res, err := env.archive.Pull(context.Background(), PullParams{URL: srv.URL + "/obs/payload.bin"})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if res.File.FileID != "payload.bin" {
		t.Errorf("file_id = %q", res.File.FileID)
	}
	if ranged.Load() != 0 {
		t.Error("один поток не должен использовать Range")
	}
	if got := env.readVersion(t, "payload.bin", 1); !bytes.Equal(got, content) {
		t.Error("содержимое не совпадает")
	}
}

func TestPull_ParallelRangesMatchPush(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	content := bytes.Repeat([]byte("range-test-block"), 300_000) // ~4.6 МБ
	srv, ranged := rangeServer(t, content)

	pulled, err := env.archive.Pull(context.Background(), PullParams{
		URL:     srv.URL + "/big.bin",
		FileID:  "pulled.bin",
		Streams: 4,
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if ranged.Load() != 4 {
		t.Errorf("запросов с Range: %d, ожидалось 4", ranged.Load())
	}

	pushed := env.archiveBytes(t, "pushed.bin", content)
	if pulled.File.Checksum != pushed.File.Checksum {
		t.Errorf("сумма при загрузке диапазонами %s, при push %s", pulled.File.Checksum, pushed.File.Checksum)
	}
	if pulled.File.Size != int64(len(content)) {
		t.Errorf("size = %d", pulled.File.Size)
	}
	if got := env.readVersion(t, "pulled.bin", 1); !bytes.Equal(got, content) {
		t.Error("содержимое не совпадает")
	}
}

func TestPull_SourceError(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := env.archive.Pull(context.Background(), PullParams{URL: srv.URL + "/missing"})
	if !model.IsKind(err, model.KindStagingIO) {
		t.Errorf("ожидалась StagingIO, получено %v", err)
	}
}

func TestPull_InvalidURL(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})

	for _, u := range []string{"ftp://host/file", "not a url", "http:///nohost"} {
		_, err := env.archive.Pull(context.Background(), PullParams{URL: u})
		if !model.IsKind(err, model.KindValidation) {
			t.Errorf("%q: ожидалась Validation, получено %v", u, err)
		}
	}
}

func TestPull_ExpectedChecksum(t *testing.T) {
	env := newTestEnv(t, envOptions{volumes: 1})
	srv, _ := rangeServer(t, []byte("abc"))

	_, err := env.archive.Pull(context.Background(), PullParams{
		URL:              srv.URL + "/abc",
		ExpectedChecksum: "1",
	})
	if !model.IsKind(err, model.KindChecksumMismatch) {
		t.Errorf("ожидалась ChecksumMismatch, получено %v", err)
	}
	if !strings.Contains(err.Error(), "контрольная сумма") {
		t.Errorf("сообщение: %v", err)
	}
}
