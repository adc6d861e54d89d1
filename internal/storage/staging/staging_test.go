package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/checksum"
	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testTarget(t *testing.T) Target {
	t.Helper()
	return Target{DiskID: "disk-1", MountPoint: t.TempDir(), RelativePath: "2026-10-16/f/1/f"}
}

func crc32c(t *testing.T) checksum.Variant {
	t.Helper()
	v, err := checksum.Lookup("crc32c")
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// TestReadFrom_Finalize проверяет приём потока и сумму на лету.
func TestReadFrom_Finalize(t *testing.T) {
	s := New(16, testLogger())
	target := testTarget(t)
	content := []byte(strings.Repeat("0123456789", 100))

	h, err := s.Begin(target, int64(len(content)), crc32c(t))
	if err != nil {
		t.Fatalf("ошибка Begin: %v", err)
	}
	if filepath.Dir(h.TempPath()) != filepath.Join(target.MountPoint, DirName) {
		t.Errorf("временный файл должен лежать на томе назначения: %s", h.TempPath())
	}

	if _, err := h.ReadFrom(context.Background(), bytes.NewReader(content)); err != nil {
		t.Fatalf("ошибка приёма: %v", err)
	}
	staged, err := h.Finalize(context.Background())
	if err != nil {
		t.Fatalf("ошибка Finalize: %v", err)
	}

	want, _, _ := checksum.Compute(context.Background(), bytes.NewReader(content), crc32c(t), 0)
	if staged.Digest != want {
		t.Errorf("сумма %+v, ожидалось %+v", staged.Digest, want)
	}
	if staged.Size != int64(len(content)) {
		t.Errorf("размер %d, ожидалось %d", staged.Size, len(content))
	}
	data, err := os.ReadFile(staged.TempPath)
	if err != nil || !bytes.Equal(data, content) {
		t.Errorf("содержимое временного файла не совпадает: %v", err)
	}
}

// TestFinalize_SizeMismatch — меньше объявленного: ошибка и удаление файла.
func TestFinalize_SizeMismatch(t *testing.T) {
	s := New(0, testLogger())
	h, _ := s.Begin(testTarget(t), 100, crc32c(t))

	if _, err := h.ReadFrom(context.Background(), strings.NewReader("short")); err != nil {
		t.Fatalf("ошибка приёма: %v", err)
	}
	_, err := h.Finalize(context.Background())
	if !model.IsKind(err, model.KindStagingIO) {
		t.Fatalf("ожидалась STAGING_IO_ERROR, получено %v", err)
	}
	if _, statErr := os.Stat(h.TempPath()); !os.IsNotExist(statErr) {
		t.Error("временный файл должен быть удалён")
	}
}

// TestWrite_ExceedsDeclared — больше объявленного: ошибка сразу.
func TestWrite_ExceedsDeclared(t *testing.T) {
	s := New(0, testLogger())
	h, _ := s.Begin(testTarget(t), 3, crc32c(t))

	_, err := h.ReadFrom(context.Background(), strings.NewReader("too long"))
	if !model.IsKind(err, model.KindStagingIO) {
		t.Fatalf("ожидалась STAGING_IO_ERROR, получено %v", err)
	}
	var de *model.Error
	if errors.As(err, &de) && de.Fields["declared"] != "3" {
		t.Errorf("в ошибке должен быть объявленный размер: %v", de.Fields)
	}
	if _, statErr := os.Stat(h.TempPath()); !os.IsNotExist(statErr) {
		t.Error("временный файл должен быть удалён")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

// TestReadFrom_ReaderError — обрыв входного потока удаляет временный файл.
func TestReadFrom_ReaderError(t *testing.T) {
	s := New(0, testLogger())
	h, _ := s.Begin(testTarget(t), UnknownSize, crc32c(t))

	_, err := h.ReadFrom(context.Background(), failingReader{})
	if !model.IsKind(err, model.KindStagingIO) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("ожидалась STAGING_IO_ERROR с исходной ошибкой, получено %v", err)
	}
	if _, statErr := os.Stat(h.TempPath()); !os.IsNotExist(statErr) {
		t.Error("временный файл должен быть удалён")
	}
}

// TestReadFrom_Cancelled — отмена между блоками.
func TestReadFrom_Cancelled(t *testing.T) {
	s := New(4, testLogger())
	h, _ := s.Begin(testTarget(t), UnknownSize, crc32c(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.ReadFrom(ctx, strings.NewReader("data data data"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась context.Canceled, получено %v", err)
	}
	if _, statErr := os.Stat(h.TempPath()); !os.IsNotExist(statErr) {
		t.Error("временный файл должен быть удалён")
	}
}

// TestWriteAt_RecomputesDigest — параллельная запись не по порядку.
func TestWriteAt_RecomputesDigest(t *testing.T) {
	s := New(0, testLogger())
	content := []byte("abcdefghijklmnopqrstuvwxyz")
	h, _ := s.Begin(testTarget(t), int64(len(content)), crc32c(t))

	// Хвост раньше головы
	if _, err := h.WriteAt(content[13:], 13); err != nil {
		t.Fatal(err)
	}
	if _, err := h.WriteAt(content[:13], 0); err != nil {
		t.Fatal(err)
	}
	staged, err := h.Finalize(context.Background())
	if err != nil {
		t.Fatalf("ошибка Finalize: %v", err)
	}
	want, _, _ := checksum.Compute(context.Background(), bytes.NewReader(content), crc32c(t), 0)
	if staged.Digest != want {
		t.Errorf("сумма %+v, ожидалось %+v", staged.Digest, want)
	}
}

// TestAbort_Idempotent проверяет повторный Abort.
func TestAbort_Idempotent(t *testing.T) {
	s := New(0, testLogger())
	h, _ := s.Begin(testTarget(t), UnknownSize, crc32c(t))
	h.Abort()
	h.Abort()
	if _, err := h.Write([]byte("x")); err == nil {
		t.Error("запись после Abort должна завершаться ошибкой")
	}
}

// TestListTemps проверяет перечисление временных файлов.
func TestListTemps(t *testing.T) {
	target := testTarget(t)
	if temps, err := ListTemps(target.MountPoint); err != nil || len(temps) != 0 {
		t.Fatalf("пустой том: %v %v", temps, err)
	}

	s := New(0, testLogger())
	h, _ := s.Begin(target, UnknownSize, crc32c(t))
	defer h.Abort()

	temps, err := ListTemps(target.MountPoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(temps) != 1 || temps[0].Path != h.TempPath() {
		t.Errorf("ожидался один временный файл %s, получено %+v", h.TempPath(), temps)
	}
}

// TestStoragePath проверяет формат итогового пути.
func TestStoragePath(t *testing.T) {
	date := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	got := StoragePath("obs/2026 run.fits", 3, date)
	want := "2026-10-16/obs_2026_run.fits/3/obs_2026_run.fits"
	if got != want {
		t.Errorf("StoragePath = %q, ожидалось %q", got, want)
	}
}

// TestSanitize проверяет очистку строк для имени файла.
func TestSanitize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"hello world", "hello_world"},
		{"test-file_01.fits", "test-file_01.fits"},
		{"..", "file"},
		{"../etc/passwd", "_etc_passwd"},
		{"", "file"}, // пустая строка → "file"
		{"тест", "тест"},
	}

	for _, tt := range tests {
		result := sanitize(tt.input)
		if result != tt.expected {
			t.Errorf("sanitize(%q): ожидалось %q, получено %q", tt.input, tt.expected, result)
		}
	}
}
