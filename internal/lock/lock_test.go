package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAcquire_Exclusive(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(context.Background(), dir, "an-1", 0, testLogger())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err = Acquire(context.Background(), dir, "an-2", 0, testLogger())
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("ожидалась ErrHeld, получено %v", err)
	}

	o, err := ReadOwner(dir)
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if o.NodeID != "an-1" || o.PID != os.Getpid() {
		t.Errorf("владелец = %+v", o)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := ReadOwner(dir); !os.IsNotExist(err) {
		t.Errorf("сведения о владельце не удалены: %v", err)
	}

	l2, err := Acquire(context.Background(), dir, "an-2", 0, testLogger())
	if err != nil {
		t.Fatalf("Acquire после Release: %v", err)
	}
	if l2.Owner().NodeID != "an-2" {
		t.Errorf("Owner = %+v", l2.Owner())
	}
	_ = l2.Release()
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(context.Background(), dir, "an-1", 0, testLogger())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = l.Release()
	}()

	l2, err := Acquire(context.Background(), dir, "an-2", 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("Acquire с ожиданием: %v", err)
	}
	_ = l2.Release()
}

func TestAcquire_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(context.Background(), dir, "an-1", 0, testLogger())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, dir, "an-2", time.Minute, testLogger())
	if !errors.Is(err, ErrHeld) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ожидались ErrHeld и DeadlineExceeded, получено %v", err)
	}
}
