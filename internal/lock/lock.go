// Пакет lock — эксклюзивная блокировка рабочей директории узла.
//
// Журнал намерений и тома не рассчитаны на двух писателей: второй
// процесс, запущенный на тех же директориях, откатил бы чужие
// незавершённые намерения. Поэтому при старте узел захватывает
// {dir}/.archive-node.lock и записывает рядом сведения о владельце
// (.archive-node.info). Пока блокировка удерживается, другой экземпляр
// получает ErrHeld с описанием владельца.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/gofslock/fslock"
)

const (
	// lockFile — имя файла блокировки.
	lockFile = ".archive-node.lock"
	// infoFile — имя файла со сведениями о владельце.
	infoFile = ".archive-node.info"
	// retryInterval — интервал повторных попыток при ожидании.
	retryInterval = time.Second
)

// ErrHeld — блокировку удерживает другой процесс.
var ErrHeld = errors.New("рабочая директория занята другим экземпляром")

// Owner — сведения о владельце блокировки.
type Owner struct {
	NodeID     string    `json:"node_id"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// String возвращает owner в виде "node@host (pid N)".
func (o Owner) String() string {
	return fmt.Sprintf("%s@%s (pid %d, с %s)", o.NodeID, o.Hostname, o.PID, o.AcquiredAt.Format(time.RFC3339))
}

// NodeLock — удерживаемая блокировка.
type NodeLock struct {
	dir    string
	handle fslock.Handle
	owner  Owner
	logger *slog.Logger
}

// Acquire захватывает блокировку dir. Если она занята и wait > 0,
// повторяет попытки до истечения wait или отмены ctx.
func Acquire(ctx context.Context, dir, nodeID string, wait time.Duration, logger *slog.Logger) (*NodeLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}
	logger = logger.With(slog.String("component", "lock"))
	path := filepath.Join(dir, lockFile)
	deadline := time.Now().Add(wait)

	var blocker fslock.Blocker
	if wait > 0 {
		blocker = func() error {
			if time.Now().After(deadline) {
				return fslock.ErrLockHeld
			}
			logger.Info("Блокировка занята, ожидание",
				slog.String("dir", dir),
				slog.String("owner", describeOwner(dir)),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryInterval):
				return nil
			}
		}
	}

	h, err := fslock.LockBlocking(path, blocker)
	switch {
	case err == nil:
		return acquired(dir, nodeID, h, logger)
	case errors.Is(err, fslock.ErrLockHeld):
		return nil, heldErr(dir)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil, fmt.Errorf("%w: %w", heldErr(dir), err)
	default:
		return nil, fmt.Errorf("ошибка захвата блокировки %s: %w", path, err)
	}
}

func acquired(dir, nodeID string, h fslock.Handle, logger *slog.Logger) (*NodeLock, error) {
	hostname, _ := os.Hostname()
	owner := Owner{
		NodeID:     nodeID,
		Hostname:   hostname,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	if err := writeOwner(dir, owner); err != nil {
		// Без сведений о владельце блокировка всё равно действует
		logger.Warn("Ошибка записи сведений о владельце",
			slog.String("error", err.Error()),
		)
	}
	logger.Info("Блокировка рабочей директории получена",
		slog.String("dir", dir),
		slog.Int("pid", owner.PID),
	)
	return &NodeLock{dir: dir, handle: h, owner: owner, logger: logger}, nil
}

// Owner возвращает сведения о текущем владельце.
func (l *NodeLock) Owner() Owner {
	return l.owner
}

// Release снимает блокировку и удаляет сведения о владельце.
func (l *NodeLock) Release() error {
	_ = os.Remove(filepath.Join(l.dir, infoFile))
	if err := l.handle.Unlock(); err != nil {
		return fmt.Errorf("ошибка снятия блокировки %s: %w", l.dir, err)
	}
	l.logger.Info("Блокировка рабочей директории освобождена", slog.String("dir", l.dir))
	return nil
}

// ReadOwner читает сведения о владельце блокировки dir.
func ReadOwner(dir string) (*Owner, error) {
	data, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		return nil, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("некорректный %s: %w", infoFile, err)
	}
	return &o, nil
}

func writeOwner(dir string, o Owner) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, infoFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, infoFile))
}

func describeOwner(dir string) string {
	o, err := ReadOwner(dir)
	if err != nil {
		return "неизвестен"
	}
	return o.String()
}

func heldErr(dir string) error {
	return fmt.Errorf("%w: %s, владелец %s", ErrHeld, dir, describeOwner(dir))
}
