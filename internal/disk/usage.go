// usage.go — получение информации об ёмкости тома.
// Платформозависимый код для Unix-подобных систем.
package disk

import (
	"fmt"
	"syscall"
)

// UsageFunc возвращает общий и доступный объём тома в байтах.
type UsageFunc func(path string) (total, available int64, err error)

// Statfs возвращает информацию о дисковом пространстве в директории.
func Statfs(path string) (total, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("ошибка statfs %s: %w", path, err)
	}

	total = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)

	return total, available, nil
}
