package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/volinfo"
)

// VolumeOptions — настройки тома из файла раскладки (AN_VOLUMES_FILE).
type VolumeOptions struct {
	MimeTypes   []string
	ReplicaOnly bool
}

// Discover находит тома: каждая не скрытая поддиректория root — отдельный том.
// Для каждого тома читается (или создаётся) файл идентификации.
// options — настройки по имени поддиректории; тома без настроек принимают любые типы.
func Discover(root string, options map[string]VolumeOptions, host string, usage UsageFunc, now time.Time) ([]*model.DiskRecord, error) {
	if usage == nil {
		usage = Statfs
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения корня томов %s: %w", root, err)
	}

	var disks []*model.DiskRecord
	seen := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		mount := filepath.Join(root, e.Name())

		info, _, err := volinfo.Ensure(mount, host, now)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[info.DiskID]; dup {
			return nil, fmt.Errorf("тома %s и %s имеют одинаковый DiskId %s", prev, mount, info.DiskID)
		}
		seen[info.DiskID] = mount

		total, available, err := usage(mount)
		if err != nil {
			return nil, err
		}

		opts := options[e.Name()]
		d := &model.DiskRecord{
			DiskID:         info.DiskID,
			MountPoint:     mount,
			TotalBytes:     total,
			AvailableBytes: available,
			MimeTypes:      opts.MimeTypes,
			ReplicaOnly:    opts.ReplicaOnly,
			UpdatedAt:      now,
		}
		disks = append(disks, d)
	}

	for name := range options {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			return nil, fmt.Errorf("том %q из файла раскладки не найден в %s", name, root)
		}
	}

	sort.Slice(disks, func(i, j int) bool { return disks[i].DiskID < disks[j].DiskID })
	return disks, nil
}
