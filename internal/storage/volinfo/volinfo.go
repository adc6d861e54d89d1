// Пакет volinfo — файл идентификации тома (.ngas_volume_info).
//
// Файл лежит в корне каждого тома и позволяет опознать диск независимо
// от порядка монтирования. Формат: base64 от строк "Ключ = Значение",
// отсортированных по ключу.
package volinfo

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileName — имя файла идентификации относительно корня тома.
const FileName = ".ngas_volume_info"

// DefaultType — тип тома, записываемый при создании файла.
const DefaultType = "Disk"

// Info — содержимое файла идентификации.
type Info struct {
	DiskID       string
	Type         string
	Manufacturer string
	// Extra — неизвестные ключи сохраняются при перезаписи
	Extra map[string]string
}

// Encode сериализует Info в формат файла.
func Encode(info Info) []byte {
	kv := make(map[string]string, len(info.Extra)+3)
	for k, v := range info.Extra {
		kv[k] = v
	}
	kv["DiskId"] = info.DiskID
	kv["Type"] = info.Type
	kv["Manufacturer"] = info.Manufacturer

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, kv[k])
	}
	return []byte(base64.StdEncoding.EncodeToString(b.Bytes()))
}

// Decode разбирает содержимое файла. Отсутствие DiskId — ошибка.
func Decode(data []byte) (Info, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return Info{}, fmt.Errorf("некорректная кодировка файла тома: %w", err)
	}

	info := Info{Extra: map[string]string{}}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Info{}, fmt.Errorf("некорректная строка файла тома: %q", line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "DiskId":
			info.DiskID = value
		case "Type":
			info.Type = value
		case "Manufacturer":
			info.Manufacturer = value
		default:
			info.Extra[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return Info{}, fmt.Errorf("ошибка чтения файла тома: %w", err)
	}
	if info.DiskID == "" {
		return Info{}, fmt.Errorf("в файле тома отсутствует DiskId")
	}
	return info, nil
}

// Read читает файл идентификации тома mountPoint.
func Read(mountPoint string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(mountPoint, FileName))
	if err != nil {
		return Info{}, err
	}
	return Decode(data)
}

// Write атомарно записывает файл идентификации: temp → fsync → rename.
func Write(mountPoint string, info Info) error {
	target := filepath.Join(mountPoint, FileName)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла тома: %w", err)
	}
	if _, err := f.Write(Encode(info)); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ошибка записи файла тома: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ошибка fsync файла тома: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка закрытия файла тома: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка переименования файла тома: %w", err)
	}
	return nil
}

// Ensure читает файл идентификации или создаёт его для нового тома.
// Возвращает created = true, если файл был создан.
func Ensure(mountPoint, host string, now time.Time) (info Info, created bool, err error) {
	info, err = Read(mountPoint)
	if err == nil {
		return info, false, nil
	}
	if !os.IsNotExist(err) {
		return Info{}, false, fmt.Errorf("том %s: %w", mountPoint, err)
	}

	info = Info{
		DiskID:       GenerateDiskID(host, mountPoint, now),
		Type:         DefaultType,
		Manufacturer: "Unknown",
	}
	if err := Write(mountPoint, info); err != nil {
		return Info{}, false, fmt.Errorf("том %s: %w", mountPoint, err)
	}
	return info, true, nil
}

// GenerateDiskID — md5 от имени хоста, пути тома и времени создания.
func GenerateDiskID(host, mountPoint string, now time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%s%d", host, mountPoint, now.Unix())))
	return hex.EncodeToString(sum[:])
}
