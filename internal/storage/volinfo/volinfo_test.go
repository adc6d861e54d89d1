package volinfo

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := Info{
		DiskID:       "a1b2c3",
		Type:         "Disk",
		Manufacturer: "Seagate",
		Extra:        map[string]string{"Serial": "XYZ"},
	}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("ошибка разбора: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("содержимое изменилось (-want +got):\n%s", diff)
	}
}

func TestEncode_SortedLines(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(string(Encode(Info{DiskID: "d", Type: "t", Manufacturer: "m"})))
	if err != nil {
		t.Fatal(err)
	}
	want := "DiskId = d\nManufacturer = m\nType = t\n"
	if string(raw) != want {
		t.Errorf("получено %q, ожидалось %q", raw, want)
	}
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]string{
		"не base64":    "%%%",
		"без DiskId":   base64.StdEncoding.EncodeToString([]byte("Type = Disk\n")),
		"строка без =": base64.StdEncoding.EncodeToString([]byte("DiskId\n")),
	}
	for name, data := range cases {
		if _, err := Decode([]byte(data)); err == nil {
			t.Errorf("%s: ожидалась ошибка", name)
		}
	}
}

func TestEnsure_CreatesOnce(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1700000000, 0)

	first, created, err := Ensure(dir, "host-1", now)
	if err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if !created {
		t.Error("файл должен быть создан на новом томе")
	}
	if first.DiskID != GenerateDiskID("host-1", dir, now) || len(first.DiskID) != 32 {
		t.Errorf("неожиданный DiskID %q", first.DiskID)
	}

	// Повторный вызов читает существующий файл, а не генерирует новый id
	second, created, err := Ensure(dir, "host-2", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ошибка: %v", err)
	}
	if created || second.DiskID != first.DiskID {
		t.Errorf("идентификатор тома изменился: %s → %s", first.DiskID, second.DiskID)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Error("временный файл не должен оставаться")
	}
}

func TestEnsure_Corrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("garbage!"), 0o640); err != nil {
		t.Fatal(err)
	}
	_, _, err := Ensure(dir, "h", time.Now())
	if err == nil || !strings.Contains(err.Error(), dir) {
		t.Errorf("ожидалась ошибка с путём тома, получено %v", err)
	}
}
