// Пакет checksum — потоковое вычисление контрольных сумм.
//
// Алгоритмы (варианты) регистрируются по имени и выбираются один раз
// при настройке узла. Запрос неизвестного варианта завершается ошибкой
// UnsupportedChecksumVariant: подменять алгоритм молча нельзя, суммы
// разных вариантов несравнимы.
package checksum

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// DefaultBlockSize — размер блока чтения по умолчанию (1 MiB).
const DefaultBlockSize = 1 << 20

// Variant — алгоритм контрольной суммы.
type Variant interface {
	// Name — имя варианта, сохраняемое в каталоге рядом с суммой
	Name() string
	// New создаёт новое состояние хэша
	New() hash.Hash
	// Format преобразует результат Sum в строку каталога
	Format(sum []byte) string
	// Equal сравнивает два строковых значения этого варианта
	Equal(a, b string) bool
}

// Digest — итоговая сумма и вариант, которым она посчитана.
type Digest struct {
	Variant string `json:"variant"`
	Value   string `json:"value"`
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Variant{}
)

// Register добавляет вариант в реестр. Повторная регистрация заменяет вариант.
func Register(v Variant) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[v.Name()] = v
}

// Lookup возвращает вариант по имени или ошибку KindUnsupportedChecksumVariant.
func Lookup(name string) (Variant, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	v, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, model.E(model.KindUnsupportedChecksumVariant, "checksum.lookup",
			fmt.Sprintf("вариант контрольной суммы %q не поддерживается", name), nil).
			With("variant", name)
	}
	return v, nil
}

// Names возвращает отсортированный список зарегистрированных вариантов.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compute читает поток блоками blockSize до конца и возвращает сумму
// и количество прочитанных байт. Отмена ctx проверяется между блоками.
func Compute(ctx context.Context, r io.Reader, v Variant, blockSize int) (Digest, int64, error) {
	acc := NewAccumulator(v)
	n, err := CopyBlocks(ctx, acc, r, blockSize)
	if err != nil {
		return Digest{}, n, err
	}
	return acc.Digest(), n, nil
}

// File вычисляет сумму существующего файла.
// Используется при восстановлении для проверки целостности.
func File(ctx context.Context, path string, v Variant, blockSize int) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	d, n, err := Compute(ctx, f, v, blockSize)
	if err != nil {
		return Digest{}, n, fmt.Errorf("ошибка вычисления суммы %s: %w", path, err)
	}
	return d, n, nil
}

// CopyBlocks копирует r в w блоками blockSize, проверяя ctx перед каждым блоком.
func CopyBlocks(ctx context.Context, w io.Writer, r io.Reader, blockSize int) (int64, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	buf := make([]byte, blockSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		switch rerr {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return total, nil
		default:
			return total, rerr
		}
	}
}

// Accumulator — накопитель суммы, реализует io.Writer.
type Accumulator struct {
	variant Variant
	h       hash.Hash
}

// NewAccumulator создаёт накопитель для варианта.
func NewAccumulator(v Variant) *Accumulator {
	return &Accumulator{variant: v, h: v.New()}
}

// Write добавляет блок в состояние хэша.
func (a *Accumulator) Write(p []byte) (int, error) {
	return a.h.Write(p)
}

// Digest возвращает текущую сумму. Состояние не сбрасывается.
func (a *Accumulator) Digest() Digest {
	return Digest{Variant: a.variant.Name(), Value: a.variant.Format(a.h.Sum(nil))}
}

// Variant возвращает вариант накопителя.
func (a *Accumulator) Variant() Variant {
	return a.variant
}

// --- Встроенные варианты ---

// crcVariant — семейство CRC32 с десятичным беззнаковым представлением.
type crcVariant struct {
	name   string
	table  *crc32.Table
	masked bool // сравнение по младшим 32 битам (допускает знаковые значения)
}

func (c crcVariant) Name() string { return c.name }

func (c crcVariant) New() hash.Hash { return crc32.New(c.table) }

func (c crcVariant) Format(sum []byte) string {
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(sum)), 10)
}

func (c crcVariant) Equal(a, b string) bool {
	x, errA := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, errB := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if errA != nil || errB != nil {
		return false
	}
	if c.masked {
		return x&0xffffffff == y&0xffffffff
	}
	return x == y
}

// blake3Variant — BLAKE3-256 в шестнадцатеричном виде.
type blake3Variant struct{}

func (blake3Variant) Name() string { return "blake3" }

func (blake3Variant) New() hash.Hash { return blake3.New() }

func (blake3Variant) Format(sum []byte) string { return hex.EncodeToString(sum) }

func (blake3Variant) Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func init() {
	Register(crcVariant{name: "crc32", table: crc32.IEEETable, masked: true})
	Register(crcVariant{name: "crc32z", table: crc32.IEEETable})
	Register(crcVariant{name: "crc32c", table: crc32.MakeTable(crc32.Castagnoli)})
	Register(blake3Variant{})
}
