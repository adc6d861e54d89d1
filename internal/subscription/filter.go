// Пакет subscription — подписчики, фильтры и планировщик доставки.
//
// Фильтр — чистый предикат над метаданными файла. Реализации
// регистрируются по имени при инициализации пакета; подписчик хранит
// имя и параметры в форме "k1=v1,k2=v2", фильтр строится один раз
// при подписке.
package subscription

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// Filter решает, положен ли файл подписчику.
type Filter interface {
	Match(rec *model.FileRecord) bool
}

// FilterFunc адаптирует функцию к Filter.
type FilterFunc func(rec *model.FileRecord) bool

// Match вызывает f.
func (f FilterFunc) Match(rec *model.FileRecord) bool { return f(rec) }

// FilterFactory строит фильтр по параметрам.
type FilterFactory func(pars map[string]string) (Filter, error)

// DefaultFilter — имя фильтра, пропускающего все файлы.
const DefaultFilter = "all"

var (
	filtersMu sync.RWMutex
	filters   = make(map[string]FilterFactory)
)

// RegisterFilter добавляет фильтр в реестр. Повторная регистрация заменяет фабрику.
func RegisterFilter(name string, f FilterFactory) {
	filtersMu.Lock()
	defer filtersMu.Unlock()
	filters[name] = f
}

// FilterNames возвращает имена зарегистрированных фильтров.
func FilterNames() []string {
	filtersMu.RLock()
	defer filtersMu.RUnlock()
	names := make([]string, 0, len(filters))
	for n := range filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewFilter строит фильтр по имени и строке параметров.
// Пустое имя означает DefaultFilter.
func NewFilter(name, pars string) (Filter, error) {
	if name == "" {
		name = DefaultFilter
	}
	filtersMu.RLock()
	factory, ok := filters[name]
	filtersMu.RUnlock()
	if !ok {
		return nil, validationErr(fmt.Sprintf("неизвестный фильтр %q (доступны: %s)",
			name, strings.Join(FilterNames(), ", ")))
	}

	parsed, err := ParsePars(pars)
	if err != nil {
		return nil, err
	}
	f, err := factory(parsed)
	if err != nil {
		return nil, validationErr(fmt.Sprintf("фильтр %s: %v", name, err))
	}
	return f, nil
}

// ParsePars разбирает параметры вида "k1=v1,k2=v2". Значение может
// содержать запятые, если следующий фрагмент не содержит "=":
// "types=image/png,image/jpeg" даёт types → "image/png,image/jpeg".
func ParsePars(s string) (map[string]string, error) {
	out := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}

	last := ""
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			if last == "" {
				return nil, validationErr(fmt.Sprintf("параметр %q без значения", part))
			}
			out[last] += "," + strings.TrimSpace(part)
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, validationErr(fmt.Sprintf("пустое имя параметра в %q", s))
		}
		out[k] = strings.TrimSpace(v)
		last = k
	}
	return out, nil
}

func validationErr(msg string) error {
	return model.E(model.KindSubscriptionValidation, "subscription.filter", msg, nil)
}

// --- Встроенные фильтры ---

func init() {
	RegisterFilter(DefaultFilter, func(map[string]string) (Filter, error) {
		return FilterFunc(func(*model.FileRecord) bool { return true }), nil
	})
	RegisterFilter("mime_type", newMimeFilter)
	RegisterFilter("file_id_regex", newRegexFilter)
	RegisterFilter("min_size", func(p map[string]string) (Filter, error) {
		n, err := parseBytes(p)
		if err != nil {
			return nil, err
		}
		return FilterFunc(func(rec *model.FileRecord) bool { return rec.Size >= n }), nil
	})
	RegisterFilter("max_size", func(p map[string]string) (Filter, error) {
		n, err := parseBytes(p)
		if err != nil {
			return nil, err
		}
		return FilterFunc(func(rec *model.FileRecord) bool { return rec.Size <= n }), nil
	})
}

// newMimeFilter — types=a,b; поддерживает шаблон "image/*".
func newMimeFilter(p map[string]string) (Filter, error) {
	raw := p["types"]
	if raw == "" {
		return nil, fmt.Errorf("не задан параметр types")
	}
	probe := &model.DiskRecord{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			probe.MimeTypes = append(probe.MimeTypes, t)
		}
	}
	return FilterFunc(func(rec *model.FileRecord) bool { return probe.Accepts(rec.MimeType) }), nil
}

// newRegexFilter — pattern=<регулярное выражение над file_id>.
func newRegexFilter(p map[string]string) (Filter, error) {
	pattern := p["pattern"]
	if pattern == "" {
		return nil, fmt.Errorf("не задан параметр pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("некорректный pattern: %w", err)
	}
	return FilterFunc(func(rec *model.FileRecord) bool { return re.MatchString(rec.FileID) }), nil
}

// parseBytes читает bytes=<размер>; допускаются единицы ("10MiB", "1 GB").
func parseBytes(p map[string]string) (int64, error) {
	raw := p["bytes"]
	if raw == "" {
		return 0, fmt.Errorf("не задан параметр bytes")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("некорректный размер %q: %w", raw, err)
	}
	return int64(n), nil
}
