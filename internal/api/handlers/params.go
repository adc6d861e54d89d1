// params.go — разбор query-параметров команд и запись JSON-ответов.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"
)

// Параметры пагинации по умолчанию.
const (
	defaultLimit = 100
	maxLimit     = 1000
)

// query — обёртка над url.Values с накоплением первой ошибки разбора.
type query struct {
	values url.Values
	err    error
}

func newQuery(r *http.Request) *query {
	return &query{values: r.URL.Query()}
}

// bind разбирает параметр в dest (указатель на указатель — для необязательных).
func (q *query) bind(name string, required bool, dest any) {
	if q.err != nil {
		return
	}
	if err := runtime.BindQueryParameter("form", true, required, name, q.values, dest); err != nil {
		q.err = fmt.Errorf("параметр %q: %w", name, err)
	}
}

// str возвращает строковый параметр без пробелов по краям.
func (q *query) str(name string) string {
	return strings.TrimSpace(q.values.Get(name))
}

// optStr возвращает указатель на значение, если параметр присутствует.
func (q *query) optStr(name string) *string {
	if !q.values.Has(name) {
		return nil
	}
	v := q.str(name)
	return &v
}

// optInt — необязательный целочисленный параметр.
func (q *query) optInt(name string) *int {
	var v *int
	q.bind(name, false, &v)
	return v
}

// optBool — необязательный логический параметр.
func (q *query) optBool(name string) *bool {
	var v *bool
	q.bind(name, false, &v)
	return v
}

// page возвращает limit и offset с ограничениями.
func (q *query) page() (limit, offset int) {
	limit, offset = defaultLimit, 0
	if v := q.optInt("limit"); v != nil {
		limit = *v
	}
	if v := q.optInt("offset"); v != nil {
		offset = *v
	}
	if limit < 1 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	offset = max(offset, 0)
	return limit, offset
}

// dateLayouts — принимаемые форматы дат (ISO-8601 с зоной и без неё, тогда UTC).
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// optTime — необязательная дата ISO-8601.
func (q *query) optTime(name string) *time.Time {
	raw := q.str(name)
	if raw == "" || q.err != nil {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	q.err = fmt.Errorf("параметр %q: некорректная дата %q, ожидается ISO-8601", name, raw)
	return nil
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
