// Пакет backlog — буфер недоставленных пар (подписчик, файл).
//
// Каждая запись хранится отдельным CBOR-файлом в директории буфера
// и дублируется в in-memory индексе. При старте индекс строится
// из директории (Open) и далее обновляется синхронно с файлами:
// сначала файл, затем память.
//
// Наличие записи — единственный признак того, что файл ещё не доставлен
// подписчику; курсор доставки подписчика этого не заменяет.
package backlog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// ErrNotFound — записи нет в буфере.
var ErrNotFound = errors.New("запись backlog не найдена")

var backlogEntries = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "an_backlog_entries",
		Help: "Количество записей backlog по состоянию",
	},
	[]string{"state"},
)

// Store — потокобезопасный буфер backlog.
type Store struct {
	dir     string
	mu      sync.RWMutex
	entries map[model.BacklogKey]*model.BacklogEntry
	counts  map[model.BacklogState]int
	logger  *slog.Logger
}

// Open создаёт директорию буфера при необходимости и загружает записи.
// Нечитаемые записи переименовываются в *.bad и пропускаются.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию backlog %s: %w", dir, err)
	}

	s := &Store{
		dir:     dir,
		entries: make(map[model.BacklogKey]*model.BacklogEntry),
		counts:  make(map[model.BacklogState]int),
		logger:  logger.With(slog.String("component", "backlog")),
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории backlog %s: %w", dir, err)
	}

	for _, de := range dirEntries {
		name := de.Name()
		path := filepath.Join(dir, name)
		if de.IsDir() {
			continue
		}
		if filepath.Ext(name) == ".tmp" {
			// Незавершённая запись: rename не произошёл
			os.Remove(path)
			continue
		}
		if !isRecordFile(name) {
			continue
		}

		e, err := readRecord(path)
		if err != nil {
			s.logger.Warn("Повреждённая запись backlog пропущена",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			os.Rename(path, path+".bad")
			continue
		}
		if e.State == "" {
			e.State = model.BacklogPending
		}
		s.put(e)
	}

	s.updateGauges()
	s.logger.Info("Backlog загружен",
		slog.Int("entries", len(s.entries)),
		slog.Int("failed", s.counts[model.BacklogFailed]),
		slog.String("dir", dir),
	)
	return s, nil
}

// Dir возвращает директорию буфера.
func (s *Store) Dir() string {
	return s.dir
}

// Add добавляет запись. Повторное добавление существующего ключа
// ничего не меняет и возвращает false.
func (s *Store) Add(e *model.BacklogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.BacklogKey]; ok {
		return false, nil
	}

	c := e.Clone()
	if c.State == "" {
		c.State = model.BacklogPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := writeRecord(s.dir, c); err != nil {
		return false, err
	}
	s.put(c)
	s.updateGauges()
	return true, nil
}

// Get возвращает копию записи.
func (s *Store) Get(key model.BacklogKey) (*model.BacklogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Has проверяет наличие записи.
func (s *Store) Has(key model.BacklogKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Candidates возвращает ожидающие записи подписчика, срок повтора
// которых наступил, по возрастанию времени приёма файла.
func (s *Store) Candidates(subscrID string, now time.Time) []*model.BacklogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.BacklogEntry
	for _, e := range s.entries {
		if e.SubscrID != subscrID || e.State != model.BacklogPending {
			continue
		}
		if e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, e.Clone())
	}
	sortEntries(out)
	return out
}

// Remove удаляет запись. Отсутствие записи — не ошибка.
func (s *Store) Remove(key model.BacklogKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := deleteRecord(s.dir, key); err != nil {
		return err
	}
	s.drop(key)
	s.updateGauges()
	return nil
}

// RecordFailure фиксирует неудачную попытку: счётчик, текст ошибки,
// время следующей попытки. failed = true переводит запись в состояние
// failed, после чего она перестаёт быть кандидатом.
// Для удалённой записи (отписка во время передачи) возвращает ErrNotFound.
func (s *Store) RecordFailure(key model.BacklogKey, errMsg string, next time.Time, failed bool) (*model.BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	upd := cur.Clone()
	upd.Attempts++
	upd.LastError = errMsg
	upd.NextAttemptAt = next.UTC()
	if failed {
		upd.State = model.BacklogFailed
	}
	if err := writeRecord(s.dir, upd); err != nil {
		return nil, err
	}
	s.put(upd)
	s.updateGauges()
	return upd.Clone(), nil
}

// ResetFailed возвращает failed-записи подписчика в pending
// с немедленным сроком повтора. Возвращает количество записей.
func (s *Store) ResetFailed(subscrID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.SubscrID != subscrID || e.State != model.BacklogFailed {
			continue
		}
		upd := e.Clone()
		upd.State = model.BacklogPending
		upd.Attempts = 0
		upd.NextAttemptAt = time.Time{}
		if err := writeRecord(s.dir, upd); err != nil {
			s.updateGauges()
			return n, err
		}
		s.put(upd)
		n++
	}
	s.updateGauges()
	return n, nil
}

// RemoveSubscriber удаляет все записи подписчика.
func (s *Store) RemoveSubscriber(subscrID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if key.SubscrID != subscrID {
			continue
		}
		if err := deleteRecord(s.dir, key); err != nil {
			s.updateGauges()
			return n, err
		}
		s.drop(key)
		n++
	}
	s.updateGauges()
	return n, nil
}

// Oldest возвращает запись подписчика с самым ранним временем приёма
// (в любом состоянии) или nil.
func (s *Store) Oldest(subscrID string) *model.BacklogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *model.BacklogEntry
	for _, e := range s.entries {
		if e.SubscrID != subscrID {
			continue
		}
		if oldest == nil || less(e, oldest) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	return oldest.Clone()
}

// List возвращает записи (subscrID "" — все подписчики) с пагинацией
// и общее количество.
func (s *Store) List(subscrID string, limit, offset int) ([]*model.BacklogEntry, int) {
	s.mu.RLock()
	var all []*model.BacklogEntry
	for _, e := range s.entries {
		if subscrID != "" && e.SubscrID != subscrID {
			continue
		}
		all = append(all, e.Clone())
	}
	s.mu.RUnlock()

	sortEntries(all)
	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total
}

// Count возвращает общее количество записей.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CountBySubscriber возвращает количество ожидающих и failed-записей подписчика.
func (s *Store) CountBySubscriber(subscrID string) (pending, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.SubscrID != subscrID {
			continue
		}
		if e.State == model.BacklogFailed {
			failed++
		} else {
			pending++
		}
	}
	return pending, failed
}

// put заменяет запись в индексе. Вызывается под s.mu.
func (s *Store) put(e *model.BacklogEntry) {
	if prev, ok := s.entries[e.BacklogKey]; ok {
		s.counts[prev.State]--
	}
	s.entries[e.BacklogKey] = e
	s.counts[e.State]++
}

// drop удаляет запись из индекса. Вызывается под s.mu.
func (s *Store) drop(key model.BacklogKey) {
	if prev, ok := s.entries[key]; ok {
		s.counts[prev.State]--
		delete(s.entries, key)
	}
}

func (s *Store) updateGauges() {
	backlogEntries.WithLabelValues(string(model.BacklogPending)).Set(float64(s.counts[model.BacklogPending]))
	backlogEntries.WithLabelValues(string(model.BacklogFailed)).Set(float64(s.counts[model.BacklogFailed]))
}

// less — порядок доставки: время приёма, затем file_id и версия.
func less(a, b *model.BacklogEntry) bool {
	if !a.IngestionDate.Equal(b.IngestionDate) {
		return a.IngestionDate.Before(b.IngestionDate)
	}
	if a.SubscrID != b.SubscrID {
		return a.SubscrID < b.SubscrID
	}
	if a.FileID != b.FileID {
		return a.FileID < b.FileID
	}
	return a.FileVersion < b.FileVersion
}

func sortEntries(entries []*model.BacklogEntry) {
	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
}
