// Пакет memrepo — каталог в памяти с теми же интерфейсами, что и PostgreSQL.
// Используется в тестах и при AN_CATALOG=memory (содержимое не переживает рестарт).
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/repository"
)

type fileKey struct {
	fileID  string
	version int
	diskID  string
}

type deliveryKey struct {
	subscrID string
	file     model.FileKey
}

// Store — общее хранилище трёх каталогов. Одна блокировка на всё
// повторяет атомарность однострочных операций PostgreSQL.
type Store struct {
	mu          sync.RWMutex
	files       map[fileKey]*model.FileRecord
	versions    map[string]int
	disks       map[string]*model.DiskRecord
	subscribers map[string]*model.Subscriber
	deliveries  map[deliveryKey]time.Time
	now         func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		files:       make(map[fileKey]*model.FileRecord),
		versions:    make(map[string]int),
		disks:       make(map[string]*model.DiskRecord),
		subscribers: make(map[string]*model.Subscriber),
		deliveries:  make(map[deliveryKey]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Catalog возвращает каталог поверх хранилища.
func (s *Store) Catalog() *repository.Catalog {
	return &repository.Catalog{
		Files:       (*files)(s),
		Disks:       (*disks)(s),
		Subscribers: (*subscribers)(s),
	}
}

// NewCatalog — сокращение для New().Catalog().
func NewCatalog() *repository.Catalog {
	return New().Catalog()
}

// --- FileCatalog ---

type files Store

func (f *files) NextVersion(_ context.Context, fileID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[fileID]++
	return f.versions[fileID], nil
}

func (f *files) Insert(_ context.Context, rec *model.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := fileKey{rec.FileID, rec.FileVersion, rec.DiskID}
	if _, ok := f.files[k]; ok {
		return fmt.Errorf("%w: файл %s@%d на томе %s уже зарегистрирован",
			repository.ErrConflict, rec.FileID, rec.FileVersion, rec.DiskID)
	}
	for _, other := range f.files {
		if other.DiskID == rec.DiskID && other.StoragePath == rec.StoragePath {
			return fmt.Errorf("%w: путь %s на томе %s занят", repository.ErrConflict, rec.StoragePath, rec.DiskID)
		}
		if !rec.IsReplica && !other.IsReplica && other.FileID == rec.FileID && other.FileVersion == rec.FileVersion {
			return fmt.Errorf("%w: основная копия %s@%d уже существует", repository.ErrConflict, rec.FileID, rec.FileVersion)
		}
	}
	if rec.FileVersion > f.versions[rec.FileID] {
		f.versions[rec.FileID] = rec.FileVersion
	}
	c := rec.Clone()
	c.IngestionDate = c.IngestionDate.UTC()
	f.files[k] = c
	return nil
}

func (f *files) Get(_ context.Context, fileID string, version int, diskID string) (*model.FileRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, ok := f.files[fileKey{fileID, version, diskID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *files) GetMain(_ context.Context, fileID string, version int) (*model.FileRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var best *model.FileRecord
	for _, rec := range f.files {
		if rec.FileID != fileID || rec.IsReplica {
			continue
		}
		if version > 0 {
			if rec.FileVersion == version {
				return rec.Clone(), nil
			}
			continue
		}
		if best == nil || rec.FileVersion > best.FileVersion {
			best = rec
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return best.Clone(), nil
}

func (f *files) ListCopies(_ context.Context, fileID string, version int) ([]*model.FileRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var result []*model.FileRecord
	for _, rec := range f.files {
		if rec.FileID == fileID && rec.FileVersion == version {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IsReplica != result[j].IsReplica {
			return !result[i].IsReplica
		}
		return result[i].DiskID < result[j].DiskID
	})
	return result, nil
}

func (f *files) GetByPath(_ context.Context, diskID, storagePath string) (*model.FileRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, rec := range f.files {
		if rec.DiskID == diskID && rec.StoragePath == storagePath {
			return rec.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *files) Delete(_ context.Context, fileID string, version int, diskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := fileKey{fileID, version, diskID}
	if _, ok := f.files[k]; !ok {
		return repository.ErrNotFound
	}
	delete(f.files, k)
	return nil
}

func (f *files) SetDiscarded(_ context.Context, fileID string, version int, discarded bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	found := false
	for _, rec := range f.files {
		if rec.FileID == fileID && rec.FileVersion == version {
			rec.Discarded = discarded
			found = true
		}
	}
	if !found {
		return repository.ErrNotFound
	}
	return nil
}

func (f *files) match(rec *model.FileRecord, filter repository.FileFilter) bool {
	switch {
	case rec.IsReplica && !filter.IncludeReplicas:
		return false
	case rec.Discarded && !filter.IncludeDiscarded:
		return false
	case filter.FileID != nil && rec.FileID != *filter.FileID:
		return false
	case filter.DiskID != nil && rec.DiskID != *filter.DiskID:
		return false
	case filter.IngestedFrom != nil && rec.IngestionDate.Before(*filter.IngestedFrom):
		return false
	}
	return true
}

func (f *files) List(_ context.Context, filter repository.FileFilter, limit, offset int) ([]*model.FileRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var all []*model.FileRecord
	for _, rec := range f.files {
		if f.match(rec, filter) {
			all = append(all, rec.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.IngestionDate.Equal(b.IngestionDate) {
			return a.IngestionDate.Before(b.IngestionDate)
		}
		if a.FileID != b.FileID {
			return a.FileID < b.FileID
		}
		if a.FileVersion != b.FileVersion {
			return a.FileVersion < b.FileVersion
		}
		if a.IsReplica != b.IsReplica {
			return !a.IsReplica
		}
		return a.DiskID < b.DiskID
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (f *files) Count(_ context.Context, filter repository.FileFilter) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := 0
	for _, rec := range f.files {
		if f.match(rec, filter) {
			n++
		}
	}
	return n, nil
}

// --- DiskCatalog ---

type disks Store

func (d *disks) Upsert(_ context.Context, rec *model.DiskRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := rec.Clone()
	c.UpdatedAt = d.now()
	if prev, ok := d.disks[rec.DiskID]; ok {
		c.Completed = prev.Completed
		c.CompletionDate = prev.CompletionDate
	}
	d.disks[rec.DiskID] = c
	rec.Completed = c.Completed
	rec.CompletionDate = c.CompletionDate
	rec.UpdatedAt = c.UpdatedAt
	return nil
}

func (d *disks) Get(_ context.Context, diskID string) (*model.DiskRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.disks[diskID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

func (d *disks) List(_ context.Context) ([]*model.DiskRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*model.DiskRecord, 0, len(d.disks))
	for _, rec := range d.disks {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DiskID < result[j].DiskID })
	return result, nil
}

func (d *disks) UpdateUsage(_ context.Context, diskID string, total, available int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.disks[diskID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.TotalBytes = total
	rec.AvailableBytes = available
	rec.UpdatedAt = d.now()
	return nil
}

func (d *disks) MarkCompleted(_ context.Context, diskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.disks[diskID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Completed = true
	if rec.CompletionDate == nil {
		t := at.UTC()
		rec.CompletionDate = &t
	}
	rec.UpdatedAt = d.now()
	return nil
}

// --- SubscriberCatalog ---

type subscribers Store

func (s *subscribers) Upsert(_ context.Context, sub *model.Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, other := range s.subscribers {
		if id != sub.SubscrID && other.URL == sub.URL {
			return false, fmt.Errorf("%w: URL %s уже используется другим подписчиком", repository.ErrConflict, sub.URL)
		}
	}

	now := s.now()
	c := sub.Clone()
	c.StartDate = c.StartDate.UTC()
	c.Suspended = false
	c.SuspendReason = ""
	c.UpdatedAt = now

	prev, exists := s.subscribers[sub.SubscrID]
	if exists {
		c.CreatedAt = prev.CreatedAt
		c.LastDeliveredAt = prev.LastDeliveredAt
	} else {
		c.CreatedAt = now
		c.LastDeliveredAt = nil
	}
	s.subscribers[sub.SubscrID] = c

	sub.Suspended, sub.SuspendReason = false, ""
	sub.CreatedAt, sub.UpdatedAt = c.CreatedAt, c.UpdatedAt
	sub.LastDeliveredAt = c.Clone().LastDeliveredAt
	return !exists, nil
}

func (s *subscribers) Get(_ context.Context, subscrID string) (*model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[subscrID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *subscribers) GetByURL(_ context.Context, url string) (*model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscribers {
		if sub.URL == url {
			return sub.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *subscribers) List(_ context.Context) ([]*model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		result = append(result, sub.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].SubscrID < result[j].SubscrID
	})
	return result, nil
}

func (s *subscribers) Delete(_ context.Context, subscrID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[subscrID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.subscribers, subscrID)
	for k := range s.deliveries {
		if k.subscrID == subscrID {
			delete(s.deliveries, k)
		}
	}
	return nil
}

func (s *subscribers) SetSuspended(_ context.Context, subscrID string, suspended bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subscrID]
	if !ok {
		return repository.ErrNotFound
	}
	if !suspended {
		reason = ""
	}
	sub.Suspended = suspended
	sub.SuspendReason = reason
	sub.UpdatedAt = s.now()
	return nil
}

func (s *subscribers) RecordDelivery(_ context.Context, subscrID string, key model.FileKey, at time.Time, advanceTo *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subscrID]
	if !ok {
		return repository.ErrNotFound
	}
	s.deliveries[deliveryKey{subscrID, key}] = at.UTC()
	if advanceTo != nil && (sub.LastDeliveredAt == nil || sub.LastDeliveredAt.Before(*advanceTo)) {
		t := advanceTo.UTC()
		sub.LastDeliveredAt = &t
	}
	return nil
}

func (s *subscribers) IsDelivered(_ context.Context, subscrID string, key model.FileKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.deliveries[deliveryKey{subscrID, key}]
	return ok, nil
}
