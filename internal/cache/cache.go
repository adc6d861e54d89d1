// Пакет cache — LRU-кэш записей каталога об основных копиях файлов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_cache_hits_total",
		Help: "Общее количество попаданий в кэш записей каталога.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "an_cache_misses_total",
		Help: "Общее количество промахов кэша записей каталога.",
	})
)

// Loader загружает основную копию версии из каталога.
type Loader interface {
	GetMain(ctx context.Context, fileID string, version int) (*model.FileRecord, error)
}

// FileCache — кэш основных копий по (file_id, file_version).
// Записи каталога после фиксации не меняются, кроме пометки discarded,
// поэтому при её смене запись нужно удалить из кэша (Invalidate).
type FileCache struct {
	cache  *expirable.LRU[model.FileKey, *model.FileRecord]
	loader Loader
}

// New создаёт кэш с указанным максимальным размером и TTL.
func New(maxSize int, ttl time.Duration, loader Loader) *FileCache {
	return &FileCache{
		cache:  expirable.NewLRU[model.FileKey, *model.FileRecord](maxSize, nil, ttl),
		loader: loader,
	}
}

// Get возвращает запись из кэша.
func (c *FileCache) Get(key model.FileKey) (*model.FileRecord, bool) {
	val, ok := c.cache.Get(key)
	if ok {
		cacheHitsTotal.Inc()
		return val.Clone(), true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Load возвращает запись из кэша или загружает её из каталога.
func (c *FileCache) Load(ctx context.Context, key model.FileKey) (*model.FileRecord, error) {
	if rec, ok := c.Get(key); ok {
		return rec, nil
	}
	rec, err := c.loader.GetMain(ctx, key.FileID, key.FileVersion)
	if err != nil {
		return nil, err
	}
	c.Set(rec)
	return rec.Clone(), nil
}

// Set добавляет или обновляет запись.
func (c *FileCache) Set(rec *model.FileRecord) {
	c.cache.Add(rec.Key(), rec.Clone())
}

// Invalidate удаляет запись.
func (c *FileCache) Invalidate(key model.FileKey) {
	c.cache.Remove(key)
}

// Len возвращает количество записей.
func (c *FileCache) Len() int {
	return c.cache.Len()
}
