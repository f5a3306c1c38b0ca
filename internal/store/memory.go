package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rollsync/rollsync/internal/models"
)

// MemoryRecordStore is an in-memory RecordStore. It backs tests and
// single-process deployments that run without Postgres.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[models.RecordKey]models.AttendanceRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[models.RecordKey]models.AttendanceRecord)}
}

func (s *MemoryRecordStore) Get(ctx context.Context, key models.RecordKey) (*models.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

func (s *MemoryRecordStore) Put(ctx context.Context, record *models.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[record.Key()]
	if ok && existing.Version >= record.Version {
		return nil
	}
	s.records[record.Key()] = *record
	return nil
}

func (s *MemoryRecordStore) ListByClass(ctx context.Context, classID string) ([]*models.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []*models.AttendanceRecord
	for key, record := range s.records {
		if key.ClassID != classID {
			continue
		}
		r := record
		records = append(records, &r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StudentID != records[j].StudentID {
			return records[i].StudentID < records[j].StudentID
		}
		return records[i].Day < records[j].Day
	})
	return records, nil
}

// MemoryRecordCache is an in-memory RecordCache with lazy TTL expiry.
type MemoryRecordCache struct {
	mu      sync.RWMutex
	entries map[models.RecordKey]memoryCacheEntry
}

type memoryCacheEntry struct {
	record    models.AttendanceRecord
	expiresAt time.Time
}

func NewMemoryRecordCache() *MemoryRecordCache {
	return &MemoryRecordCache{entries: make(map[models.RecordKey]memoryCacheEntry)}
}

func (c *MemoryRecordCache) Get(ctx context.Context, key models.RecordKey) (*models.AttendanceRecord, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}
	record := entry.record
	return &record, nil
}

func (c *MemoryRecordCache) Set(ctx context.Context, record *models.AttendanceRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[record.Key()] = memoryCacheEntry{record: *record, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryRecordCache) Delete(ctx context.Context, key models.RecordKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
