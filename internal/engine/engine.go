package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rollsync/rollsync/internal/models"
	"github.com/rollsync/rollsync/internal/store"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultShards    = 16
	DefaultRetryMax  = 5
	DefaultRetryBase = 100 * time.Millisecond
	DefaultQueueSize = 1024
	persistWorkers   = 4
	maxRetryBackoff  = 5 * time.Second
	minCacheTTL      = 5 * time.Minute
	evictInterval    = time.Hour
)

// Notifier receives every canonical record that actually changed. The engine
// calls it synchronously, so implementations must not block.
type Notifier interface {
	Broadcast(classID string, record *models.AttendanceRecord)
}

// ApplyResult is the outcome of one ApplyEvent call. Applied=false means the
// event was stale or duplicate and left the canonical record untouched.
type ApplyResult struct {
	Applied bool
	Record  models.AttendanceRecord
}

// Options tune the engine. Zero values fall back to the defaults above.
type Options struct {
	Shards    int
	RetryMax  int
	RetryBase time.Duration
	QueueSize int
}

// Engine owns the canonical attendance records and the last-writer-wins
// merge. All mutations for one composite key are serialized on the shard
// that key hashes to; unrelated keys proceed in parallel.
type Engine struct {
	cache    store.RecordCache
	store    store.RecordStore
	notifier Notifier

	shards []*shard

	retryMax  int
	retryBase time.Duration

	listGroup singleflight.Group

	queueMu sync.RWMutex
	queue   chan models.AttendanceRecord
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

type shard struct {
	mu      sync.Mutex
	records map[models.RecordKey]*models.AttendanceRecord
}

func New(cache store.RecordCache, recordStore store.RecordStore, notifier Notifier, opts Options) *Engine {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	e := &Engine{
		cache:     cache,
		store:     recordStore,
		notifier:  notifier,
		shards:    make([]*shard, opts.Shards),
		retryMax:  opts.RetryMax,
		retryBase: opts.RetryBase,
		queue:     make(chan models.AttendanceRecord, opts.QueueSize),
		done:      make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &shard{records: make(map[models.RecordKey]*models.AttendanceRecord)}
	}

	for i := 0; i < persistWorkers; i++ {
		e.wg.Add(1)
		go e.persistWorker()
	}

	e.wg.Add(1)
	go e.evictLoop()

	return e
}

// ApplyEvent validates and merges one event into the canonical record for
// its key. Applying any event any number of times, in any order relative to
// other events for the same key, converges to the same record.
func (e *Engine) ApplyEvent(ctx context.Context, event *models.AttendanceEvent) (ApplyResult, error) {
	if err := validateEvent(event); err != nil {
		return ApplyResult{}, err
	}

	key := event.Key()
	sh := e.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	record, ok := sh.records[key]
	if !ok {
		loaded, err := e.loadRecord(ctx, key)
		if err != nil {
			return ApplyResult{}, err
		}
		if loaded != nil {
			sh.records[key] = loaded
			record = loaded
		}
	}

	if record == nil {
		record = &models.AttendanceRecord{
			ClassID:              event.ClassID,
			StudentID:            event.StudentID,
			Day:                  event.Day,
			Status:               event.Status,
			LastAppliedTimestamp: event.OriginTimestamp,
			LastDeviceID:         event.SourceDeviceID,
			Version:              1,
			UpdatedAt:            time.Now(),
		}
		sh.records[key] = record
		e.recordApplied(ctx, record)
		return ApplyResult{Applied: true, Record: *record}, nil
	}

	if !eventWins(event, record) {
		// Stale or duplicate: a successful no-op, so naive retry loops
		// on the client stay correct.
		return ApplyResult{Applied: false, Record: *record}, nil
	}

	record.Status = event.Status
	record.LastAppliedTimestamp = event.OriginTimestamp
	record.LastDeviceID = event.SourceDeviceID
	record.Version++
	record.UpdatedAt = time.Now()

	e.recordApplied(ctx, record)
	return ApplyResult{Applied: true, Record: *record}, nil
}

// eventWins implements last-writer-wins: higher origin timestamp wins, and
// an equal timestamp is broken by the lexicographically greater device id.
func eventWins(event *models.AttendanceEvent, record *models.AttendanceRecord) bool {
	if event.OriginTimestamp != record.LastAppliedTimestamp {
		return event.OriginTimestamp > record.LastAppliedTimestamp
	}
	return event.SourceDeviceID > record.LastDeviceID
}

func validateEvent(event *models.AttendanceEvent) error {
	if event.ClassID == "" {
		return validationError(ReasonMissingClassID, "class id is required")
	}
	if event.StudentID == "" {
		return validationError(ReasonMissingStudentID, "student id is required")
	}
	if event.Day == "" {
		return validationError(ReasonMissingDay, "day is required")
	}
	if _, err := time.Parse(models.DayLayout, event.Day); err != nil {
		return validationError(ReasonInvalidDay, fmt.Sprintf("day must be formatted as %s", models.DayLayout))
	}
	if event.Status == "" {
		return validationError(ReasonMissingStatus, "status is required")
	}
	if !event.Status.Valid() {
		return validationError(ReasonInvalidStatus, fmt.Sprintf("unknown status %q", event.Status))
	}
	if event.SourceDeviceID == "" {
		return validationError(ReasonMissingDeviceID, "source device id is required")
	}
	return nil
}

// loadRecord fills a shard miss from the cache, falling back to the durable
// store. Cache errors are logged and treated as misses; only a durable store
// failure propagates.
func (e *Engine) loadRecord(ctx context.Context, key models.RecordKey) (*models.AttendanceRecord, error) {
	record, err := e.cache.Get(ctx, key)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		log.Printf("cache read failed for %s, falling back to store: %v", key, err)
	}

	record, err = e.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", key, err)
	}

	if err := e.cache.Set(ctx, record, cacheTTL(record.Day, time.Now())); err != nil {
		log.Printf("cache backfill failed for %s: %v", key, err)
	}
	return record, nil
}

// recordApplied runs the post-merge side effects: synchronous cache
// write-through, asynchronous durable write, broadcast. Called under the
// shard lock; none of it blocks on the durable store.
func (e *Engine) recordApplied(ctx context.Context, record *models.AttendanceRecord) {
	snapshot := *record

	if err := e.cache.Set(ctx, &snapshot, cacheTTL(snapshot.Day, time.Now())); err != nil {
		log.Printf("cache write-through failed for %s: %v", snapshot.Key(), err)
	}

	e.enqueuePersist(snapshot)

	if e.notifier != nil {
		e.notifier.Broadcast(snapshot.ClassID, &snapshot)
	}
}

func (e *Engine) enqueuePersist(record models.AttendanceRecord) {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.closed {
		log.Printf("durability warning: engine closed, dropping persist for %s version %d", record.Key(), record.Version)
		return
	}
	select {
	case e.queue <- record:
	default:
		log.Printf("durability warning: persist queue full, dropping write for %s version %d", record.Key(), record.Version)
	}
}

func (e *Engine) persistWorker() {
	defer e.wg.Done()
	for record := range e.queue {
		e.persist(record)
	}
}

// persist writes one record to the durable store with bounded exponential
// backoff. Running out of attempts is a durability warning, not a failure:
// the in-memory and cached state stay authoritative.
func (e *Engine) persist(record models.AttendanceRecord) {
	backoff := e.retryBase
	var lastErr error
	for attempt := 0; attempt < e.retryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}
		if lastErr = e.store.Put(context.Background(), &record); lastErr == nil {
			return
		}
	}
	log.Printf("durability warning: giving up on persist for %s version %d after %d attempts: %v",
		record.Key(), record.Version, e.retryMax, lastErr)
}

func (e *Engine) evictLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.evictExpired(time.Now())
		}
	}
}

// evictExpired drops in-memory records whose calendar day is over; the
// addressable unit is one day, so a finished day only needs the durable
// mirror. A late event for such a day reloads through the miss path.
func (e *Engine) evictExpired(now time.Time) {
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key := range sh.records {
			if dayOver(key.Day, now) {
				delete(sh.records, key)
			}
		}
		sh.mu.Unlock()
	}
}

func dayOver(day string, now time.Time) bool {
	d, err := time.Parse(models.DayLayout, day)
	if err != nil {
		return false
	}
	return !now.UTC().Before(d.Add(24 * time.Hour))
}

// ClassRecords returns the live canonical records for a class: the durable
// listing overlaid with any newer in-memory state. Concurrent calls for the
// same class share one store listing.
func (e *Engine) ClassRecords(ctx context.Context, classID string) ([]*models.AttendanceRecord, error) {
	v, err, _ := e.listGroup.Do(classID, func() (interface{}, error) {
		return e.store.ListByClass(ctx, classID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records for class %s: %w", classID, err)
	}

	byKey := make(map[models.RecordKey]*models.AttendanceRecord)
	for _, record := range v.([]*models.AttendanceRecord) {
		r := *record
		byKey[r.Key()] = &r
	}

	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, record := range sh.records {
			if key.ClassID != classID {
				continue
			}
			r := *record
			byKey[key] = &r
		}
		sh.mu.Unlock()
	}

	records := make([]*models.AttendanceRecord, 0, len(byKey))
	for _, record := range byKey {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StudentID != records[j].StudentID {
			return records[i].StudentID < records[j].StudentID
		}
		return records[i].Day < records[j].Day
	})
	return records, nil
}

// Close stops accepting new persists and drains the pending queue.
func (e *Engine) Close() {
	e.queueMu.Lock()
	if e.closed {
		e.queueMu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	close(e.done)
	e.queueMu.Unlock()

	e.wg.Wait()
}

func (e *Engine) shardFor(key models.RecordKey) *shard {
	h := xxhash.Sum64String(key.String())
	return e.shards[h%uint64(len(e.shards))]
}

// cacheTTL keeps a record cached until the end of its calendar day; a day's
// record is the addressable unit and need not survive past it.
func cacheTTL(day string, now time.Time) time.Duration {
	d, err := time.Parse(models.DayLayout, day)
	if err != nil {
		return minCacheTTL
	}
	endOfDay := d.Add(24 * time.Hour)
	ttl := endOfDay.Sub(now.UTC())
	if ttl < minCacheTTL {
		return minCacheTTL
	}
	return ttl
}
