// Package queue holds the ordered list of local mutations waiting to be pushed
// to the backend. It is drained by the push pipeline and never used as a
// source of entity data.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/persist"
	"github.com/fieldcrew/fieldsync/internal/scheduler"
)

const (
	DefaultDedupWindow = 10 * time.Second
	DefaultBackendKey  = "mutation-queue"
)

var ErrInvalidInput = errors.New("invalid input")

// Record is one pending operation. Its dedup identity is
// (EntityType, Operation, EntityID).
type Record struct {
	ID         string           `json:"id"`
	Operation  entity.Operation `json:"operation"`
	EntityType entity.Type      `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Payload    json.RawMessage  `json:"payload"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	RetryCount int              `json:"retryCount"`
}

// Scheduler is armed after every successful enqueue.
type Scheduler interface {
	ScheduleFlush() bool
}

type Options struct {
	Backend     persist.Backend
	BackendKey  string
	Clock       scheduler.Clock
	DedupWindow time.Duration
	Scheduler   Scheduler
	Logger      *slog.Logger
	NewID       func() string
}

type Queue struct {
	backend     persist.Backend
	backendKey  string
	clock       scheduler.Clock
	dedupWindow time.Duration
	scheduler   Scheduler
	logger      *slog.Logger
	newID       func() string

	mu      sync.Mutex
	records []Record
}

type persistedQueue struct {
	Records []Record `json:"records"`
}

func New(opts Options) (*Queue, error) {
	q := &Queue{
		backend:     opts.Backend,
		backendKey:  strings.TrimSpace(opts.BackendKey),
		clock:       opts.Clock,
		dedupWindow: opts.DedupWindow,
		scheduler:   opts.Scheduler,
		logger:      opts.Logger,
		newID:       opts.NewID,
		records:     []Record{},
	}
	if q.backend == nil {
		q.backend = persist.NewMemoryBackend()
	}
	if q.backendKey == "" {
		q.backendKey = DefaultBackendKey
	}
	if q.clock == nil {
		q.clock = scheduler.RealClock()
	}
	if q.dedupWindow <= 0 {
		q.dedupWindow = DefaultDedupWindow
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.newID == nil {
		q.newID = func() string { return uuid.NewString() }
	}
	if err := q.load(); err != nil {
		return nil, fmt.Errorf("load mutation queue: %w", err)
	}
	return q, nil
}

// Enqueue appends a record for payload unless an equivalent one was enqueued
// within the dedup window. The boolean is false when the call was absorbed by
// an existing record, which is then returned.
func (q *Queue) Enqueue(op entity.Operation, kind entity.Type, payload any) (Record, bool, error) {
	if !op.Valid() {
		return Record{}, false, q.reject(op, kind, fmt.Errorf("%w: operation %q", ErrInvalidInput, op))
	}
	if !kind.Valid() {
		return Record{}, false, q.reject(op, kind, fmt.Errorf("%w: %q", entity.ErrUnknownType, kind))
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Record{}, false, q.reject(op, kind, err)
	}
	if err := entity.ValidateIdentity(raw); err != nil {
		return Record{}, false, q.reject(op, kind, err)
	}
	entityID, err := entity.ExtractID(raw)
	if err != nil {
		return Record{}, false, q.reject(op, kind, err)
	}

	q.mu.Lock()
	now := q.clock.Now()
	if existing, ok := q.recentLocked(op, kind, entityID, now); ok {
		q.mu.Unlock()
		q.logger.Debug("mutation deduplicated", "entity_type", kind, "operation", op, "entity_id", entityID, "record_id", existing.ID)
		return existing, false, nil
	}
	record := Record{
		ID:         q.newID(),
		Operation:  op,
		EntityType: kind,
		EntityID:   entityID,
		Payload:    raw,
		EnqueuedAt: now,
	}
	q.records = append(q.records, record)
	if err := q.saveLocked(); err != nil {
		q.records = q.records[:len(q.records)-1]
		q.mu.Unlock()
		return Record{}, false, fmt.Errorf("persist mutation queue: %w", err)
	}
	depth := len(q.records)
	sched := q.scheduler
	q.mu.Unlock()

	q.logger.Debug("mutation enqueued", "entity_type", kind, "operation", op, "entity_id", entityID, "record_id", record.ID, "depth", depth)
	if sched != nil {
		sched.ScheduleFlush()
	}
	return record, true, nil
}

// SetScheduler replaces the scheduler armed after each enqueue.
func (q *Queue) SetScheduler(s Scheduler) {
	q.mu.Lock()
	q.scheduler = s
	q.mu.Unlock()
}

// EntityChanged lets the queue act as the entity store's notifier. A delete
// first cancels any create or update still waiting for the same id, and a
// create or update cancels a waiting delete.
func (q *Queue) EntityChanged(op entity.Operation, kind entity.Type, row entity.Row) {
	if row == nil {
		q.logger.Warn("mutation rejected", "entity_type", kind, "operation", op, "error", entity.ErrMissingID)
		return
	}
	if op == entity.OpDelete {
		if purged := q.RemoveByEntity(kind, row.RowID()); purged > 0 {
			q.logger.Debug("pending mutations superseded by delete", "entity_type", kind, "entity_id", row.RowID(), "purged", purged)
		}
	} else if purged := q.removeWhere(kind, row.RowID(), isDelete); purged > 0 {
		q.logger.Debug("pending delete superseded", "entity_type", kind, "entity_id", row.RowID(), "operation", op)
	}
	_, _, _ = q.Enqueue(op, kind, row)
}

func isDelete(record Record) bool { return record.Operation == entity.OpDelete }

// RemoveByEntity purges every pending record for (kind, id) and reports how
// many were removed.
func (q *Queue) RemoveByEntity(kind entity.Type, id string) int {
	return q.removeWhere(kind, id, func(Record) bool { return true })
}

func (q *Queue) removeWhere(kind entity.Type, id string, match func(Record) bool) int {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make([]Record, 0, len(q.records))
	for _, record := range q.records {
		if record.EntityType == kind && record.EntityID == id && match(record) {
			continue
		}
		kept = append(kept, record)
	}
	removed := len(q.records) - len(kept)
	if removed == 0 {
		return 0
	}
	previous := q.records
	q.records = kept
	if err := q.saveLocked(); err != nil {
		q.records = previous
		q.logger.Error("persist mutation queue failed", "error", err)
		return 0
	}
	return removed
}

// Remove deletes the records with the given record ids.
func (q *Queue) Remove(recordIDs ...string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		drop[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := make([]Record, 0, len(q.records))
	for _, record := range q.records {
		if _, ok := drop[record.ID]; ok {
			continue
		}
		kept = append(kept, record)
	}
	if len(kept) == len(q.records) {
		return nil
	}
	previous := q.records
	q.records = kept
	if err := q.saveLocked(); err != nil {
		q.records = previous
		return fmt.Errorf("persist mutation queue: %w", err)
	}
	return nil
}

// RecordFailure increments RetryCount on each listed record. Records reaching
// maxRetries are removed and returned.
func (q *Queue) RecordFailure(recordIDs []string, maxRetries int) ([]Record, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	failed := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		failed[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	previous := append([]Record(nil), q.records...)
	kept := make([]Record, 0, len(q.records))
	var dropped []Record
	for _, record := range q.records {
		if _, ok := failed[record.ID]; ok {
			record.RetryCount++
			if maxRetries > 0 && record.RetryCount >= maxRetries {
				dropped = append(dropped, record)
				continue
			}
		}
		kept = append(kept, record)
	}
	q.records = kept
	if err := q.saveLocked(); err != nil {
		q.records = previous
		return nil, fmt.Errorf("persist mutation queue: %w", err)
	}
	return dropped, nil
}

// Snapshot returns a copy of the pending records in enqueue order.
func (q *Queue) Snapshot() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Record(nil), q.records...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// PendingIDs returns the entity ids of kind that still have a pending record.
func (q *Queue) PendingIDs(kind entity.Type) map[string]entity.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[string]entity.Operation{}
	for _, record := range q.records {
		if record.EntityType == kind {
			out[record.EntityID] = record.Operation
		}
	}
	return out
}

func (q *Queue) recentLocked(op entity.Operation, kind entity.Type, entityID string, now time.Time) (Record, bool) {
	for i := len(q.records) - 1; i >= 0; i-- {
		record := q.records[i]
		if record.EntityType != kind || record.Operation != op || record.EntityID != entityID {
			continue
		}
		age := now.Sub(record.EnqueuedAt)
		if age >= 0 && age < q.dedupWindow {
			return record, true
		}
	}
	return Record{}, false
}

func (q *Queue) reject(op entity.Operation, kind entity.Type, err error) error {
	q.logger.Warn("mutation rejected", "entity_type", kind, "operation", op, "error", err)
	return err
}

func (q *Queue) load() error {
	data, err := q.backend.Load(q.backendKey)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot persistedQueue
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.records = append([]Record(nil), snapshot.Records...)
	return nil
}

func (q *Queue) saveLocked() error {
	data, err := json.Marshal(persistedQueue{Records: q.records})
	if err != nil {
		return err
	}
	return q.backend.Save(q.backendKey, data)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, entity.ErrMissingID
	case json.RawMessage:
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		return append(json.RawMessage(nil), v...), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return data, nil
	}
}
