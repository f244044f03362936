package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/queue"
	"github.com/fieldcrew/fieldsync/internal/remote"
)

// GroupResult is the outcome of one entity-type partition of a flush.
type GroupResult struct {
	EntityType entity.Type
	Upserts    int
	Deletes    int
	Pushed     int
	Failed     int
	Stale      int
	Err        error
}

func (g GroupResult) OK() bool {
	return g.Err == nil
}

type FlushReport struct {
	Groups   []GroupResult
	Pushed   int
	Failed   int
	Requeued int
	Dropped  []Drop
}

// Succeeded counts the partitions that went through without error.
func (r FlushReport) Succeeded() int {
	n := 0
	for _, g := range r.Groups {
		if g.OK() {
			n++
		}
	}
	return n
}

// Flush pushes every queued record. Only one flush runs at a time; a call
// made while another is in flight returns ErrFlushInFlight and does nothing.
// When the backend is unreachable the queue is left untouched.
func (e *Engine) Flush(ctx context.Context) (FlushReport, error) {
	return e.guardedFlush(ctx, false)
}

// FlushNow is Flush for callers that bypass the debounce delay: once the
// flush guard is held, the armed timer is cancelled. When another flush is
// in flight the timer is left alone so edits made meanwhile stay scheduled.
func (e *Engine) FlushNow(ctx context.Context) (FlushReport, error) {
	return e.guardedFlush(ctx, true)
}

func (e *Engine) guardedFlush(ctx context.Context, cancelTimer bool) (FlushReport, error) {
	if !e.flushing.CompareAndSwap(false, true) {
		e.logger.Debug("flush skipped, another flush is in flight")
		return FlushReport{}, ErrFlushInFlight
	}
	defer e.flushing.Store(false)
	if cancelTimer {
		e.debouncer.Cancel()
	}

	report, err := e.flush(ctx)
	e.noteFlush(err)
	return report, err
}

func (e *Engine) flush(ctx context.Context) (FlushReport, error) {
	records := e.queue.Snapshot()
	if len(records) == 0 {
		return FlushReport{}, nil
	}
	if err := e.remote.Ping(ctx); err != nil {
		e.logger.Info("flush aborted, backend unreachable", "pending", len(records), "error", err)
		return FlushReport{}, err
	}

	partitions := map[entity.Type][]queue.Record{}
	for _, record := range records {
		partitions[record.EntityType] = append(partitions[record.EntityType], record)
	}

	var (
		report  FlushReport
		remove  []string
		failed  = map[string]error{}
		errs    []error
		aborted bool
	)
	for _, kind := range entity.AllTypes() {
		group := partitions[kind]
		if len(group) == 0 {
			continue
		}
		if ctx.Err() != nil {
			aborted = true
			break
		}
		out := e.pushPartition(ctx, kind, group)
		report.Groups = append(report.Groups, out.result)
		report.Pushed += out.result.Pushed
		report.Requeued += out.requeued
		remove = append(remove, out.done...)
		if ctx.Err() != nil {
			aborted = true
		} else {
			for id, err := range out.failed {
				failed[id] = err
			}
			report.Failed += len(out.failed)
		}
		if out.result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, out.result.Err))
		}
	}

	if err := e.queue.Remove(remove...); err != nil {
		errs = append(errs, err)
	}
	if len(failed) > 0 {
		ids := make([]string, 0, len(failed))
		for id := range failed {
			ids = append(ids, id)
		}
		dropped, err := e.queue.RecordFailure(ids, int(e.maxRetries.Load()))
		if err != nil {
			errs = append(errs, err)
		}
		for _, record := range dropped {
			cause := failed[record.ID]
			report.Dropped = append(report.Dropped, Drop{
				Record:    record,
				Error:     cause.Error(),
				Permanent: remote.IsPermanent(cause),
				At:        e.clock.Now(),
			})
		}
		e.recordDrops(report.Dropped)
	}
	if report.Requeued > 0 {
		e.debouncer.ScheduleFlush()
	}
	if aborted {
		errs = append(errs, ctx.Err())
	}

	err := errors.Join(errs...)
	level := e.logger.Info
	if err != nil {
		level = e.logger.Warn
	}
	level("flush finished",
		"groups", len(report.Groups),
		"groups_ok", report.Succeeded(),
		"pushed", report.Pushed,
		"failed", report.Failed,
		"dropped", len(report.Dropped),
		"pending", e.queue.Len(),
		"error", err,
	)
	return report, err
}

type partitionOutcome struct {
	result   GroupResult
	done     []string
	failed   map[string]error
	requeued int
}

// pendingRow is every queued create or update for one entity id, pushed as a
// single row read from the store at flush time.
type pendingRow struct {
	entityID string
	records  []queue.Record
	create   bool
	payload  json.RawMessage
}

func (e *Engine) pushPartition(ctx context.Context, kind entity.Type, records []queue.Record) partitionOutcome {
	out := partitionOutcome{
		result: GroupResult{EntityType: kind},
		failed: map[string]error{},
	}
	var (
		upserts []*pendingRow
		byID    = map[string]*pendingRow{}
		deletes []queue.Record
		errs    []error
	)
	for _, record := range records {
		if record.Operation == entity.OpDelete {
			deletes = append(deletes, record)
			continue
		}
		p, ok := byID[record.EntityID]
		if !ok {
			p = &pendingRow{entityID: record.EntityID}
			byID[record.EntityID] = p
			upserts = append(upserts, p)
		}
		p.records = append(p.records, record)
		p.create = p.create || record.Operation == entity.OpCreate
	}

	live := upserts[:0]
	for _, p := range upserts {
		row, ok := e.store.Lookup(kind, p.entityID)
		if !ok {
			out.result.Stale += len(p.records)
			out.done = append(out.done, recordIDs(p.records)...)
			continue
		}
		payload, err := json.Marshal(row)
		if err != nil {
			errs = append(errs, err)
			markFailed(out.failed, p.records, err)
			continue
		}
		p.payload = payload
		live = append(live, p)
	}
	out.result.Upserts = len(live)

	if len(live) > 0 {
		if remote.Batchable(kind) {
			e.pushBatch(ctx, kind, live, &out, &errs)
		} else {
			e.pushEach(ctx, kind, live, &out, &errs)
		}
	}

	out.result.Deletes = len(deletes)
	for _, record := range deletes {
		err := e.remote.Delete(ctx, kind, record.EntityID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", record.EntityID, err))
			out.failed[record.ID] = err
			continue
		}
		out.done = append(out.done, record.ID)
		out.result.Pushed++
	}

	out.result.Failed = len(out.failed)
	out.result.Err = errors.Join(errs...)
	return out
}

// pushBatch sends every live row in one upsert call. A failure, including a
// row the batch cannot carry, is charged to every record of the batch.
func (e *Engine) pushBatch(ctx context.Context, kind entity.Type, live []*pendingRow, out *partitionOutcome, errs *[]error) {
	var batch remote.BatchRequest
	for _, p := range live {
		if err := batch.Add(kind, p.payload); err != nil {
			*errs = append(*errs, err)
			for _, row := range live {
				markFailed(out.failed, row.records, err)
			}
			return
		}
	}
	if err := e.remote.BatchUpsert(ctx, batch); err != nil {
		*errs = append(*errs, fmt.Errorf("batch upsert of %d rows: %w", len(live), err))
		for _, p := range live {
			markFailed(out.failed, p.records, err)
		}
		return
	}
	for _, p := range live {
		e.settle(kind, p, out)
	}
}

// pushEach sends rows of types the batch endpoint does not carry, one request
// per row.
func (e *Engine) pushEach(ctx context.Context, kind entity.Type, live []*pendingRow, out *partitionOutcome, errs *[]error) {
	for _, p := range live {
		var err error
		if p.create {
			err = e.remote.Create(ctx, kind, p.payload)
			var httpErr *remote.HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
				err = e.remote.Update(ctx, kind, p.entityID, p.payload)
			}
		} else {
			err = e.remote.Update(ctx, kind, p.entityID, p.payload)
		}
		if err != nil {
			*errs = append(*errs, fmt.Errorf("upsert %s: %w", p.entityID, err))
			markFailed(out.failed, p.records, err)
			continue
		}
		e.settle(kind, p, out)
	}
}

// settle marks a pushed row done unless the store moved on while the request
// was in flight, in which case its records stay queued for the next flush.
func (e *Engine) settle(kind entity.Type, p *pendingRow, out *partitionOutcome) {
	out.result.Pushed += len(p.records)
	current, ok := e.store.Lookup(kind, p.entityID)
	if ok {
		if latest, err := json.Marshal(current); err == nil && !bytes.Equal(latest, p.payload) {
			out.requeued += len(p.records)
			return
		}
	}
	out.done = append(out.done, recordIDs(p.records)...)
}

func markFailed(failed map[string]error, records []queue.Record, err error) {
	for _, record := range records {
		failed[record.ID] = err
	}
}

func recordIDs(records []queue.Record) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.ID)
	}
	return out
}
