package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/realtime"
	"github.com/fieldcrew/fieldsync/internal/remote"
	"github.com/fieldcrew/fieldsync/internal/store"
)

type PullReport struct {
	EmployeeID string
	Scope      store.Scope
	Stats      map[entity.Type]store.ReplaceStats
}

func (r PullReport) Applied() int {
	n := 0
	for _, s := range r.Stats {
		n += s.Applied
	}
	return n
}

// Reconcile pushes pending local edits, then replaces the employee's local
// rows in scope with the backend's. Rows that still have queued mutations
// keep their local version. If any fetch fails nothing local changes.
func (e *Engine) Reconcile(ctx context.Context, employeeID string, scope store.Scope) (PullReport, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return PullReport{}, ErrNoEmployee
	}
	if _, err := e.Flush(ctx); err != nil && !errors.Is(err, ErrOffline) {
		e.logger.Warn("push before pull did not complete", "employee_id", employeeID, "error", err)
	}
	report, err := e.pull(ctx, employeeID, scope)
	e.noteReconcile(err)
	return report, err
}

func (e *Engine) pull(ctx context.Context, employeeID string, scope store.Scope) (PullReport, error) {
	e.reconcile.Lock()
	defer e.reconcile.Unlock()

	if err := e.remote.Ping(ctx); err != nil {
		e.logger.Info("reconcile skipped, backend unreachable", "employee_id", employeeID, "error", err)
		return PullReport{}, err
	}
	query := remote.ListQuery{EmployeeID: employeeID, Year: scope.Year, Month: scope.Month}
	kinds := entity.PulledTypes()
	fetched := make(map[entity.Type][]entity.Row, len(kinds))
	for _, kind := range kinds {
		rows, err := e.remote.List(ctx, kind, query)
		if err != nil {
			e.logger.Warn("reconcile fetch failed, keeping local rows", "employee_id", employeeID, "entity_type", kind, "error", err)
			return PullReport{}, fmt.Errorf("fetch %s: %w", kind, err)
		}
		fetched[kind] = rows
	}

	report := PullReport{
		EmployeeID: employeeID,
		Scope:      scope,
		Stats:      make(map[entity.Type]store.ReplaceStats, len(kinds)),
	}
	for _, kind := range kinds {
		stats, err := e.store.ReplaceRows(kind, employeeID, scope, fetched[kind], e.queue.PendingIDs(kind))
		if err != nil {
			return report, fmt.Errorf("replace %s: %w", kind, err)
		}
		report.Stats[kind] = stats
	}
	e.throttle.Mark(employeeID)
	e.logger.Info("reconcile finished", "employee_id", employeeID, "applied", report.Applied())
	return report, nil
}

// Foreground is the app-became-active trigger. It reconciles the configured
// employee unless the last successful reconcile was less than the interval
// ago, and
// reports whether a reconcile ran.
func (e *Engine) Foreground(ctx context.Context) (bool, error) {
	employeeID, scope := e.employee()
	if employeeID == "" {
		return false, ErrNoEmployee
	}
	if !e.throttle.Allow(employeeID) {
		e.logger.Debug("reconcile throttled", "trigger", "foreground", "employee_id", employeeID)
		return false, nil
	}
	_, err := e.Reconcile(ctx, employeeID, scope)
	return true, err
}

// OnRealtime handles a data_update event. An event naming a different
// employee than the last reconcile always runs; otherwise the interval
// applies.
func (e *Engine) OnRealtime(ctx context.Context, ev realtime.Event) (bool, error) {
	employeeID := strings.TrimSpace(ev.EmployeeID)
	if employeeID == "" {
		return false, ErrNoEmployee
	}
	if !e.throttle.AllowChanged(employeeID) {
		e.logger.Debug("reconcile throttled", "trigger", "realtime", "employee_id", employeeID)
		return false, nil
	}
	_, scope := e.employee()
	_, err := e.Reconcile(ctx, employeeID, scope)
	return true, err
}
