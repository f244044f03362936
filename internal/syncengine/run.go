package syncengine

import (
	"context"
	"errors"

	"github.com/fieldcrew/fieldsync/internal/realtime"
)

// Result is what ForceSync reports. Partial means at least one part of the
// sync succeeded while another failed.
type Result struct {
	Success bool
	Partial bool
	Err     error
	Pushed  int
	Failed  int
	Dropped int
	Pulled  int
}

// ForceSync flushes right away and then, when employeeID is set, pulls that
// employee's rows regardless of the reconcile interval.
func (e *Engine) ForceSync(ctx context.Context, employeeID string) Result {
	flush, flushErr := e.FlushNow(ctx)
	res := Result{
		Pushed:  flush.Pushed,
		Failed:  flush.Failed,
		Dropped: len(flush.Dropped),
	}
	if errors.Is(flushErr, ErrFlushInFlight) || errors.Is(flushErr, ErrOffline) {
		res.Err = flushErr
		return res
	}
	okParts := flush.Succeeded()
	failedParts := len(flush.Groups) - okParts
	errs := []error{flushErr}

	if employeeID != "" {
		_, scope := e.employee()
		pull, err := e.pull(ctx, employeeID, scope)
		e.noteReconcile(err)
		res.Pulled = pull.Applied()
		if err != nil {
			failedParts++
			errs = append(errs, err)
		} else {
			okParts++
		}
	}
	if flushErr != nil && failedParts == 0 {
		failedParts++
	}

	res.Err = errors.Join(errs...)
	res.Success = res.Err == nil
	res.Partial = !res.Success && okParts > 0
	return res
}

// Triggers are the external event sources Run consumes. Nil channels are
// ignored.
type Triggers struct {
	Realtime   <-chan realtime.Event
	Foreground <-chan struct{}
}

// Run is the single consumer of debounce fires, foreground transitions and
// realtime events. It returns nil when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, t Triggers) error {
	e.logger.Info("sync engine started", "pending", e.queue.Len())
	for {
		select {
		case <-ctx.Done():
			e.debouncer.Cancel()
			e.logger.Info("sync engine stopped", "pending", e.queue.Len())
			return nil
		case <-e.debouncer.C():
			if _, err := e.Flush(ctx); err != nil && !errors.Is(err, ErrFlushInFlight) {
				e.logger.Debug("scheduled flush incomplete", "error", err)
			}
		case _, ok := <-t.Foreground:
			if !ok {
				t.Foreground = nil
				continue
			}
			if _, err := e.Foreground(ctx); err != nil {
				e.logger.Warn("foreground reconcile failed", "error", err)
			}
		case ev, ok := <-t.Realtime:
			if !ok {
				t.Realtime = nil
				continue
			}
			if _, err := e.OnRealtime(ctx, ev); err != nil {
				e.logger.Warn("realtime reconcile failed", "employee_id", ev.EmployeeID, "error", err)
			}
		}
	}
}
