// Package syncengine drives the push and pull pipelines between the local
// entity store and the backend of record.
package syncengine

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldcrew/fieldsync/internal/queue"
	"github.com/fieldcrew/fieldsync/internal/remote"
	"github.com/fieldcrew/fieldsync/internal/scheduler"
	"github.com/fieldcrew/fieldsync/internal/store"
)

const DefaultMaxRetries = 3

var (
	ErrOffline       = remote.ErrOffline
	ErrFlushInFlight = errors.New("flush already in flight")
	ErrNoEmployee    = errors.New("employee id is required")
)

// Drop is a record removed from the queue after exhausting its retries. The
// row it described never reached the backend.
type Drop struct {
	Record    queue.Record `json:"record"`
	Error     string       `json:"error"`
	Permanent bool         `json:"permanent"`
	At        time.Time    `json:"at"`
}

type Options struct {
	Store  *store.Store
	Queue  *queue.Queue
	Remote remote.API
	Clock  scheduler.Clock

	FlushDelay        time.Duration
	ReconcileInterval time.Duration
	MaxRetries        int

	// EmployeeID is reconciled on foreground. ReconcileScope narrows those
	// pulls; the zero value pulls every date.
	EmployeeID     string
	ReconcileScope store.Scope

	OnDrop func(Drop)
	Logger *slog.Logger
}

type Engine struct {
	store     *store.Store
	queue     *queue.Queue
	remote    remote.API
	clock     scheduler.Clock
	debouncer *scheduler.Debouncer
	throttle  *scheduler.Throttle
	onDrop    func(Drop)
	logger    *slog.Logger

	maxRetries atomic.Int32
	flushing   atomic.Bool
	reconcile  sync.Mutex

	mu              sync.Mutex
	employeeID      string
	scope           store.Scope
	unsynced        []Drop
	lastFlushAt     time.Time
	lastReconcileAt time.Time
	lastErr         string
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote api is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = scheduler.RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      opts.Store,
		queue:      opts.Queue,
		remote:     opts.Remote,
		clock:      clock,
		debouncer:  scheduler.NewDebouncer(clock, opts.FlushDelay),
		throttle:   scheduler.NewThrottle(clock, opts.ReconcileInterval),
		onDrop:     opts.OnDrop,
		logger:     logger,
		employeeID: strings.TrimSpace(opts.EmployeeID),
		scope:      opts.ReconcileScope,
	}
	e.SetMaxRetries(opts.MaxRetries)
	opts.Queue.SetScheduler(e.debouncer)
	if opts.Queue.Len() > 0 {
		e.debouncer.ScheduleFlush()
	}
	return e, nil
}

func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

func (e *Engine) Debouncer() *scheduler.Debouncer {
	return e.debouncer
}

// SetAutoSync turns the debounced flush on or off. Turning it back on does
// not flush on its own.
func (e *Engine) SetAutoSync(enabled bool) {
	if enabled {
		e.debouncer.Enable()
		return
	}
	e.debouncer.Disable()
}

func (e *Engine) SetFlushDelay(d time.Duration) {
	e.debouncer.SetDelay(d)
}

func (e *Engine) SetReconcileInterval(d time.Duration) {
	e.throttle.SetInterval(d)
}

func (e *Engine) SetMaxRetries(n int) {
	if n <= 0 {
		n = DefaultMaxRetries
	}
	e.maxRetries.Store(int32(n))
}

func (e *Engine) SetEmployee(employeeID string, scope store.Scope) {
	e.mu.Lock()
	e.employeeID = strings.TrimSpace(employeeID)
	e.scope = scope
	e.mu.Unlock()
}

func (e *Engine) employee() (string, store.Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.employeeID, e.scope
}

// Unsynced lists the records dropped after exhausting their retries since
// the engine started or ClearUnsynced was last called.
func (e *Engine) Unsynced() []Drop {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Drop(nil), e.unsynced...)
}

func (e *Engine) ClearUnsynced() {
	e.mu.Lock()
	e.unsynced = nil
	e.mu.Unlock()
}

type Status struct {
	Pending         int       `json:"pending"`
	Unsynced        int       `json:"unsynced"`
	AutoSync        bool      `json:"autoSync"`
	FlushArmed      bool      `json:"flushArmed"`
	Flushing        bool      `json:"flushing"`
	LastFlushAt     time.Time `json:"lastFlushAt,omitempty"`
	LastReconcileAt time.Time `json:"lastReconcileAt,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Pending:         e.queue.Len(),
		Unsynced:        len(e.unsynced),
		AutoSync:        e.debouncer.Enabled(),
		FlushArmed:      e.debouncer.Armed(),
		Flushing:        e.flushing.Load(),
		LastFlushAt:     e.lastFlushAt,
		LastReconcileAt: e.lastReconcileAt,
		LastError:       e.lastErr,
	}
}

func (e *Engine) recordDrops(drops []Drop) {
	if len(drops) == 0 {
		return
	}
	e.mu.Lock()
	e.unsynced = append(e.unsynced, drops...)
	e.mu.Unlock()
	for _, d := range drops {
		e.logger.Error("mutation dropped after retries",
			"entity_type", d.Record.EntityType,
			"operation", d.Record.Operation,
			"entity_id", d.Record.EntityID,
			"retries", d.Record.RetryCount,
			"permanent", d.Permanent,
			"error", d.Error,
		)
		if e.onDrop != nil {
			e.onDrop(d)
		}
	}
}

func (e *Engine) noteFlush(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFlushAt = e.clock.Now()
	e.setErrLocked(err)
}

func (e *Engine) noteReconcile(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.lastReconcileAt = e.clock.Now()
	}
	e.setErrLocked(err)
}

func (e *Engine) setErrLocked(err error) {
	if err == nil {
		e.lastErr = ""
		return
	}
	e.lastErr = err.Error()
}
