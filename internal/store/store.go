// Package store is the on-device entity store. It owns every entity row; the
// mutation queue and the pull pipeline only ever go through it.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/persist"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// Notifier is told about every local create, update and delete after it has
// been persisted.
type Notifier interface {
	EntityChanged(op entity.Operation, kind entity.Type, row entity.Row)
}

type ReplaceStats struct {
	Applied int
	Removed int
	Kept    int
	Skipped int
}

type Options struct {
	Backend  persist.Backend
	Notifier Notifier
	Logger   *slog.Logger
}

type Store struct {
	backend  persist.Backend
	notifier Notifier
	logger   *slog.Logger

	Employees    *Table[entity.Employee]
	Mileage      *Table[entity.MileageEntry]
	TimeEntries  *Table[entity.TimeEntry]
	Receipts     *Table[entity.Receipt]
	Descriptions *Table[entity.DayDescription]
	Odometer     *Table[entity.OdometerReading]

	tables map[entity.Type]rowTable
}

type rowTable interface {
	Kind() entity.Type
	lookup(id string) (entity.Row, bool)
	putRow(row entity.Row) (entity.Operation, error)
	listRows(employeeID string, scope Scope) []entity.Row
	replaceRows(employeeID string, scope Scope, rows []entity.Row, keep map[string]entity.Operation) (ReplaceStats, error)
	Delete(id string) error
	Len() int
	load() error
}

func New(opts Options) (*Store, error) {
	s := &Store{
		backend:  opts.Backend,
		notifier: opts.Notifier,
		logger:   opts.Logger,
	}
	if s.backend == nil {
		s.backend = persist.NewMemoryBackend()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.Employees = newTable[entity.Employee](s, entity.TypeEmployee)
	s.Mileage = newTable[entity.MileageEntry](s, entity.TypeMileageEntry)
	s.TimeEntries = newTable[entity.TimeEntry](s, entity.TypeTimeEntry)
	s.Receipts = newTable[entity.Receipt](s, entity.TypeReceipt)
	s.Descriptions = newTable[entity.DayDescription](s, entity.TypeDayDescription)
	s.Odometer = newTable[entity.OdometerReading](s, entity.TypeOdometerReading)
	s.tables = map[entity.Type]rowTable{
		entity.TypeEmployee:        s.Employees,
		entity.TypeMileageEntry:    s.Mileage,
		entity.TypeTimeEntry:       s.TimeEntries,
		entity.TypeReceipt:         s.Receipts,
		entity.TypeDayDescription:  s.Descriptions,
		entity.TypeOdometerReading: s.Odometer,
	}
	for _, kind := range entity.AllTypes() {
		if err := s.tables[kind].load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Lookup returns the current row for (kind, id).
func (s *Store) Lookup(kind entity.Type, id string) (entity.Row, bool) {
	table, ok := s.tables[kind]
	if !ok {
		return nil, false
	}
	return table.lookup(id)
}

// PutRow creates or updates a row of any entity type.
func (s *Store) PutRow(row entity.Row) (entity.Operation, error) {
	if row == nil {
		return "", entity.ErrMissingID
	}
	kind, ok := entity.TypeOf(row)
	if !ok {
		return "", fmt.Errorf("%w: %T", entity.ErrUnknownType, row)
	}
	return s.tables[kind].putRow(row)
}

func (s *Store) DeleteRow(kind entity.Type, id string) error {
	table, ok := s.tables[kind]
	if !ok {
		return fmt.Errorf("%w: %q", entity.ErrUnknownType, kind)
	}
	return table.Delete(id)
}

func (s *Store) ListRows(kind entity.Type, employeeID string, scope Scope) ([]entity.Row, error) {
	table, ok := s.tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", entity.ErrUnknownType, kind)
	}
	return table.listRows(employeeID, scope), nil
}

// ReplaceRows is the pull pipeline's wholesale rehydrate of one collection.
func (s *Store) ReplaceRows(kind entity.Type, employeeID string, scope Scope, rows []entity.Row, keep map[string]entity.Operation) (ReplaceStats, error) {
	table, ok := s.tables[kind]
	if !ok {
		return ReplaceStats{}, fmt.Errorf("%w: %q", entity.ErrUnknownType, kind)
	}
	stats, err := table.replaceRows(strings.TrimSpace(employeeID), scope, rows, keep)
	if err != nil {
		return ReplaceStats{}, err
	}
	s.logger.Debug("entity rows replaced",
		"entity_type", kind,
		"employee_id", employeeID,
		"applied", stats.Applied,
		"removed", stats.Removed,
		"kept_pending", stats.Kept,
	)
	return stats, nil
}

func (s *Store) Count(kind entity.Type) int {
	table, ok := s.tables[kind]
	if !ok {
		return 0
	}
	return table.Len()
}

func (s *Store) notify(op entity.Operation, kind entity.Type, row entity.Row) {
	if s.notifier == nil {
		return
	}
	s.notifier.EntityChanged(op, kind, row)
}
