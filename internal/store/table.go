package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldcrew/fieldsync/internal/entity"
)

// Scope narrows list and replace to a year or a month. The zero Scope covers
// every date.
type Scope struct {
	Year  int
	Month time.Month
}

func MonthScope(year int, month time.Month) Scope {
	return Scope{Year: year, Month: month}
}

func (s Scope) IsZero() bool {
	return s.Year == 0
}

func (s Scope) Contains(d entity.Date) bool {
	if s.Year == 0 {
		return true
	}
	if d.Year != s.Year {
		return false
	}
	return s.Month == 0 || d.Month == s.Month
}

// Table holds the rows of one entity type behind its own lock.
type Table[T entity.Row] struct {
	kind  entity.Type
	store *Store

	mu   sync.RWMutex
	rows map[string]T
}

type persistedTable[T entity.Row] struct {
	Rows []T `json:"rows"`
}

func newTable[T entity.Row](s *Store, kind entity.Type) *Table[T] {
	return &Table[T]{kind: kind, store: s, rows: map[string]T{}}
}

func (t *Table[T]) Kind() entity.Type {
	return t.kind
}

func (t *Table[T]) Get(id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[strings.TrimSpace(id)]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, t.kind, id)
	}
	return row, nil
}

// List returns the rows owned by employeeID (all owners when empty) inside
// scope, ordered by date then id.
func (t *Table[T]) List(employeeID string, scope Scope) []T {
	employeeID = strings.TrimSpace(employeeID)
	t.mu.RLock()
	out := make([]T, 0, len(t.rows))
	for _, row := range t.rows {
		if employeeID != "" && row.Owner() != employeeID {
			continue
		}
		if !scope.Contains(row.Day()) {
			continue
		}
		out = append(out, row)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Day(), out[j].Day()
		if di != dj {
			return di.Before(dj)
		}
		return out[i].RowID() < out[j].RowID()
	})
	return out
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func (t *Table[T]) Create(row T) error {
	id, err := rowID(row)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if _, exists := t.rows[id]; exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrAlreadyExists, t.kind, id)
	}
	if err := t.setLocked(id, row); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.store.notify(entity.OpCreate, t.kind, row)
	return nil
}

func (t *Table[T]) Update(row T) error {
	id, err := rowID(row)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if _, exists := t.rows[id]; !exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotFound, t.kind, id)
	}
	if err := t.setLocked(id, row); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.store.notify(entity.OpUpdate, t.kind, row)
	return nil
}

// Put creates or updates row and reports which of the two happened.
func (t *Table[T]) Put(row T) (entity.Operation, error) {
	id, err := rowID(row)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	op := entity.OpCreate
	if _, exists := t.rows[id]; exists {
		op = entity.OpUpdate
	}
	if err := t.setLocked(id, row); err != nil {
		t.mu.Unlock()
		return "", err
	}
	t.mu.Unlock()
	t.store.notify(op, t.kind, row)
	return op, nil
}

func (t *Table[T]) Delete(id string) error {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	row, exists := t.rows[id]
	if !exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotFound, t.kind, id)
	}
	delete(t.rows, id)
	if err := t.saveLocked(); err != nil {
		t.rows[id] = row
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.store.notify(entity.OpDelete, t.kind, row)
	return nil
}

// Replace swaps every row owned by employeeID inside scope for the given
// rows. Ids listed in keep are left at their local version, and a remote row
// for such an id is ignored. Replace does not notify.
func (t *Table[T]) Replace(employeeID string, scope Scope, rows []T, keep map[string]entity.Operation) (ReplaceStats, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return ReplaceStats{}, fmt.Errorf("%w: employee id is required", ErrInvalidInput)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := make(map[string]T, len(t.rows))
	for id, row := range t.rows {
		previous[id] = row
	}
	var stats ReplaceStats
	for id, row := range t.rows {
		if row.Owner() != employeeID || !scope.Contains(row.Day()) {
			continue
		}
		if _, pending := keep[id]; pending {
			stats.Kept++
			continue
		}
		delete(t.rows, id)
		stats.Removed++
	}
	for _, row := range rows {
		id := strings.TrimSpace(row.RowID())
		if id == "" || row.Owner() != employeeID || !scope.Contains(row.Day()) {
			stats.Skipped++
			continue
		}
		if _, pending := keep[id]; pending {
			stats.Skipped++
			continue
		}
		t.rows[id] = row
		stats.Applied++
	}
	if err := t.saveLocked(); err != nil {
		t.rows = previous
		return ReplaceStats{}, err
	}
	return stats, nil
}

func (t *Table[T]) setLocked(id string, row T) error {
	previous, existed := t.rows[id]
	t.rows[id] = row
	if err := t.saveLocked(); err != nil {
		if existed {
			t.rows[id] = previous
		} else {
			delete(t.rows, id)
		}
		return err
	}
	return nil
}

func (t *Table[T]) backendKey() string {
	return "store." + string(t.kind)
}

func (t *Table[T]) load() error {
	data, err := t.store.backend.Load(t.backendKey())
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot persistedTable[T]
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode %s table: %w", t.kind, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range snapshot.Rows {
		if id := strings.TrimSpace(row.RowID()); id != "" {
			t.rows[id] = row
		}
	}
	return nil
}

func (t *Table[T]) saveLocked() error {
	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := persistedTable[T]{Rows: make([]T, 0, len(ids))}
	for _, id := range ids {
		snapshot.Rows = append(snapshot.Rows, t.rows[id])
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := t.store.backend.Save(t.backendKey(), data); err != nil {
		return fmt.Errorf("persist %s table: %w", t.kind, err)
	}
	return nil
}

func (t *Table[T]) lookup(id string) (entity.Row, bool) {
	row, err := t.Get(id)
	if err != nil {
		return nil, false
	}
	return row, true
}

func (t *Table[T]) putRow(row entity.Row) (entity.Operation, error) {
	typed, ok := row.(T)
	if !ok {
		return "", fmt.Errorf("%w: %T is not a %s row", ErrInvalidInput, row, t.kind)
	}
	return t.Put(typed)
}

func (t *Table[T]) listRows(employeeID string, scope Scope) []entity.Row {
	rows := t.List(employeeID, scope)
	out := make([]entity.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	return out
}

func (t *Table[T]) replaceRows(employeeID string, scope Scope, rows []entity.Row, keep map[string]entity.Operation) (ReplaceStats, error) {
	typed := make([]T, 0, len(rows))
	for _, row := range rows {
		v, ok := row.(T)
		if !ok {
			return ReplaceStats{}, fmt.Errorf("%w: %T is not a %s row", ErrInvalidInput, row, t.kind)
		}
		typed = append(typed, v)
	}
	return t.Replace(employeeID, scope, typed, keep)
}

func rowID(row entity.Row) (string, error) {
	id := strings.TrimSpace(row.RowID())
	if id == "" {
		return "", entity.ErrMissingID
	}
	return id, nil
}
