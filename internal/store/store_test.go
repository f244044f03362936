package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/persist"
)

type change struct {
	op   entity.Operation
	kind entity.Type
	id   string
}

type recordingNotifier struct {
	changes []change
}

func (n *recordingNotifier) EntityChanged(op entity.Operation, kind entity.Type, row entity.Row) {
	n.changes = append(n.changes, change{op: op, kind: kind, id: row.RowID()})
}

func newTestStore(t *testing.T, backend persist.Backend) (*Store, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	s, err := New(Options{Backend: backend, Notifier: notifier})
	require.NoError(t, err)
	return s, notifier
}

func mileage(id, employee string, day int, miles float64) entity.MileageEntry {
	return entity.MileageEntry{
		ID:         id,
		EmployeeID: employee,
		Date:       entity.NewDate(2024, time.June, day),
		Miles:      miles,
	}
}

func TestTableCreateUpdateDeleteNotify(t *testing.T) {
	s, notifier := newTestStore(t, nil)

	require.NoError(t, s.Mileage.Create(mileage("m1", "e1", 3, 12.5)))
	require.ErrorIs(t, s.Mileage.Create(mileage("m1", "e1", 3, 12.5)), ErrAlreadyExists)

	updated := mileage("m1", "e1", 3, 20)
	require.NoError(t, s.Mileage.Update(updated))
	got, err := s.Mileage.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Miles)

	require.ErrorIs(t, s.Mileage.Update(mileage("m2", "e1", 3, 1)), ErrNotFound)
	require.NoError(t, s.Mileage.Delete("m1"))
	require.ErrorIs(t, s.Mileage.Delete("m1"), ErrNotFound)

	assert.Equal(t, []change{
		{entity.OpCreate, entity.TypeMileageEntry, "m1"},
		{entity.OpUpdate, entity.TypeMileageEntry, "m1"},
		{entity.OpDelete, entity.TypeMileageEntry, "m1"},
	}, notifier.changes)
}

func TestCreateRejectsBlankID(t *testing.T) {
	s, notifier := newTestStore(t, nil)
	require.ErrorIs(t, s.Mileage.Create(mileage(" ", "e1", 1, 1)), entity.ErrMissingID)
	assert.Empty(t, notifier.changes)
}

func TestListFiltersByOwnerAndScope(t *testing.T) {
	s, _ := newTestStore(t, nil)
	require.NoError(t, s.Mileage.Create(mileage("b", "e1", 5, 1)))
	require.NoError(t, s.Mileage.Create(mileage("a", "e1", 5, 1)))
	require.NoError(t, s.Mileage.Create(mileage("c", "e1", 2, 1)))
	require.NoError(t, s.Mileage.Create(mileage("d", "e2", 2, 1)))
	july := mileage("e", "e1", 2, 1)
	july.Date = entity.NewDate(2024, time.July, 2)
	require.NoError(t, s.Mileage.Create(july))

	rows := s.Mileage.List("e1", MonthScope(2024, time.June))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Len(t, s.Mileage.List("", Scope{}), 5)
	assert.Len(t, s.Mileage.List("e1", Scope{Year: 2024}), 4)
}

func TestReplaceKeepsPendingRows(t *testing.T) {
	s, notifier := newTestStore(t, nil)
	require.NoError(t, s.Mileage.Create(mileage("local-edit", "e1", 1, 99)))
	require.NoError(t, s.Mileage.Create(mileage("stale", "e1", 2, 5)))
	require.NoError(t, s.Mileage.Create(mileage("other-owner", "e2", 2, 5)))
	notifier.changes = nil

	remote := []entity.MileageEntry{
		mileage("local-edit", "e1", 1, 10),
		mileage("pending-delete", "e1", 4, 7),
		mileage("fresh", "e1", 6, 3),
	}
	keep := map[string]entity.Operation{
		"local-edit":     entity.OpUpdate,
		"pending-delete": entity.OpDelete,
	}
	stats, err := s.Mileage.Replace("e1", MonthScope(2024, time.June), remote, keep)
	require.NoError(t, err)
	assert.Equal(t, ReplaceStats{Applied: 1, Removed: 1, Kept: 1, Skipped: 2}, stats)

	got, err := s.Mileage.Get("local-edit")
	require.NoError(t, err)
	assert.Equal(t, 99.0, got.Miles)
	_, err = s.Mileage.Get("pending-delete")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Mileage.Get("stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Mileage.Get("fresh")
	assert.NoError(t, err)
	_, err = s.Mileage.Get("other-owner")
	assert.NoError(t, err)
	assert.Empty(t, notifier.changes)
}

func TestReplaceLeavesOtherMonthsAlone(t *testing.T) {
	s, _ := newTestStore(t, nil)
	may := mileage("may", "e1", 30, 1)
	may.Date = entity.NewDate(2024, time.May, 30)
	require.NoError(t, s.Mileage.Create(may))

	_, err := s.Mileage.Replace("e1", MonthScope(2024, time.June), nil, nil)
	require.NoError(t, err)
	_, err = s.Mileage.Get("may")
	assert.NoError(t, err)

	_, err = s.Mileage.Replace(" ", MonthScope(2024, time.June), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStoreSurvivesReopen(t *testing.T) {
	backend, err := persist.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	s, _ := newTestStore(t, backend)
	require.NoError(t, s.Receipts.Create(entity.Receipt{
		ID:         "r1",
		EmployeeID: "e1",
		Date:       entity.NewDate(2024, time.June, 6),
		Amount:     decimal.RequireFromString("12.34"),
		Category:   "Fuel",
	}))
	require.NoError(t, s.Employees.Create(entity.Employee{ID: "e1", Name: "Dana"}))

	reopened, _ := newTestStore(t, backend)
	receipt, err := reopened.Receipts.Get("r1")
	require.NoError(t, err)
	assert.True(t, receipt.Amount.Equal(decimal.RequireFromString("12.34")))
	assert.Equal(t, 1, reopened.Count(entity.TypeEmployee))
}

func TestStoreDynamicAccess(t *testing.T) {
	s, notifier := newTestStore(t, nil)

	op, err := s.PutRow(entity.TimeEntry{ID: "t1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 1), Hours: 4})
	require.NoError(t, err)
	assert.Equal(t, entity.OpCreate, op)
	op, err = s.PutRow(entity.TimeEntry{ID: "t1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 1), Hours: 5})
	require.NoError(t, err)
	assert.Equal(t, entity.OpUpdate, op)

	row, ok := s.Lookup(entity.TypeTimeEntry, "t1")
	require.True(t, ok)
	assert.Equal(t, 5.0, row.(entity.TimeEntry).Hours)
	_, ok = s.Lookup(entity.TypeReceipt, "t1")
	assert.False(t, ok)

	rows, err := s.ListRows(entity.TypeTimeEntry, "e1", Scope{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = s.ReplaceRows(entity.TypeTimeEntry, "e1", Scope{}, []entity.Row{entity.Receipt{ID: "x"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, s.DeleteRow(entity.TypeTimeEntry, "t1"))
	assert.ErrorIs(t, s.DeleteRow(entity.Type("bogus"), "t1"), entity.ErrUnknownType)
	assert.Len(t, notifier.changes, 3)
}
