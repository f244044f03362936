package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrMissingID    = errors.New("payload has no id")
	ErrUnknownType  = errors.New("unknown entity type")
)

type Type string

const (
	TypeEmployee        Type = "employee"
	TypeMileageEntry    Type = "mileageEntry"
	TypeReceipt         Type = "receipt"
	TypeTimeEntry       Type = "timeEntry"
	TypeDayDescription  Type = "dayDescription"
	TypeOdometerReading Type = "odometerReading"
)

// AllTypes lists every entity type in a stable order.
func AllTypes() []Type {
	return []Type{
		TypeEmployee,
		TypeMileageEntry,
		TypeReceipt,
		TypeTimeEntry,
		TypeDayDescription,
		TypeOdometerReading,
	}
}

// PulledTypes are the collections rehydrated on reconcile.
func PulledTypes() []Type {
	return []Type{TypeMileageEntry, TypeTimeEntry, TypeReceipt, TypeDayDescription}
}

func ParseType(raw string) (Type, error) {
	t := Type(strings.TrimSpace(raw))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
	return t, nil
}

func (t Type) Valid() bool {
	for _, candidate := range AllTypes() {
		if t == candidate {
			return true
		}
	}
	return false
}

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Time entry categories. The first three count as working hours and are
// grouped by cost center; the rest are named categories.
const (
	CategoryNone         = ""
	CategoryWorkingHours = "Working Hours"
	CategoryRegularHours = "Regular Hours"
	CategoryGA           = "G&A Hours"
	CategoryHoliday      = "Holiday Hours"
	CategoryPTO          = "PTO Hours"
	CategorySTDLTD       = "STD/LTD Hours"
	CategoryPFL          = "PFL/PFML Hours"
)

// ReceiptCategoryPerDiem receipts are reported separately from expenses.
const ReceiptCategoryPerDiem = "Per Diem"

func IsWorkingHours(category string) bool {
	switch strings.TrimSpace(category) {
	case CategoryNone, CategoryWorkingHours, CategoryRegularHours:
		return true
	default:
		return false
	}
}

// Row is the part of every entity row the store and the aggregator rely on.
type Row interface {
	RowID() string
	Owner() string
	Day() Date
	ModifiedAt() time.Time
}

type Employee struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	CostCenters []string  `json:"costCenters,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (e Employee) RowID() string         { return e.ID }
func (e Employee) Owner() string         { return e.ID }
func (e Employee) Day() Date             { return Date{} }
func (e Employee) ModifiedAt() time.Time { return e.UpdatedAt }

type MileageEntry struct {
	ID            string    `json:"id"`
	EmployeeID    string    `json:"employeeId"`
	Date          Date      `json:"date"`
	Miles         float64   `json:"miles"`
	StartLocation string    `json:"startLocation,omitempty"`
	EndLocation   string    `json:"endLocation,omitempty"`
	Purpose       string    `json:"purpose,omitempty"`
	CostCenter    string    `json:"costCenter,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (m MileageEntry) RowID() string         { return m.ID }
func (m MileageEntry) Owner() string         { return m.EmployeeID }
func (m MileageEntry) Day() Date             { return m.Date }
func (m MileageEntry) ModifiedAt() time.Time { return m.UpdatedAt }

type TimeEntry struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employeeId"`
	Date       Date      `json:"date"`
	Hours      float64   `json:"hours"`
	Category   string    `json:"category"`
	CostCenter string    `json:"costCenter"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (t TimeEntry) RowID() string         { return t.ID }
func (t TimeEntry) Owner() string         { return t.EmployeeID }
func (t TimeEntry) Day() Date             { return t.Date }
func (t TimeEntry) ModifiedAt() time.Time { return t.UpdatedAt }

type Receipt struct {
	ID         string          `json:"id"`
	EmployeeID string          `json:"employeeId"`
	Date       Date            `json:"date"`
	Amount     decimal.Decimal `json:"amount"`
	Vendor     string          `json:"vendor,omitempty"`
	Category   string          `json:"category,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (r Receipt) RowID() string         { return r.ID }
func (r Receipt) Owner() string         { return r.EmployeeID }
func (r Receipt) Day() Date             { return r.Date }
func (r Receipt) ModifiedAt() time.Time { return r.UpdatedAt }

type DayDescription struct {
	ID          string    `json:"id"`
	EmployeeID  string    `json:"employeeId"`
	Date        Date      `json:"date"`
	Description string    `json:"description"`
	DayOff      bool      `json:"dayOff,omitempty"`
	DayOffType  string    `json:"dayOffType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (d DayDescription) RowID() string         { return d.ID }
func (d DayDescription) Owner() string         { return d.EmployeeID }
func (d DayDescription) Day() Date             { return d.Date }
func (d DayDescription) ModifiedAt() time.Time { return d.UpdatedAt }

type OdometerReading struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employeeId"`
	Date       Date      `json:"date"`
	Reading    float64   `json:"reading"`
	VehicleID  string    `json:"vehicleId,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (o OdometerReading) RowID() string         { return o.ID }
func (o OdometerReading) Owner() string         { return o.EmployeeID }
func (o OdometerReading) Day() Date             { return o.Date }
func (o OdometerReading) ModifiedAt() time.Time { return o.UpdatedAt }

// ExtractID returns the stable id carried by a JSON payload.
func ExtractID(payload []byte) (string, error) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(probe.ID) == 0 {
		return "", ErrMissingID
	}
	var id string
	if err := json.Unmarshal(probe.ID, &id); err != nil {
		return "", fmt.Errorf("%w: id must be a string", ErrMissingID)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrMissingID
	}
	return id, nil
}
