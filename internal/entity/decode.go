package entity

import (
	"encoding/json"
	"fmt"
)

// DecodeRow validates raw against the row schema of kind and decodes it into
// the matching concrete type.
func DecodeRow(kind Type, raw []byte) (Row, error) {
	if err := ValidateRow(kind, raw); err != nil {
		return nil, err
	}
	var (
		row Row
		err error
	)
	switch kind {
	case TypeEmployee:
		row, err = decodeAs[Employee](raw)
	case TypeMileageEntry:
		row, err = decodeAs[MileageEntry](raw)
	case TypeReceipt:
		row, err = decodeAs[Receipt](raw)
	case TypeTimeEntry:
		row, err = decodeAs[TimeEntry](raw)
	case TypeDayDescription:
		row, err = decodeAs[DayDescription](raw)
	case TypeOdometerReading:
		row, err = decodeAs[OdometerReading](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return row, nil
}

func decodeAs[T Row](raw []byte) (Row, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TypeOf reports the entity type of a concrete row value.
func TypeOf(row Row) (Type, bool) {
	switch row.(type) {
	case Employee, *Employee:
		return TypeEmployee, true
	case MileageEntry, *MileageEntry:
		return TypeMileageEntry, true
	case Receipt, *Receipt:
		return TypeReceipt, true
	case TimeEntry, *TimeEntry:
		return TypeTimeEntry, true
	case DayDescription, *DayDescription:
		return TypeDayDescription, true
	case OdometerReading, *OdometerReading:
		return TypeOdometerReading, true
	default:
		return "", false
	}
}
