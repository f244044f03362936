package remote

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/fieldcrew/fieldsync/internal/entity"
)

const BatchPath = "/sync/batch"

var resourcePaths = map[entity.Type]string{
	entity.TypeEmployee:        "/employees",
	entity.TypeMileageEntry:    "/mileage-entries",
	entity.TypeReceipt:         "/receipts",
	entity.TypeTimeEntry:       "/time-entries",
	entity.TypeDayDescription:  "/daily-descriptions",
	entity.TypeOdometerReading: "/odometer-readings",
}

// ResourcePath is the collection path of kind.
func ResourcePath(kind entity.Type) (string, error) {
	p, ok := resourcePaths[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", entity.ErrUnknownType, kind)
	}
	return p, nil
}

func resourceItemPath(kind entity.Type, id string) (string, error) {
	base, err := ResourcePath(kind)
	if err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", entity.ErrMissingID
	}
	return base + "/" + url.PathEscape(id), nil
}

// BatchRequest is the body of the generic upsert endpoint. The backend
// upserts every row by id.
type BatchRequest struct {
	MileageEntries    []json.RawMessage `json:"mileageEntries,omitempty"`
	Receipts          []json.RawMessage `json:"receipts,omitempty"`
	TimeTracking      []json.RawMessage `json:"timeTracking,omitempty"`
	DailyDescriptions []json.RawMessage `json:"dailyDescriptions,omitempty"`
}

// Batchable reports whether kind has a key in BatchRequest.
func Batchable(kind entity.Type) bool {
	switch kind {
	case entity.TypeMileageEntry, entity.TypeReceipt, entity.TypeTimeEntry, entity.TypeDayDescription:
		return true
	default:
		return false
	}
}

func (b *BatchRequest) Add(kind entity.Type, payload json.RawMessage) error {
	switch kind {
	case entity.TypeMileageEntry:
		b.MileageEntries = append(b.MileageEntries, payload)
	case entity.TypeReceipt:
		b.Receipts = append(b.Receipts, payload)
	case entity.TypeTimeEntry:
		b.TimeTracking = append(b.TimeTracking, payload)
	case entity.TypeDayDescription:
		b.DailyDescriptions = append(b.DailyDescriptions, payload)
	default:
		return fmt.Errorf("%w: %q has no batch key", entity.ErrUnknownType, kind)
	}
	return nil
}

// Rows returns the payloads of kind.
func (b BatchRequest) Rows(kind entity.Type) []json.RawMessage {
	switch kind {
	case entity.TypeMileageEntry:
		return b.MileageEntries
	case entity.TypeReceipt:
		return b.Receipts
	case entity.TypeTimeEntry:
		return b.TimeTracking
	case entity.TypeDayDescription:
		return b.DailyDescriptions
	default:
		return nil
	}
}

func (b BatchRequest) Len() int {
	return len(b.MileageEntries) + len(b.Receipts) + len(b.TimeTracking) + len(b.DailyDescriptions)
}
