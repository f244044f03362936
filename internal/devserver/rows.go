package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/realtime"
	"github.com/fieldcrew/fieldsync/internal/remote"
)

type storedRow struct {
	raw json.RawMessage
	row entity.Row
}

// Seed stores rows without publishing change events.
func (s *Server) Seed(rows ...entity.Row) error {
	decoded := make([]storedRow, 0, len(rows))
	kinds := make([]entity.Type, 0, len(rows))
	for _, row := range rows {
		kind, ok := entity.TypeOf(row)
		if !ok {
			return fmt.Errorf("%w: %T", entity.ErrUnknownType, row)
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return err
		}
		valid, err := entity.DecodeRow(kind, raw)
		if err != nil {
			return err
		}
		decoded = append(decoded, storedRow{raw: raw, row: valid})
		kinds = append(kinds, kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, stored := range decoded {
		s.putLocked(kinds[i], stored)
	}
	return nil
}

// Rows returns the stored rows of kind ordered by id.
func (s *Server) Rows(kind entity.Type) []entity.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.Row, 0, len(s.rows[kind]))
	for _, stored := range s.rows[kind] {
		out = append(out, stored.row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowID() < out[j].RowID() })
	return out
}

func (s *Server) putLocked(kind entity.Type, stored storedRow) bool {
	bucket, ok := s.rows[kind]
	if !ok {
		bucket = map[string]storedRow{}
		s.rows[kind] = bucket
	}
	_, existed := bucket[stored.row.RowID()]
	bucket[stored.row.RowID()] = stored
	return existed
}

func (s *Server) handleList(kind entity.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		employeeID := strings.TrimSpace(query.Get("employeeId"))
		year, yerr := optionalInt(query.Get("year"))
		month, merr := optionalInt(query.Get("month"))
		if yerr != nil || merr != nil || month < 0 || month > 12 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid year or month", middleware.GetReqID(r.Context()))
			return
		}

		s.mu.RLock()
		matched := make([]storedRow, 0, len(s.rows[kind]))
		for _, stored := range s.rows[kind] {
			if employeeID != "" && stored.row.Owner() != employeeID {
				continue
			}
			day := stored.row.Day()
			if year != 0 && day.Year != year {
				continue
			}
			if month != 0 && day.Month != time.Month(month) {
				continue
			}
			matched = append(matched, stored)
		}
		s.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool { return matched[i].row.RowID() < matched[j].row.RowID() })
		out := make([]json.RawMessage, 0, len(matched))
		for _, stored := range matched {
			out = append(out, stored.raw)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGet(kind entity.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.RLock()
		stored, ok := s.rows[kind][id]
		s.mu.RUnlock()
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "row not found", middleware.GetReqID(r.Context()))
			return
		}
		writeJSON(w, http.StatusOK, stored.raw)
	}
}

func (s *Server) handleCreate(kind entity.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, ok := s.decodeBody(w, r, kind)
		if !ok {
			return
		}
		s.mu.Lock()
		if _, exists := s.rows[kind][stored.row.RowID()]; exists {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "conflict", "row already exists", middleware.GetReqID(r.Context()))
			return
		}
		s.putLocked(kind, stored)
		s.mu.Unlock()

		s.publishChange(kind, stored.row, entity.OpCreate)
		writeJSON(w, http.StatusCreated, stored.raw)
	}
}

func (s *Server) handleUpdate(kind entity.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stored, ok := s.decodeBody(w, r, kind)
		if !ok {
			return
		}
		if stored.row.RowID() != chi.URLParam(r, "id") {
			writeError(w, http.StatusBadRequest, "bad_request", "payload id does not match path", middleware.GetReqID(r.Context()))
			return
		}
		s.mu.Lock()
		existed := s.putLocked(kind, stored)
		s.mu.Unlock()

		op := entity.OpUpdate
		if !existed {
			op = entity.OpCreate
		}
		s.publishChange(kind, stored.row, op)
		writeJSON(w, http.StatusOK, stored.raw)
	}
}

func (s *Server) handleDelete(kind entity.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		stored, ok := s.rows[kind][id]
		if ok {
			delete(s.rows[kind], id)
		}
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "row not found", middleware.GetReqID(r.Context()))
			return
		}
		s.publishChange(kind, stored.row, entity.OpDelete)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleBatch applies every row of the request or none of them.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var batch remote.BatchRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid batch payload", middleware.GetReqID(r.Context()))
		return
	}

	type change struct {
		kind   entity.Type
		stored storedRow
	}
	var changes []change
	for _, kind := range entity.AllTypes() {
		if !remote.Batchable(kind) {
			continue
		}
		for i, raw := range batch.Rows(kind) {
			row, err := entity.DecodeRow(kind, raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid_row",
					fmt.Sprintf("%s[%d]: %v", kind, i, err), middleware.GetReqID(r.Context()))
				return
			}
			changes = append(changes, change{kind: kind, stored: storedRow{raw: raw, row: row}})
		}
	}

	ops := make([]entity.Operation, len(changes))
	s.mu.Lock()
	for i, c := range changes {
		ops[i] = entity.OpCreate
		if s.putLocked(c.kind, c.stored) {
			ops[i] = entity.OpUpdate
		}
	}
	s.mu.Unlock()

	for i, c := range changes {
		s.publishChange(c.kind, c.stored.row, ops[i])
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(changes)})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, kind entity.Type) (storedRow, bool) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return storedRow{}, false
	}
	row, err := entity.DecodeRow(kind, body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_row", err.Error(), middleware.GetReqID(r.Context()))
		return storedRow{}, false
	}
	return storedRow{raw: json.RawMessage(body), row: row}, true
}

func (s *Server) publishChange(kind entity.Type, row entity.Row, op entity.Operation) {
	s.Publish(realtime.Event{
		Type:       realtime.TypeDataUpdate,
		EmployeeID: row.Owner(),
		EntityType: string(kind),
		Action:     string(op),
	})
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
