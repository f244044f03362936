package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/remote"
	"github.com/fieldcrew/fieldsync/internal/store"
)

type apiCall struct {
	Method string
	Kind   entity.Type
	IDs    []string
}

// fakeAPI is an in-memory backend that upserts by id like the real one.
type fakeAPI struct {
	mu      sync.Mutex
	offline bool
	pings   int
	rows    map[entity.Type]map[string]json.RawMessage
	calls   []apiCall

	failBatch  map[entity.Type]error
	failDelete map[string]error
	failList   map[entity.Type]error

	inBatch func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		rows:       map[entity.Type]map[string]json.RawMessage{},
		failBatch:  map[entity.Type]error{},
		failDelete: map[string]error{},
		failList:   map[entity.Type]error{},
	}
}

func (f *fakeAPI) seed(kind entity.Type, row any) {
	data, err := json.Marshal(row)
	if err != nil {
		panic(err)
	}
	id, err := entity.ExtractID(data)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(kind, id, data)
}

func (f *fakeAPI) drop(kind entity.Type, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows[kind], id)
}

func (f *fakeAPI) putLocked(kind entity.Type, id string, data json.RawMessage) {
	if f.rows[kind] == nil {
		f.rows[kind] = map[string]json.RawMessage{}
	}
	f.rows[kind][id] = data
}

func (f *fakeAPI) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeAPI) callsSnapshot() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeAPI) count(method string) int {
	n := 0
	for _, c := range f.callsSnapshot() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeAPI) remoteRow(kind entity.Type, id string) (entity.Row, bool) {
	f.mu.Lock()
	data, ok := f.rows[kind][id]
	f.mu.Unlock()
	if !ok {
		return nil, false
	}
	row, err := entity.DecodeRow(kind, data)
	if err != nil {
		return nil, false
	}
	return row, true
}

func (f *fakeAPI) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.offline {
		return fmt.Errorf("%w: dial tcp: connection refused", remote.ErrOffline)
	}
	return nil
}

func (f *fakeAPI) List(ctx context.Context, kind entity.Type, q remote.ListQuery) ([]entity.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{Method: "LIST", Kind: kind})
	if err := f.failList[kind]; err != nil {
		return nil, err
	}
	scope := store.Scope{Year: q.Year, Month: q.Month}
	ids := make([]string, 0, len(f.rows[kind]))
	for id := range f.rows[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []entity.Row
	for _, id := range ids {
		row, err := entity.DecodeRow(kind, f.rows[kind][id])
		if err != nil {
			return nil, err
		}
		if q.EmployeeID != "" && row.Owner() != q.EmployeeID {
			continue
		}
		if !scope.Contains(row.Day()) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeAPI) Create(ctx context.Context, kind entity.Type, payload json.RawMessage) error {
	id, err := entity.ExtractID(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{Method: http.MethodPost, Kind: kind, IDs: []string{id}})
	if _, exists := f.rows[kind][id]; exists {
		return &remote.HTTPError{Method: http.MethodPost, StatusCode: http.StatusConflict}
	}
	f.putLocked(kind, id, payload)
	return nil
}

func (f *fakeAPI) Update(ctx context.Context, kind entity.Type, id string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{Method: http.MethodPut, Kind: kind, IDs: []string{id}})
	f.putLocked(kind, id, payload)
	return nil
}

func (f *fakeAPI) Delete(ctx context.Context, kind entity.Type, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{Method: http.MethodDelete, Kind: kind, IDs: []string{id}})
	if err := f.failDelete[id]; err != nil {
		return err
	}
	if _, exists := f.rows[kind][id]; !exists {
		return &remote.HTTPError{Method: http.MethodDelete, StatusCode: http.StatusNotFound}
	}
	delete(f.rows[kind], id)
	return nil
}

func (f *fakeAPI) BatchUpsert(ctx context.Context, batch remote.BatchRequest) error {
	f.mu.Lock()
	hook := f.inBatch
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kind := range entity.PulledTypes() {
		payloads := batch.Rows(kind)
		if len(payloads) == 0 {
			continue
		}
		call := apiCall{Method: "BATCH", Kind: kind}
		for _, p := range payloads {
			id, _ := entity.ExtractID(p)
			call.IDs = append(call.IDs, id)
		}
		f.calls = append(f.calls, call)
		if err := f.failBatch[kind]; err != nil {
			return err
		}
		for i, p := range payloads {
			f.putLocked(kind, call.IDs[i], p)
		}
	}
	return nil
}

func (f *fakeAPI) setInBatch(hook func()) {
	f.mu.Lock()
	f.inBatch = hook
	f.mu.Unlock()
}

func (f *fakeAPI) setFailBatch(kind entity.Type, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failBatch, kind)
		return
	}
	f.failBatch[kind] = err
}

func (f *fakeAPI) setFailList(kind entity.Type, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failList[kind] = err
}
