package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/realtime"
	"github.com/fieldcrew/fieldsync/internal/remote"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server, *remote.Client) {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	client := remote.New(remote.Options{
		BaseURL:    ts.URL,
		Token:      cfg.Token,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	return srv, ts, client
}

func mileage(id, employee string, day int, miles float64) entity.MileageEntry {
	return entity.MileageEntry{
		ID:         id,
		EmployeeID: employee,
		Date:       entity.NewDate(2024, time.June, day),
		Miles:      miles,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestHealthSkipsAuth(t *testing.T) {
	_, ts, _ := newTestServer(t, Config{Token: "secret"})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/mileage-entries")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClientRoundTripThroughResources(t *testing.T) {
	srv, _, client := newTestServer(t, Config{Token: "secret"})
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.Create(ctx, entity.TypeOdometerReading, mustJSON(t, entity.OdometerReading{
		ID: "o1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 3), Reading: 1200,
	})))

	err := client.Create(ctx, entity.TypeOdometerReading, mustJSON(t, entity.OdometerReading{
		ID: "o1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 3), Reading: 1300,
	}))
	var httpErr *remote.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusConflict, httpErr.StatusCode)

	require.NoError(t, client.Update(ctx, entity.TypeOdometerReading, "o1", mustJSON(t, entity.OdometerReading{
		ID: "o1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 3), Reading: 1300,
	})))
	rows := srv.Rows(entity.TypeOdometerReading)
	require.Len(t, rows, 1)
	assert.Equal(t, 1300.0, rows[0].(entity.OdometerReading).Reading)

	require.NoError(t, client.Delete(ctx, entity.TypeOdometerReading, "o1"))
	err = client.Delete(ctx, entity.TypeOdometerReading, "o1")
	assert.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestUpdateRejectsMismatchedID(t *testing.T) {
	_, _, client := newTestServer(t, Config{})
	err := client.Update(context.Background(), entity.TypeMileageEntry, "m2", mustJSON(t, mileage("m1", "e1", 3, 4)))
	var httpErr *remote.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.True(t, remote.IsPermanent(err))
}

func TestListFiltersByEmployeeAndMonth(t *testing.T) {
	srv, _, client := newTestServer(t, Config{})
	july := mileage("m3", "e1", 1, 2)
	july.Date = entity.NewDate(2024, time.July, 1)
	require.NoError(t, srv.Seed(
		mileage("m2", "e1", 5, 10),
		mileage("m1", "e1", 4, 3),
		mileage("x1", "e2", 4, 7),
		july,
	))

	rows, err := client.List(context.Background(), entity.TypeMileageEntry, remote.ListQuery{
		EmployeeID: "e1", Year: 2024, Month: time.June,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m1", rows[0].RowID())
	assert.Equal(t, "m2", rows[1].RowID())
}

func TestBatchIsAllOrNothing(t *testing.T) {
	srv, _, client := newTestServer(t, Config{})
	ctx := context.Background()

	var bad remote.BatchRequest
	require.NoError(t, bad.Add(entity.TypeMileageEntry, mustJSON(t, mileage("m1", "e1", 3, 4))))
	require.NoError(t, bad.Add(entity.TypeTimeEntry, json.RawMessage(`{"id":"t1","employeeId":"e1","date":"2024-06-03","hours":30}`)))
	err := client.BatchUpsert(ctx, bad)
	var httpErr *remote.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.Empty(t, srv.Rows(entity.TypeMileageEntry))

	var good remote.BatchRequest
	require.NoError(t, good.Add(entity.TypeMileageEntry, mustJSON(t, mileage("m1", "e1", 3, 4))))
	require.NoError(t, good.Add(entity.TypeTimeEntry, mustJSON(t, entity.TimeEntry{
		ID: "t1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 3), Hours: 8, Category: "Working Hours",
	})))
	require.NoError(t, client.BatchUpsert(ctx, good))
	assert.Len(t, srv.Rows(entity.TypeMileageEntry), 1)
	assert.Len(t, srv.Rows(entity.TypeTimeEntry), 1)
}

func TestInjectedFaultIsRetried(t *testing.T) {
	srv, _, client := newTestServer(t, Config{})
	srv.InjectFault(http.MethodPost, remote.BatchPath, http.StatusServiceUnavailable, 1)

	var batch remote.BatchRequest
	require.NoError(t, batch.Add(entity.TypeMileageEntry, mustJSON(t, mileage("m1", "e1", 3, 4))))
	require.NoError(t, client.BatchUpsert(context.Background(), batch))
	assert.Len(t, srv.Rows(entity.TypeMileageEntry), 1)

	srv.InjectFault(http.MethodPost, remote.BatchPath, http.StatusServiceUnavailable, 5)
	err := client.BatchUpsert(context.Background(), batch)
	var httpErr *remote.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}

func TestRateLimitAnswers429WithRetryAfter(t *testing.T) {
	_, ts, _ := newTestServer(t, Config{RateLimitMax: 1, RateLimitWindow: time.Minute})

	resp, err := http.Get(ts.URL + "/employees")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/employees")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestBodyLimit(t *testing.T) {
	_, ts, _ := newTestServer(t, Config{MaxBodyBytes: 16})
	resp, err := http.Post(ts.URL+"/employees", "application/json",
		strings.NewReader(`{"id":"e1","name":"a rather long employee name"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestRealtimeDeliversChangesForSubscribedEmployee(t *testing.T) {
	srv, ts, client := newTestServer(t, Config{Token: "secret"})

	listener, err := realtime.NewListener(realtime.Options{
		URL:        "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime",
		Token:      "secret",
		EmployeeID: "e1",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan realtime.Event, 8)
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx, events) }()

	require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Create(ctx, entity.TypeMileageEntry, mustJSON(t, mileage("x1", "e2", 3, 1))))
	require.NoError(t, client.Create(ctx, entity.TypeMileageEntry, mustJSON(t, mileage("m1", "e1", 3, 4))))

	select {
	case ev := <-events:
		assert.Equal(t, "e1", ev.EmployeeID)
		assert.Equal(t, string(entity.TypeMileageEntry), ev.EntityType)
		assert.Equal(t, string(entity.OpCreate), ev.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("no realtime event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestDisconnectAllTriggersReconnect(t *testing.T) {
	srv, ts, _ := newTestServer(t, Config{})
	listener, err := realtime.NewListener(realtime.Options{
		URL:        "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime",
		EmployeeID: "e1",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan realtime.Event, 8)
	go func() { _ = listener.Run(ctx, events) }()

	require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)
	srv.DisconnectAll()
	require.Eventually(t, func() bool { return srv.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)

	srv.Publish(realtime.Event{EmployeeID: "e1"})
	select {
	case ev := <-events:
		assert.Equal(t, realtime.TypeDataUpdate, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after reconnect")
	}
}
