package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/fieldsync/internal/devserver"
	"github.com/fieldcrew/fieldsync/internal/entity"
)

type cliEnv struct {
	server     *devserver.Server
	configPath string
}

func newCLIEnv(t *testing.T, extra string) *cliEnv {
	t.Helper()
	server := devserver.New(devserver.Config{Token: "secret"})
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`base_url: %s
token: secret
employee_id: e1
store_dsn: %s
log_level: error
%s`, ts.URL, filepath.Join(dir, "state"), extra)
	path := filepath.Join(dir, "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &cliEnv{server: server, configPath: path}
}

func (e *cliEnv) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range newRootCmd().Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"run", "sync", "put", "delete", "queue", "days"} {
		assert.True(t, names[want], want)
	}
}

func TestCompleteRowFillsMissingFields(t *testing.T) {
	now := time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)
	out, err := completeRow(entity.TypeMileageEntry, []byte(`{"date":"2024-06-03","miles":12.5}`), "e1", now)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.NotEmpty(t, fields["id"])
	assert.Equal(t, "e1", fields["employeeId"])
	assert.Equal(t, "2024-06-03T09:00:00Z", fields["updatedAt"])

	row, err := entity.DecodeRow(entity.TypeMileageEntry, out)
	require.NoError(t, err)
	assert.Equal(t, 12.5, row.(entity.MileageEntry).Miles)
}

func TestCompleteRowKeepsGivenFields(t *testing.T) {
	now := time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)
	out, err := completeRow(entity.TypeMileageEntry,
		[]byte(`{"id":"m1","employeeId":"e9","date":"2024-06-03","miles":1,"updatedAt":"2024-06-01T00:00:00Z"}`), "e1", now)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.Equal(t, "m1", fields["id"])
	assert.Equal(t, "e9", fields["employeeId"])
	assert.Equal(t, "2024-06-01T00:00:00Z", fields["updatedAt"])

	_, err = completeRow(entity.TypeMileageEntry, []byte(`null`), "e1", now)
	assert.ErrorIs(t, err, entity.ErrInvalidInput)
	_, err = completeRow(entity.TypeMileageEntry, []byte(`[1]`), "e1", now)
	assert.ErrorIs(t, err, entity.ErrInvalidInput)
}

func TestParseMonth(t *testing.T) {
	now := time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC)
	year, month, err := parseMonth("", now)
	require.NoError(t, err)
	assert.Equal(t, 2024, year)
	assert.Equal(t, time.March, month)

	year, month, err = parseMonth("2023-11", now)
	require.NoError(t, err)
	assert.Equal(t, 2023, year)
	assert.Equal(t, time.November, month)

	_, _, err = parseMonth("11/2023", now)
	assert.Error(t, err)
}

func TestPutSyncDaysAndDelete(t *testing.T) {
	env := newCLIEnv(t, "")

	out, err := env.exec(t, "put", "mileageEntry", `{"date":"2024-06-03","miles":12.5}`)
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 3)
	assert.Equal(t, "create", fields[0])
	id := fields[2]

	out, err = env.exec(t, "queue", "--json")
	require.NoError(t, err)
	var queued struct {
		Status struct {
			Pending int `json:"pending"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &queued))
	assert.Equal(t, 1, queued.Status.Pending)

	out, err = env.exec(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "sync ok: pushed=1")
	rows := env.server.Rows(entity.TypeMileageEntry)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].RowID())

	out, err = env.exec(t, "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
	assert.NotContains(t, out, "OPERATION")

	out, err = env.exec(t, "days", "--month", "2024-06")
	require.NoError(t, err)
	assert.Contains(t, out, "2024-06-03")
	assert.Contains(t, out, "12.5")
	assert.NotContains(t, out, "2024-06-04")

	out, err = env.exec(t, "delete", "mileageEntry", id, "--sync")
	require.NoError(t, err)
	assert.Contains(t, out, "pushed=1")
	assert.Empty(t, env.server.Rows(entity.TypeMileageEntry))
}

func TestSyncPullsRemoteRows(t *testing.T) {
	env := newCLIEnv(t, "")
	require.NoError(t, env.server.Seed(
		entity.TimeEntry{ID: "t1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 4), Hours: 8, Category: entity.CategoryWorkingHours, CostCenter: "cc1"},
		entity.TimeEntry{ID: "t2", EmployeeID: "e2", Date: entity.NewDate(2024, time.June, 4), Hours: 5, Category: entity.CategoryWorkingHours, CostCenter: "cc1"},
	))

	out, err := env.exec(t, "sync", "--json")
	require.NoError(t, err)
	var res syncOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Pulled)

	out, err = env.exec(t, "days", "--month", "2024-06", "--json")
	require.NoError(t, err)
	var days struct {
		Totals struct {
			Hours float64 `json:"hours"`
		} `json:"totals"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &days))
	assert.Equal(t, 8.0, days.Totals.Hours)
}

func TestPutRejectsInvalidRow(t *testing.T) {
	env := newCLIEnv(t, "")
	_, err := env.exec(t, "put", "timeEntry", `{"date":"2024-06-03","hours":30}`)
	assert.ErrorIs(t, err, entity.ErrInvalidInput)

	_, err = env.exec(t, "put", "expense", `{}`)
	assert.ErrorIs(t, err, entity.ErrUnknownType)
}

func TestRunReconcilesOnStartupAndPushesDebouncedEdits(t *testing.T) {
	env := newCLIEnv(t, "debounce_delay: 20ms\n")
	require.NoError(t, env.server.Seed(
		entity.MileageEntry{ID: "m1", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 3), Miles: 4},
	))

	root := newRootCmd()
	require.NoError(t, root.ParseFlags([]string{"--config", env.configPath}))
	a, err := openApp(root)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, false) }()

	require.Eventually(t, func() bool { return a.store.Mileage.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = a.store.PutRow(entity.MileageEntry{ID: "m2", EmployeeID: "e1", Date: entity.NewDate(2024, time.June, 5), Miles: 9})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.server.Rows(entity.TypeMileageEntry)) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
