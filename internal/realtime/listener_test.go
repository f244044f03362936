package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestListenerDeliversDataUpdatesAcrossReconnects(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "e1", r.URL.Query().Get("employeeId"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		n := conns.Add(1)
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, map[string]string{"type": "heartbeat"})
		_ = wsjson.Write(ctx, conn, Event{Type: TypeDataUpdate, EmployeeID: ""})
		_ = wsjson.Write(ctx, conn, Event{
			Type:       TypeDataUpdate,
			EmployeeID: fmt.Sprintf(" e%d ", n),
			EntityType: "mileageEntry",
			Action:     "create",
		})
	}))
	defer server.Close()

	listener, err := NewListener(Options{
		URL:        "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime",
		Token:      "secret",
		EmployeeID: "e1",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx, events) }()

	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for realtime events, got %v", got)
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}

	assert.Equal(t, "e1", got[0].EmployeeID)
	assert.Equal(t, "e2", got[1].EmployeeID)
	assert.Equal(t, "mileageEntry", got[0].EntityType)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.GreaterOrEqual(t, listener.Received(), int64(2))
	assert.False(t, listener.Connected())
}

func TestListenerStopsWhileServerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	target := server.URL
	server.Close()

	listener, err := NewListener(Options{URL: target, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, listener.Run(ctx, make(chan Event)))
}

func TestNewListenerValidatesURL(t *testing.T) {
	_, err := NewListener(Options{})
	assert.Error(t, err)
	_, err = NewListener(Options{URL: "ftp://example.com/realtime"})
	assert.Error(t, err)

	l, err := NewListener(Options{URL: "wss://api.example.com/realtime?v=1", EmployeeID: "e 7"})
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/realtime?employeeId=e+7&v=1", l.url)
}
