// Package realtime listens on the backend's push channel and turns
// data_update messages into reconcile triggers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const TypeDataUpdate = "data_update"

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	readLimit         = 64 << 10
)

// Event is one message of the push channel. Only EmployeeID matters to the
// reconcile throttle.
type Event struct {
	Type       string `json:"type"`
	EmployeeID string `json:"employeeId"`
	EntityType string `json:"entityType,omitempty"`
	Action     string `json:"action,omitempty"`
}

type Options struct {
	URL        string
	Token      string
	EmployeeID string
	HTTPClient *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

type Listener struct {
	url        string
	token      string
	httpClient *http.Client
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger

	connected atomic.Bool
	received  atomic.Int64
}

func NewListener(opts Options) (*Listener, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, errors.New("realtime url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported realtime url scheme %q", parsed.Scheme)
	}
	if id := strings.TrimSpace(opts.EmployeeID); id != "" {
		q := parsed.Query()
		q.Set("employeeId", id)
		parsed.RawQuery = q.Encode()
	}
	l := &Listener{
		url:        parsed.String(),
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger,
	}
	if l.minBackoff <= 0 {
		l.minBackoff = defaultMinBackoff
	}
	if l.maxBackoff < l.minBackoff {
		l.maxBackoff = defaultMaxBackoff
		if l.maxBackoff < l.minBackoff {
			l.maxBackoff = l.minBackoff
		}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Received counts the data_update events delivered so far.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

// Run keeps a connection open until ctx is done, delivering data_update
// events to out. Dropped connections are redialed with capped exponential
// backoff. Run returns nil once ctx is cancelled.
func (l *Listener) Run(ctx context.Context, out chan<- Event) error {
	backoff := l.minBackoff
	for {
		delivered, err := l.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			backoff = l.minBackoff
		}
		l.logger.Warn("realtime connection lost", "error", err, "retry_in", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) session(ctx context.Context, out chan<- Event) (bool, error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	conn, resp, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{
		HTTPClient: l.httpClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial realtime channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	l.connected.Store(true)
	defer l.connected.Store(false)
	l.logger.Info("realtime connected", "url", l.url)

	delivered := false
	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return delivered, err
		}
		if ev.Type != TypeDataUpdate || strings.TrimSpace(ev.EmployeeID) == "" {
			l.logger.Debug("ignoring realtime message", "type", ev.Type)
			continue
		}
		ev.EmployeeID = strings.TrimSpace(ev.EmployeeID)
		select {
		case out <- ev:
			delivered = true
			l.received.Add(1)
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}
