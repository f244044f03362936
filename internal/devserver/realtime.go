package devserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/fieldcrew/fieldsync/internal/realtime"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	employeeID string
	events     chan realtime.Event
}

type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: map[*subscriber]struct{}{}}
}

func (h *hub) subscribe(employeeID string) *subscriber {
	sub := &subscriber{employeeID: employeeID, events: make(chan realtime.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// publish never blocks; a subscriber with a full buffer misses the event.
func (h *hub) publish(ev realtime.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.employeeID != "" && sub.employeeID != ev.EmployeeID {
			continue
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
}

// Publish sends ev to every realtime subscriber of its employee.
func (s *Server) Publish(ev realtime.Event) {
	if ev.Type == "" {
		ev.Type = realtime.TypeDataUpdate
	}
	s.hub.publish(ev)
}

// Subscribers reports how many realtime connections are open.
func (s *Server) Subscribers() int {
	return s.hub.count()
}

// DisconnectAll closes every open realtime connection.
func (s *Server) DisconnectAll() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for sub := range s.hub.subs {
		close(sub.events)
		delete(s.hub.subs, sub)
	}
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("realtime accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sub := s.hub.subscribe(strings.TrimSpace(r.URL.Query().Get("employeeId")))
	defer s.hub.unsubscribe(sub)

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server disconnect")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("realtime write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev realtime.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
