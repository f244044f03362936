// Package devserver is an in-memory implementation of the backend API and
// its realtime channel, for local development and integration tests.
package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldcrew/fieldsync/internal/entity"
	"github.com/fieldcrew/fieldsync/internal/remote"
)

type Config struct {
	// Token, when set, must be presented as a bearer token on every request
	// except /health.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
}

type Server struct {
	cfg     Config
	router  chi.Router
	limiter *rateLimiter
	hub     *hub
	logger  *slog.Logger

	mu   sync.RWMutex
	rows map[entity.Type]map[string]storedRow

	faultMu sync.Mutex
	faults  map[string]*fault
}

type fault struct {
	status    int
	remaining int
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func New(cfg Config) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		hub:    newHub(),
		logger: logger,
		rows:   map[entity.Type]map[string]storedRow{},
		faults: map[string]*fault{},
	}
	if cfg.RateLimitMax > 0 {
		s.limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authorize)
		r.Use(s.rateLimit)
		r.Use(s.injectFaults)

		r.Get("/realtime", s.handleRealtime)
		r.Post(remote.BatchPath, s.handleBatch)
		for kind, path := range resourceRoutes() {
			kind := kind
			r.Route(path, func(r chi.Router) {
				r.Get("/", s.handleList(kind))
				r.Post("/", s.handleCreate(kind))
				r.Get("/{id}", s.handleGet(kind))
				r.Put("/{id}", s.handleUpdate(kind))
				r.Delete("/{id}", s.handleDelete(kind))
			})
		}
	})
	return r
}

func resourceRoutes() map[entity.Type]string {
	out := map[entity.Type]string{}
	for _, kind := range entity.AllTypes() {
		if path, err := remote.ResourcePath(kind); err == nil {
			out[kind] = path
		}
	}
	return out
}

// InjectFault makes the next times requests matching method and path answer
// with status. Path is the route path, e.g. /sync/batch.
func (s *Server) InjectFault(method, path string, status, times int) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	key := strings.ToUpper(method) + " " + path
	if times <= 0 {
		delete(s.faults, key)
		return
	}
	s.faults[key] = &fault{status: status, remaining: times}
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.faultMu.Lock()
		f, ok := s.faults[key]
		status := 0
		if ok {
			status = f.status
			f.remaining--
			if f.remaining <= 0 {
				delete(s.faults, key)
			}
		}
		s.faultMu.Unlock()
		if ok {
			writeError(w, status, "injected_fault", "injected failure", middleware.GetReqID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", middleware.GetReqID(r.Context()))
			return
		}
		presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token", middleware.GetReqID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Authorization")
		if key == "" {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
		}
		if retryAfter, ok := s.limiter.allow(key, time.Now()); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", middleware.GetReqID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (r *rateLimiter) allow(key string, now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return 0, true
	}
	if entry.count >= r.max {
		return entry.resetAt.Sub(now), false
	}
	entry.count++
	r.entries[key] = entry
	return 0, true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", middleware.GetReqID(r.Context()))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", middleware.GetReqID(r.Context()))
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
