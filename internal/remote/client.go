// Package remote is the HTTP client of the backend of record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldcrew/fieldsync/internal/entity"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8080"
	DefaultRequestTimeout = 30 * time.Second
)

// ListQuery filters a collection fetch. Zero fields are omitted.
type ListQuery struct {
	EmployeeID string
	Year       int
	Month      time.Month
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if id := strings.TrimSpace(q.EmployeeID); id != "" {
		v.Set("employeeId", id)
	}
	if q.Month != 0 {
		v.Set("month", strconv.Itoa(int(q.Month)))
	}
	if q.Year != 0 {
		v.Set("year", strconv.Itoa(q.Year))
	}
	return v
}

// API is what the sync engine needs from the backend.
type API interface {
	Ping(ctx context.Context) error
	List(ctx context.Context, kind entity.Type, q ListQuery) ([]entity.Row, error)
	Create(ctx context.Context, kind entity.Type, payload json.RawMessage) error
	Update(ctx context.Context, kind entity.Type, id string, payload json.RawMessage) error
	Delete(ctx context.Context, kind entity.Type, id string) error
	BatchUpsert(ctx context.Context, batch BatchRequest) error
}

type Options struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Logger         *slog.Logger
}

type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	requestTimeout time.Duration
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	logger         *slog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        baseURL,
		token:          strings.TrimSpace(opts.Token),
		httpClient:     opts.HTTPClient,
		requestTimeout: opts.RequestTimeout,
		maxRetries:     opts.MaxRetries,
		baseDelay:      opts.BaseDelay,
		maxDelay:       opts.MaxDelay,
		logger:         opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping is the connectivity probe. It never retries.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return nil
}

// List fetches one collection. Rows the backend returns that fail validation
// are logged and skipped.
func (c *Client) List(ctx context.Context, kind entity.Type, q ListQuery) ([]entity.Row, error) {
	base, err := ResourcePath(kind)
	if err != nil {
		return nil, err
	}
	requestPath := base
	if encoded := q.values().Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var raw []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &raw, c.maxRetries); err != nil {
		return nil, err
	}
	rows := make([]entity.Row, 0, len(raw))
	for _, item := range raw {
		row, err := entity.DecodeRow(kind, item)
		if err != nil {
			c.logger.Warn("skipping invalid remote row", "entity_type", kind, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Client) Create(ctx context.Context, kind entity.Type, payload json.RawMessage) error {
	base, err := ResourcePath(kind)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, base, payload, nil, c.maxRetries)
}

func (c *Client) Update(ctx context.Context, kind entity.Type, id string, payload json.RawMessage) error {
	itemPath, err := resourceItemPath(kind, id)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPut, itemPath, payload, nil, c.maxRetries)
}

func (c *Client) Delete(ctx context.Context, kind entity.Type, id string) error {
	itemPath, err := resourceItemPath(kind, id)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, itemPath, nil, nil, c.maxRetries)
}

func (c *Client) BatchUpsert(ctx context.Context, batch BatchRequest) error {
	if batch.Len() == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, BatchPath, body, nil, c.maxRetries)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body []byte, out any, retries int) error {
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, method, requestPath, body, out)
		if err == nil {
			return nil
		}
		retryAfter, retryable := retryHint(err)
		if !retryable || attempt >= retries || ctx.Err() != nil {
			if status, ok := err.(*retryableStatus); ok {
				return status.HTTPError
			}
			return err
		}
		c.logger.Debug("retrying remote request",
			"method", method,
			"path", requestPath,
			"attempt", attempt+1,
			"error", err,
		)
		if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, retryAfter)); waitErr != nil {
			return waitErr
		}
	}
}

type retryableStatus struct {
	*HTTPError
	retryAfter string
}

func (e *retryableStatus) Unwrap() error {
	return e.HTTPError
}

func (c *Client) attempt(ctx context.Context, method, requestPath string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, pathOnly(requestPath), err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	httpErr := &HTTPError{
		Method:     method,
		Path:       pathOnly(requestPath),
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &retryableStatus{HTTPError: httpErr, retryAfter: resp.Header.Get("Retry-After")}
	}
	return httpErr
}

// retryHint reports whether err came from the transport or from a 429/5xx
// status, and the Retry-After header that came with it.
func retryHint(err error) (string, bool) {
	if status, ok := err.(*retryableStatus); ok {
		return status.retryAfter, true
	}
	if _, ok := err.(*HTTPError); ok {
		return "", false
	}
	if _, ok := err.(*url.Error); ok {
		return "", true
	}
	return "", false
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "fieldsync_" + uuid.NewString()
}

func pathOnly(requestPath string) string {
	if i := strings.IndexByte(requestPath, '?'); i >= 0 {
		return requestPath[:i]
	}
	return requestPath
}
