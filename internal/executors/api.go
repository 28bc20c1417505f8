// Package executors runs confirmed actions against the loan backend: API
// calls over HTTP and SQL queries against the business database.
package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/loanagent/internal/catalog"
	"github.com/haasonsaas/loanagent/pkg/models"
)

const (
	defaultAPITimeout       = 30 * time.Second
	defaultMaxResponseBytes = int64(4 << 20)
)

var (
	// ErrUnknownAPI is returned for an action whose id is not in the API catalog.
	ErrUnknownAPI = errors.New("unknown api")
	// ErrInvalidResponse is returned when the backend answers with a body
	// that is not JSON.
	ErrInvalidResponse = errors.New("invalid JSON response from server")
)

// HTTPError is a non-2xx answer from the API backend.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Unknown error"
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, msg)
}

// UnauthorizedError is a 401 from the API backend.
type UnauthorizedError struct {
	APIID string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("Unauthorized: you don't have access to %s", e.APIID)
}

// Snapshotter exposes the current catalog. *catalog.Registry implements it.
type Snapshotter interface {
	Snapshot() *catalog.Catalog
}

// APIConfig configures the API executor.
type APIConfig struct {
	BaseURL          string
	Headers          map[string]string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client

	// Catalog rejects ids it does not list. Nil accepts any id.
	Catalog Snapshotter
	Logger  *slog.Logger
}

// APIExecutor posts action params to <base_url>/<api id>.
type APIExecutor struct {
	baseURL  string
	headers  map[string]string
	client   *http.Client
	maxBytes int64
	catalog  Snapshotter
	logger   *slog.Logger
}

// NewAPIExecutor validates cfg and builds an executor.
func NewAPIExecutor(cfg APIConfig) (*APIExecutor, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("executors: api base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("executors: invalid api base_url %q", baseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("executors: api base_url scheme must be http or https")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &APIExecutor{
		baseURL:  baseURL,
		headers:  headers,
		client:   client,
		maxBytes: maxBytes,
		catalog:  cfg.Catalog,
		logger:   logger.With("component", "api-executor"),
	}, nil
}

// Execute calls the API named by action.ID with action.Params as the JSON body.
// The decoded JSON response is returned.
func (e *APIExecutor) Execute(ctx context.Context, action models.ActionSpec) (any, error) {
	id := strings.TrimSpace(action.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownAPI)
	}
	if e.catalog != nil {
		if _, ok := e.catalog.Snapshot().API(id); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAPI, id)
		}
	}

	params := action.Params
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	result, err := e.post(ctx, id, body)
	if err != nil {
		e.logger.ErrorContext(ctx, "api call failed", "api", id, "params", string(body), "error", err)
		return nil, err
	}
	e.logger.InfoContext(ctx, "api call succeeded", "api", id, "params", string(body))
	return result, nil
}

func (e *APIExecutor) post(ctx context.Context, id string, body []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/"+url.PathEscape(id), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &UnauthorizedError{APIID: id}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, fmt.Errorf("response too large")
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, ErrInvalidResponse
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Message: messageOf(decoded)}
	}
	return decoded, nil
}

func messageOf(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	if msg, ok := obj["message"].(string); ok {
		return msg
	}
	return ""
}
