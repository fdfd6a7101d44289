package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cirkelline/localagent/pkg/store"
)

// CloudClient is the wire surface the engine depends on.
type CloudClient interface {
	RegisterDevice(ctx context.Context, name string) (Device, error)
	PushMemories(ctx context.Context, entries []store.SyncLogEntry, records []store.Memory) (PushResponse, error)
	PushSessions(ctx context.Context, entries []store.SyncLogEntry, records []store.Session) (PushResponse, error)
	PullMemories(ctx context.Context, cursor string, limit int) (PullPage, error)
	PullSessions(ctx context.Context, cursor string, limit int) (PullPage, error)
	PullKnowledge(ctx context.Context, sourceID, cursor string, limit int) (PullPage, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// clientVersion is reported to the server on every request so it can
// gate incompatible protocol revisions.
const clientVersion = "0.1.0"

// HTTPClient talks to the cloud sync API. It is safe for concurrent
// use; registration swaps the credentials under the lock and the byte
// counters are atomic.
type HTTPClient struct {
	apiBase    string
	httpClient *http.Client

	mu       sync.RWMutex
	apiKey   string
	deviceID string

	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

func NewHTTPClient(apiBase, apiKey, deviceID string) *HTTPClient {
	return &HTTPClient{
		apiKey:     apiKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Transferred returns cumulative request/response body bytes.
func (c *HTTPClient) Transferred() (up, down int64) {
	return c.bytesUp.Load(), c.bytesDown.Load()
}

func (c *HTTPClient) credentials() (apiKey, deviceID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey, c.deviceID
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if c.apiBase == "" {
		return &APIError{Code: CodeBadRequest, Message: "cloud API base not configured"}
	}

	var body io.Reader
	var reqLen int64
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
		reqLen = int64(len(jsonData))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	apiKey, deviceID := c.credentials()
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("X-Client-Version", clientVersion)
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Code: CodeTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Code: CodeTransport, Message: fmt.Sprintf("read response: %v", err)}
	}
	c.bytesUp.Add(reqLen)
	c.bytesDown.Add(int64(len(respBody)))

	if resp.StatusCode != http.StatusOK {
		return apiErrorFor(resp, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func apiErrorFor(resp *http.Response, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	var wire struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		msg = wire.Error
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: msg}
	switch ErrorCode(wire.Code) {
	case CodeAuthExpired, CodeAuthInvalid, CodeDeviceRevoked, CodeSyncConflict, CodeBadRequest, CodeServer:
		apiErr.Code = ErrorCode(wire.Code)
		return apiErr
	case CodeRateLimited:
		apiErr.Code = CodeRateLimited
		apiErr.RetryAfter = retryAfterFrom(resp)
		return apiErr
	}

	// No recognized wire code in the body; classify by status.
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.Code = CodeAuthInvalid
	case resp.StatusCode == http.StatusForbidden:
		apiErr.Code = CodeDeviceRevoked
	case resp.StatusCode == http.StatusConflict:
		apiErr.Code = CodeSyncConflict
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Code = CodeRateLimited
		apiErr.RetryAfter = retryAfterFrom(resp)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		apiErr.Code = CodeBadRequest
	default:
		apiErr.Code = CodeServer
	}
	return apiErr
}

func retryAfterFrom(resp *http.Response) time.Duration {
	retryAfter := 30 * time.Second
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return retryAfter
}

// RegisterDevice trades a device name for credentials. It is the one
// call allowed before an API key exists; the issued key and device ID
// are adopted for every call that follows.
func (c *HTTPClient) RegisterDevice(ctx context.Context, name string) (Device, error) {
	var device Device
	err := c.do(ctx, http.MethodPost, "/devices/register", map[string]string{
		"name":     name,
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
	}, &device)
	if err != nil {
		return Device{}, err
	}
	c.mu.Lock()
	c.deviceID = device.ID
	if device.APIKey != "" {
		c.apiKey = device.APIKey
	}
	c.mu.Unlock()
	return device, nil
}

// requireRegistration enforces the first-run contract: sync traffic
// without an API key and registered device identity fails immediately
// and is never retried.
func (c *HTTPClient) requireRegistration() error {
	apiKey, deviceID := c.credentials()
	if apiKey == "" {
		return &APIError{Code: CodeAuthInvalid, Message: "API key not configured; register this device first"}
	}
	if deviceID == "" {
		return &APIError{Code: CodeAuthInvalid, Message: "device not registered; register this device first"}
	}
	return nil
}

type pushRequest struct {
	Entries []store.SyncLogEntry `json:"entries"`
	Records json.RawMessage      `json:"records"`
}

func (c *HTTPClient) pushBatch(ctx context.Context, path string, entries []store.SyncLogEntry, records interface{}) (PushResponse, error) {
	if err := c.requireRegistration(); err != nil {
		return PushResponse{}, err
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return PushResponse{}, fmt.Errorf("marshal records: %w", err)
	}
	var out PushResponse
	if err := c.do(ctx, http.MethodPost, path, pushRequest{Entries: entries, Records: raw}, &out); err != nil {
		return PushResponse{}, err
	}
	return out, nil
}

func (c *HTTPClient) PushMemories(ctx context.Context, entries []store.SyncLogEntry, records []store.Memory) (PushResponse, error) {
	return c.pushBatch(ctx, "/sync/memories/push", entries, records)
}

func (c *HTTPClient) PushSessions(ctx context.Context, entries []store.SyncLogEntry, records []store.Session) (PushResponse, error) {
	return c.pushBatch(ctx, "/sync/sessions/push", entries, records)
}

func (c *HTTPClient) pull(ctx context.Context, path, cursor string, limit int) (PullPage, error) {
	if err := c.requireRegistration(); err != nil {
		return PullPage{}, err
	}
	url := fmt.Sprintf("%s?limit=%d", path, limit)
	if cursor != "" {
		url += "&cursor=" + cursor
	}
	var page PullPage
	if err := c.do(ctx, http.MethodGet, url, nil, &page); err != nil {
		return PullPage{}, err
	}
	return page, nil
}

func (c *HTTPClient) PullMemories(ctx context.Context, cursor string, limit int) (PullPage, error) {
	return c.pull(ctx, "/sync/memories/pull", cursor, limit)
}

func (c *HTTPClient) PullSessions(ctx context.Context, cursor string, limit int) (PullPage, error) {
	return c.pull(ctx, "/sync/sessions/pull", cursor, limit)
}

func (c *HTTPClient) PullKnowledge(ctx context.Context, sourceID, cursor string, limit int) (PullPage, error) {
	if err := c.requireRegistration(); err != nil {
		return PullPage{}, err
	}
	path := fmt.Sprintf("/sync/knowledge/pull?source_id=%s&limit=%d", sourceID, limit)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var page PullPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return PullPage{}, err
	}
	return page, nil
}

func (c *HTTPClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if err := c.requireRegistration(); err != nil {
		return nil, err
	}
	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/models/available", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// ModelDownloadPath returns the catalog download endpoint for a model.
// Callers stream it themselves so the governor's download throttle can
// meter the transfer.
func (c *HTTPClient) ModelDownloadPath(name string) string {
	return c.apiBase + "/models/" + name + "/download"
}

// Health checks cloud reachability. Any non-2xx response or transport
// failure is returned as an APIError.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
