package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cirkelline/localagent/pkg/store"
)

func TestHTTPClient_PushMemories(t *testing.T) {
	var gotAuth, gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/memories/push" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-ID")

		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode push request: %v", err)
		}
		resp := PushResponse{AcceptedIDs: []string{req.Entries[0].ID}, IDMappings: map[string]string{"local-1": "cloud-1"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key-123", "dev-9")
	resp, err := c.PushMemories(context.Background(),
		[]store.SyncLogEntry{{ID: "e1", Entity: store.EntityMemory, EntityID: "local-1", Op: store.OpCreate}},
		[]store.Memory{{ID: "local-1", Content: "hello"}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if gotAuth != "Bearer key-123" || gotDevice != "dev-9" {
		t.Fatalf("missing headers: auth=%q device=%q", gotAuth, gotDevice)
	}
	if len(resp.AcceptedIDs) != 1 || resp.IDMappings["local-1"] != "cloud-1" {
		t.Fatalf("unexpected response: %#v", resp)
	}
	up, down := c.Transferred()
	if up == 0 || down == 0 {
		t.Fatalf("byte counters not updated: up=%d down=%d", up, down)
	}
}

func TestHTTPClient_PullMemoriesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		if r.URL.Query().Get("limit") != "100" {
			t.Errorf("limit not forwarded: %s", r.URL.RawQuery)
		}
		page := PullPage{NextCursor: "p2", Memories: []store.Memory{{CloudID: "c1"}}}
		if cursor == "p2" {
			page = PullPage{Memories: []store.Memory{{CloudID: "c2"}}}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "dev-1")
	page, err := c.PullMemories(context.Background(), "", MaxMemoriesPerBatch)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if page.NextCursor != "p2" {
		t.Fatalf("cursor lost: %#v", page)
	}
	page, err = c.PullMemories(context.Background(), page.NextCursor, MaxMemoriesPerBatch)
	if err != nil {
		t.Fatalf("pull page 2: %v", err)
	}
	if len(page.Memories) != 1 || page.Memories[0].CloudID != "c2" {
		t.Fatalf("unexpected second page: %#v", page)
	}
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		status     int
		header     http.Header
		wantCode   ErrorCode
		retryable  bool
		retryAfter time.Duration
	}{
		{status: http.StatusUnauthorized, wantCode: CodeAuthInvalid, retryable: false},
		{status: http.StatusForbidden, wantCode: CodeDeviceRevoked, retryable: false},
		{status: http.StatusConflict, wantCode: CodeSyncConflict, retryable: false},
		{status: http.StatusBadRequest, wantCode: CodeBadRequest, retryable: false},
		{status: http.StatusInternalServerError, wantCode: CodeServer, retryable: true},
		{
			status:     http.StatusTooManyRequests,
			header:     http.Header{"Retry-After": []string{"7"}},
			wantCode:   CodeRateLimited,
			retryable:  true,
			retryAfter: 7 * time.Second,
		},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, vs := range tc.header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		c := NewHTTPClient(srv.URL, "k", "dev-1")
		_, err := c.ListModels(context.Background())
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: expected APIError, got %v", tc.status, err)
		}
		if apiErr.Code != tc.wantCode {
			t.Fatalf("status %d: code %s, want %s", tc.status, apiErr.Code, tc.wantCode)
		}
		if apiErr.Retryable() != tc.retryable {
			t.Fatalf("status %d: retryable %v, want %v", tc.status, apiErr.Retryable(), tc.retryable)
		}
		if tc.retryAfter > 0 && apiErr.RetryAfter != tc.retryAfter {
			t.Fatalf("status %d: retry_after %v, want %v", tc.status, apiErr.RetryAfter, tc.retryAfter)
		}
		if apiErr.Message != "nope" {
			t.Fatalf("status %d: server message lost, got %q", tc.status, apiErr.Message)
		}
	}
}

// Registration is the call that produces credentials: it must work
// without an API key, and the issued key must authorize every call
// that follows.
func TestHTTPClient_RegisterDeviceIssuesCredentials(t *testing.T) {
	var registerAuth, pullAuth, pullDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/devices/register":
			registerAuth = r.Header.Get("Authorization")
			var req map[string]string
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["name"] == "" || req["platform"] == "" {
				t.Errorf("registration payload incomplete: %v", req)
			}
			_ = json.NewEncoder(w).Encode(Device{
				ID:                  "dev-42",
				Name:                req["name"],
				APIKey:              "key-issued",
				SyncIntervalSeconds: 900,
				Features:            map[string]bool{"knowledge_preload": true},
			})
		case "/sync/memories/pull":
			pullAuth = r.Header.Get("Authorization")
			pullDevice = r.Header.Get("X-Device-ID")
			_ = json.NewEncoder(w).Encode(PullPage{})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "")
	device, err := c.RegisterDevice(context.Background(), "laptop")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if registerAuth != "" {
		t.Fatalf("registration must not require a key, sent %q", registerAuth)
	}
	if device.ID != "dev-42" || device.APIKey != "key-issued" || device.SyncIntervalSeconds != 900 {
		t.Fatalf("unexpected device: %#v", device)
	}
	if !device.Features["knowledge_preload"] {
		t.Fatalf("feature flags lost: %#v", device.Features)
	}

	if _, err := c.PullMemories(context.Background(), "", MaxMemoriesPerBatch); err != nil {
		t.Fatalf("pull after registration: %v", err)
	}
	if pullAuth != "Bearer key-issued" || pullDevice != "dev-42" {
		t.Fatalf("issued credentials not adopted: auth=%q device=%q", pullAuth, pullDevice)
	}
}

// The server's wire code wins over the status fallback when the body
// names one.
func TestHTTPClient_WireCodePreserved(t *testing.T) {
	cases := []struct {
		status   int
		body     string
		wantCode ErrorCode
	}{
		{http.StatusUnauthorized, `{"error":"token expired","code":"AUTH_EXPIRED"}`, CodeAuthExpired},
		{http.StatusUnauthorized, `{"error":"device revoked","code":"DEVICE_REVOKED"}`, CodeDeviceRevoked},
		{http.StatusConflict, `{"error":"concurrent update","code":"SYNC_CONFLICT"}`, CodeSyncConflict},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))

		c := NewHTTPClient(srv.URL, "k", "dev-1")
		_, err := c.ListModels(context.Background())
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("%s: expected APIError, got %v", tc.wantCode, err)
		}
		if apiErr.Code != tc.wantCode {
			t.Fatalf("wire code lost: got %s, want %s", apiErr.Code, tc.wantCode)
		}
		if apiErr.Retryable() {
			t.Fatalf("%s must be permanent", tc.wantCode)
		}
	}
}

func TestHTTPClient_ConcurrentRequestsCountBytes(t *testing.T) {
	body := []byte("ok!!")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "dev-1")
	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := c.Health(context.Background()); err != nil {
				t.Errorf("health: %v", err)
			}
		}()
	}
	wg.Wait()

	_, down := c.Transferred()
	if want := int64(workers * len(body)); down != want {
		t.Fatalf("concurrent responses miscounted: got %d, want %d", down, want)
	}
}

func TestHTTPClient_UnregisteredDeviceFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unregistered client must not reach the network")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "")
	_, err := c.PullMemories(context.Background(), "", MaxMemoriesPerBatch)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeAuthInvalid {
		t.Fatalf("expected auth precondition error, got %v", err)
	}
	if apiErr.Retryable() {
		t.Fatal("a missing registration is not retryable")
	}

	// No API key is equally fatal.
	c = NewHTTPClient(srv.URL, "", "dev-1")
	if _, err := c.ListModels(context.Background()); !errors.As(err, &apiErr) || apiErr.Code != CodeAuthInvalid {
		t.Fatalf("expected auth precondition error, got %v", err)
	}
}

func TestHTTPClient_TransportErrorIsRetryable(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "k", "dev-1")
	_, err := c.ListModels(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !apiErr.Retryable() {
		t.Fatal("transport errors must be retryable")
	}
}
