package syncer

import (
	"fmt"
	"time"

	"github.com/cirkelline/localagent/pkg/store"
)

// Batch ceilings per push/pull request. The server enforces the same
// limits; staying under them keeps every request accept-or-reject as
// a unit.
const (
	MaxMemoriesPerBatch   = 100
	MaxSessionsPerBatch   = 50
	MaxEmbeddingsPerBatch = 1000
)

// SyncStatus is the externally visible state of the engine.
type SyncStatus struct {
	IsSyncing        bool       `json:"is_syncing"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	PendingUploads   int        `json:"pending_uploads"`
	PendingDownloads int        `json:"pending_downloads"`
	Conflicts        int        `json:"conflicts"`
	BytesUploaded    int64      `json:"bytes_uploaded"`
	BytesDownloaded  int64      `json:"bytes_downloaded"`
	LastError        string     `json:"last_error,omitempty"`
}

// ConflictResolution selects how a recorded conflict is settled.
type ConflictResolution string

const (
	KeepLocal  ConflictResolution = "keep_local"
	KeepRemote ConflictResolution = "keep_remote"
	Merge      ConflictResolution = "merge"
	Manual     ConflictResolution = "manual"
)

// ErrorCode classifies cloud API failures for retry decisions. The
// codes mirror the server's wire taxonomy; a response whose body names
// one of them keeps it verbatim.
type ErrorCode string

const (
	CodeAuthExpired   ErrorCode = "AUTH_EXPIRED"
	CodeAuthInvalid   ErrorCode = "AUTH_INVALID"
	CodeDeviceRevoked ErrorCode = "DEVICE_REVOKED"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
	CodeSyncConflict  ErrorCode = "SYNC_CONFLICT"
	CodeServer        ErrorCode = "SERVER_ERROR"
	CodeBadRequest    ErrorCode = "BAD_REQUEST"
	CodeTransport     ErrorCode = "TRANSPORT"
)

// APIError is a failed cloud call. Auth, revocation, conflict, and
// bad-request errors are permanent; rate limits carry the server's
// requested delay.
type APIError struct {
	Code       ErrorCode
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("cloud api %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("cloud api %s: %s", e.Code, e.Message)
}

func (e *APIError) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeServer, CodeTransport:
		return true
	default:
		return false
	}
}

// Device is the identity and credentials the cloud issues at
// registration. The API key arrives here; registration is the only
// call that runs without one.
type Device struct {
	ID                  string          `json:"device_id"`
	Name                string          `json:"name"`
	Platform            string          `json:"platform"`
	APIKey              string          `json:"api_key"`
	SyncIntervalSeconds int             `json:"sync_interval_seconds"`
	Features            map[string]bool `json:"features"`
	Registered          int64           `json:"registered_at_ms"`
}

// ModelInfo describes a downloadable local model from the catalog.
type ModelInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	SizeMB    int64  `json:"size_mb"`
	Version   string `json:"version"`
	SHA256    string `json:"sha256"`
	Downloads string `json:"download_url"`
}

// PushResponse reports what the server accepted from one batch.
type PushResponse struct {
	// AcceptedIDs are the ledger entry IDs the server durably applied.
	AcceptedIDs []string `json:"accepted_ids"`
	// IDMappings maps local record IDs to server-assigned cloud IDs
	// for first-time creates.
	IDMappings map[string]string `json:"id_mappings"`
}

// PullPage is one page of remote changes since a cursor. NextCursor
// doubles as the resume token: the engine persists it after applying
// the page, so later cycles start where the last one left off.
type PullPage struct {
	Memories   []store.Memory         `json:"memories,omitempty"`
	Sessions   []store.Session        `json:"sessions,omitempty"`
	Chunks     []store.KnowledgeChunk `json:"chunks,omitempty"`
	NextCursor string                 `json:"next_cursor,omitempty"`
	Remaining  int                    `json:"remaining"`
}
