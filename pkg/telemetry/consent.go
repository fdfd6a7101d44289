package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// consentRecord is the on-disk shape of the user's telemetry choice.
type consentRecord struct {
	Granted   bool  `json:"granted"`
	GrantedAt int64 `json:"granted_at_ms,omitempty"`
	RevokedAt int64 `json:"revoked_at_ms,omitempty"`
}

// ConsentManager persists the telemetry opt-in decision with its
// timestamp. Reporting is off until Grant is called, and revocation
// keeps the revocation time as evidence.
type ConsentManager struct {
	path string

	mu  sync.Mutex
	rec consentRecord
}

func NewConsentManager(path string) (*ConsentManager, error) {
	m := &ConsentManager{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read consent file: %w", err)
	}
	if err := json.Unmarshal(data, &m.rec); err != nil {
		return nil, fmt.Errorf("parse consent file: %w", err)
	}
	return m, nil
}

func (m *ConsentManager) Granted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Granted
}

// GrantedAt returns when consent was given, or the zero time if it
// never was.
func (m *ConsentManager) GrantedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec.GrantedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.rec.GrantedAt)
}

func (m *ConsentManager) Grant() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Granted = true
	m.rec.GrantedAt = time.Now().UnixMilli()
	m.rec.RevokedAt = 0
	return m.save()
}

func (m *ConsentManager) Revoke() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Granted = false
	m.rec.RevokedAt = time.Now().UnixMilli()
	return m.save()
}

func (m *ConsentManager) save() error {
	data, err := json.MarshalIndent(m.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create consent dir: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("write consent file: %w", err)
	}
	return nil
}
