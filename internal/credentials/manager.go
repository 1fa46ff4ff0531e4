// Package credentials owns the shared API credential pool. All backends ask
// it for the active credential and report quota errors back to it; rotation
// and exhaustion bookkeeping happen under one lock so concurrent tasks never
// race past each other.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	forgeerrors "forge/internal/shared/errors"
	"forge/internal/shared/logging"
)

// Exhaustion records why and when a credential stopped being usable.
type Exhaustion struct {
	ExhaustedAt time.Time `json:"exhausted_at"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
}

type poolState struct {
	Keys         []string               `json:"keys"`
	CurrentIndex int                    `json:"current_index"`
	Exhausted    map[string]*Exhaustion `json:"exhausted"`
}

// Manager rotates through a pool of credentials, skipping exhausted ones.
// Pool state persists to disk on every mutation so restarts keep the
// exhaustion history.
type Manager struct {
	mu     sync.Mutex
	path   string
	state  poolState
	logger logging.Logger
}

// NewManager loads pool state from path (if present) and merges in any keys
// not already known. An empty path disables persistence.
func NewManager(path string, keys []string) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logging.NewComponentLogger("CredentialManager"),
		state: poolState{
			Exhausted: make(map[string]*Exhaustion),
		},
	}
	if path != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if key == "" || m.indexOfLocked(key) >= 0 {
			continue
		}
		m.state.Keys = append(m.state.Keys, key)
	}
	if m.state.CurrentIndex >= len(m.state.Keys) {
		m.state.CurrentIndex = 0
	}
	m.persistLocked()
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credential pool: %w", err)
	}
	var state poolState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse credential pool: %w", err)
	}
	if state.Exhausted == nil {
		state.Exhausted = make(map[string]*Exhaustion)
	}
	m.state = state
	return nil
}

// persistLocked writes pool state to disk. Callers hold m.mu.
func (m *Manager) persistLocked() {
	if m.path == "" {
		return
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		m.logger.Error("marshal credential pool: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		m.logger.Error("create credential pool dir: %v", err)
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Error("write credential pool: %v", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.logger.Error("replace credential pool: %v", err)
	}
}

func (m *Manager) indexOfLocked(key string) int {
	for i, k := range m.state.Keys {
		if k == key {
			return i
		}
	}
	return -1
}

// GetCurrent returns the active credential, rotating past exhausted entries
// first. Returns "" when the pool is empty or fully exhausted.
func (m *Manager) GetCurrent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.state.Keys) == 0 {
		return ""
	}
	current := m.state.Keys[m.state.CurrentIndex]
	if _, exhausted := m.state.Exhausted[current]; !exhausted {
		return current
	}
	if m.rotateLocked() {
		m.persistLocked()
		return m.state.Keys[m.state.CurrentIndex]
	}
	return ""
}

// HasAvailable reports whether any non-exhausted credential remains.
func (m *Manager) HasAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.state.Keys {
		if _, exhausted := m.state.Exhausted[key]; !exhausted {
			return true
		}
	}
	return false
}

// Count returns pool size and how many credentials are exhausted.
func (m *Manager) Count() (total, exhausted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.Keys), len(m.state.Exhausted)
}

// Add appends a credential to the pool.
func (m *Manager) Add(key string) {
	if key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexOfLocked(key) >= 0 {
		return
	}
	m.state.Keys = append(m.state.Keys, key)
	m.persistLocked()
}

// Remove drops a credential from the pool and its exhaustion record.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOfLocked(key)
	if idx < 0 {
		return
	}
	m.state.Keys = append(m.state.Keys[:idx], m.state.Keys[idx+1:]...)
	delete(m.state.Exhausted, key)
	if m.state.CurrentIndex >= len(m.state.Keys) {
		m.state.CurrentIndex = 0
	}
	m.persistLocked()
}

// MarkExhausted records the credential as depleted and rotates to the next
// usable one. Returns true when rotation found a replacement.
func (m *Manager) MarkExhausted(key, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.state.Exhausted[key]
	if record == nil {
		record = &Exhaustion{}
		m.state.Exhausted[key] = record
	}
	record.ExhaustedAt = time.Now().UTC()
	record.Reason = reason
	record.Attempts++

	rotated := m.rotateLocked()
	m.persistLocked()
	if rotated {
		m.logger.Info("credential exhausted (%s), rotated to index %d", reason, m.state.CurrentIndex)
	} else {
		m.logger.Warn("credential exhausted (%s), no usable credential left", reason)
	}
	return rotated
}

// rotateLocked scans forward circularly from the current index and stops at
// the first non-exhausted credential. Returns false when the scan wraps
// without finding one.
func (m *Manager) rotateLocked() bool {
	n := len(m.state.Keys)
	if n == 0 {
		return false
	}
	for step := 1; step <= n; step++ {
		candidate := (m.state.CurrentIndex + step) % n
		if _, exhausted := m.state.Exhausted[m.state.Keys[candidate]]; !exhausted {
			m.state.CurrentIndex = candidate
			return true
		}
	}
	return false
}

// HandleError classifies a backend error message for the given credential.
// Quota exhaustion marks the credential and rotates, returning rotated=true
// on success and a no_keys_available error when the pool is spent. Transient
// rate limits return (false, nil): the caller should back off, not rotate.
// Unauthorized errors are non-rotatable and come back classified.
func (m *Manager) HandleError(message, key string) (bool, error) {
	switch forgeerrors.Classify(message) {
	case forgeerrors.CodeQuotaExceeded:
		if m.MarkExhausted(key, message) {
			return true, nil
		}
		return false, forgeerrors.New(forgeerrors.CodeNoKeysAvailable, "all credentials exhausted")
	case forgeerrors.CodeRateLimit:
		return false, nil
	case forgeerrors.CodeUnauthorized:
		return false, forgeerrors.New(forgeerrors.CodeUnauthorized, message)
	default:
		return false, nil
	}
}

// ResetExhausted clears the exhaustion map without touching the pool,
// for operator use after quotas reset.
func (m *Manager) ResetExhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Exhausted = make(map[string]*Exhaustion)
	m.persistLocked()
	m.logger.Info("exhaustion history cleared")
}
