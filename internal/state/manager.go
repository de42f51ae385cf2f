package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vigil/internal/broker"
	"vigil/internal/circuit"
	"vigil/internal/logger"

	"github.com/tidwall/gjson"
)

const documentVersion = 1

// SessionSnapshot is the scheduler's slice of the persisted document.
// Running is true in every mid-session save and cleared by the final one, so
// a document with running=true and no stopped_reason identifies a crashed
// session on the next load.
type SessionSnapshot struct {
	StartedAt      time.Time `json:"started_at,omitzero"`
	Running        bool      `json:"running"`
	CyclesRun      int       `json:"cycles_run"`
	LastEventTime  int64     `json:"last_event_time"`
	StoppedReason  string    `json:"stopped_reason,omitempty"`
	KillEngaged    bool      `json:"kill_engaged,omitempty"`
	OrdersAccepted int       `json:"orders_accepted"`
	OrdersRejected int       `json:"orders_rejected"`
}

// Document is the full persisted state. One file, one JSON object, replaced
// atomically on every save.
type Document struct {
	Version        int              `json:"version"`
	CircuitBreaker circuit.Snapshot `json:"circuit_breaker"`
	Broker         broker.Snapshot  `json:"broker"`
	Session        SessionSnapshot  `json:"session"`
	LastSaved      time.Time        `json:"last_saved"`
}

// Manager persists the session document to a single file. Saves write a
// sibling temp file, fsync it, then rename over the target so a crash leaves
// either the old document or the new one, never a torn write.
type Manager struct {
	mu   sync.Mutex
	path string
	doc  Document
}

func NewManager(path string) *Manager {
	return &Manager{path: path, doc: Document{Version: documentVersion}}
}

// Load reads the persisted document. A missing file is a clean first start;
// a corrupt or future-versioned file is logged and treated as empty rather
// than aborting the session.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		logger.Infof("no persisted state at %s, starting fresh", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file %s: %w", m.path, err)
	}

	version := gjson.GetBytes(raw, "version")
	if !version.Exists() || version.Int() > documentVersion {
		logger.Warnf("state file %s has unusable version %q, discarding", m.path, version.Raw)
		return nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Warnf("state file %s is corrupt, discarding: %v", m.path, err)
		return nil
	}
	m.doc = doc
	logger.Infof("restored state from %s (saved %s, equity=%.2f, tripped=%v)",
		m.path, doc.LastSaved.Format(time.RFC3339), doc.Broker.Equity, doc.CircuitBreaker.Tripped)
	return nil
}

// Save writes the current document atomically. On failure the in-memory
// document is untouched and the next Save retries the same content; the
// caller logs and carries on.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.doc.Version = documentVersion
	m.doc.LastSaved = time.Now().UTC()

	raw, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (m *Manager) Document() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc
}

func (m *Manager) SetCircuit(snap circuit.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.CircuitBreaker = snap
}

func (m *Manager) CircuitSnapshot() circuit.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.CircuitBreaker
}

func (m *Manager) SetBroker(snap broker.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Broker = snap
}

func (m *Manager) BrokerSnapshot() broker.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Broker
}

func (m *Manager) SetSession(snap SessionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Session = snap
}

func (m *Manager) SessionSnapshot() SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Session
}
