// Package state persists the violation ledger and runtime rule
// overrides across agent restarts.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/CyberMesh/defense-agent/internal/ledger"
)

const (
	defaultLockTimeout = 3 * time.Second
	snapshotVersion    = 2
)

// Store writes agent state to a single JSON snapshot with an atomic
// rename and an optional checksum. A sibling lock file guards against
// two agent processes sharing the same path.
type Store struct {
	mu              sync.Mutex
	persistPath     string
	lockPath        string
	checksumEnabled bool
	lockTimeout     time.Duration
}

// Options configure Store construction.
type Options struct {
	PersistPath    string
	EnableChecksum bool
	LockTimeout    time.Duration
}

// Snapshot is the persisted agent state.
type Snapshot struct {
	Version int `json:"version"`
	// Ledger holds the per-IP violation records keyed by IP.
	Ledger map[string]ledger.Record `json:"ledger"`
	// RuleOverrides records runtime enable/disable toggles applied on
	// top of the configured rule set, keyed by rule id.
	RuleOverrides map[string]bool `json:"rule_overrides,omitempty"`
	// WAFDisabled mirrors the kill switch so a restart resumes in the
	// same posture.
	WAFDisabled bool      `json:"waf_disabled"`
	CreatedAt   time.Time `json:"created_at"`
	Checksum    string    `json:"checksum,omitempty"`
}

// NewStore constructs a store. An empty path disables persistence; Load
// and Save become no-ops.
func NewStore(opts Options) *Store {
	path := strings.TrimSpace(opts.PersistPath)
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	lockPath := ""
	if path != "" {
		lockPath = path + ".lock"
	}
	return &Store{
		persistPath:     path,
		lockPath:        lockPath,
		checksumEnabled: opts.EnableChecksum,
		lockTimeout:     lockTimeout,
	}
}

// Load restores the previously persisted snapshot. A missing file is
// not an error; a corrupt one is.
func (s *Store) Load() (Snapshot, error) {
	var snap Snapshot
	if s.persistPath == "" {
		return snap, nil
	}
	data, err := os.ReadFile(s.persistPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return snap, fmt.Errorf("state store: read %s: %w", s.persistPath, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("state store: parse snapshot: %w", err)
	}
	if snap.Checksum != "" {
		computed, err := computeChecksum(snap)
		if err != nil {
			return Snapshot{}, fmt.Errorf("state store: checksum compute: %w", err)
		}
		if !strings.EqualFold(computed, snap.Checksum) {
			return Snapshot{}, fmt.Errorf("state store: checksum mismatch")
		}
	}
	return snap, nil
}

// Save writes the snapshot via temp file and rename, so a crash cannot
// leave a half-written state file behind.
func (s *Store) Save(snap Snapshot) error {
	if s.persistPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	snap.Version = snapshotVersion
	snap.CreatedAt = time.Now().UTC()
	snap.Checksum = ""
	if s.checksumEnabled {
		checksum, err := computeChecksum(snap)
		if err != nil {
			return fmt.Errorf("state store: checksum compute: %w", err)
		}
		snap.Checksum = checksum
	}
	bytes, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state store: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.persistPath), 0o755); err != nil {
		return fmt.Errorf("state store: ensure dir: %w", err)
	}
	tmp := s.persistPath + ".tmp"
	if err := os.WriteFile(tmp, bytes, 0o600); err != nil {
		return fmt.Errorf("state store: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.persistPath); err != nil {
		return fmt.Errorf("state store: rename snapshot: %w", err)
	}
	return nil
}

func computeChecksum(s Snapshot) (string, error) {
	clone := s
	clone.Checksum = ""
	bytes, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(bytes)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Store) acquireLock() (func(), error) {
	if s.lockPath == "" {
		return func() {}, nil
	}
	deadline := time.Now().Add(s.lockTimeout)
	for {
		file, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return func() {
				_ = file.Close()
				_ = os.Remove(s.lockPath)
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("state store: lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("state store: lock timeout after %s", s.lockTimeout)
		}
		time.Sleep(25 * time.Millisecond)
	}
}
