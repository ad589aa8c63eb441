package emv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
)

// Fingerprint identifies the provisioning state of one physical reader: its
// serial number together with the AID and public key sets it was given.
func Fingerprint(serial string, terminal TerminalConfig) string {
	aids := terminal.AIDs()
	keys := terminal.KeyIDs()
	sort.Strings(aids)
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(serial))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(aids, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(keys, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintStore caches the fingerprints of readers that completed the full
// configuration sequence. Entries are only ever added; Clear is the explicit
// reset.
type FingerprintStore interface {
	Contains(ctx context.Context, fingerprint string) (bool, error)
	Add(ctx context.Context, serial, fingerprint string) error
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local FingerprintStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Contains(_ context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[fingerprint]
	return ok, nil
}

func (s *MemoryStore) Add(_ context.Context, serial, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = serial
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]string)
	return nil
}

// Len returns the number of cached fingerprints.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
