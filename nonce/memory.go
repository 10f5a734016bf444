package nonce

import (
	"sync"
	"time"
)

// MemoryStore keeps nonce records in a map. It is the default store; a
// restart forgets consumed nonces, which is acceptable only when the
// authorization validity windows are short.
type MemoryStore struct {
	mu      sync.Mutex
	records map[key]*Record
}

type key struct {
	signer string
	nonce  string
}

// Verify that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[key]*Record)}
}

func (s *MemoryStore) TryInsert(signer, nonce string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{signer: signer, nonce: nonce}
	if existing, ok := s.records[k]; ok {
		if existing.InFlight || now.Before(existing.ExpiresAt) {
			return false, nil
		}
	}

	s.records[k] = &Record{
		Signer:    signer,
		Nonce:     nonce,
		ExpiresAt: expiresAt,
		InFlight:  true,
	}
	return true, nil
}

func (s *MemoryStore) ClearInFlight(signer, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[key{signer: signer, nonce: nonce}]; ok {
		record.InFlight = false
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, record := range s.records {
		if record.InFlight {
			continue
		}
		if !now.Before(record.ExpiresAt) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of live records. Intended for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
