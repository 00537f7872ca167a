package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node dev
// runs. The clock is injectable so TTL expiry can be tested without
// sleeping.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	ttl     time.Duration
	clock   func() time.Time
}

type memoryRecord struct {
	rec      Record
	expireAt time.Time
}

// NewMemoryStore returns a MemoryStore with the given TTL. A zero ttl
// defaults to one hour.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// SetClock injects a clock for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

func (s *MemoryStore) SetOnline(_ context.Context, userID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.records[userID] = memoryRecord{
		rec:      Record{ConnID: connID, Timestamp: now},
		expireAt: now.Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) SetOffline(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mr, ok := s.records[userID]
	if !ok || s.clock().After(mr.expireAt) {
		return Record{}, false, nil
	}
	return mr.rec, true, nil
}
