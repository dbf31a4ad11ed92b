package archive

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// MemoryStore keeps records in process memory until their TTL passes. Expired
// entries are invisible immediately and swept from the map once a minute.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]entry
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

func NewMemoryStore() *MemoryStore {
	ms := &MemoryStore{
		entries: make(map[string]entry),
		stopCh:  make(chan struct{}),
	}

	go ms.sweepLoop()

	return ms
}

func (ms *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	e, ok := ms.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}

	return append([]byte(nil), e.value...), nil
}

func (ms *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.entries[key] = entry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.entries, key)
	return nil
}

func (ms *MemoryStore) Close() error {
	ms.stopOnce.Do(func() { close(ms.stopCh) })
	return nil
}

func (ms *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.sweep(time.Now())
		case <-ms.stopCh:
			return
		}
	}
}

func (ms *MemoryStore) sweep(now time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.entries {
		if e.expired(now) {
			delete(ms.entries, key)
		}
	}
}
