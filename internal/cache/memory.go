package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps the record in process memory. It does not survive a
// restart and backs --no-cache mode and tests.
type MemoryStore struct {
	recordStore
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{recordStore: newRecordStore(&memoryBackend{}, opts)}
}

type memoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func (b *memoryBackend) load(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

func (b *memoryBackend) save(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	return nil
}

func (b *memoryBackend) remove(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}
