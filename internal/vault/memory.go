package vault

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Each entry schedules its own
// eviction timer; there is no global sweep.
type MemoryStore struct {
	entries sync.Map // token -> *Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	stored := &e
	m.entries.Store(e.Token, stored)
	time.AfterFunc(e.ExpiresAt.Sub(m.now()), func() {
		m.entries.CompareAndDelete(e.Token, stored)
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (Entry, bool, error) {
	v, ok := m.entries.Load(token)
	if !ok {
		return Entry{}, false, nil
	}
	return *v.(*Entry), true, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.entries.Delete(token)
	return nil
}

func (m *MemoryStore) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
