package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// Compile-time check to ensure MemoryStore implements TokenStore
var _ TokenStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore, optionally seeded with credentials.
// A partial seed is rejected.
func NewMemoryStore(seed Credentials) (*MemoryStore, error) {
	m := &MemoryStore{}
	if seed.Empty() {
		return m, nil
	}
	if err := seed.validate(); err != nil {
		return nil, err
	}
	m.creds = seed
	return m, nil
}

func (m *MemoryStore) Read(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds.Empty() {
		return Credentials{}, ErrNoCredentials
	}
	return m.creds, nil
}

func (m *MemoryStore) Write(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := creds.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.creds = Credentials{}
	m.mu.Unlock()
	return nil
}
