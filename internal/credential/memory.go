package credential

import (
	"context"
	"sort"
	"sync"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

// MemoryStore is an in-process Store, used by tests and short-lived tools.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[principal.ID]*Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[principal.ID]*Credential)}
}

// Load returns a copy of the stored credential.
func (s *MemoryStore) Load(_ context.Context, id principal.ID) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}

	return c.Clone(), nil
}

// Save stores a copy of c.
func (s *MemoryStore) Save(_ context.Context, c *Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[c.Principal] = c.Clone()

	return nil
}

// Delete removes the credential. Deleting an absent one is not an error.
func (s *MemoryStore) Delete(_ context.Context, id principal.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, id)

	return nil
}

// List returns stored principals sorted by their string form.
func (s *MemoryStore) List(_ context.Context) ([]principal.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]principal.ID, 0, len(s.creds))
	for id := range s.creds {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })

	return out, nil
}

var _ Store = (*MemoryStore)(nil)
