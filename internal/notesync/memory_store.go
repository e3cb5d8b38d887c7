package notesync

import (
	"context"
	"sync"
)

// MemoryStore is an owner-keyed in-memory Store used by tests and the
// memory:// backend profile. It also satisfies the keep-alive assertion
// so liveness plumbing is exercisable without a network.
type MemoryStore struct {
	mu      sync.Mutex
	byOwner map[string]map[string]Note
	touches map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOwner: map[string]map[string]Note{},
		touches: map[string]int{},
	}
}

func (s *MemoryStore) ReadAll(ctx context.Context, ownerKey string) ([]Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.byOwner[ownerKey]
	out := make([]Note, 0, len(owned))
	for _, n := range owned {
		out = append(out, n)
	}
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, ownerKey string, note Note) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if note.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owned, ok := s.byOwner[ownerKey]
	if !ok {
		owned = map[string]Note{}
		s.byOwner[ownerKey] = owned
	}
	owned[note.ID] = note
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, ownerKey, noteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.byOwner[ownerKey]
	if _, ok := owned[noteID]; !ok {
		return ErrNotFound
	}
	delete(owned, noteID)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, ownerKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches[ownerKey]++
	return nil
}

// Touches reports how many keep-alive calls an owner has received.
func (s *MemoryStore) Touches(ownerKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches[ownerKey]
}
