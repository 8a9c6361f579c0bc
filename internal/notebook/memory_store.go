package notebook

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type InMemoryMappingStore struct {
	mu       sync.Mutex
	mappings map[string]Mapping
	now      func() time.Time
}

func NewInMemoryMappingStore() *InMemoryMappingStore {
	return &InMemoryMappingStore{
		mappings: map[string]Mapping{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryMappingStore) Get(_ context.Context, userID string) (Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[userID]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return m, nil
}

func (s *InMemoryMappingStore) Reserve(_ context.Context, userID, displayName string) (Mapping, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return Mapping{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mappings[userID]; ok {
		return existing, false, nil
	}
	m := newPendingMapping(userID, displayName, s.now())
	s.mappings[userID] = m
	return m, true, nil
}

func (s *InMemoryMappingStore) Reclaim(_ context.Context, userID string, staleBefore time.Time) (Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.mappings[userID]
	if !ok {
		return Mapping{}, false, ErrNotFound
	}
	if !reclaimable(existing, staleBefore) {
		return existing, false, nil
	}
	m := reclaimed(existing, s.now())
	s.mappings[userID] = m
	return m, true, nil
}

func (s *InMemoryMappingStore) MarkActive(_ context.Context, userID, reservation, notebookID string) error {
	if strings.TrimSpace(notebookID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.pendingFor(userID, reservation)
	if err != nil {
		return err
	}
	m.Status = StatusActive
	m.NotebookID = notebookID
	m.Reservation = ""
	m.UpdatedAt = s.now()
	s.mappings[userID] = m
	return nil
}

func (s *InMemoryMappingStore) MarkFailed(_ context.Context, userID, reservation, reason string, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.pendingFor(userID, reservation)
	if err != nil {
		return err
	}
	m.Status = StatusFailed
	m.LastError = reason
	m.Permanent = permanent
	m.Reservation = ""
	m.UpdatedAt = s.now()
	s.mappings[userID] = m
	return nil
}

func (s *InMemoryMappingStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[userID]
	if !ok || m.Status == StatusDeleted {
		return nil
	}
	if err := deleteConflict(m); err != nil {
		return err
	}
	m.Status = StatusDeleted
	m.UpdatedAt = s.now()
	s.mappings[userID] = m
	return nil
}

func (s *InMemoryMappingStore) List(_ context.Context) ([]Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryMappingStore) Close() error {
	return nil
}

// pendingFor must be called with s.mu held.
func (s *InMemoryMappingStore) pendingFor(userID, reservation string) (Mapping, error) {
	m, ok := s.mappings[userID]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	if m.Status != StatusPending || m.Reservation != reservation {
		return Mapping{}, &ConflictError{UserID: userID, Expected: StatusPending, Current: m.Status}
	}
	return m, nil
}
