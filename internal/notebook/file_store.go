package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONFileMappingStore keeps every mapping in a single JSON document. Each
// operation runs read-modify-write under an in-process mutex and an advisory
// lock on a sidecar file, so separate processes sharing the path still see
// Reserve as a single atomic insert.
type JSONFileMappingStore struct {
	path     string
	lockPath string
	mu       sync.Mutex
	now      func() time.Time
}

type fileMappingState struct {
	Mappings map[string]Mapping
}

// fileRecord is the on-disk form of a mapping. It carries the reservation
// token, which Mapping keeps out of its JSON form.
type fileRecord struct {
	Mapping
	Reservation string `json:"reservation,omitempty"`
}

type fileDocument struct {
	Mappings map[string]fileRecord `json:"mappings"`
}

func NewJSONFileMappingStore(path string) (*JSONFileMappingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &JSONFileMappingStore{
		path:     path,
		lockPath: path + ".lock",
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *JSONFileMappingStore) Get(_ context.Context, userID string) (Mapping, error) {
	var out Mapping
	err := s.withState(false, func(state *fileMappingState) error {
		m, ok := state.Mappings[userID]
		if !ok {
			return ErrNotFound
		}
		out = m
		return nil
	})
	return out, err
}

func (s *JSONFileMappingStore) Reserve(_ context.Context, userID, displayName string) (Mapping, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return Mapping{}, false, ErrInvalidInput
	}
	var (
		out     Mapping
		created bool
	)
	err := s.withState(true, func(state *fileMappingState) error {
		if existing, ok := state.Mappings[userID]; ok {
			out = existing
			return errSkipWrite
		}
		out = newPendingMapping(userID, displayName, s.now())
		created = true
		state.Mappings[userID] = out
		return nil
	})
	return out, created, err
}

func (s *JSONFileMappingStore) Reclaim(_ context.Context, userID string, staleBefore time.Time) (Mapping, bool, error) {
	var (
		out Mapping
		won bool
	)
	err := s.withState(true, func(state *fileMappingState) error {
		existing, ok := state.Mappings[userID]
		if !ok {
			return ErrNotFound
		}
		if !reclaimable(existing, staleBefore) {
			out = existing
			return errSkipWrite
		}
		out = reclaimed(existing, s.now())
		won = true
		state.Mappings[userID] = out
		return nil
	})
	return out, won, err
}

func (s *JSONFileMappingStore) MarkActive(_ context.Context, userID, reservation, notebookID string) error {
	if strings.TrimSpace(notebookID) == "" {
		return ErrInvalidInput
	}
	return s.withState(true, func(state *fileMappingState) error {
		m, err := filePendingFor(state, userID, reservation)
		if err != nil {
			return err
		}
		m.Status = StatusActive
		m.NotebookID = notebookID
		m.Reservation = ""
		m.UpdatedAt = s.now()
		state.Mappings[userID] = m
		return nil
	})
}

func (s *JSONFileMappingStore) MarkFailed(_ context.Context, userID, reservation, reason string, permanent bool) error {
	return s.withState(true, func(state *fileMappingState) error {
		m, err := filePendingFor(state, userID, reservation)
		if err != nil {
			return err
		}
		m.Status = StatusFailed
		m.LastError = reason
		m.Permanent = permanent
		m.Reservation = ""
		m.UpdatedAt = s.now()
		state.Mappings[userID] = m
		return nil
	})
}

func (s *JSONFileMappingStore) Delete(_ context.Context, userID string) error {
	return s.withState(true, func(state *fileMappingState) error {
		m, ok := state.Mappings[userID]
		if !ok || m.Status == StatusDeleted {
			return errSkipWrite
		}
		if err := deleteConflict(m); err != nil {
			return err
		}
		m.Status = StatusDeleted
		m.UpdatedAt = s.now()
		state.Mappings[userID] = m
		return nil
	})
}

func (s *JSONFileMappingStore) List(_ context.Context) ([]Mapping, error) {
	var out []Mapping
	err := s.withState(false, func(state *fileMappingState) error {
		out = make([]Mapping, 0, len(state.Mappings))
		for _, m := range state.Mappings {
			out = append(out, m)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, err
}

func (s *JSONFileMappingStore) Close() error {
	return nil
}

var errSkipWrite = errors.New("skip write")

func (s *JSONFileMappingStore) withState(write bool, fn func(state *fileMappingState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		return err
	}
	if !write {
		return nil
	}
	return s.save(state)
}

func (s *JSONFileMappingStore) load() (*fileMappingState, error) {
	state := &fileMappingState{Mappings: map[string]Mapping{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return state, nil
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for userID, rec := range doc.Mappings {
		m := rec.Mapping
		m.Reservation = rec.Reservation
		state.Mappings[userID] = m
	}
	return state, nil
}

func (s *JSONFileMappingStore) save(state *fileMappingState) error {
	doc := fileDocument{Mappings: make(map[string]fileRecord, len(state.Mappings))}
	for userID, m := range state.Mappings {
		doc.Mappings[userID] = fileRecord{Mapping: m, Reservation: m.Reservation}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func filePendingFor(state *fileMappingState, userID, reservation string) (Mapping, error) {
	m, ok := state.Mappings[userID]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	if m.Status != StatusPending || m.Reservation != reservation {
		return Mapping{}, &ConflictError{UserID: userID, Expected: StatusPending, Current: m.Status}
	}
	return m, nil
}
