package store

import (
	"sort"
	"sync"
	"time"
)

// ResourceInfo is the listing view of one declared resource.
type ResourceInfo struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	ID        string    `json:"id,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrClass  string    `json:"error_class,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Updated   time.Time `json:"updated"`
}

// MemoryStore is a tiny in-memory store for resources.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]ResourceInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]ResourceInfo)}
}

// Upsert merges ri into the stored entry. Empty fields keep their previous
// value, except Error which is cleared once the resource is declared.
func (s *MemoryStore) Upsert(ri ResourceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.items[ri.Name]; ok {
		if ri.Kind == "" {
			ri.Kind = prev.Kind
		}
		if ri.State == "" {
			ri.State = prev.State
		}
		if ri.ID == "" {
			ri.ID = prev.ID
		}
		if ri.ElapsedMS == 0 {
			ri.ElapsedMS = prev.ElapsedMS
		}
		if ri.Error == "" && ri.State != "declared" {
			ri.Error, ri.ErrClass = prev.Error, prev.ErrClass
		}
	}
	if ri.Updated.IsZero() {
		ri.Updated = time.Now().UTC()
	}
	s.items[ri.Name] = ri
}

// List returns every resource sorted by name.
func (s *MemoryStore) List() []ResourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceInfo, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *MemoryStore) Get(name string) (ResourceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[name]
	return v, ok
}

// Reset drops every entry, used before a new application.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.items = make(map[string]ResourceInfo)
	s.mu.Unlock()
}
