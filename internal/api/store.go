package api

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/ptq/pkg/mixedprecision"
)

type AllocationStore struct {
	mu          sync.Mutex
	allocations map[string]Allocation
}

func NewAllocationStore() *AllocationStore {
	return &AllocationStore{
		allocations: make(map[string]Allocation),
	}
}

func (s *AllocationStore) Create(nodes []string, res mixedprecision.Result, warning string, now time.Time) Allocation {
	a := Allocation{
		ID:        newAllocationID(),
		Object:    "allocation",
		CreatedAt: now.Unix(),
		Nodes:     nodes,
		Result:    res,
		Warning:   warning,
	}
	s.mu.Lock()
	s.allocations[a.ID] = a
	s.mu.Unlock()
	return a
}

func (s *AllocationStore) Get(id string) (Allocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.allocations[id]
	return a, ok
}

// List returns every stored allocation, oldest first.
func (s *AllocationStore) List() []Allocation {
	s.mu.Lock()
	out := make([]Allocation, 0, len(s.allocations))
	for _, a := range s.allocations {
		out = append(out, a)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(x, y Allocation) int {
		if c := cmp.Compare(x.CreatedAt, y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out
}

func (s *AllocationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allocations[id]; !ok {
		return false
	}
	delete(s.allocations, id)
	return true
}

func newAllocationID() string {
	return "alloc_" + uuid.NewString()
}
