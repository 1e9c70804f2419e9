package forwarder

import (
	"container/list"
	"sync"
)

// seenSet is a bounded FIFO-evicted set of recently processed message
// IDs, used to suppress re-delivery and re-forwarding loops (§4.5).
// Ingest and Egress reach it from different goroutines (transport
// dispatch, API callers, retry timers), so every method takes mu.
type seenSet struct {
	mu    sync.Mutex
	limit int
	order *list.List
	index map[string]*list.Element
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{
		limit: limit,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (s *seenSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Insert adds id if absent. When the set exceeds its limit the oldest
// entry is evicted (coarse LRU per §4.5's Open Question resolution:
// FIFO eviction rather than true recency tracking).
func (s *seenSet) Insert(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return
	}
	elem := s.order.PushBack(id)
	s.index[id] = elem
	for s.order.Len() > s.limit {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
	}
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
