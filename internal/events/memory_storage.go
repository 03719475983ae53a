package events

import (
	"sync"
)

// MemoryEventStorage keeps the most recent events in a fixed-size ring
type MemoryEventStorage struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewMemoryEventStorage creates a ring holding up to capacity events
func NewMemoryEventStorage(capacity int) *MemoryEventStorage {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryEventStorage{events: make([]Event, capacity)}
}

// Store appends an event, overwriting the oldest once the ring is full
func (s *MemoryEventStorage) Store(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[s.next] = event
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Query returns matching events, newest first
func (s *MemoryEventStorage) Query(filters EventFilters) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.next
	if s.full {
		count = len(s.events)
	}

	var result []Event
	for i := 0; i < count; i++ {
		idx := (s.next - 1 - i + len(s.events)) % len(s.events)
		event := s.events[idx]
		if !matches(event, filters) {
			continue
		}
		result = append(result, event)
		if filters.Limit > 0 && len(result) >= filters.Limit {
			break
		}
	}
	return result, nil
}

func matches(event Event, filters EventFilters) bool {
	if filters.Server != "" && event.Server != filters.Server {
		return false
	}
	if !filters.StartTime.IsZero() && event.Timestamp.Before(filters.StartTime) {
		return false
	}
	if !filters.EndTime.IsZero() && event.Timestamp.After(filters.EndTime) {
		return false
	}
	if len(filters.Types) == 0 {
		return true
	}
	for _, t := range filters.Types {
		if event.Type == t {
			return true
		}
	}
	return false
}
