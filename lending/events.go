package lending

import (
	"strings"
	"sync"
)

// EventSink receives every liquidation event the cascade emits. Implementations
// must treat events as append-only.
type EventSink interface {
	Append(event LiquidationEvent) error
}

// EventLister exposes paginated reads over recorded events. Sinks backed by a
// durable store implement it alongside EventSink.
type EventLister interface {
	List(filter EventFilter) ([]LiquidationEvent, error)
}

// EventFilter narrows an event listing to one borrower or one pool. Limit of
// zero defaults to 50.
type EventFilter struct {
	Borrower string
	PoolID   string
	Limit    int
	Offset   int
}

func (f EventFilter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

func (f EventFilter) matches(event LiquidationEvent) bool {
	if borrower := strings.TrimSpace(f.Borrower); borrower != "" && event.Borrower != borrower {
		return false
	}
	if pool := strings.TrimSpace(f.PoolID); pool != "" && event.PoolID != pool {
		return false
	}
	return true
}

// MemorySink is the default in-process event log. It satisfies both EventSink
// and EventLister and is safe for concurrent use.
type MemorySink struct {
	mu     sync.RWMutex
	events []LiquidationEvent
}

// NewMemorySink constructs an empty in-memory event log.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append records an event.
func (s *MemorySink) Append(event LiquidationEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// List returns events matching the filter in emission order.
func (s *MemorySink) List(filter EventFilter) ([]LiquidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]LiquidationEvent, 0)
	for _, event := range s.events {
		if filter.matches(event) {
			matched = append(matched, event)
		}
	}
	if filter.Offset >= len(matched) {
		return []LiquidationEvent{}, nil
	}
	matched = matched[filter.Offset:]
	if limit := filter.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len reports the number of recorded events.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
