package sinks

import (
	"context"
	"sync"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// StoreSink keeps a bounded in-memory feed of recent notifications so
// the admin API can show what the pipeline has been doing. Oldest
// entries fall off once the capacity is reached.
type StoreSink struct {
	mu       sync.Mutex
	capacity int
	feed     []pipeline.Notification
}

// NewStoreSink creates a StoreSink holding at most capacity entries.
func NewStoreSink(capacity int) *StoreSink {
	if capacity <= 0 {
		capacity = 500
	}
	return &StoreSink{capacity: capacity}
}

// Consume appends the batch, trimming from the front on overflow.
func (s *StoreSink) Consume(_ context.Context, batch []pipeline.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = append(s.feed, batch...)
	if over := len(s.feed) - s.capacity; over > 0 {
		s.feed = append([]pipeline.Notification(nil), s.feed[over:]...)
	}
	return nil
}

// Recent returns up to limit notifications, newest first. A principal
// filter of "" returns everything.
func (s *StoreSink) Recent(principalID string, limit int) []pipeline.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]pipeline.Notification, 0, limit)
	for i := len(s.feed) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.feed[i]
		if principalID != "" && n.PrincipalID != principalID {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
