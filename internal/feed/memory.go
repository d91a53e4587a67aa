package feed

import (
	"context"
	"sync"
)

// MemoryCache is an in-process Cache
type MemoryCache struct {
	mu    sync.Mutex
	feeds map[string][]string
}

// Ensure MemoryCache implements Cache
var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{feeds: map[string][]string{}}
}

// PushFeed prepends postID to the user's list and trims it to maxLen
func (m *MemoryCache) PushFeed(ctx context.Context, userID, postID string, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.feeds[userID]
	next := make([]string, 0, len(current)+1)
	next = append(next, postID)
	for _, id := range current {
		if id != postID {
			next = append(next, id)
		}
	}
	if maxLen > 0 && len(next) > maxLen {
		next = next[:maxLen]
	}
	m.feeds[userID] = next
	return nil
}

// RecentFeed returns up to limit ids, most recent first
func (m *MemoryCache) RecentFeed(ctx context.Context, userID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.feeds[userID]
	if limit > 0 && len(current) > limit {
		current = current[:limit]
	}
	out := make([]string, len(current))
	copy(out, current)
	return out, nil
}
