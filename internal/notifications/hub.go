package notifications

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/citewalk/content-pipeline/internal/models"
)

// Event is a realtime message pushed to a connected session
type Event struct {
	Type         string               `json:"type"`
	Notification *models.Notification `json:"notification,omitempty"`
}

// Realtime delivers events to a user's live sessions
type Realtime interface {
	SendToUser(ctx context.Context, userID string, ev Event)
}

const subscriberBuffer = 16

type subscriber struct {
	ch chan Event
}

// Hub fans events out to in-process subscribers. Sends never block: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// Ensure Hub implements Realtime
var _ Realtime = (*Hub)(nil)

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: map[string]map[*subscriber]struct{}{}}
}

// Subscribe registers a session for userID. The returned cancel func must be
// called when the session ends; it closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[*subscriber]struct{}{}
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], sub)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SendToUser delivers ev to every session of userID
func (h *Hub) SendToUser(ctx context.Context, userID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			logrus.Debugf("Dropped realtime event for %s: subscriber buffer full", userID)
		}
	}
}

// Sessions returns the number of live sessions for userID
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
