// Package notify couples local discovery of conversation activity to
// remote fetches: a fan-out notifier carries discovery events, and a
// dispatcher turns them into bounded, deduplicated sync passes.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one discovery notification: a set of conversation UUIDs seen
// in local application state.
type Event struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	ConversationIDs []string  `json:"conversation_ids"`
}

// subscriberBuffer bounds each subscriber channel. A subscriber that
// falls this far behind loses events rather than blocking publishers.
const subscriberBuffer = 16

// Notifier fans discovery events out to subscribers. Publishing never
// blocks; slow subscribers drop.
type Notifier struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger, subs: map[int]chan Event{}}
}

// Publish sends an event with a fresh ULID to every subscriber.
func (n *Notifier) Publish(conversationIDs []string) {
	ev := Event{
		ID:              ulid.Make().String(),
		Timestamp:       time.Now().UTC(),
		ConversationIDs: conversationIDs,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.logger.Warn("dropping notification for slow subscriber",
				"subscriber", id, "event", ev.ID)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called exactly once; it closes the channel.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Event, subscriberBuffer)
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
