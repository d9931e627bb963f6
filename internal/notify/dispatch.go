package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// SyncClient is the remote-fetch surface the dispatcher drives.
type SyncClient interface {
	// SyncBulk fetches the full recent conversation listing.
	SyncBulk(ctx context.Context) error
	// SyncTargeted fetches exactly the named conversations.
	SyncTargeted(ctx context.Context, conversationIDs []string) error
	// SyncIncremental fetches conversations updated inside the recency
	// window.
	SyncIncremental(ctx context.Context) error
}

// DefaultDispatchInterval paces periodic passes when no events arrive.
const DefaultDispatchInterval = 5 * time.Minute

// dispatchQueueCap bounds the pending-event queue. When full, the oldest
// event is dropped; its conversations are picked up by a later periodic
// pass.
const dispatchQueueCap = 5

// Dispatcher consumes discovery events and schedules sync passes: the
// first pass is always a bulk sync, event-driven passes target the
// queued conversation ids, and idle ticks fall back to incremental.
type Dispatcher struct {
	notifier *Notifier
	client   SyncClient
	logger   *slog.Logger
	interval time.Duration

	queue  []Event
	signal chan struct{}
}

func NewDispatcher(notifier *Notifier, client SyncClient, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	return &Dispatcher{
		notifier: notifier,
		client:   client,
		logger:   logger,
		interval: interval,
		signal:   make(chan struct{}, 1),
	}
}

// Run drives passes until the context is canceled. The queue is only
// touched from this goroutine; events arrive over the subscription
// channel.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, cancel := d.notifier.Subscribe()
	defer cancel()

	d.pass(ctx, true)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.enqueue(ev)
		case <-d.signal:
			d.pass(ctx, false)
		case <-ticker.C:
			d.pass(ctx, false)
		}
	}
}

// enqueue appends an event, dropping the oldest when the queue is full,
// and arms the signal.
func (d *Dispatcher) enqueue(ev Event) {
	if len(d.queue) == dispatchQueueCap {
		dropped := d.queue[0]
		d.queue = d.queue[1:]
		d.logger.Debug("dispatch queue full, dropping oldest event", "event", dropped.ID)
	}
	d.queue = append(d.queue, ev)

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// pass drains the queue and runs one sync. Queued events merge into one
// deduplicated target set; an empty set means an incremental pass.
func (d *Dispatcher) pass(ctx context.Context, first bool) {
	ids := d.drainMerged()

	var err error
	switch {
	case first:
		err = d.client.SyncBulk(ctx)
	case len(ids) > 0:
		err = d.client.SyncTargeted(ctx, ids)
	default:
		err = d.client.SyncIncremental(ctx)
	}
	if err != nil {
		d.logger.Warn("sync pass failed", "targeted", len(ids) > 0, "error", err)
	}
}

// drainMerged empties the queue and returns the union of conversation
// ids, case-insensitively deduplicated, oldest-first order preserved.
func (d *Dispatcher) drainMerged() []string {
	if len(d.queue) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var ids []string
	for _, ev := range d.queue {
		for _, id := range ev.ConversationIDs {
			key := strings.ToLower(id)
			if seen[key] {
				continue
			}
			seen[key] = true
			ids = append(ids, id)
		}
	}
	d.queue = nil
	return ids
}
