package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// subscriberBuffer bounds how many undelivered events a subscriber may
// hold before further events are dropped for it (delivery is best-effort).
const subscriberBuffer = 32

// SnapshotFunc produces the "current state" event sent to a subscriber
// before any live events, derived from the session store.
type SnapshotFunc func(ctx context.Context, sessionID uuid.UUID) (*models.ProgressEvent, error)

// Mirror receives every published event for out-of-process fan-out
type Mirror interface {
	Publish(event models.ProgressEvent)
}

type subscriber struct {
	ch chan models.ProgressEvent
}

// Subscription is one observer of a session's event stream
type Subscription struct {
	C <-chan models.ProgressEvent

	hub       *Hub
	sessionID uuid.UUID
	id        int64
	once      sync.Once
}

// Close detaches the subscriber. The session itself is unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.sessionID, s.id)
	})
}

// Hub fans progress events out to session subscribers. Publish holds the
// hub lock, so subscribers observe events in the order they were applied
// to the store.
type Hub struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]map[int64]*subscriber
	nextID   int64
	snapshot SnapshotFunc
	mirror   Mirror
}

// NewHub creates a hub. The mirror may be nil.
func NewHub(snapshot SnapshotFunc, mirror Mirror) *Hub {
	return &Hub{
		subs:     make(map[uuid.UUID]map[int64]*subscriber),
		snapshot: snapshot,
		mirror:   mirror,
	}
}

// Subscribe attaches an observer to a session. The first event on the
// channel is a snapshot of the session's current persisted state, so a late
// subscriber never sees a stale blank view. The snapshot is fetched and
// queued under the hub lock to keep it ordered before any live event.
func (h *Hub) Subscribe(ctx context.Context, sessionID uuid.UUID) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap, err := h.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{ch: make(chan models.ProgressEvent, subscriberBuffer)}
	sub.ch <- *snap

	h.nextID++
	id := h.nextID

	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int64]*subscriber)
	}
	h.subs[sessionID][id] = sub

	return &Subscription{C: sub.ch, hub: h, sessionID: sessionID, id: id}, nil
}

// Publish delivers an event to all current subscribers of the session.
// Delivery is best-effort: a subscriber whose buffer is full misses the
// event rather than blocking the engine.
func (h *Hub) Publish(event models.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.Lock()
	for _, sub := range h.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			log.Debug().
				Str("session_id", event.SessionID.String()).
				Msg("Subscriber buffer full, dropping event")
		}
	}
	h.mu.Unlock()

	if h.mirror != nil {
		h.mirror.Publish(event)
	}
}

// SubscriberCount returns the number of observers attached to a session
func (h *Hub) SubscriberCount(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) unsubscribe(sessionID uuid.UUID, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sessionID]
	if sub, ok := subs[id]; ok {
		delete(subs, id)
		close(sub.ch)
	}
	if len(subs) == 0 {
		delete(h.subs, sessionID)
	}
}
