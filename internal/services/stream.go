package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Stream scopes. Admin subscribers see the whole tenant; restaurant
// subscribers see a single restaurant.
const (
	ScopeTenant     = "tenant"
	ScopeRestaurant = "restaurant"
)

const (
	streamReplayLimit = 20
	subscriberBuffer  = 64
)

// StreamEvent is the wire shape pushed to SSE subscribers.
type StreamEvent struct {
	ID        uuid.UUID       `json:"id"`
	OrderID   uuid.UUID       `json:"order_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type streamKey struct {
	scope string
	key   uuid.UUID
}

type subscriber struct {
	ch chan StreamEvent
}

// StreamHub fans order events out to live subscribers, keyed by
// (scope, key). New subscribers get the newest stored events replayed
// before live delivery; subscribers that stop draining are dropped rather
// than allowed to stall publishers.
type StreamHub struct {
	mu      sync.RWMutex
	rooms   map[streamKey]map[*subscriber]struct{}
	events  *repositories.OrderEventRepository
	metrics *metrics.Metrics
}

// NewStreamHub creates a new stream hub
func NewStreamHub(events *repositories.OrderEventRepository, m *metrics.Metrics) *StreamHub {
	return &StreamHub{
		rooms:   make(map[streamKey]map[*subscriber]struct{}),
		events:  events,
		metrics: m,
	}
}

func toStreamEvent(row models.OrderEvent) StreamEvent {
	return StreamEvent{
		ID:        row.ID,
		OrderID:   row.OrderID,
		Type:      row.Type,
		Payload:   row.Payload,
		CreatedAt: row.CreatedAt,
	}
}

// Subscribe registers a subscriber for a scope and returns its channel
// together with a cancel function. The newest stored events are preloaded
// into the channel, newest first, so a reconnecting client always sees
// recent history before live traffic.
func (h *StreamHub) Subscribe(ctx context.Context, scope string, key uuid.UUID) (<-chan StreamEvent, func(), error) {
	var rows []models.OrderEvent
	var err error

	switch scope {
	case ScopeTenant:
		rows, err = h.events.RecentByTenant(ctx, key, streamReplayLimit)
	case ScopeRestaurant:
		rows, err = h.events.RecentByRestaurant(ctx, key, streamReplayLimit)
	default:
		return nil, nil, apperrors.New(apperrors.CodeValidation, "unknown stream scope")
	}
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan StreamEvent, streamReplayLimit+subscriberBuffer)}
	for _, row := range rows {
		sub.ch <- toStreamEvent(row)
	}

	sk := streamKey{scope: scope, key: key}
	h.mu.Lock()
	room, ok := h.rooms[sk]
	if !ok {
		room = make(map[*subscriber]struct{})
		h.rooms[sk] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() { h.remove(sk, sub) }
	return sub.ch, cancel, nil
}

// Publish delivers a live event to every subscriber of a scope. A full
// subscriber channel means the client stopped draining; that subscriber
// is deregistered instead of blocking the publisher.
func (h *StreamHub) Publish(scope string, key uuid.UUID, event StreamEvent) {
	sk := streamKey{scope: scope, key: key}

	var dropped []*subscriber

	h.mu.RLock()
	for sub := range h.rooms[sk] {
		select {
		case sub.ch <- event:
			h.metrics.IncrementCounter(metrics.StreamEventsPublished)
		default:
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range dropped {
		log.Warn().Str("scope", scope).Str("key", key.String()).Msg("Dropping slow stream subscriber")
		h.metrics.IncrementCounter(metrics.StreamEventsDropped)
		h.remove(sk, sub)
	}
}

func (h *StreamHub) remove(sk streamKey, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[sk]
	if !ok {
		return
	}
	if _, ok := room[sub]; !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, sk)
	}
	close(sub.ch)
}

// SubscriberCount reports the live subscribers for a scope.
func (h *StreamHub) SubscriberCount(scope string, key uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[streamKey{scope: scope, key: key}])
}
