package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/geo"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const dispatchActorIdleTTL = 10 * time.Minute

type dispatchRequest struct {
	ctx     context.Context
	orderID uuid.UUID
	resp    chan error
}

// dispatchActor serializes all assignment decisions for one tenant, so two
// orders arriving together can never both pick the same least-loaded
// courier based on stale in-flight counts.
type dispatchActor struct {
	tenantID uuid.UUID
	requests chan dispatchRequest
	done     chan struct{}
	service  *DispatchService
}

type scoredCandidate struct {
	repositories.DispatchCandidate
	distanceMeters float64
	inFlight       int
}

// DispatchService assigns ready orders to couriers, one lazily created
// actor per tenant. A dispatch that finds nothing to do aborts silently;
// the worker's fallback job gives such orders another chance later.
type DispatchService struct {
	mu     sync.Mutex
	actors map[uuid.UUID]*dispatchActor

	db          *gorm.DB
	orders      *repositories.OrderRepository
	restaurants *repositories.RestaurantRepository
	couriers    *repositories.CourierRepository
	assignments *repositories.AssignmentRepository
	stream      *StreamHub
	metrics     *metrics.Metrics
	idleTTL     time.Duration
}

// NewDispatchService creates a new dispatch service
func NewDispatchService(
	db *gorm.DB,
	orders *repositories.OrderRepository,
	restaurants *repositories.RestaurantRepository,
	couriers *repositories.CourierRepository,
	assignments *repositories.AssignmentRepository,
	stream *StreamHub,
	m *metrics.Metrics,
) *DispatchService {
	return &DispatchService{
		actors:      make(map[uuid.UUID]*dispatchActor),
		db:          db,
		orders:      orders,
		restaurants: restaurants,
		couriers:    couriers,
		assignments: assignments,
		stream:      stream,
		metrics:     m,
		idleTTL:     dispatchActorIdleTTL,
	}
}

// Dispatch routes an order to its tenant's actor and waits for the
// decision.
func (s *DispatchService) Dispatch(ctx context.Context, tenantID, orderID uuid.UUID) error {
	req := dispatchRequest{ctx: ctx, orderID: orderID, resp: make(chan error, 1)}

	for {
		actor := s.actor(tenantID)

		select {
		case actor.requests <- req:
			select {
			case err := <-req.resp:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-actor.done:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *DispatchService) actor(tenantID uuid.UUID) *dispatchActor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if actor, ok := s.actors[tenantID]; ok {
		return actor
	}

	actor := &dispatchActor{
		tenantID: tenantID,
		requests: make(chan dispatchRequest),
		done:     make(chan struct{}),
		service:  s,
	}
	s.actors[tenantID] = actor
	go actor.run()
	return actor
}

func (s *DispatchService) evict(actor *dispatchActor) {
	s.mu.Lock()
	if s.actors[actor.tenantID] == actor {
		delete(s.actors, actor.tenantID)
	}
	s.mu.Unlock()
	close(actor.done)
}

func (a *dispatchActor) run() {
	idle := time.NewTimer(a.service.idleTTL)
	defer idle.Stop()

	for {
		select {
		case req := <-a.requests:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(a.service.idleTTL)
			req.resp <- a.service.dispatch(req.ctx, a.tenantID, req.orderID)

		case <-idle.C:
			a.service.evict(a)
			return
		}
	}
}

// dispatch makes one assignment decision. Missing order, missing
// restaurant, terminal order state or an empty candidate pool all abort
// without error; only infrastructure failures propagate for redelivery.
func (s *DispatchService) dispatch(ctx context.Context, tenantID, orderID uuid.UUID) error {
	order, err := s.orders.GetScoped(ctx, orderID, tenantID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return nil
		}
		return err
	}
	if order.Status == models.OrderStatusAssigned || order.Status == models.OrderStatusCancelled {
		return nil
	}

	assigned, err := s.assignments.ExistsForOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if assigned {
		return nil
	}

	restaurant, err := s.restaurants.GetByID(ctx, order.RestaurantID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			log.Warn().Str("order_id", orderID.String()).Msg("Order has no restaurant, skipping dispatch")
			return nil
		}
		return err
	}

	candidates, err := s.couriers.ListDispatchable(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.metrics.IncrementCounter(metrics.DispatchNoCandidates)
		log.Info().Str("order_id", orderID.String()).Msg("No dispatchable couriers")
		return nil
	}

	inFlight, err := s.assignments.InFlightCounts(ctx)
	if err != nil {
		return err
	}

	winner := rank(candidates, restaurant.Lat, restaurant.Lon, inFlight)

	event, err := s.commit(ctx, order, winner)
	if err != nil {
		return err
	}

	s.metrics.IncrementCounter(metrics.AssignmentsCreated)
	log.Info().
		Str("order_id", order.ID.String()).
		Str("courier_id", winner.ID.String()).
		Float64("distance_meters", winner.distanceMeters).
		Msg("Order assigned")

	streamEvent := toStreamEvent(*event)
	s.stream.Publish(ScopeTenant, order.TenantID, streamEvent)
	s.stream.Publish(ScopeRestaurant, order.RestaurantID, streamEvent)
	return nil
}

// rank scores candidates by distance, then in-flight load, then staleness
// of the last position report.
func rank(candidates []repositories.DispatchCandidate, lat, lon float64, inFlight map[uuid.UUID]int) scoredCandidate {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{
			DispatchCandidate: c,
			distanceMeters:    geo.DistanceMeters(lat, lon, c.Lat, c.Lon),
			inFlight:          inFlight[c.ID],
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].distanceMeters != scored[j].distanceMeters {
			return scored[i].distanceMeters < scored[j].distanceMeters
		}
		if scored[i].inFlight != scored[j].inFlight {
			return scored[i].inFlight < scored[j].inFlight
		}
		return scored[i].LastSeenAt.Before(scored[j].LastSeenAt)
	})

	return scored[0]
}

// commit writes the assignment, the order transition and the audit event
// in one transaction, so no partial dispatch is ever visible.
func (s *DispatchService) commit(ctx context.Context, order *models.Order, winner scoredCandidate) (*models.OrderEvent, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"courier_id":      winner.ID.String(),
		"courier_name":    winner.Name,
		"distance_meters": winner.distanceMeters,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal assignment payload")
	}

	event := &models.OrderEvent{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		OrderID:   order.ID,
		Type:      models.EventAutoAssignSucceeded,
		Payload:   payload,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		assignment := &models.Assignment{
			ID:        uuid.New(),
			OrderID:   order.ID,
			CourierID: winner.ID,
			Status:    models.AssignmentStatusAssigned,
		}
		if err := tx.Create(assignment).Error; err != nil {
			return errors.Wrap(err, "failed to create assignment")
		}

		if err := tx.Model(&models.Order{}).
			Where("id = ?", order.ID).
			Updates(map[string]interface{}{
				"status":     models.OrderStatusAssigned,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return errors.Wrap(err, "failed to transition order")
		}

		if err := tx.Create(event).Error; err != nil {
			return errors.Wrap(err, "failed to append assignment event")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return event, nil
}
