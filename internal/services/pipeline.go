package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/messaging"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/search"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/tracing"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// Payloads past this size are persisted without the raw body; the
	// canonical fields are already extracted by then.
	rawPayloadLimit = 10000

	maxAutoApproveAttempts = 5
)

// PipelineService consumes the order queue. Malformed or unmappable
// messages are logged and completed; only infrastructure failures propagate
// so the broker redelivers them.
type PipelineService struct {
	orders       *repositories.OrderRepository
	events       *repositories.OrderEventRepository
	integrations *repositories.IntegrationRepository
	restaurants  *repositories.RestaurantRepository
	credentials  *CredentialService
	publisher    messaging.Publisher
	dispatch     *DispatchService
	stream       *StreamHub
	elastic      *search.ElasticClient
	getir        *providers.GetirClient
	migros       *providers.MigrosClient
	tracer       tracing.Tracer
	metrics      *metrics.Metrics
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(
	orders *repositories.OrderRepository,
	events *repositories.OrderEventRepository,
	integrations *repositories.IntegrationRepository,
	restaurants *repositories.RestaurantRepository,
	credentials *CredentialService,
	publisher messaging.Publisher,
	dispatch *DispatchService,
	stream *StreamHub,
	elastic *search.ElasticClient,
	getir *providers.GetirClient,
	migros *providers.MigrosClient,
	tracer tracing.Tracer,
	m *metrics.Metrics,
) *PipelineService {
	return &PipelineService{
		orders:       orders,
		events:       events,
		integrations: integrations,
		restaurants:  restaurants,
		credentials:  credentials,
		publisher:    publisher,
		dispatch:     dispatch,
		stream:       stream,
		elastic:      elastic,
		getir:        getir,
		migros:       migros,
		tracer:       tracer,
		metrics:      m,
	}
}

// HandleMessage dispatches one queue message by its envelope type.
func (s *PipelineService) HandleMessage(ctx context.Context, body []byte) error {
	var envelope messaging.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed queue message")
		return nil
	}

	txn := s.tracer.StartTransaction("queue/" + envelope.Type)
	defer s.tracer.EndTransaction(txn)

	switch envelope.Type {
	case messaging.TypeOrderIngest:
		var msg messaging.OrderIngestMessage
		if err := json.Unmarshal(body, &msg); err != nil || msg.Validate() != nil {
			log.Warn().Err(err).Msg("Dropping invalid ingest message")
			return nil
		}
		return s.handleIngest(ctx, &msg)

	case messaging.TypeOrderAutoApprove:
		var msg messaging.OrderAutoApproveMessage
		if err := json.Unmarshal(body, &msg); err != nil || msg.Validate() != nil {
			log.Warn().Err(err).Msg("Dropping invalid auto-approve message")
			return nil
		}
		return s.handleAutoApprove(ctx, &msg)

	case messaging.TypeOrderAutoAssign:
		var msg messaging.OrderAutoAssignMessage
		if err := json.Unmarshal(body, &msg); err != nil || msg.Validate() != nil {
			log.Warn().Err(err).Msg("Dropping invalid auto-assign message")
			return nil
		}
		return s.dispatch.Dispatch(ctx, msg.TenantID, msg.OrderID)
	}

	log.Warn().Str("type", envelope.Type).Msg("Dropping queue message with unknown type")
	return nil
}

func (s *PipelineService) handleIngest(ctx context.Context, msg *messaging.OrderIngestMessage) error {
	extractor, ok := providers.ForPlatform(msg.Platform)
	if !ok {
		log.Info().Str("platform", msg.Platform).Msg("No adapter for platform, acknowledging")
		return nil
	}

	fields, ok := extractor.Extract(msg.EventType, msg.Payload)
	if !ok {
		log.Warn().
			Str("platform", msg.Platform).
			Str("event_type", msg.EventType).
			Msg("Payload missing canonical fields, dropping")
		return nil
	}

	var raw []byte
	if len(msg.Payload) <= rawPayloadLimit {
		raw = msg.Payload
	}

	order := &models.Order{
		ID:               uuid.New(),
		TenantID:         msg.TenantID,
		RestaurantID:     msg.RestaurantID,
		Platform:         msg.Platform,
		PlatformOrderID:  fields.PlatformOrderID,
		Status:           fields.Status,
		DeliveryProvider: fields.DeliveryProvider,
		RawPayload:       raw,
	}
	if err := s.orders.Upsert(ctx, order); err != nil {
		return err
	}

	// Re-read by natural key: on a conflicting upsert the generated id
	// above never landed.
	persisted, err := s.orders.GetByPlatformOrder(ctx, msg.Platform, fields.PlatformOrderID)
	if err != nil {
		return err
	}

	receivedPayload, _ := json.Marshal(map[string]string{
		"platform":    msg.Platform,
		"event_type":  msg.EventType,
		"status":      fields.Status,
		"received_at": msg.ReceivedAt,
	})
	event, err := s.events.Append(ctx, persisted.ID, models.EventWebhookReceived, receivedPayload)
	if err != nil {
		return err
	}
	s.publishToScopes(persisted, *event)

	if providers.IsDeliveryTransition(msg.Platform, msg.EventType) {
		deliveryPayload, _ := json.Marshal(map[string]string{"status": fields.Status})
		deliveryEvent, err := s.events.Append(ctx, persisted.ID, models.EventDeliveryStatusChanged, deliveryPayload)
		if err != nil {
			return err
		}
		s.publishToScopes(persisted, *deliveryEvent)
	}

	s.indexOrder(ctx, persisted)
	s.metrics.IncrementCounter(metrics.OrdersIngested)

	integration, err := s.integrations.GetByID(ctx, msg.IntegrationID)
	if err != nil {
		log.Error().Err(err).Str("integration_id", msg.IntegrationID.String()).Msg("Integration lookup failed after upsert")
		return nil
	}

	if integration.AutoApprove {
		approve := messaging.OrderAutoApproveMessage{
			Type:          messaging.TypeOrderAutoApprove,
			Platform:      msg.Platform,
			OrderID:       persisted.ID,
			IntegrationID: integration.ID,
			TenantID:      msg.TenantID,
		}
		if err := s.publisher.Publish(ctx, approve); err != nil {
			return err
		}
	}

	// Every mapped ingest re-fires dispatch: a later status or location
	// event is a fresh chance for an order that found no courier the first
	// time. The dispatch engine skips cancelled and already-assigned orders.
	assign := messaging.OrderAutoAssignMessage{
		Type:     messaging.TypeOrderAutoAssign,
		TenantID: msg.TenantID,
		OrderID:  persisted.ID,
	}
	if err := s.publisher.Publish(ctx, assign); err != nil {
		return err
	}

	return nil
}

func (s *PipelineService) handleAutoApprove(ctx context.Context, msg *messaging.OrderAutoApproveMessage) error {
	order, err := s.orders.GetByID(ctx, msg.OrderID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return nil
		}
		return err
	}
	if order.Status == models.OrderStatusCancelled {
		return nil
	}

	integration, err := s.integrations.GetByID(ctx, msg.IntegrationID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			log.Warn().Str("integration_id", msg.IntegrationID.String()).Msg("Integration gone, skipping approval")
			return nil
		}
		return err
	}

	// The local transition is not tied to the outbound result. A provider
	// outage leaves the order locally approved and the call-out retried;
	// reconciling the two states is an operator concern.
	if order.Status != models.OrderStatusApproved && order.Status != models.OrderStatusAssigned {
		if err := s.orders.UpdateStatus(ctx, order.ID, models.OrderStatusApproved); err != nil {
			return err
		}
		event, err := s.events.Append(ctx, order.ID, models.EventAutoApproveSucceeded, nil)
		if err != nil {
			return err
		}
		s.publishToScopes(order, *event)
	}

	if err := s.approveUpstream(ctx, integration, order); err != nil {
		s.metrics.IncrementCounter(metrics.AutoApproveFailure)

		if apperrors.CodeOf(err) == apperrors.CodeUpstream && msg.Attempt+1 < maxAutoApproveAttempts {
			retry := *msg
			retry.Attempt = msg.Attempt + 1
			log.Warn().Err(err).
				Str("order_id", order.ID.String()).
				Int("attempt", retry.Attempt).
				Msg("Provider approval failed, requeueing")
			return s.publisher.Publish(ctx, retry)
		}

		log.Error().Err(err).Str("order_id", order.ID.String()).Msg("Provider approval abandoned")
		return nil
	}

	s.metrics.IncrementCounter(metrics.AutoApproveSuccess)
	return nil
}

func (s *PipelineService) approveUpstream(ctx context.Context, integration *models.Integration, order *models.Order) error {
	switch order.Platform {
	case models.PlatformGetir:
		return s.getir.ApproveOrder(ctx, integration.ID, order.PlatformOrderID)

	case models.PlatformMigros:
		creds, err := s.credentials.Outbound(ctx, integration)
		if err != nil {
			return err
		}
		return s.migros.UpdateOrderStatus(ctx, *creds, order.PlatformOrderID, providers.MigrosStatusApproved)
	}

	return apperrors.New(apperrors.CodeConflict, "platform has no outbound approval")
}

const redispatchBatchSize = 100

// RequeueStaleOrders re-fires dispatch for orders that have sat unassigned
// past the threshold. A dispatch that found no couriers earlier gets
// another chance once the fleet changes.
func (s *PipelineService) RequeueStaleOrders(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	stale, err := s.orders.FindStaleUnassigned(ctx, cutoff, redispatchBatchSize)
	if err != nil {
		return err
	}

	for _, order := range stale {
		msg := messaging.OrderAutoAssignMessage{
			Type:     messaging.TypeOrderAutoAssign,
			TenantID: order.TenantID,
			OrderID:  order.ID,
		}
		if err := s.publisher.Publish(ctx, msg); err != nil {
			return err
		}
	}

	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("Requeued stale unassigned orders")
	}
	return nil
}

func (s *PipelineService) publishToScopes(order *models.Order, event models.OrderEvent) {
	streamEvent := toStreamEvent(event)
	s.stream.Publish(ScopeTenant, order.TenantID, streamEvent)
	s.stream.Publish(ScopeRestaurant, order.RestaurantID, streamEvent)
}

func (s *PipelineService) indexOrder(ctx context.Context, order *models.Order) {
	restaurant, err := s.restaurants.GetByID(ctx, order.RestaurantID)
	if err != nil {
		restaurant = nil
	}

	indexCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.elastic.IndexOrder(indexCtx, order, restaurant); err != nil {
		log.Error().Err(err).Str("order_id", order.ID.String()).Msg("Failed to index order")
	}
}
