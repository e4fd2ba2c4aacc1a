package services

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/config"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/messaging"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IngestRequest is one authenticated webhook delivery candidate. The
// handler fills it from the HTTP request after schema validation.
type IngestRequest struct {
	Platform             string
	EventType            string
	PlatformRestaurantID string
	DedupeKey            string
	Payload              json.RawMessage
	APIKey               string
	AuthorizationHeader  string
}

// IngestResult reports the outcome of a webhook ingestion.
type IngestResult struct {
	Duplicate bool
}

// IngestionService runs the synchronous half of webhook processing:
// authenticate, deduplicate, enqueue. Order is strict: auth before dedupe
// so unauthenticated callers can never burn dedupe keys, dedupe before
// publish so duplicates never reach the queue.
type IngestionService struct {
	integrations *repositories.IntegrationRepository
	restaurants  *repositories.RestaurantRepository
	receipts     *repositories.ReceiptRepository
	credentials  *CredentialService
	publisher    messaging.Publisher
	platforms    config.PlatformConfig
	metrics      *metrics.Metrics
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(
	integrations *repositories.IntegrationRepository,
	restaurants *repositories.RestaurantRepository,
	receipts *repositories.ReceiptRepository,
	credentials *CredentialService,
	publisher messaging.Publisher,
	platforms config.PlatformConfig,
	m *metrics.Metrics,
) *IngestionService {
	return &IngestionService{
		integrations: integrations,
		restaurants:  restaurants,
		receipts:     receipts,
		credentials:  credentials,
		publisher:    publisher,
		platforms:    platforms,
		metrics:      m,
	}
}

// Ingest processes one webhook delivery. A duplicate is a success with the
// Duplicate flag set, not an error.
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	s.metrics.IncrementCounter(metrics.WebhooksReceived)

	integration, err := s.integrations.GetByPlatformRestaurant(ctx, req.Platform, req.PlatformRestaurantID)
	if err != nil {
		// An unknown restaurant is terminal: providers stop retrying on
		// 404 but keep retrying auth failures.
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			s.metrics.IncrementCounter(metrics.WebhooksRejected)
		}
		return nil, err
	}

	if err := s.authenticate(ctx, integration, req); err != nil {
		s.metrics.IncrementCounter(metrics.WebhooksRejected)
		return nil, err
	}

	if err := s.receipts.Insert(ctx, req.Platform, req.DedupeKey); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeDuplicate {
			s.metrics.IncrementCounter(metrics.WebhooksDuplicate)
			log.Info().
				Str("platform", req.Platform).
				Str("dedupe_key", req.DedupeKey).
				Msg("Duplicate webhook acknowledged")
			return &IngestResult{Duplicate: true}, nil
		}
		return nil, err
	}

	restaurant, err := s.restaurants.GetByID(ctx, integration.RestaurantID)
	if err != nil {
		return nil, err
	}

	msg := messaging.OrderIngestMessage{
		Type:          messaging.TypeOrderIngest,
		Platform:      req.Platform,
		EventType:     req.EventType,
		ReceivedAt:    time.Now().UTC().Format(time.RFC3339),
		Payload:       req.Payload,
		IntegrationID: integration.ID,
		RestaurantID:  restaurant.ID,
		TenantID:      restaurant.TenantID,
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to enqueue webhook")
	}

	log.Info().
		Str("platform", req.Platform).
		Str("event_type", req.EventType).
		Str("integration_id", integration.ID.String()).
		Msg("Webhook accepted")

	return &IngestResult{}, nil
}

// RecordUnmapped records a delivery from a platform that has no adapter.
// Nothing is queued; the receipt keeps an audit trail of what arrived.
func (s *IngestionService) RecordUnmapped(ctx context.Context, platform string) (*IngestResult, error) {
	s.metrics.IncrementCounter(metrics.WebhooksReceived)

	dedupeKey := fmt.Sprintf("%s:%s", platform, uuid.New())
	if err := s.receipts.Insert(ctx, platform, dedupeKey); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeDuplicate {
			return &IngestResult{Duplicate: true}, nil
		}
		return nil, err
	}

	log.Info().Str("platform", platform).Msg("Recorded webhook for unmapped platform")
	return &IngestResult{}, nil
}

// authenticate verifies the caller against the integration's inbound
// credentials, falling back to the per-platform global secrets when the
// integration carries none.
func (s *IngestionService) authenticate(ctx context.Context, integration *models.Integration, req IngestRequest) error {
	creds, err := s.credentials.Inbound(ctx, integration)
	if err != nil {
		return err
	}

	var expectedAPIKey, expectedBasic string
	if creds != nil {
		expectedAPIKey = creds.XAPIKey
		expectedBasic = creds.BasicAuth
	}

	switch req.Platform {
	case models.PlatformGetir:
		if expectedAPIKey == "" {
			expectedAPIKey = s.platforms.GetirGlobalAPIKey
		}
		if expectedBasic == "" {
			expectedBasic = s.platforms.GetirGlobalBasicAuth
		}
		if expectedAPIKey == "" || !secureEqual(req.APIKey, expectedAPIKey) {
			return apperrors.New(apperrors.CodeUnauthorized, "invalid api key")
		}
		if expectedBasic != "" && !verifyBasicAuth(req.AuthorizationHeader, expectedBasic) {
			return apperrors.New(apperrors.CodeUnauthorized, "invalid basic auth")
		}
		return nil

	case models.PlatformMigros:
		if expectedBasic == "" {
			expectedBasic = s.platforms.MigrosGlobalBasicAuth
		}
		if expectedBasic == "" || !verifyBasicAuth(req.AuthorizationHeader, expectedBasic) {
			return apperrors.New(apperrors.CodeUnauthorized, "invalid basic auth")
		}
		return nil
	}

	return apperrors.New(apperrors.CodeUnauthorized, "unsupported platform")
}

func secureEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// verifyBasicAuth checks an Authorization header against the expected
// "user:password" pair.
func verifyBasicAuth(header, expected string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(decoded, []byte(expected)) == 1
}
