package services

import (
	"context"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/crypto"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/models"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/google/uuid"
)

// CredentialService owns the envelope encryption of integration
// credentials. Blobs are replaced wholesale; there is no partial update.
// Plaintext credentials never leave this service except to the caller that
// needs them for a provider call.
type CredentialService struct {
	masterKey    string
	integrations *repositories.IntegrationRepository
}

// NewCredentialService creates a new credential service
func NewCredentialService(masterKey string, integrations *repositories.IntegrationRepository) *CredentialService {
	return &CredentialService{masterKey: masterKey, integrations: integrations}
}

// SetInbound encrypts and stores an integration's inbound webhook
// credentials.
func (s *CredentialService) SetInbound(ctx context.Context, integrationID uuid.UUID, creds providers.InboundCredentials) error {
	ciphertext, err := crypto.EncryptJSON(s.masterKey, creds)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeCrypto, "failed to encrypt inbound credentials")
	}
	return s.integrations.UpdateInboundCipher(ctx, integrationID, ciphertext)
}

// SetOutbound encrypts and stores an integration's outbound provider
// credentials.
func (s *CredentialService) SetOutbound(ctx context.Context, integrationID uuid.UUID, creds providers.OutboundCredentials) error {
	ciphertext, err := crypto.EncryptJSON(s.masterKey, creds)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeCrypto, "failed to encrypt outbound credentials")
	}
	return s.integrations.UpdateOutboundCipher(ctx, integrationID, ciphertext)
}

// Inbound decrypts an integration's inbound credentials. A missing blob
// returns (nil, nil) so callers can fall back to global platform secrets;
// a blob that fails to decrypt is a CRYPTO error, never a fallback.
func (s *CredentialService) Inbound(ctx context.Context, integration *models.Integration) (*providers.InboundCredentials, error) {
	if integration.InboundAuthCipher == nil || *integration.InboundAuthCipher == "" {
		return nil, nil
	}

	var creds providers.InboundCredentials
	if err := crypto.DecryptJSON(s.masterKey, *integration.InboundAuthCipher, &creds); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCrypto, "failed to decrypt inbound credentials")
	}
	return &creds, nil
}

// Outbound decrypts an integration's outbound credentials. A missing blob
// is a CONFLICT: outbound calls cannot proceed without configuration.
func (s *CredentialService) Outbound(ctx context.Context, integration *models.Integration) (*providers.OutboundCredentials, error) {
	if integration.OutboundCredCipher == nil || *integration.OutboundCredCipher == "" {
		return nil, apperrors.New(apperrors.CodeConflict, "integration has no outbound credentials")
	}

	var creds providers.OutboundCredentials
	if err := crypto.DecryptJSON(s.masterKey, *integration.OutboundCredCipher, &creds); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCrypto, "failed to decrypt outbound credentials")
	}
	return &creds, nil
}

// MaskedInbound returns the inbound credentials with every secret masked
// for admin display.
func (s *CredentialService) MaskedInbound(ctx context.Context, integrationID uuid.UUID) (map[string]string, error) {
	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	creds, err := s.Inbound(ctx, integration)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return map[string]string{}, nil
	}

	return map[string]string{
		"x_api_key":  crypto.MaskSecret(creds.XAPIKey),
		"basic_auth": crypto.MaskSecret(creds.BasicAuth),
	}, nil
}
