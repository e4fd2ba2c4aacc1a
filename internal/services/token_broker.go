package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// A cached token is only served while it has more than this much life
	// left, so a provider call started right after the check cannot see an
	// expired token.
	tokenExpiryMargin = 30 * time.Second

	defaultTokenLifetime = time.Hour
	tokenActorIdleTTL    = 10 * time.Minute
)

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func (t cachedToken) usable(now time.Time) bool {
	return t.value != "" && t.expiresAt.Sub(now) > tokenExpiryMargin
}

type tokenResult struct {
	token string
	err   error
}

type tokenRequest struct {
	ctx  context.Context
	resp chan tokenResult
}

// tokenActor serializes all token traffic for one integration. It owns the
// cached token exclusively, so two concurrent callers can never trigger two
// refreshes for the same integration.
type tokenActor struct {
	integrationID uuid.UUID
	requests      chan tokenRequest
	done          chan struct{}
	cached        cachedToken
	broker        *TokenBroker
}

// TokenBroker hands out provider bearer tokens, one lazily created actor
// per integration. Idle actors tear themselves down; the next request
// recreates them with a cold cache.
type TokenBroker struct {
	mu     sync.Mutex
	actors map[uuid.UUID]*tokenActor

	integrations *repositories.IntegrationRepository
	credentials  *CredentialService
	httpClient   *http.Client
	metrics      *metrics.Metrics
	idleTTL      time.Duration
}

// NewTokenBroker creates a new token broker
func NewTokenBroker(
	integrations *repositories.IntegrationRepository,
	credentials *CredentialService,
	httpClient *http.Client,
	m *metrics.Metrics,
) *TokenBroker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenBroker{
		actors:       make(map[uuid.UUID]*tokenActor),
		integrations: integrations,
		credentials:  credentials,
		httpClient:   httpClient,
		metrics:      m,
		idleTTL:      tokenActorIdleTTL,
	}
}

// Token returns a valid bearer token for the integration, refreshing it if
// the cached one has less than the safety margin remaining.
func (b *TokenBroker) Token(ctx context.Context, integrationID uuid.UUID) (string, error) {
	req := tokenRequest{ctx: ctx, resp: make(chan tokenResult, 1)}

	for {
		actor := b.actor(integrationID)

		select {
		case actor.requests <- req:
			select {
			case res := <-req.resp:
				return res.token, res.err
			case <-ctx.Done():
				return "", ctx.Err()
			}
		case <-actor.done:
			// Actor idled out between lookup and send; get a fresh one.
			continue
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (b *TokenBroker) actor(integrationID uuid.UUID) *tokenActor {
	b.mu.Lock()
	defer b.mu.Unlock()

	if actor, ok := b.actors[integrationID]; ok {
		return actor
	}

	actor := &tokenActor{
		integrationID: integrationID,
		requests:      make(chan tokenRequest),
		done:          make(chan struct{}),
		broker:        b,
	}
	b.actors[integrationID] = actor
	go actor.run()
	return actor
}

func (b *TokenBroker) evict(actor *tokenActor) {
	b.mu.Lock()
	if b.actors[actor.integrationID] == actor {
		delete(b.actors, actor.integrationID)
	}
	b.mu.Unlock()
	close(actor.done)
}

func (a *tokenActor) run() {
	idle := time.NewTimer(a.broker.idleTTL)
	defer idle.Stop()

	for {
		select {
		case req := <-a.requests:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(a.broker.idleTTL)

			token, err := a.handle(req.ctx)
			req.resp <- tokenResult{token: token, err: err}

		case <-idle.C:
			a.broker.evict(a)
			return
		}
	}
}

func (a *tokenActor) handle(ctx context.Context) (string, error) {
	now := time.Now()
	if a.cached.usable(now) {
		return a.cached.value, nil
	}

	token, err := a.refresh(ctx, now)
	if err != nil {
		return "", err
	}

	a.cached = token
	return token.value, nil
}

func (a *tokenActor) refresh(ctx context.Context, now time.Time) (cachedToken, error) {
	integration, err := a.broker.integrations.GetByID(ctx, a.integrationID)
	if err != nil {
		return cachedToken{}, err
	}

	creds, err := a.broker.credentials.Outbound(ctx, integration)
	if err != nil {
		return cachedToken{}, err
	}

	// Statically configured tokens are served as-is; their lifetime comes
	// from the stored expiry when present.
	if creds.AccessToken != "" {
		expiresAt := now.Add(defaultTokenLifetime)
		if creds.ExpiresAt > 0 {
			expiresAt = time.UnixMilli(creds.ExpiresAt)
		}
		return cachedToken{value: creds.AccessToken, expiresAt: expiresAt}, nil
	}

	if creds.TokenURL == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return cachedToken{}, apperrors.New(apperrors.CodeConflict, "integration outbound credentials are incomplete")
	}

	return a.exchange(ctx, creds, now)
}

// exchange performs an OAuth2 client-credentials token request.
func (a *tokenActor) exchange(ctx context.Context, creds *providers.OutboundCredentials, now time.Time) (cachedToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, apperrors.Wrap(err, apperrors.CodeUpstream, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.broker.httpClient.Do(req)
	if err != nil {
		return cachedToken{}, apperrors.Wrap(err, apperrors.CodeUpstream, "token exchange failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return cachedToken{}, apperrors.New(apperrors.CodeUpstream, fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cachedToken{}, apperrors.Wrap(err, apperrors.CodeUpstream, "failed to decode token response")
	}
	if body.AccessToken == "" {
		return cachedToken{}, apperrors.New(apperrors.CodeUpstream, "token endpoint returned no access token")
	}

	lifetime := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}

	a.broker.metrics.IncrementCounter(metrics.TokenRefreshes)
	log.Info().
		Str("integration_id", a.integrationID.String()).
		Dur("lifetime", lifetime).
		Msg("Refreshed provider token")

	return cachedToken{value: body.AccessToken, expiresAt: now.Add(lifetime)}, nil
}
