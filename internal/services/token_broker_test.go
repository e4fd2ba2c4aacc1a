package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/apperrors"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/cache"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/metrics"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/providers"
	"github.com/krkmzglmstf-pentegra/pentegra-panel/internal/repositories"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newBrokerFixture(t *testing.T, db *gorm.DB, client *http.Client) (*TokenBroker, *CredentialService) {
	t.Helper()

	integrations := repositories.NewIntegrationRepository(db, cache.Disabled())
	credentials := NewCredentialService(testMasterKey(), integrations)
	broker := NewTokenBroker(integrations, credentials, client, metrics.NewMetrics())
	return broker, credentials
}

func tokenEndpoint(t *testing.T, calls *int64, expiresIn int64) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.FormValue("grant_type"))

		n := atomic.AddInt64(calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)

	var calls int64
	server := tokenEndpoint(t, &calls, 3600)

	broker, credentials := newBrokerFixture(t, db, server.Client())
	require.NoError(t, credentials.SetOutbound(context.Background(), integration.ID, providers.OutboundCredentials{
		TokenURL:     server.URL,
		ClientID:     "client",
		ClientSecret: "secret",
	}))

	first, err := broker.Token(context.Background(), integration.ID)
	require.NoError(t, err)
	require.Equal(t, "tok-1", first)

	second, err := broker.Token(context.Background(), integration.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestTokenRefreshedInsideExpiryMargin(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)

	var calls int64
	// 20s lifetime is inside the 30s safety margin, so every call must
	// refresh.
	server := tokenEndpoint(t, &calls, 20)

	broker, credentials := newBrokerFixture(t, db, server.Client())
	require.NoError(t, credentials.SetOutbound(context.Background(), integration.ID, providers.OutboundCredentials{
		TokenURL:     server.URL,
		ClientID:     "client",
		ClientSecret: "secret",
	}))

	first, err := broker.Token(context.Background(), integration.ID)
	require.NoError(t, err)
	second, err := broker.Token(context.Background(), integration.ID)
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestTokenSingleRefreshUnderConcurrency(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)

	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-shared",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)

	broker, credentials := newBrokerFixture(t, db, server.Client())
	require.NoError(t, credentials.SetOutbound(context.Background(), integration.ID, providers.OutboundCredentials{
		TokenURL:     server.URL,
		ClientID:     "client",
		ClientSecret: "secret",
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := broker.Token(context.Background(), integration.ID)
			require.NoError(t, err)
			require.Equal(t, "tok-shared", token)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestTokenStaticCredentials(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)

	broker, credentials := newBrokerFixture(t, db, nil)
	require.NoError(t, credentials.SetOutbound(context.Background(), integration.ID, providers.OutboundCredentials{
		AccessToken: "static-token",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}))

	token, err := broker.Token(context.Background(), integration.ID)
	require.NoError(t, err)
	require.Equal(t, "static-token", token)
}

func TestTokenMissingCredentials(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)

	broker, _ := newBrokerFixture(t, db, nil)

	_, err := broker.Token(context.Background(), integration.ID)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestTokenIncompleteCredentials(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)

	broker, credentials := newBrokerFixture(t, db, nil)
	require.NoError(t, credentials.SetOutbound(context.Background(), integration.ID, providers.OutboundCredentials{
		TokenURL: "https://example.com/token",
		// client id and secret missing
	}))

	_, err := broker.Token(context.Background(), integration.ID)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestTokenUpstreamFailure(t *testing.T) {
	db := testDB(t)
	_, _, integration := seedWorld(t, db)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	broker, credentials := newBrokerFixture(t, db, server.Client())
	require.NoError(t, credentials.SetOutbound(context.Background(), integration.ID, providers.OutboundCredentials{
		TokenURL:     server.URL,
		ClientID:     "client",
		ClientSecret: "secret",
	}))

	_, err := broker.Token(context.Background(), integration.ID)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeUpstream, apperrors.CodeOf(err))
}
