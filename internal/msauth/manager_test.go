package msauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"gophersnake-go/internal/faults"
	"gophersnake-go/internal/tokencache"
)

type fatalTransport struct{ t *testing.T }

func (ft fatalTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ft.t.Fatalf("unexpected network call to %s", req.URL)
	return nil, nil
}

func testEndpoint(srv *httptest.Server) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:       srv.URL + "/authorize",
		TokenURL:      srv.URL + "/token",
		DeviceAuthURL: srv.URL + "/devicecode",
	}
}

func TestAccessTokenServedFromCacheWithoutNetwork(t *testing.T) {
	cache := tokencache.NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, cache.Put(context.Background(), tokencache.StageMSAAccess, tokencache.Record{
		Secret:    "cached-token",
		ExpiresOn: now.Add(time.Hour).Unix(),
	}))

	mgr := NewManager(cache,
		WithHTTPClient(&http.Client{Transport: fatalTransport{t}}),
		WithNowFunc(func() time.Time { return now }),
	)

	token, err := mgr.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cached-token", token)
}

func TestAccessTokenExpiredExactlyNowTriggersRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "refresh-secret", r.Form.Get("refresh_token"))
		require.Equal(t, ClientID, r.Form.Get("client_id"))
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "fresh-token",
			RefreshToken: "rotated-refresh",
			ExpiresIn:    3600,
		})
	}))
	defer srv.Close()

	ctx := context.Background()
	cache := tokencache.NewMemoryStore()
	require.NoError(t, cache.Put(ctx, tokencache.StageMSAAccess, tokencache.Record{
		Secret:    "stale",
		ExpiresOn: now.Unix(), // boundary: expiring exactly now is expired
	}))
	require.NoError(t, cache.Put(ctx, tokencache.StageMSARefresh, tokencache.Record{Secret: "refresh-secret"}))

	mgr := NewManager(cache,
		WithEndpoint(testEndpoint(srv)),
		WithNowFunc(func() time.Time { return now }),
	)

	token, err := mgr.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh-token", token)

	access, ok := cache.Get(ctx, tokencache.StageMSAAccess)
	require.True(t, ok)
	require.Equal(t, "fresh-token", access.Secret)
	require.Equal(t, now.Add(time.Hour).Unix(), access.ExpiresOn)

	refresh, ok := cache.Get(ctx, tokencache.StageMSARefresh)
	require.True(t, ok)
	require.Equal(t, "rotated-refresh", refresh.Secret)
}

func TestAccessTokenRefreshRejectedNonInteractive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(TokenResponse{Error: "invalid_grant", ErrorDescription: "refresh token revoked"})
	}))
	defer srv.Close()

	ctx := context.Background()
	cache := tokencache.NewMemoryStore()
	require.NoError(t, cache.Put(ctx, tokencache.StageMSARefresh, tokencache.Record{Secret: "revoked"}))

	mgr := NewManager(cache,
		WithEndpoint(testEndpoint(srv)),
		WithInteractive(false),
	)

	_, err := mgr.AccessToken(ctx)
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.AuthRequired))
}

func TestDeviceCodeFlowSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://example.com/link",
			"expires_in":       900,
			"interval":         1,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "dev-123", r.Form.Get("device_code"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "device-token",
			"refresh_token": "device-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var promptedURI, promptedCode string
	cache := tokencache.NewMemoryStore()
	mgr := NewManager(cache,
		WithEndpoint(testEndpoint(srv)),
		WithPrompt(func(uri, code string) {
			promptedURI = uri
			promptedCode = code
		}),
	)

	ctx := context.Background()
	token, err := mgr.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "device-token", token)
	require.Equal(t, "https://example.com/link", promptedURI)
	require.Equal(t, "ABCD-1234", promptedCode)

	refresh, ok := cache.Get(ctx, tokencache.StageMSARefresh)
	require.True(t, ok)
	require.Equal(t, "device-refresh", refresh.Secret)
}

func TestDeviceCodeFlowDeclined(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-456",
			"user_code":        "WXYZ-9999",
			"verification_uri": "https://example.com/link",
			"expires_in":       900,
			"interval":         1,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "access_denied"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := NewManager(tokencache.NewMemoryStore(),
		WithEndpoint(testEndpoint(srv)),
		WithPrompt(func(string, string) {}),
	)

	_, err := mgr.AccessToken(context.Background())
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.AuthDeclinedOrExpired))
}
