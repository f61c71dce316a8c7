package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicore-erp/unicore/internal/session"
)

const testSecret = "gotrue-test-secret"

func newGoTrue(t *testing.T, handler http.HandlerFunc) *GoTrueAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGoTrueAPI(GoTrueConfig{BaseURL: srv.URL + "/", APIKey: "anon-key", JWTSecret: testSecret, Timeout: time.Second, RetryMax: 1})
}

func signedToken(t *testing.T, user session.ProviderUser, expires time.Time) string {
	t.Helper()
	token, err := signAccessToken([]byte(testSecret), user, expires.Add(-time.Hour), expires)
	require.NoError(t, err)
	return token
}

func TestGoTruePasswordGrant(t *testing.T) {
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	user := session.ProviderUser{ID: "u-1", Email: "ada@campus.test"}
	api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@campus.test", body["email"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  signedToken(t, user, expires),
			"refresh_token": "r-1",
			"expires_at":    expires.Unix(),
			"user":          map[string]any{"id": "u-1", "email": "ada@campus.test", "user_metadata": map[string]any{"full_name": "Ada"}},
		})
	})

	cred, err := api.PasswordGrant(context.Background(), "ada@campus.test", "secret")
	require.NoError(t, err)
	assert.Equal(t, "r-1", cred.RefreshToken)
	assert.Equal(t, "u-1", cred.User.ID)
	assert.Equal(t, "Ada", cred.User.Metadata["full_name"])
	assert.True(t, cred.ExpiresAt.Equal(expires))
}

func TestGoTrueExpiryFromClaims(t *testing.T) {
	expires := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	user := session.ProviderUser{ID: "u-2", Email: "bo@campus.test"}
	api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": signedToken(t, user, expires), "refresh_token": "r-2"})
	})

	cred, err := api.RefreshGrant(context.Background(), "r-old")
	require.NoError(t, err)
	assert.True(t, cred.ExpiresAt.Equal(expires))
	assert.Equal(t, "u-2", cred.User.ID)
	assert.Equal(t, "bo@campus.test", cred.User.Email)
}

func TestGoTrueCredentialErrorMessage(t *testing.T) {
	api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	})

	_, err := api.PasswordGrant(context.Background(), "ada@campus.test", "wrong")
	var credErr *CredentialError
	require.True(t, errors.As(err, &credErr))
	assert.Equal(t, "Invalid login credentials", credErr.Message)
	assert.Equal(t, "invalid_grant", credErr.Code)
	assert.Equal(t, http.StatusBadRequest, credErr.Status)
}

func TestGoTrueRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, api.SendMagicLink(context.Background(), "ada@campus.test", "http://portal.test/auth/callback"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGoTrueServerErrorsAreNotCredentialErrors(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"msg":"upstream busy"}`))
		})

		_, err := api.PasswordGrant(context.Background(), "ada@campus.test", "secret")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable, status)
		var credErr *CredentialError
		assert.False(t, errors.As(err, &credErr), status)
	}

	api := NewGoTrueAPI(GoTrueConfig{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, RetryMax: 1})
	_, err := api.RefreshGrant(context.Background(), "r-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRefreshDuringOutageKeepsCredential(t *testing.T) {
	var calls atomic.Int32
	api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable"))
	})
	_, rdb := newRedis(t)
	tokens := NewRedisTokenStore(rdb, time.Hour)
	stale := &session.Credential{
		AccessToken:  "stale",
		RefreshToken: "r-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         session.ProviderUser{ID: "u-1"},
	}
	require.NoError(t, tokens.Save(context.Background(), "scope-1", stale))
	svc := NewService(api, tokens, nil, nil)

	current, err := svc.ForScope("scope-1").CurrentSession(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, current)
	assert.Positive(t, calls.Load())

	stored, err := tokens.Load(context.Background(), "scope-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "r-1", stored.RefreshToken)
}

func TestGoTrueSignUpAwaitingConfirmation(t *testing.T) {
	api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/signup", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"full_name": "Cy"}, body["data"])
		_, _ = w.Write([]byte(`{"id":"u-3","email":"cy@campus.test","user_metadata":{"full_name":"Cy"}}`))
	})

	user, cred, err := api.SignUp(context.Background(), "cy@campus.test", "secret1", map[string]any{"full_name": "Cy"})
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.Equal(t, "u-3", user.ID)
}

func TestGoTrueLogoutUsesAccessToken(t *testing.T) {
	api := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logout", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, api.Logout(context.Background(), "user-token"))
}

func TestParseAccessTokenRejectsWrongSecret(t *testing.T) {
	token := signedToken(t, session.ProviderUser{ID: "u-1"}, time.Now().Add(time.Hour))
	_, err := ParseAccessToken(token, []byte("other"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims, err := ParseAccessToken(token, nil)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
}
