package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func authProbe(t *testing.T, a *Authenticator, setup func(*http.Request)) (int, string) {
	t.Helper()
	var seen string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/deposits", nil)
	setup(req)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res.Code, seen
}

func TestAuthenticatorResolvesSubject(t *testing.T) {
	a := NewAuthenticator(AuthConfig{Enabled: true, Secret: "s", Issuer: "offersd"}, nil)
	now := time.Now()

	good, err := IssueToken("s", "Alice", "offersd", time.Minute, now)
	require.NoError(t, err)
	code, caller := authProbe(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+good) })
	require.Equal(t, http.StatusNoContent, code)
	require.Equal(t, "alice", caller)

	wrongIssuer, err := IssueToken("s", "alice", "elsewhere", time.Minute, now)
	require.NoError(t, err)
	code, _ = authProbe(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongIssuer) })
	require.Equal(t, http.StatusUnauthorized, code)

	expired, err := IssueToken("s", "alice", "offersd", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	code, _ = authProbe(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) })
	require.Equal(t, http.StatusUnauthorized, code)

	noSubject, err := IssueToken("s", "", "offersd", time.Minute, now)
	require.NoError(t, err)
	code, _ = authProbe(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+noSubject) })
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = authProbe(t, a, func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") })
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestAuthenticatorDevHeader(t *testing.T) {
	a := NewAuthenticator(AuthConfig{}, nil)
	code, caller := authProbe(t, a, func(r *http.Request) { r.Header.Set(DevAccountHeader, " Bob ") })
	require.Equal(t, http.StatusNoContent, code)
	require.Equal(t, "bob", caller)

	code, _ = authProbe(t, a, func(*http.Request) {})
	require.Equal(t, http.StatusUnauthorized, code)
}
