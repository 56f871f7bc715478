package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/memoh-gateway/internal/config"
)

func newTestAuthHandler(enabled bool) *AuthHandler {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.JWTExpiresIn = "1h"
	cfg.Admin = config.AdminConfig{Enabled: enabled, Username: "admin", Password: "hunter2"}
	return NewAuthHandler(nil, cfg)
}

func TestAuthHandlerLogin(t *testing.T) {
	t.Parallel()

	h := newTestAuthHandler(true)
	rec := doRequest(t, http.MethodPost, "/auth/login", `{"username":"admin","password":"hunter2"}`, nil, h.Login)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "admin", resp.UserID)
}

func TestAuthHandlerLoginRejected(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		enabled bool
		body    string
		want    int
	}{
		{name: "wrong password", enabled: true, body: `{"username":"admin","password":"nope"}`, want: http.StatusUnauthorized},
		{name: "wrong user", enabled: true, body: `{"username":"root","password":"hunter2"}`, want: http.StatusUnauthorized},
		{name: "missing fields", enabled: true, body: `{"username":"admin"}`, want: http.StatusBadRequest},
		{name: "disabled", enabled: false, body: `{"username":"admin","password":"hunter2"}`, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, http.MethodPost, "/auth/login", tc.body, nil, newTestAuthHandler(tc.enabled).Login)
			if rec.Code != tc.want {
				t.Fatalf("want %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}
