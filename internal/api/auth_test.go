package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-gateway/internal/database"
)

func TestAuthAPI_Login(t *testing.T) {
	f := newFixture(t)

	t.Run("should issue a token usable on the api", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "admin", Password: "admin-pw"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decode[AuthResponse](t, w)
		assert.NotEmpty(t, resp.Token)
		assert.Equal(t, "admin", resp.Operator.Username)
		assert.Equal(t, database.RoleAdmin, resp.Operator.Role)

		me := f.do(t, http.MethodGet, "/api/auth/me", resp.Token, nil)
		require.Equal(t, http.StatusOK, me.Code)
		assert.Equal(t, "admin", decode[OperatorInfo](t, me).Username)
	})

	t.Run("should reject wrong passwords and audit the attempt", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "admin", Password: "nope"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		entries, err := f.db.AuditEntries(database.AuditFilter{Operation: "auth.login", Failed: true})
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, "admin", entries[0].Target)
	})

	t.Run("should require both fields", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should refresh a token", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/auth/refresh", f.token(t, "viewer", database.RoleViewer), nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[AuthResponse](t, w)
		assert.Equal(t, database.RoleViewer, resp.Operator.Role)
	})
}
