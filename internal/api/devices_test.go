package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-gateway/internal/devices"
	"vpn-gateway/internal/routeros"
	"vpn-gateway/internal/routes"
)

const pingOK = `  SEQ HOST                                     SIZE TTL TIME  STATUS
    0 10.0.10.7                                  56  64 0ms
    sent=3 received=3 packet-loss=0% min-rtt=0ms avg-rtt=0ms max-rtt=0ms
`

func registerDevice(t *testing.T, f *fixture, name string) {
	t.Helper()
	w := f.admin(t, http.MethodPost, "/api/devices", devices.RegisterRequest{
		Name: name, Host: "192.168.88.1", User: "admin", Password: "secret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestDeviceAPI(t *testing.T) {
	t.Run("should register without exposing the password", func(t *testing.T) {
		f := newFixture(t)
		registerDevice(t, f, "core")

		w := f.admin(t, http.MethodGet, "/api/devices", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "secret")
		assert.Equal(t, 1, decode[DevicesResponse](t, w).Total)

		w = f.admin(t, http.MethodGet, "/api/devices/core", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		w = f.admin(t, http.MethodGet, "/api/devices/ghost", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		f := newFixture(t)
		registerDevice(t, f, "core")
		w := f.admin(t, http.MethodPost, "/api/devices", devices.RegisterRequest{Name: "core", Host: "192.168.88.2", User: "admin"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("should push declared routes to a device", func(t *testing.T) {
		f := newFixture(t)
		registerDevice(t, f, "core")
		require.Equal(t, http.StatusCreated,
			f.admin(t, http.MethodPost, "/api/routes", routes.AddRequest{Network: "192.168.50.0/24", Enabled: true}).Code)
		f.execs["core"] = routeros.NewScriptedExecutor().On("/ping", routeros.Result{Stdout: pingOK})

		w := f.admin(t, http.MethodPost, "/api/devices/core/sync", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[devices.SyncResult](t, w)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"192.168.50.0/24"}, res.Added)
		assert.Len(t, f.execs["core"].Sent("/ip route add"), 1)
	})

	t.Run("should report an unreachable LAN gateway as bad gateway", func(t *testing.T) {
		f := newFixture(t)
		registerDevice(t, f, "core")
		f.execs["core"] = routeros.NewScriptedExecutor().On("/ping", routeros.Result{Stdout: "sent=3 received=0 packet-loss=100%"})

		w := f.admin(t, http.MethodPost, "/api/devices/core/sync", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("should skip disabled devices when syncing all", func(t *testing.T) {
		f := newFixture(t)
		registerDevice(t, f, "core")
		registerDevice(t, f, "edge")
		require.Equal(t, http.StatusOK, f.admin(t, http.MethodPost, "/api/devices/edge/toggle", nil).Code)
		f.execs["core"] = routeros.NewScriptedExecutor().On("/ping", routeros.Result{Stdout: pingOK})

		w := f.admin(t, http.MethodPost, "/api/devices/sync", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[struct {
			Results []devices.SyncResult `json:"results"`
			Failed  int                  `json:"failed"`
		}](t, w)
		require.Len(t, body.Results, 1)
		assert.Equal(t, "core", body.Results[0].Device)

		stats := decode[devices.Statistics](t, f.admin(t, http.MethodGet, "/api/devices/stats", nil))
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.Disabled)
	})

	t.Run("should back up and remove", func(t *testing.T) {
		f := newFixture(t)
		registerDevice(t, f, "core")

		w := f.admin(t, http.MethodPost, "/api/devices/core/backup", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, decode[devices.BackupResult](t, w).Name, "vpn_gateway_backup_")

		w = f.admin(t, http.MethodDelete, "/api/devices/core", nil)
		require.Equal(t, http.StatusOK, w.Code)
		w = f.admin(t, http.MethodDelete, "/api/devices/core", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, decode[devices.Result](t, w).Message, "nothing to do")
	})
}
