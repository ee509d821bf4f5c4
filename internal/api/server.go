package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"vpn-gateway/internal/routes"
	"vpn-gateway/internal/store"
	"vpn-gateway/internal/system"
)

// TunnelController drives the local tunnel client unit.
type TunnelController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

// GatewayAPI serves the route reconciler and the tunnel status.
//
// Route mutations go through the reconciler, which applies them to the
// kernel and the firewall before storing them: a 502 from AddRoute means
// the route was not stored and the request can be repeated once the tunnel
// is up. Removing a route always forgets it; a kernel or
// firewall failure during removal is reported in the message.
type GatewayAPI struct {
	reconciler *routes.Reconciler
	tunnel     TunnelController
	audit      *Auditor
}

// RoutesResponse lists declared routes.
type RoutesResponse struct {
	Routes []store.Route `json:"routes"`
	Total  int           `json:"total"`
}

// SystemRoutesResponse lists kernel routes on the tunnel interface.
type SystemRoutesResponse struct {
	Routes []system.KernelRoute `json:"routes"`
	Total  int                  `json:"total"`
}

// NetworkRequest addresses one declared route. Network is normalized the
// same way as on creation, so a bare address matches its /32 route.
type NetworkRequest struct {
	Network string `json:"network" form:"network" binding:"required"`
}

// SetEnabledRequest sets a route's desired state.
type SetEnabledRequest struct {
	Network string `json:"network" binding:"required"`
	Enabled bool   `json:"enabled"`
}

// NewGatewayAPI creates the route and gateway handlers.
func NewGatewayAPI(reconciler *routes.Reconciler, audit *Auditor) *GatewayAPI {
	return &GatewayAPI{reconciler: reconciler, audit: audit}
}

// WithTunnel enables the tunnel start/stop/restart endpoints.
func (api *GatewayAPI) WithTunnel(t TunnelController) *GatewayAPI {
	api.tunnel = t
	return api
}

// RegisterRoutes mounts /routes and /gateway under the protected group.
func (api *GatewayAPI) RegisterRoutes(group *gin.RouterGroup, admin gin.HandlerFunc) {
	r := group.Group("/routes")
	r.GET("", api.ListRoutes)
	r.POST("", admin, api.AddRoute)
	r.DELETE("", admin, api.RemoveRoute)
	r.POST("/toggle", admin, api.ToggleRoute)
	r.PUT("/enabled", admin, api.SetEnabled)
	r.POST("/sync", admin, api.SyncWithSystem)
	r.POST("/sync-devices", admin, api.SyncDevices)
	r.GET("/stats", api.Statistics)
	r.GET("/system", api.SystemRoutes)

	g := group.Group("/gateway")
	g.GET("/status", api.GatewayStatus)
	g.POST("/firewall", admin, api.ApplyBaseFirewall)
	if api.tunnel != nil {
		g.POST("/tunnel/start", admin, api.tunnelAction("start", api.tunnel.Start))
		g.POST("/tunnel/stop", admin, api.tunnelAction("stop", api.tunnel.Stop))
		g.POST("/tunnel/restart", admin, api.tunnelAction("restart", api.tunnel.Restart))
	}
}

// ListRoutes returns the declared routes.
func (api *GatewayAPI) ListRoutes(c *gin.Context) {
	list, err := api.reconciler.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RoutesResponse{Routes: list, Total: len(list)})
}

// AddRoute declares a route and applies it when enabled.
func (api *GatewayAPI) AddRoute(c *gin.Context) {
	var req routes.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := api.reconciler.Add(c.Request.Context(), req)
	details := map[string]any{"enabled": req.Enabled}
	if res != nil && res.Gateway != "" {
		details["gateway"] = res.Gateway
	}
	api.audit.Record(c, "routes.add", req.Network, err, messageOf(res), details)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// RemoveRoute withdraws and forgets a route given by ?network=.
func (api *GatewayAPI) RemoveRoute(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := api.reconciler.Remove(c.Request.Context(), req.Network)
	api.audit.Record(c, "routes.remove", req.Network, err, messageOf(res), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ToggleRoute flips a route's desired state.
func (api *GatewayAPI) ToggleRoute(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := api.reconciler.Toggle(c.Request.Context(), req.Network)
	api.audit.Record(c, "routes.toggle", req.Network, err, messageOf(res), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SetEnabled sets a route's desired state explicitly.
func (api *GatewayAPI) SetEnabled(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := api.reconciler.SetEnabled(c.Request.Context(), req.Network, req.Enabled)
	api.audit.Record(c, "routes.set_enabled", req.Network, err, messageOf(res), map[string]any{"enabled": req.Enabled})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SyncWithSystem re-applies enabled routes missing from the kernel.
func (api *GatewayAPI) SyncWithSystem(c *gin.Context) {
	report, err := api.reconciler.SyncWithSystem(c.Request.Context())
	api.audit.Record(c, "routes.sync", "kernel", err, messageOf(report), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SyncDevices pushes enabled routes to every enabled device.
func (api *GatewayAPI) SyncDevices(c *gin.Context) {
	results, err := api.reconciler.SyncDevices(c.Request.Context())
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	api.audit.Record(c, "routes.sync_devices", "devices", err, "", map[string]any{"devices": len(results), "failed": failed})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "failed": failed})
}

// Statistics summarizes the route table.
func (api *GatewayAPI) Statistics(c *gin.Context) {
	stats, err := api.reconciler.Statistics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// SystemRoutes lists kernel routes on the tunnel interface.
func (api *GatewayAPI) SystemRoutes(c *gin.Context) {
	list, err := api.reconciler.SystemRoutes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SystemRoutesResponse{Routes: list, Total: len(list)})
}

// GatewayStatus reports the tunnel client and the detected gateway.
func (api *GatewayAPI) GatewayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, api.reconciler.GatewayStatus(c.Request.Context()))
}

// ApplyBaseFirewall installs forwarding and masquerading for the tunnel.
func (api *GatewayAPI) ApplyBaseFirewall(c *gin.Context) {
	err := api.reconciler.ApplyBaseFirewall(c.Request.Context())
	api.audit.Record(c, "gateway.firewall", "base", err, "base firewall rules applied", nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "base firewall rules applied"})
}

func (api *GatewayAPI) tunnelAction(name string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := fn(c.Request.Context())
		msg := "tunnel " + name + " requested"
		api.audit.Record(c, "gateway.tunnel_"+name, "tunnel", err, msg, nil)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, MessageResponse{Message: msg})
	}
}
