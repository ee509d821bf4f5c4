package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vpn-gateway/internal/devices"
	"vpn-gateway/internal/routes"
	"vpn-gateway/internal/store"
)

// DeviceAPI serves the remote device registry.
//
// Registering a device only stores it; the first contact happens on test,
// info, backup or sync. The sync endpoints push the reconciler's enabled
// routes and answer 502 when the device is unreachable or cannot reach the
// LAN gateway. Device passwords are never returned.
type DeviceAPI struct {
	registry   *devices.Registry
	reconciler *routes.Reconciler
	audit      *Auditor
}

// DevicesResponse lists registered devices without their credentials.
type DevicesResponse struct {
	Devices []devices.Info `json:"devices"`
	Total   int            `json:"total"`
}

// NewDeviceAPI creates the device handlers. The reconciler supplies the
// routes pushed by the sync endpoints.
func NewDeviceAPI(registry *devices.Registry, reconciler *routes.Reconciler, audit *Auditor) *DeviceAPI {
	return &DeviceAPI{registry: registry, reconciler: reconciler, audit: audit}
}

// RegisterRoutes mounts /devices under the protected group.
func (api *DeviceAPI) RegisterRoutes(group *gin.RouterGroup, admin gin.HandlerFunc) {
	g := group.Group("/devices")
	g.GET("", api.List)
	g.POST("", admin, api.Register)
	g.GET("/stats", api.Statistics)
	g.POST("/sync", admin, api.SyncAll)
	g.GET("/:name", api.Get)
	g.DELETE("/:name", admin, api.Remove)
	g.POST("/:name/toggle", admin, api.Toggle)
	g.POST("/:name/test", api.Test)
	g.POST("/:name/backup", admin, api.Backup)
	g.GET("/:name/routes", api.Routes)
	g.GET("/:name/info", api.SystemInfo)
	g.POST("/:name/sync", admin, api.Sync)
}

// List returns registered devices without credentials.
func (api *DeviceAPI) List(c *gin.Context) {
	list, err := api.registry.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DevicesResponse{Devices: list, Total: len(list)})
}

// Register adds a device without contacting it.
func (api *DeviceAPI) Register(c *gin.Context) {
	var req devices.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	info, err := api.registry.Register(req)
	api.audit.Record(c, "devices.register", req.Name, err, "device registered", map[string]any{"host": req.Host})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// Get returns one device.
func (api *DeviceAPI) Get(c *gin.Context) {
	info, err := api.registry.Get(c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Remove forgets a device. Removing an absent device succeeds.
func (api *DeviceAPI) Remove(c *gin.Context) {
	name := c.Param("name")
	res, err := api.registry.Remove(name)
	api.audit.Record(c, "devices.remove", name, err, messageOf(res), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Toggle flips whether a device takes part in syncs.
func (api *DeviceAPI) Toggle(c *gin.Context) {
	name := c.Param("name")
	info, err := api.registry.Toggle(name)
	details := map[string]any{}
	if info != nil {
		details["enabled"] = info.Enabled
	}
	api.audit.Record(c, "devices.toggle", name, err, "device toggled", details)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Test checks that a device answers commands.
func (api *DeviceAPI) Test(c *gin.Context) {
	res, err := api.registry.Test(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Backup saves a configuration backup on the device.
func (api *DeviceAPI) Backup(c *gin.Context) {
	name := c.Param("name")
	res, err := api.registry.Backup(c.Request.Context(), name)
	details := map[string]any{}
	if res != nil {
		details["backup"] = res.Name
	}
	api.audit.Record(c, "devices.backup", name, err, "backup created", details)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Routes lists the gateway-managed routes present on a device.
func (api *DeviceAPI) Routes(c *gin.Context) {
	list, err := api.registry.RouteTable(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": list, "total": len(list)})
}

// SystemInfo returns identity, version and resource figures of a device.
func (api *DeviceAPI) SystemInfo(c *gin.Context) {
	props, err := api.registry.SystemInfo(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, props)
}

func (api *DeviceAPI) declaredRoutes() ([]store.Route, error) {
	if api.reconciler == nil {
		return nil, nil
	}
	return api.reconciler.List()
}

// Sync pushes enabled routes to one device.
func (api *DeviceAPI) Sync(c *gin.Context) {
	name := c.Param("name")
	if _, err := api.registry.Get(name); err != nil {
		writeError(c, err)
		return
	}
	declared, err := api.declaredRoutes()
	if err != nil {
		writeError(c, err)
		return
	}
	res := api.registry.Sync(c.Request.Context(), name, declared)
	api.audit.Record(c, "devices.sync", name, nil, res.Message, map[string]any{
		"success": res.Success,
		"added":   len(res.Added),
		"failed":  len(res.Failed),
	})
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

// SyncAll pushes enabled routes to every enabled device.
func (api *DeviceAPI) SyncAll(c *gin.Context) {
	declared, err := api.declaredRoutes()
	if err != nil {
		writeError(c, err)
		return
	}
	results := api.registry.SyncAll(c.Request.Context(), declared)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	api.audit.Record(c, "devices.sync_all", "devices", nil, "", map[string]any{"devices": len(results), "failed": failed})
	c.JSON(http.StatusOK, gin.H{"results": results, "failed": failed})
}

// Statistics summarizes the registry.
func (api *DeviceAPI) Statistics(c *gin.Context) {
	stats, err := api.registry.Statistics()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
