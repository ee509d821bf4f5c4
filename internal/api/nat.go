package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"vpn-gateway/internal/nat"
)

// NATAPI serves port forwards and the port arbiter.
//
// Forwards live on the main router as destination-NAT rules; the handlers
// read and write them there on every request. Port checks and suggestions
// answer for the external side and never reserve anything, so a port that
// was free when checked can still be taken before AddRule runs.
type NATAPI struct {
	manager *nat.Manager
	audit   *Auditor
}

// RulesResponse lists forwards.
type RulesResponse struct {
	Rules []nat.Rule `json:"rules"`
	Total int        `json:"total"`
}

// PortQuery selects a port and protocol. Protocol defaults to tcp.
type PortQuery struct {
	Port     int    `form:"port" binding:"required,min=1"`
	Protocol string `form:"protocol"`
}

// SuggestQuery asks for an external port for an internal one.
type SuggestQuery struct {
	InternalPort int    `form:"internal_port" binding:"required,min=1"`
	Protocol     string `form:"protocol"`
}

// TestPortRequest probes a LAN service.
//
// A tcp probe reports whether a connection was accepted. A udp probe only
// reports whether the datagram could be sent, since silence is the normal
// answer of most udp services.
type TestPortRequest struct {
	Address   string `json:"address" binding:"required"` // LAN IPv4 address
	Port      int    `json:"port" binding:"required"`
	Protocol  string `json:"protocol"`             // tcp (default) or udp
	TimeoutMS int    `json:"timeout_ms,omitempty"` // Zero uses the configured timeout
}

// NewNATAPI creates the NAT handlers.
func NewNATAPI(manager *nat.Manager, audit *Auditor) *NATAPI {
	return &NATAPI{manager: manager, audit: audit}
}

// RegisterRoutes mounts /nat under the protected group.
func (api *NATAPI) RegisterRoutes(group *gin.RouterGroup, admin gin.HandlerFunc) {
	g := group.Group("/nat")
	g.GET("/rules", api.ListRules)
	g.POST("/rules", admin, api.AddRule)
	g.DELETE("/rules", admin, api.RemoveRules)
	g.POST("/rules/:id/enable", admin, api.EnableRule)
	g.POST("/rules/:id/disable", admin, api.DisableRule)
	g.GET("/ports/check", api.CheckPort)
	g.GET("/ports/suggest", api.SuggestPort)
	g.POST("/ports/test", api.TestPort)
	g.GET("/stats", api.Stats)
	g.GET("/usage", api.Usage)
	g.GET("/templates", api.Templates)
	g.GET("/servers", api.Servers)
	g.GET("/servers/:address/scan", api.ScanServer)
}

// ListRules returns the destination-NAT forwards.
func (api *NATAPI) ListRules(c *gin.Context) {
	rules, err := api.manager.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RulesResponse{Rules: rules, Total: len(rules)})
}

// AddRule creates a forward, suggesting an external port when none is given.
func (api *NATAPI) AddRule(c *gin.Context) {
	var req nat.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := api.manager.Add(c.Request.Context(), req)
	target := req.InternalAddress + ":" + strconv.Itoa(req.InternalPort)
	details := map[string]any{"protocol": req.Protocol}
	if res != nil {
		details["external_port"] = res.Rule.ExternalPort
		details["port_suggested"] = res.PortSuggested
	}
	api.audit.Record(c, "nat.add", target, err, messageOf(res), details)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// RemoveRules deletes forwards matching one of id, comment or external_port.
func (api *NATAPI) RemoveRules(c *gin.Context) {
	var sel nat.Selector
	if err := c.ShouldBindQuery(&sel); err != nil {
		badRequest(c, err)
		return
	}
	res, err := api.manager.Remove(c.Request.Context(), sel)
	api.audit.Record(c, "nat.remove", selectorTarget(sel), err, messageOf(res), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func selectorTarget(sel nat.Selector) string {
	switch {
	case sel.ID != "":
		return "id " + sel.ID
	case sel.Comment != "":
		return "comment " + sel.Comment
	case sel.ExternalPort != 0:
		return strconv.Itoa(sel.ExternalPort) + "/" + sel.Protocol
	}
	return ""
}

// EnableRule enables a forward.
func (api *NATAPI) EnableRule(c *gin.Context) {
	api.toggle(c, true)
}

// DisableRule disables a forward.
func (api *NATAPI) DisableRule(c *gin.Context) {
	api.toggle(c, false)
}

func (api *NATAPI) toggle(c *gin.Context, enable bool) {
	id := c.Param("id")
	res, err := api.manager.Toggle(c.Request.Context(), id, enable)
	api.audit.Record(c, "nat.toggle", id, err, messageOf(res), map[string]any{"enable": enable})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CheckPort reports whether an external port may be claimed.
func (api *NATAPI) CheckPort(c *gin.Context) {
	var q PortQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	avail, err := api.manager.CheckPortAvailable(c.Request.Context(), q.Port, q.Protocol)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

// SuggestPort proposes an external port for an internal one.
func (api *NATAPI) SuggestPort(c *gin.Context) {
	var q SuggestQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	port, err := api.manager.SuggestPort(c.Request.Context(), q.InternalPort, q.Protocol)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"internal_port": q.InternalPort, "suggested_port": port})
}

// TestPort probes a LAN address and port.
func (api *NATAPI) TestPort(c *gin.Context) {
	var req TestPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	res, err := api.manager.TestPort(c.Request.Context(), req.Address, req.Port, req.Protocol, timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ScanServer probes the service template ports of a LAN host.
func (api *NATAPI) ScanServer(c *gin.Context) {
	res, err := api.manager.ScanServer(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stats summarizes the forwards.
func (api *NATAPI) Stats(c *gin.Context) {
	stats, err := api.manager.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Usage reports used and free external ports.
func (api *NATAPI) Usage(c *gin.Context) {
	report, err := api.manager.PortUsageReport(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Templates lists the service presets.
func (api *NATAPI) Templates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": nat.ServiceTemplates()})
}

// Servers lists the known LAN hosts.
func (api *NATAPI) Servers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": api.manager.KnownServers()})
}
