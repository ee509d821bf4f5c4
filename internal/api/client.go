package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vpn-gateway/internal/vpn"
)

// AccountAPI serves VPN client accounts and their sessions.
//
// Everything under /api/vpn is answered live from the main router; nothing
// is cached locally. Reads are open to every operator, while creating,
// removing, re-keying and disconnecting accounts need the admin role.
type AccountAPI struct {
	manager *vpn.Manager
	audit   *Auditor
}

// ChangePasswordRequest sets a new account password. The audit entry
// records the account, not the password.
type ChangePasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

// AccountsResponse lists accounts.
type AccountsResponse struct {
	Accounts []vpn.Account `json:"accounts"`
	Total    int           `json:"total"`
}

// SessionsResponse lists connected peers.
type SessionsResponse struct {
	Sessions []vpn.Session `json:"sessions"`
	Total    int           `json:"total"`
}

// NewAccountAPI creates the account handlers.
func NewAccountAPI(manager *vpn.Manager, audit *Auditor) *AccountAPI {
	return &AccountAPI{manager: manager, audit: audit}
}

// RegisterRoutes mounts /vpn under the protected group.
func (api *AccountAPI) RegisterRoutes(group *gin.RouterGroup, admin gin.HandlerFunc) {
	g := group.Group("/vpn")
	g.GET("/accounts", api.ListAccounts)
	g.POST("/accounts", admin, api.AddAccount)
	g.GET("/accounts/:username", api.AccountStats)
	g.DELETE("/accounts/:username", admin, api.RemoveAccount)
	g.PUT("/accounts/:username/password", admin, api.ChangePassword)
	g.POST("/accounts/:username/disconnect", admin, api.Disconnect)
	g.GET("/sessions", api.Sessions)
	g.GET("/status", api.Status)
	g.GET("/sites/:site/next-address", api.NextAddress)
	g.GET("/router", api.TestRouter)
}

// ListAccounts returns every configured account.
func (api *AccountAPI) ListAccounts(c *gin.Context) {
	accounts, err := api.manager.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AccountsResponse{Accounts: accounts, Total: len(accounts)})
}

// AddAccount creates an account. The generated password appears only in this response.
func (api *AccountAPI) AddAccount(c *gin.Context) {
	var req vpn.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := api.manager.Add(c.Request.Context(), req)
	details := map[string]any{"site": req.Site}
	if res != nil {
		details["address"] = res.Address
	}
	api.audit.Record(c, "vpn.add", req.Username, err, messageOf(res), details)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// RemoveAccount deletes an account. Removing an absent account succeeds.
func (api *AccountAPI) RemoveAccount(c *gin.Context) {
	username := c.Param("username")
	res, err := api.manager.Remove(c.Request.Context(), username)
	api.audit.Record(c, "vpn.remove", username, err, messageOf(res), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ChangePassword replaces an account password.
func (api *AccountAPI) ChangePassword(c *gin.Context) {
	username := c.Param("username")
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := api.manager.ChangePassword(c.Request.Context(), username, req.Password)
	api.audit.Record(c, "vpn.password", username, err, messageOf(res), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Disconnect drops the account's active session.
func (api *AccountAPI) Disconnect(c *gin.Context) {
	username := c.Param("username")
	res, err := api.manager.Disconnect(c.Request.Context(), username)
	api.audit.Record(c, "vpn.disconnect", username, err, messageOf(res), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AccountStats reports one account as connected, configured or not found.
func (api *AccountAPI) AccountStats(c *gin.Context) {
	stats, err := api.manager.Stats(c.Request.Context(), c.Param("username"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Sessions lists connected peers.
func (api *AccountAPI) Sessions(c *gin.Context) {
	sessions, err := api.manager.ActiveSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionsResponse{Sessions: sessions, Total: len(sessions)})
}

// Status summarizes accounts, sessions and site pools.
func (api *AccountAPI) Status(c *gin.Context) {
	status, err := api.manager.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// NextAddress returns the next free address of a site.
func (api *AccountAPI) NextAddress(c *gin.Context) {
	site := c.Param("site")
	addr, err := api.manager.NextAvailableAddress(c.Request.Context(), site)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"site": site, "address": addr})
}

// TestRouter checks the router connection and returns its identity.
func (api *AccountAPI) TestRouter(c *gin.Context) {
	identity, err := api.manager.TestConnection(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reachable": true, "identity": identity})
}
