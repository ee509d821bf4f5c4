package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vpn-gateway/internal/auth"
	"vpn-gateway/internal/database"
)

// AuthAPI handles operator login and token refresh.
//
// POST /api/auth/login is the only unauthenticated endpoint under /api. It
// verifies the password against the operator table and returns a signed
// token; failed logins are audited under the attempted username.
// POST /api/auth/refresh and GET /api/auth/me need a valid token.
type AuthAPI struct {
	db      *database.Database
	manager *auth.Manager
	audit   *Auditor
}

// LoginRequest carries operator credentials.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse is a freshly issued token. Clients send Token back as
// "Authorization: Bearer <token>" and must log in again after ExpiresAt.
type AuthResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Operator  OperatorInfo `json:"operator"`
}

// OperatorInfo is the public view of an operator.
type OperatorInfo struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"` // admin or viewer
}

// NewAuthAPI creates the auth handlers.
func NewAuthAPI(db *database.Database, manager *auth.Manager, audit *Auditor) *AuthAPI {
	return &AuthAPI{db: db, manager: manager, audit: audit}
}

// RegisterRoutes mounts /api/auth. Login is public, the rest needs a token.
func (api *AuthAPI) RegisterRoutes(router *gin.Engine, mw *auth.Middleware) {
	group := router.Group("/api/auth")
	group.POST("/login", api.Login)

	protected := group.Group("", mw.RequireAuth())
	protected.POST("/refresh", api.Refresh)
	protected.GET("/me", api.Me)
}

// Login exchanges credentials for a token.
func (api *AuthAPI) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if api.db == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "operator database is not configured"})
		return
	}

	op, err := api.db.Authenticate(req.Username, req.Password)
	if err != nil {
		api.audit.Record(c, "auth.login", req.Username, err, "", nil)
		if errors.Is(err, database.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid username or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to authenticate"})
		return
	}

	token, err := api.manager.GenerateToken(op.ID, op.Username, op.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to issue token"})
		return
	}
	claims, err := api.manager.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Operator:  OperatorInfo{ID: op.ID, Username: op.Username, Role: op.Role},
	})
}

// Refresh reissues the caller's token.
func (api *AuthAPI) Refresh(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	refreshed, err := api.manager.RefreshToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid or expired token"})
		return
	}
	claims, err := api.manager.ValidateToken(refreshed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, AuthResponse{
		Token:     refreshed,
		ExpiresAt: claims.ExpiresAt.Time,
		Operator:  OperatorInfo{ID: claims.OperatorID, Username: claims.Username, Role: claims.Role},
	})
}

// Me returns the authenticated operator.
func (api *AuthAPI) Me(c *gin.Context) {
	claims, ok := auth.GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}
	c.JSON(http.StatusOK, OperatorInfo{ID: claims.OperatorID, Username: claims.Username, Role: claims.Role})
}
