package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// Middleware guards gin routes with bearer tokens.
//
// RequireAuth authenticates a request and RequireRole authorizes it; the
// router mounts them in that order on every /api group except login.
// Failures abort the chain with an ErrorResponse body so handlers never see
// an unauthenticated request.
type Middleware struct {
	manager *Manager
}

// ErrorResponse is the body of an authentication failure. It carries only a
// short reason, never token contents.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewMiddleware creates a middleware backed by the given token manager.
func NewMiddleware(manager *Manager) *Middleware {
	return &Middleware{manager: manager}
}

// RequireAuth rejects requests without a valid "Bearer <token>" header with
// 401 and stores the claims in the context otherwise.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abort(c, http.StatusUnauthorized, "Authorization header is required")
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			abort(c, http.StatusUnauthorized, "Authorization header must start with 'Bearer '")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			abort(c, http.StatusUnauthorized, "JWT token is required")
			return
		}

		claims, err := m.manager.ValidateToken(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after RequireAuth. It rejects operators whose role is
// not among the allowed ones with 403.
func (m *Middleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "insufficient role")
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}

// GetClaims returns the claims stored by RequireAuth.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetUsername returns the authenticated operator name.
func GetUsername(c *gin.Context) (string, bool) {
	claims, ok := GetClaims(c)
	if !ok {
		return "", false
	}
	return claims.Username, true
}

// IsAuthenticated reports whether RequireAuth accepted the request.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetClaims(c)
	return ok
}
