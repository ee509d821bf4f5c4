package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"vpn-gateway/internal/database"
	"vpn-gateway/internal/logging"
)

// AuditAPI serves the audit trail and the recent log buffer.
type AuditAPI struct {
	db   *database.Database
	logs *logging.Buffer
}

// AuditQuery filters audit entries. Zero fields do not filter.
type AuditQuery struct {
	Actor     string    `form:"actor"`
	Operation string    `form:"operation"` // e.g. routes.add
	Failed    bool      `form:"failed"`    // Only failed operations
	Since     time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit     int       `form:"limit" binding:"min=0,max=1000"` // Zero returns the default page
}

// LogQuery filters buffered log entries.
type LogQuery struct {
	Level string `form:"level"`
	Limit int    `form:"limit" binding:"min=0"`
}

// NewAuditAPI creates the audit handlers.
func NewAuditAPI(db *database.Database, logs *logging.Buffer) *AuditAPI {
	return &AuditAPI{db: db, logs: logs}
}

// RegisterRoutes mounts /audit and /logs under the protected group.
func (api *AuditAPI) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/audit", api.Entries)
	group.GET("/logs", api.Logs)
}

// Entries returns audit entries, newest first.
func (api *AuditAPI) Entries(c *gin.Context) {
	if api.db == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "audit database is not configured"})
		return
	}
	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	entries, err := api.db.AuditEntries(database.AuditFilter{
		Actor:     q.Actor,
		Operation: q.Operation,
		Failed:    q.Failed,
		Since:     q.Since,
		Limit:     q.Limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// Logs returns recent log entries, optionally of one level.
func (api *AuditAPI) Logs(c *gin.Context) {
	if api.logs == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []logging.Entry{}, "total": 0})
		return
	}
	var q LogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	if q.Limit == 0 {
		q.Limit = 100
	}
	var entries []logging.Entry
	if q.Level != "" {
		entries = api.logs.ByLevel(q.Level, q.Limit)
	} else {
		entries = api.logs.Recent(q.Limit)
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries, "total": len(entries)})
}
