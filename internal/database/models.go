// Package database provides the persistence layer for dashboard operators and
// the audit trail of configuration changes. Router and gateway state lives in
// the JSON store; this database only records who changed what.
package database

import (
	"time"

	"gorm.io/datatypes"
)

// Operator roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Operator is a dashboard account allowed to call the management API.
type Operator struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Username  string     `gorm:"uniqueIndex;not null" json:"username"`
	Password  string     `gorm:"not null" json:"-"`         // bcrypt hash
	Role      string     `gorm:"default:admin" json:"role"` // admin|viewer
	Active    bool       `gorm:"default:true" json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// AuditEntry records one mutating operation and its outcome.
type AuditEntry struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
	Actor     string            `gorm:"index" json:"actor"`     // Operator username, "cli" for the command line
	Operation string            `gorm:"index" json:"operation"` // e.g. nat.add, routes.toggle
	Target    string            `json:"target"`                 // Account name, network, rule id
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Details   datatypes.JSONMap `json:"details,omitempty"`
	RequestID string            `gorm:"index" json:"request_id,omitempty"`
}

// AuditFilter narrows AuditEntries. Zero fields match everything.
type AuditFilter struct {
	Actor     string
	Operation string
	Failed    bool // only unsuccessful operations
	Since     time.Time
	Limit     int
}
