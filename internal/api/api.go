// Package api exposes the gateway managers to the dashboard as a JSON API
// built on gin. Every /api route except login requires a bearer token;
// mutations additionally require the admin role and are written to the
// audit log.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"vpn-gateway/internal/auth"
	"vpn-gateway/internal/database"
	"vpn-gateway/internal/devices"
	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/logging"
	"vpn-gateway/internal/metrics"
	"vpn-gateway/internal/nat"
	"vpn-gateway/internal/routes"
	"vpn-gateway/internal/vpn"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

const requestIDKey = "request_id"

// ErrorResponse is the body of every failed request.
//
// Kind is the error kind reported by the failing manager and decides the
// status: validation is 400, conflict 409, not_found 404, transport and
// apply 502, anything else 500. Detail is only set when a device or the
// host rejected a command and carries its output verbatim, so the operator
// sees the router's own words.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"` // Raw device output for apply failures
}

// MessageResponse is the body of a mutation with nothing else to report.
type MessageResponse struct {
	Message string `json:"message"`
}

// Deps are the components served by the API. Nil managers leave their
// routes unregistered.
//
// DB and Auth are required: they back login and the audit trail. The
// device endpoints also read the declared routes from Routes, so Devices
// without Routes serves the registry but cannot sync.
type Deps struct {
	DB       *database.Database
	Auth     *auth.Manager
	VPN      *vpn.Manager
	NAT      *nat.Manager
	Routes   *routes.Reconciler
	Devices  *devices.Registry
	Tunnel   TunnelController // Optional; enables /gateway/tunnel/*
	Logs     *logging.Buffer  // Served by /logs
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
}

// NewRouter assembles the gin engine with all API groups.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	log := d.Log.WithField("component", "api")

	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), requestLogger(log, d.Metrics))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	mw := auth.NewMiddleware(d.Auth)
	admin := mw.RequireRole(database.RoleAdmin)
	auditor := NewAuditor(d.DB, log)

	NewAuthAPI(d.DB, d.Auth, auditor).RegisterRoutes(router, mw)

	protected := router.Group("/api", mw.RequireAuth())
	if d.VPN != nil {
		NewAccountAPI(d.VPN, auditor).RegisterRoutes(protected, admin)
	}
	if d.NAT != nil {
		NewNATAPI(d.NAT, auditor).RegisterRoutes(protected, admin)
	}
	if d.Routes != nil {
		NewGatewayAPI(d.Routes, auditor).WithTunnel(d.Tunnel).RegisterRoutes(protected, admin)
	}
	if d.Devices != nil {
		NewDeviceAPI(d.Devices, d.Routes, auditor).RegisterRoutes(protected, admin)
	}
	NewAuditAPI(d.DB, d.Logs).RegisterRoutes(protected)

	return router
}

// RequestID tags each request with the incoming X-Request-Id or a new UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func requestLogger(log logrus.FieldLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.APIRequest(c.Request.Method, route, fmt.Sprintf("%dxx", status/100))

		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"duration":   time.Since(start).String(),
			"request_id": GetRequestID(c),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request failed")
		} else {
			entry.Debug("request served")
		}
	}
}

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindTransport, errs.KindApply:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error(), Kind: string(errs.KindOf(err))}
	var e *errs.Error
	if errors.As(err, &e) {
		resp.Detail = e.Detail
	}
	c.JSON(StatusOf(err), resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: string(errs.KindValidation)})
}

// messageOf extracts the outcome message of a manager result for the audit log.
func messageOf(res any) string {
	switch r := res.(type) {
	case *vpn.AddResult:
		if r != nil {
			return r.Message
		}
	case *vpn.Result:
		if r != nil {
			return r.Message
		}
	case *nat.AddResult:
		if r != nil {
			return r.Message
		}
	case *nat.Result:
		if r != nil {
			return r.Message
		}
	case *routes.Result:
		if r != nil {
			return r.Message
		}
	case *routes.SyncReport:
		if r != nil {
			return r.Message
		}
	case *devices.Result:
		if r != nil {
			return r.Message
		}
	case *devices.TestResult:
		if r != nil {
			return r.Message
		}
	}
	return ""
}

// Auditor writes mutation outcomes to the audit log. A nil database only logs.
//
// Every admin handler records exactly one entry per request, after the
// manager returns: the operator from the token, the operation name, the
// target it addressed and either the manager's message or the error.
// Failed requests are recorded too.
type Auditor struct {
	db  *database.Database
	log logrus.FieldLogger
}

// NewAuditor creates an auditor.
func NewAuditor(db *database.Database, log logrus.FieldLogger) *Auditor {
	return &Auditor{db: db, log: log}
}

// Record stores one entry for the operation. Failures to write the entry are
// logged and never fail the request.
func (a *Auditor) Record(c *gin.Context, op, target string, opErr error, message string, details map[string]any) {
	actor, _ := auth.GetUsername(c)
	entry := &database.AuditEntry{
		Actor:     actor,
		Operation: op,
		Target:    target,
		Success:   opErr == nil,
		Message:   message,
		RequestID: GetRequestID(c),
	}
	if opErr != nil {
		entry.Message = opErr.Error()
	}
	if len(details) > 0 {
		entry.Details = datatypes.JSONMap(details)
	}

	a.log.WithFields(logrus.Fields{
		"actor":     actor,
		"operation": op,
		"target":    target,
		"success":   entry.Success,
	}).Info(entry.Message)

	if a.db == nil {
		return
	}
	if err := a.db.RecordAudit(entry); err != nil {
		a.log.WithError(err).Warn("failed to write audit entry")
	}
}
