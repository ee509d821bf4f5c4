// Package routes reconciles the declared route table with the tunnel host.
//
// A route is either disabled (declared only) or enabled. Enabling requires a
// detectable VPN gateway, even when the route declares its own next hop, and
// applies, in order, the kernel route and the forwarding rules; if the rules
// fail the kernel route is rolled back. Only after both succeed is the route
// persisted as enabled. Enabled routes are then pushed to registered devices
// on a best-effort basis. Disabling reverses the kernel route and the rules
// but never removes routes from devices.
package routes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/devices"
	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/metrics"
	"vpn-gateway/internal/network"
	"vpn-gateway/internal/store"
	"vpn-gateway/internal/supervisor"
	"vpn-gateway/internal/system"
)

// Reconcile stages reported to metrics.
const (
	StageKernel   = "kernel"
	StageFirewall = "firewall"
	StageDevices  = "devices"
	StageSync     = "sync"
)

// GatewayDetector finds the VPN gateway on the tunnel.
type GatewayDetector interface {
	Detect(ctx context.Context) (system.Detection, bool)
}

// Propagator pushes enabled routes to remote devices.
type Propagator interface {
	SyncAll(ctx context.Context, routes []store.Route) []devices.SyncResult
}

// Options configure a Reconciler. Supervisor and Devices are optional.
type Options struct {
	Interface      string // Tunnel interface, reported by Statistics
	TunnelNetworks []string
	Detector       GatewayDetector
	Supervisor     supervisor.Client
	Devices        Propagator
	Log            logrus.FieldLogger
	Metrics        *metrics.Metrics
}

// Reconciler owns the route table.
type Reconciler struct {
	store      *store.Store
	kernel     system.RouteTable
	firewall   system.Firewall
	detector   GatewayDetector
	supervisor supervisor.Client
	devices    Propagator
	iface      string
	tunnels    []string
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu sync.Mutex
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, kernel system.RouteTable, fw system.Firewall, opts Options) *Reconciler {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Reconciler{
		store:      st,
		kernel:     kernel,
		firewall:   fw,
		detector:   opts.Detector,
		supervisor: opts.Supervisor,
		devices:    opts.Devices,
		iface:      opts.Interface,
		tunnels:    opts.TunnelNetworks,
		log:        opts.Log.WithField("component", "routes"),
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// AddRequest declares a route. An empty Gateway means "detect on enable".
type AddRequest struct {
	Network     string `json:"network" binding:"required"`
	Gateway     string `json:"gateway,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Result is the outcome of a route mutation.
type Result struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Route   *store.Route         `json:"route,omitempty"`
	Gateway string               `json:"gateway,omitempty"` // Gateway applied to the kernel
	Devices []devices.SyncResult `json:"devices,omitempty"`
}

// SyncReport is the outcome of SyncWithSystem.
type SyncReport struct {
	Added   []string `json:"added"`
	Present []string `json:"present"`
	Failed  []string `json:"failed"`
	Extra   []string `json:"extra"` // Kernel routes on the tunnel that are not declared
	Message string   `json:"message"`
}

// Statistics summarizes the route table and compares it with the kernel.
//
// SystemRoutes counts kernel routes on the tunnel interface. MissingInSystem
// counts enabled routes the kernel lacks and ExtraInSystem kernel routes
// that are not enabled here. When the kernel cannot be listed the three
// counts are zero and SystemError carries the reason.
type Statistics struct {
	Total            int        `json:"total"`
	Enabled          int        `json:"enabled"`
	Disabled         int        `json:"disabled"`
	SystemRoutes     int        `json:"system_routes"`
	MissingInSystem  int        `json:"missing_in_system"`
	ExtraInSystem    int        `json:"extra_in_system"`
	SystemError      string     `json:"system_error,omitempty"`
	Gateway          string     `json:"gateway,omitempty"` // Detected now, empty when none
	Interface        string     `json:"interface"`
	LastUpdate       *time.Time `json:"last_update,omitempty"`
	LastSync         *time.Time `json:"last_sync,omitempty"`
	LastGateway      string     `json:"last_gateway,omitempty"`
	BaseRulesApplied *time.Time `json:"base_rules_applied,omitempty"`
}

// GatewayStatus is the tunnel view used by the dashboard.
type GatewayStatus struct {
	Client   *supervisor.Status `json:"client,omitempty"`
	Gateway  string             `json:"gateway,omitempty"`
	Source   string             `json:"source,omitempty"`
	Detected bool               `json:"detected"`
}

func (r *Reconciler) normalize(op, raw string) (string, error) {
	n, err := network.NormalizeRouteNetwork(strings.TrimSpace(raw), r.tunnels)
	if err != nil {
		return "", errs.Validation(op, "%v", err)
	}
	return n, nil
}

// DetectGateway returns the VPN gateway, or false when the tunnel client is
// not connected or detection has nothing to go on.
func (r *Reconciler) DetectGateway(ctx context.Context) (system.Detection, bool) {
	if r.supervisor != nil {
		if st := r.supervisor.Status(ctx); st.State != supervisor.StateConnected {
			return system.Detection{}, false
		}
	}
	if r.detector == nil {
		return system.Detection{}, false
	}
	d, ok := r.detector.Detect(ctx)
	if !ok {
		return d, false
	}
	r.recordGateway(d.Gateway)
	return d, true
}

func (r *Reconciler) recordGateway(gw string) {
	settings, err := r.store.GatewaySettings()
	if err != nil {
		r.log.WithError(err).Warn("Failed to load gateway settings")
		return
	}
	if settings.LastDetectedGateway == gw && settings.LastDetectedAt != nil {
		return
	}
	now := r.now()
	settings.LastDetectedGateway = gw
	settings.LastDetectedAt = &now
	if err := r.store.SaveGatewaySettings(settings); err != nil {
		r.log.WithError(err).Warn("Failed to save gateway settings")
	}
}

// GatewayStatus reports the tunnel client and the detected gateway.
func (r *Reconciler) GatewayStatus(ctx context.Context) GatewayStatus {
	var gs GatewayStatus
	if r.supervisor != nil {
		st := r.supervisor.Status(ctx)
		gs.Client = &st
	}
	if d, ok := r.DetectGateway(ctx); ok {
		gs.Gateway, gs.Source, gs.Detected = d.Gateway, d.Source, true
	}
	return gs
}

// List returns the declared routes.
func (r *Reconciler) List() ([]store.Route, error) {
	table, err := r.store.Routes()
	if err != nil {
		return nil, errs.Internal("routes.list", err)
	}
	return table.Routes, nil
}

// Add declares a route and enables it when requested.
//
// An enabled route is applied before it is stored: if no gateway is
// detected or the kernel or firewall step fails, nothing is persisted and
// the call can simply be retried. Adding a network that is already declared
// is a no-op, except that a disabled route is enabled when the request asks
// for it.
func (r *Reconciler) Add(ctx context.Context, req AddRequest) (*Result, error) {
	const op = "routes.add"

	netw, err := r.normalize(op, req.Network)
	if err != nil {
		return nil, err
	}
	gw := strings.TrimSpace(req.Gateway)
	if gw != "" && !network.IsIPv4(gw) {
		return nil, errs.Validation(op, "invalid gateway %q", req.Gateway)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.store.Routes()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	if i := table.Find(netw); i >= 0 {
		if req.Enabled && !table.Routes[i].Enabled {
			return r.enableLocked(ctx, op, table, i)
		}
		route := table.Routes[i]
		return &Result{Success: true, Message: fmt.Sprintf("route %s already exists, nothing to do", netw), Route: &route}, nil
	}

	route := store.Route{
		Network:     netw,
		Gateway:     gw,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   r.now(),
	}
	if !req.Enabled {
		table.Routes = append(table.Routes, route)
		if err := r.store.SaveRoutes(table); err != nil {
			return nil, errs.Internal(op, err)
		}
		r.log.WithField("network", netw).Info("Route declared")
		return &Result{Success: true, Message: fmt.Sprintf("route %s added disabled", netw), Route: &route}, nil
	}

	table.Routes = append(table.Routes, route)
	return r.enableLocked(ctx, op, table, len(table.Routes)-1)
}

// Enable applies a declared route.
func (r *Reconciler) Enable(ctx context.Context, networkCIDR string) (*Result, error) {
	return r.SetEnabled(ctx, networkCIDR, true)
}

// Disable withdraws a route from the kernel and firewall.
func (r *Reconciler) Disable(ctx context.Context, networkCIDR string) (*Result, error) {
	return r.SetEnabled(ctx, networkCIDR, false)
}

// Toggle flips a route's state.
func (r *Reconciler) Toggle(ctx context.Context, networkCIDR string) (*Result, error) {
	const op = "routes.toggle"
	netw, err := r.normalize(op, networkCIDR)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	table, i, err := r.find(op, netw)
	if err != nil {
		return nil, err
	}
	if table.Routes[i].Enabled {
		return r.disableLocked(ctx, op, table, i)
	}
	return r.enableLocked(ctx, op, table, i)
}

// SetEnabled moves a route to the requested state.
func (r *Reconciler) SetEnabled(ctx context.Context, networkCIDR string, enabled bool) (*Result, error) {
	op := "routes.disable"
	if enabled {
		op = "routes.enable"
	}
	netw, err := r.normalize(op, networkCIDR)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	table, i, err := r.find(op, netw)
	if err != nil {
		return nil, err
	}
	if table.Routes[i].Enabled == enabled {
		route := table.Routes[i]
		return &Result{Success: true, Message: fmt.Sprintf("route %s already in requested state, nothing to do", netw), Route: &route}, nil
	}
	if enabled {
		return r.enableLocked(ctx, op, table, i)
	}
	return r.disableLocked(ctx, op, table, i)
}

func (r *Reconciler) find(op, netw string) (*store.RouteTable, int, error) {
	table, err := r.store.Routes()
	if err != nil {
		return nil, -1, errs.Internal(op, err)
	}
	i := table.Find(netw)
	if i < 0 {
		return nil, -1, errs.NotFound(op, "route %s does not exist", netw)
	}
	return table, i, nil
}

// resolveGateway requires a detectable VPN gateway and returns the route's
// declared next hop, or the detected gateway when none is declared.
func (r *Reconciler) resolveGateway(ctx context.Context, op string, route store.Route) (string, error) {
	d, ok := r.DetectGateway(ctx)
	if !ok {
		return "", errs.Apply(op, "no VPN gateway detected, route not enabled", "tunnel client not connected or no gateway found")
	}
	if route.Gateway != "" {
		return route.Gateway, nil
	}
	return d.Gateway, nil
}

// apply installs the kernel route and the forwarding rules, rolling the
// kernel route back if the rules fail.
func (r *Reconciler) apply(ctx context.Context, netw, gw string) error {
	err := r.kernel.Add(ctx, netw, gw)
	r.metrics.Reconcile(StageKernel, err)
	if err != nil {
		return err
	}
	err = r.firewall.EnsureForwarding(ctx, netw)
	r.metrics.Reconcile(StageFirewall, err)
	if err != nil {
		if rbErr := r.kernel.Delete(ctx, netw); rbErr != nil {
			r.log.WithError(rbErr).WithField("network", netw).Error("Failed to roll back kernel route")
		}
		return err
	}
	return nil
}

// enableLocked applies table.Routes[i] and persists it as enabled. The table
// is only written after the apply succeeds, so a route appended by Add and
// not yet stored is dropped on failure.
func (r *Reconciler) enableLocked(ctx context.Context, op string, table *store.RouteTable, i int) (*Result, error) {
	route := table.Routes[i]
	gw, err := r.resolveGateway(ctx, op, route)
	if err != nil {
		return nil, err
	}
	if err := r.apply(ctx, route.Network, gw); err != nil {
		return nil, err
	}

	now := r.now()
	table.Routes[i].Enabled = true
	table.Routes[i].AppliedGateway = gw
	table.Routes[i].LastSync = &now
	if err := r.store.SaveRoutes(table); err != nil {
		if wErr := r.withdraw(ctx, route.Network); wErr != nil {
			r.log.WithError(wErr).WithField("network", route.Network).Error("Failed to withdraw unsaved route")
		}
		return nil, errs.Internal(op, err)
	}
	route = table.Routes[i]
	r.log.WithFields(logrus.Fields{"network": route.Network, "gateway": gw}).Info("Route enabled")

	res := &Result{Success: true, Message: fmt.Sprintf("route %s enabled via %s", route.Network, gw), Route: &route, Gateway: gw}
	if r.devices != nil {
		res.Devices = r.devices.SyncAll(ctx, enabledRoutes(table.Routes))
		failed := 0
		for _, d := range res.Devices {
			if !d.Success {
				failed++
			}
		}
		if failed > 0 {
			r.metrics.Reconcile(StageDevices, fmt.Errorf("%d devices failed", failed))
			res.Message += fmt.Sprintf("; %d of %d devices failed to sync", failed, len(res.Devices))
		} else {
			r.metrics.Reconcile(StageDevices, nil)
		}
	}
	return res, nil
}

func (r *Reconciler) withdraw(ctx context.Context, netw string) error {
	kerr := r.kernel.Delete(ctx, netw)
	r.metrics.Reconcile(StageKernel, kerr)
	ferr := r.firewall.RemoveForwarding(ctx, netw)
	r.metrics.Reconcile(StageFirewall, ferr)
	if kerr != nil {
		return kerr
	}
	return ferr
}

func (r *Reconciler) disableLocked(ctx context.Context, op string, table *store.RouteTable, i int) (*Result, error) {
	netw := table.Routes[i].Network
	if err := r.withdraw(ctx, netw); err != nil {
		return nil, err
	}
	table.Routes[i].Enabled = false
	table.Routes[i].AppliedGateway = ""
	if err := r.store.SaveRoutes(table); err != nil {
		return nil, errs.Internal(op, err)
	}
	route := table.Routes[i]
	r.log.WithField("network", netw).Info("Route disabled")
	return &Result{Success: true, Message: fmt.Sprintf("route %s disabled", netw), Route: &route}, nil
}

// Remove withdraws and forgets a route. Removing an unknown route succeeds.
// Kernel or firewall failures do not keep the route declared; they are
// logged and reported as a warning in the result message.
func (r *Reconciler) Remove(ctx context.Context, networkCIDR string) (*Result, error) {
	const op = "routes.remove"
	netw, err := r.normalize(op, networkCIDR)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.store.Routes()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	i := table.Find(netw)
	if i < 0 {
		return &Result{Success: true, Message: fmt.Sprintf("route %s does not exist, nothing to do", netw)}, nil
	}
	msg := fmt.Sprintf("route %s removed", netw)
	if table.Routes[i].Enabled {
		if err := r.withdraw(ctx, netw); err != nil {
			r.log.WithError(err).WithField("network", netw).Warn("Failed to withdraw route, removing it anyway")
			msg += fmt.Sprintf("; warning: %v", err)
		}
	}
	table.Routes = append(table.Routes[:i], table.Routes[i+1:]...)
	if err := r.store.SaveRoutes(table); err != nil {
		return nil, errs.Internal(op, err)
	}
	r.log.WithField("network", netw).Info("Route removed")
	return &Result{Success: true, Message: msg}, nil
}

// SyncWithSystem applies enabled routes missing from the kernel. Kernel
// routes that are not declared are reported but left alone.
func (r *Reconciler) SyncWithSystem(ctx context.Context) (*SyncReport, error) {
	const op = "routes.sync"
	r.mu.Lock()
	defer r.mu.Unlock()

	table, err := r.store.Routes()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	live, err := r.kernel.List(ctx)
	if err != nil {
		r.metrics.Reconcile(StageSync, err)
		return nil, err
	}
	inKernel := make(map[string]bool, len(live))
	for _, k := range live {
		inKernel[k.Network] = true
	}

	report := &SyncReport{Added: []string{}, Present: []string{}, Failed: []string{}, Extra: []string{}}
	declared := map[string]bool{}
	now := r.now()
	var (
		detected  system.Detection
		probed    bool
		available bool
	)
	for i, route := range table.Routes {
		declared[route.Network] = true
		if !route.Enabled {
			continue
		}
		if inKernel[route.Network] {
			report.Present = append(report.Present, route.Network)
			table.Routes[i].LastSync = &now
			continue
		}
		if !probed {
			detected, available = r.DetectGateway(ctx)
			probed = true
		}
		if !available {
			report.Failed = append(report.Failed, route.Network)
			continue
		}
		gw := route.Gateway
		if gw == "" {
			gw = detected.Gateway
		}
		if err := r.apply(ctx, route.Network, gw); err != nil {
			r.log.WithError(err).WithField("network", route.Network).Warn("Route sync failed")
			report.Failed = append(report.Failed, route.Network)
			continue
		}
		report.Added = append(report.Added, route.Network)
		table.Routes[i].AppliedGateway = gw
		table.Routes[i].LastSync = &now
	}
	for _, k := range live {
		if !declared[k.Network] {
			report.Extra = append(report.Extra, k.Network)
		}
	}

	table.LastSync = &now
	if err := r.store.SaveRoutes(table); err != nil {
		return nil, errs.Internal(op, err)
	}
	if len(report.Failed) > 0 {
		r.metrics.Reconcile(StageSync, fmt.Errorf("%d routes failed", len(report.Failed)))
	} else {
		r.metrics.Reconcile(StageSync, nil)
	}
	report.Message = fmt.Sprintf("%d added, %d present, %d failed", len(report.Added), len(report.Present), len(report.Failed))
	r.log.WithFields(logrus.Fields{
		"added":   len(report.Added),
		"present": len(report.Present),
		"failed":  len(report.Failed),
	}).Info("Route sync finished")
	return report, nil
}

// SyncDevices pushes the enabled routes to every enabled device.
func (r *Reconciler) SyncDevices(ctx context.Context) ([]devices.SyncResult, error) {
	if r.devices == nil {
		return nil, nil
	}
	list, err := r.List()
	if err != nil {
		return nil, err
	}
	return r.devices.SyncAll(ctx, enabledRoutes(list)), nil
}

// Statistics summarizes the route table, compares the enabled routes with
// the kernel and reports the currently detected gateway.
func (r *Reconciler) Statistics(ctx context.Context) (*Statistics, error) {
	const op = "routes.statistics"
	table, err := r.store.Routes()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	s := &Statistics{
		Total:      len(table.Routes),
		LastUpdate: table.LastUpdate,
		LastSync:   table.LastSync,
		Interface:  r.iface,
	}
	enabled := map[string]bool{}
	for _, route := range table.Routes {
		if route.Enabled {
			s.Enabled++
			enabled[route.Network] = true
		} else {
			s.Disabled++
		}
	}

	if live, err := r.kernel.List(ctx); err != nil {
		r.log.WithError(err).Warn("Failed to list kernel routes")
		s.SystemError = err.Error()
	} else {
		inKernel := make(map[string]bool, len(live))
		for _, k := range live {
			if inKernel[k.Network] {
				continue
			}
			inKernel[k.Network] = true
			if !enabled[k.Network] {
				s.ExtraInSystem++
			}
		}
		s.SystemRoutes = len(inKernel)
		for n := range enabled {
			if !inKernel[n] {
				s.MissingInSystem++
			}
		}
	}

	if d, ok := r.DetectGateway(ctx); ok {
		s.Gateway = d.Gateway
	}
	settings, err := r.store.GatewaySettings()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	s.LastGateway = settings.LastDetectedGateway
	s.BaseRulesApplied = settings.BaseRulesApplied
	return s, nil
}

// ApplyBaseFirewall enables forwarding and the interface-wide tunnel rules.
func (r *Reconciler) ApplyBaseFirewall(ctx context.Context) error {
	const op = "routes.base_firewall"
	err := r.firewall.ApplyBaseRules(ctx)
	r.metrics.Reconcile(StageFirewall, err)
	if err != nil {
		return err
	}
	settings, err := r.store.GatewaySettings()
	if err != nil {
		return errs.Internal(op, err)
	}
	now := r.now()
	settings.BaseRulesApplied = &now
	if err := r.store.SaveGatewaySettings(settings); err != nil {
		return errs.Internal(op, err)
	}
	r.log.Info("Base firewall rules applied")
	return nil
}

// SystemRoutes lists the kernel routes on the tunnel.
func (r *Reconciler) SystemRoutes(ctx context.Context) ([]system.KernelRoute, error) {
	return r.kernel.List(ctx)
}

func enabledRoutes(all []store.Route) []store.Route {
	var out []store.Route
	for _, route := range all {
		if route.Enabled {
			out = append(out, route)
		}
	}
	return out
}
