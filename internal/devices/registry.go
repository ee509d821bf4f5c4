// Package devices keeps the registry of remote routers that should learn the
// gateway's routes, and runs commands against them: connectivity tests,
// configuration backups, inspection and route synchronization.
package devices

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/routeros"
	"vpn-gateway/internal/store"
)

// RouteCommentPrefix tags routes this gateway installs on devices.
const RouteCommentPrefix = "vpn-gateway"

// BackupPrefix names device backups taken on request.
const BackupPrefix = "vpn_gateway"

// DefaultBackupTimeout bounds a requested backup.
const DefaultBackupTimeout = 60 * time.Second

// ClientFactory opens an executor for a registered device.
type ClientFactory func(d store.Device) routeros.Executor

// Options configure a Registry.
type Options struct {
	LANGatewayIP  string        // Next hop devices use to reach the tunnel host
	BackupTimeout time.Duration // Defaults to DefaultBackupTimeout
	Log           logrus.FieldLogger
}

// Registry manages registered devices.
type Registry struct {
	store         *store.Store
	factory       ClientFactory
	lanGateway    string
	backupTimeout time.Duration
	log           logrus.FieldLogger
	now           func() time.Time

	mu sync.Mutex
}

// NewRegistry creates a Registry over st.
func NewRegistry(st *store.Store, factory ClientFactory, opts Options) *Registry {
	if opts.BackupTimeout <= 0 {
		opts.BackupTimeout = DefaultBackupTimeout
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Registry{
		store:         st,
		factory:       factory,
		lanGateway:    opts.LANGatewayIP,
		backupTimeout: opts.BackupTimeout,
		log:           opts.Log.WithField("component", "devices"),
		now:           time.Now,
	}
}

// RegisterRequest describes a device to register.
type RegisterRequest struct {
	Name        string `json:"name" binding:"required"`
	Host        string `json:"host" binding:"required"`
	Port        int    `json:"port,omitempty"`
	User        string `json:"user" binding:"required"`
	Password    string `json:"password"`
	Description string `json:"description,omitempty"`
}

// Info is a device without its credentials.
type Info struct {
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	User        string     `json:"user"`
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Result is the outcome of a mutation that returns no data.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TestResult is the outcome of a connectivity test.
type TestResult struct {
	Device    string        `json:"device"`
	Reachable bool          `json:"reachable"`
	Identity  string        `json:"identity,omitempty"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message"`
}

// BackupResult names a backup created on a device.
type BackupResult struct {
	Device string `json:"device"`
	Name   string `json:"name"`
}

// DeviceRoute is a route read from a device.
type DeviceRoute struct {
	ID       string `json:"id"`
	Network  string `json:"network"`
	Gateway  string `json:"gateway"`
	Distance string `json:"distance,omitempty"`
	Comment  string `json:"comment"`
	Disabled bool   `json:"disabled"`
}

// SyncResult reports one device's route sync.
type SyncResult struct {
	Device  string   `json:"device"`
	Success bool     `json:"success"`
	Added   []string `json:"added,omitempty"`
	Present []string `json:"present,omitempty"`
	Failed  []string `json:"failed,omitempty"`
	Message string   `json:"message"`
}

// Statistics summarizes the registry.
type Statistics struct {
	Total       int        `json:"total"`
	Enabled     int        `json:"enabled"`
	Disabled    int        `json:"disabled"`
	NeverSynced int        `json:"never_synced"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}

func info(d store.Device) Info {
	return Info{
		Name:        d.Name,
		Host:        d.Host,
		Port:        d.Port,
		User:        d.User,
		Enabled:     d.Enabled,
		Description: d.Description,
		LastSync:    d.LastSync,
		CreatedAt:   d.CreatedAt,
	}
}

var deviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Register adds a device. Registration does not contact the device.
func (r *Registry) Register(req RegisterRequest) (*Info, error) {
	const op = "devices.register"

	name := strings.TrimSpace(req.Name)
	if !deviceNamePattern.MatchString(name) {
		return nil, errs.Validation(op, "invalid device name %q", req.Name)
	}
	host := strings.TrimSpace(req.Host)
	if host == "" || strings.ContainsAny(host, " \t/") {
		return nil, errs.Validation(op, "invalid host %q", req.Host)
	}
	port := req.Port
	if port == 0 {
		port = routeros.DefaultPort
	}
	if port < 1 || port > 65535 {
		return nil, errs.Validation(op, "port %d out of range", port)
	}
	if strings.TrimSpace(req.User) == "" {
		return nil, errs.Validation(op, "user must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.Devices()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	if _, ok := all[name]; ok {
		return nil, errs.Conflict(op, "device %s already registered", name)
	}
	d := store.Device{
		Name:        name,
		Host:        host,
		Port:        port,
		User:        strings.TrimSpace(req.User),
		Password:    req.Password,
		Enabled:     true,
		Description: req.Description,
		CreatedAt:   r.now(),
	}
	all[name] = d
	if err := r.store.SaveDevices(all); err != nil {
		return nil, errs.Internal(op, err)
	}
	r.log.WithFields(logrus.Fields{"device": name, "host": host}).Info("Device registered")
	out := info(d)
	return &out, nil
}

// Remove unregisters a device. Removing an unknown device succeeds.
func (r *Registry) Remove(name string) (*Result, error) {
	const op = "devices.remove"
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.Devices()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	if _, ok := all[name]; !ok {
		return &Result{Success: true, Message: fmt.Sprintf("device %s does not exist, nothing to do", name)}, nil
	}
	delete(all, name)
	if err := r.store.SaveDevices(all); err != nil {
		return nil, errs.Internal(op, err)
	}
	r.log.WithField("device", name).Info("Device removed")
	return &Result{Success: true, Message: fmt.Sprintf("device %s removed", name)}, nil
}

// Toggle flips a device between enabled and disabled.
func (r *Registry) Toggle(name string) (*Info, error) {
	const op = "devices.toggle"
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.Devices()
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	d, ok := all[name]
	if !ok {
		return nil, errs.NotFound(op, "device %s not registered", name)
	}
	d.Enabled = !d.Enabled
	all[name] = d
	if err := r.store.SaveDevices(all); err != nil {
		return nil, errs.Internal(op, err)
	}
	out := info(d)
	return &out, nil
}

// List returns registered devices sorted by name.
func (r *Registry) List() ([]Info, error) {
	all, err := r.store.Devices()
	if err != nil {
		return nil, errs.Internal("devices.list", err)
	}
	out := make([]Info, 0, len(all))
	for _, d := range all {
		out = append(out, info(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one device.
func (r *Registry) Get(name string) (*Info, error) {
	d, err := r.device("devices.get", name)
	if err != nil {
		return nil, err
	}
	out := info(d)
	return &out, nil
}

// Statistics summarizes the registry.
func (r *Registry) Statistics() (*Statistics, error) {
	all, err := r.store.Devices()
	if err != nil {
		return nil, errs.Internal("devices.statistics", err)
	}
	s := &Statistics{Total: len(all)}
	for _, d := range all {
		if d.Enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
		if d.LastSync == nil {
			s.NeverSynced++
			continue
		}
		if s.LastSync == nil || d.LastSync.After(*s.LastSync) {
			t := *d.LastSync
			s.LastSync = &t
		}
	}
	return s, nil
}

func (r *Registry) device(op, name string) (store.Device, error) {
	all, err := r.store.Devices()
	if err != nil {
		return store.Device{}, errs.Internal(op, err)
	}
	d, ok := all[name]
	if !ok {
		return store.Device{}, errs.NotFound(op, "device %s not registered", name)
	}
	return d, nil
}

// client returns an executor for an enabled device.
func (r *Registry) client(op, name string) (store.Device, routeros.Executor, error) {
	d, err := r.device(op, name)
	if err != nil {
		return d, nil, err
	}
	if !d.Enabled {
		return d, nil, errs.Validation(op, "device %s is disabled", name)
	}
	return d, r.factory(d), nil
}

// Test checks that the device answers and reports its identity.
func (r *Registry) Test(ctx context.Context, name string) (*TestResult, error) {
	const op = "devices.test"
	_, exec, err := r.client(op, name)
	if err != nil {
		return nil, err
	}
	res := &TestResult{Device: name}
	start := time.Now()
	echo := exec.Run(ctx, routeros.Echo("test"))
	res.Latency = time.Since(start)
	if err := echo.AsError(op); err != nil {
		res.Message = err.Error()
		return res, nil
	}
	res.Reachable = true
	res.Message = "connection ok"

	ident := exec.Run(ctx, routeros.IdentityPrint())
	if ident.OK() {
		res.Identity = routeros.ParseProperties(ident.Stdout)["name"]
	}
	return res, nil
}

// Backup writes a configuration backup on the device.
func (r *Registry) Backup(ctx context.Context, name string) (*BackupResult, error) {
	const op = "devices.backup"
	_, exec, err := r.client(op, name)
	if err != nil {
		return nil, err
	}
	backup := BackupPrefix + "_backup_" + r.now().Format("20060102_150405")
	if err := exec.RunWithTimeout(ctx, routeros.BackupSave(backup), r.backupTimeout).AsError(op); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"device": name, "backup": backup}).Info("Device backup created")
	return &BackupResult{Device: name, Name: backup}, nil
}

// RouteTable lists the routes this gateway installed on the device.
func (r *Registry) RouteTable(ctx context.Context, name string) ([]DeviceRoute, error) {
	const op = "devices.routes"
	_, exec, err := r.client(op, name)
	if err != nil {
		return nil, err
	}
	return deviceRoutes(ctx, op, exec)
}

func deviceRoutes(ctx context.Context, op string, exec routeros.Executor) ([]DeviceRoute, error) {
	res := exec.Run(ctx, routeros.RoutePrint(RouteCommentPrefix))
	if err := res.AsError(op); err != nil {
		return nil, err
	}
	records := routeros.ParseRecords(res.Stdout)
	routes := make([]DeviceRoute, 0, len(records))
	for _, rec := range records {
		routes = append(routes, DeviceRoute{
			ID:       rec.ID,
			Network:  rec.Get("dst-address"),
			Gateway:  rec.Get("gateway"),
			Distance: rec.Get("distance"),
			Comment:  rec.Comment,
			Disabled: rec.Disabled(),
		})
	}
	return routes, nil
}

// SystemInfo merges the device's resource and identity listings.
func (r *Registry) SystemInfo(ctx context.Context, name string) (map[string]string, error) {
	const op = "devices.system_info"
	_, exec, err := r.client(op, name)
	if err != nil {
		return nil, err
	}
	res := exec.Run(ctx, routeros.ResourcePrint())
	if err := res.AsError(op); err != nil {
		return nil, err
	}
	props := routeros.ParseProperties(res.Stdout)
	if ident := exec.Run(ctx, routeros.IdentityPrint()); ident.OK() {
		if v := routeros.ParseProperties(ident.Stdout)["name"]; v != "" {
			props["identity"] = v
		}
	}
	return props, nil
}

// RouteComment is the comment a synced route carries on a device.
func RouteComment(network string) string {
	return RouteCommentPrefix + "-" + strings.ReplaceAll(network, "/", "_")
}

var receivedPattern = regexp.MustCompile(`received=(\d+)`)

// pingReceived extracts the received count from a RouterOS ping summary.
func pingReceived(out string) (int, bool) {
	m := receivedPattern.FindAllStringSubmatch(out, -1)
	if len(m) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(m[len(m)-1][1])
	return n, err == nil
}

// Sync installs the enabled routes missing on the device, pointing them at
// the LAN gateway. It never removes routes from the device.
func (r *Registry) Sync(ctx context.Context, name string, routes []store.Route) SyncResult {
	const op = "devices.sync"
	res := SyncResult{Device: name}

	_, exec, err := r.client(op, name)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if r.lanGateway == "" {
		res.Message = "no LAN gateway configured"
		return res
	}

	ping := exec.Run(ctx, routeros.Ping(r.lanGateway, 3))
	if err := ping.AsError(op); err != nil {
		res.Message = err.Error()
		return res
	}
	if n, ok := pingReceived(ping.Stdout); ok && n == 0 {
		res.Message = fmt.Sprintf("LAN gateway %s unreachable from device", r.lanGateway)
		return res
	}

	existing, err := deviceRoutes(ctx, op, exec)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	present := make(map[string]bool, len(existing))
	for _, e := range existing {
		present[e.Network] = true
	}

	for _, route := range routes {
		if !route.Enabled {
			continue
		}
		if present[route.Network] {
			res.Present = append(res.Present, route.Network)
			continue
		}
		out := exec.Mutate(ctx, routeros.RouteAdd(route.Network, r.lanGateway, RouteComment(route.Network), 1))
		switch {
		case out.OK():
			res.Added = append(res.Added, route.Network)
		case out.Err == nil && out.Contains("already have"):
			res.Present = append(res.Present, route.Network)
		default:
			res.Failed = append(res.Failed, route.Network)
			r.log.WithFields(logrus.Fields{
				"device":  name,
				"network": route.Network,
				"error":   out.AsError(op),
			}).Warn("Route sync failed")
		}
	}

	res.Success = len(res.Failed) == 0
	if res.Success {
		if err := r.touch(name); err != nil {
			r.log.WithError(err).WithField("device", name).Warn("Failed to record sync time")
		}
	}
	res.Message = fmt.Sprintf("%d added, %d already present, %d failed", len(res.Added), len(res.Present), len(res.Failed))
	return res
}

// SyncAll syncs every enabled device. Disabled devices are skipped.
func (r *Registry) SyncAll(ctx context.Context, routes []store.Route) []SyncResult {
	list, err := r.List()
	if err != nil {
		return []SyncResult{{Message: err.Error()}}
	}
	var results []SyncResult
	for _, d := range list {
		if !d.Enabled {
			continue
		}
		results = append(results, r.Sync(ctx, d.Name, routes))
	}
	return results
}

func (r *Registry) touch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.store.Devices()
	if err != nil {
		return err
	}
	d, ok := all[name]
	if !ok {
		return nil
	}
	now := r.now()
	d.LastSync = &now
	all[name] = d
	return r.store.SaveDevices(all)
}
