// Package store persists the gateway's desired state as JSON documents:
// the device registry, the route table and the gateway settings.
// Every write first copies the current file to "<file>.backup" and then
// replaces the file through a temporary sibling and a rename, so a crash
// leaves either the old or the new document in place.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/metrics"
)

// Registry file names.
const (
	DevicesFile  = "devices.json"
	RoutesFile   = "vpn_routes.json"
	SettingsFile = "gateway_settings.json"
)

// BackupSuffix is appended to a registry file name for its pre-write copy.
const BackupSuffix = ".backup"

// Device is a registered remote router.
type Device struct {
	Name        string     `json:"name"`                // Unique registry key
	Host        string     `json:"host"`                // Address or hostname
	Port        int        `json:"port"`                // SSH port
	User        string     `json:"user"`                // Login user
	Password    string     `json:"password"`            // Login password
	Enabled     bool       `json:"enabled"`             // Disabled devices are skipped by sync
	Description string     `json:"description"`         // Free text
	LastSync    *time.Time `json:"last_sync,omitempty"` // Last successful route sync
	CreatedAt   time.Time  `json:"created_at"`          // Registration time
}

// Route is a desired static route toward a network behind the tunnel.
type Route struct {
	Network        string     `json:"network"`                   // CIDR, unique
	Gateway        string     `json:"gateway"`                   // Declared next hop, empty to use the detected gateway
	AppliedGateway string     `json:"applied_gateway,omitempty"` // Next hop installed in the kernel, cleared on disable
	Description    string     `json:"description"`               // Free text
	Enabled        bool       `json:"enabled"`                   // Applied to the kernel and firewall when true
	CreatedAt      time.Time  `json:"created_at"`                // When the route was declared
	LastSync       *time.Time `json:"last_sync,omitempty"`       // Last time it was applied locally
}

// RouteTable is the routes document.
type RouteTable struct {
	Routes     []Route    `json:"routes"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
}

// Find returns the index of network in the table, or -1.
func (t *RouteTable) Find(network string) int {
	for i, r := range t.Routes {
		if r.Network == network {
			return i
		}
	}
	return -1
}

// GatewaySettings records the tunnel-side gateway state.
type GatewaySettings struct {
	Interface           string     `json:"interface"`                       // Tunnel interface
	LANGatewayIP        string     `json:"lan_gateway_ip"`                  // Next hop remote devices use to reach the tunnel host
	LastDetectedGateway string     `json:"last_detected_gateway,omitempty"` // Most recent detection result
	LastDetectedAt      *time.Time `json:"last_detected_at,omitempty"`      // When it was detected
	BaseRulesApplied    *time.Time `json:"base_rules_applied,omitempty"`    // Last base firewall application
}

// Store reads and writes the registries in one directory.
type Store struct {
	dir     string
	mu      sync.Mutex
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, log logrus.FieldLogger, m *metrics.Metrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{dir: dir, log: log, metrics: m}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path of a registry file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Devices loads the device registry keyed by name. A missing file is an empty registry.
func (s *Store) Devices() (map[string]Device, error) {
	devices := map[string]Device{}
	if err := s.load(DevicesFile, &devices); err != nil {
		return nil, err
	}
	for name, d := range devices {
		d.Name = name
		devices[name] = d
	}
	return devices, nil
}

// SaveDevices replaces the device registry.
func (s *Store) SaveDevices(devices map[string]Device) error {
	return s.save(DevicesFile, devices)
}

// Routes loads the route table.
func (s *Store) Routes() (*RouteTable, error) {
	table := &RouteTable{}
	if err := s.load(RoutesFile, table); err != nil {
		return nil, err
	}
	if table.Routes == nil {
		table.Routes = []Route{}
	}
	return table, nil
}

// SaveRoutes replaces the route table and stamps LastUpdate.
func (s *Store) SaveRoutes(table *RouteTable) error {
	now := time.Now()
	table.LastUpdate = &now
	return s.save(RoutesFile, table)
}

// GatewaySettings loads the gateway settings.
func (s *Store) GatewaySettings() (*GatewaySettings, error) {
	settings := &GatewaySettings{}
	if err := s.load(SettingsFile, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveGatewaySettings replaces the gateway settings.
func (s *Store) SaveGatewaySettings(settings *GatewaySettings) error {
	return s.save(SettingsFile, settings)
}

func (s *Store) load(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (s *Store) save(name string, v any) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.metrics.StoreWrite(name, err) }()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	path := s.Path(name)
	if err := copyFile(path, path+BackupSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.WithError(err).WithField("file", name).Warn("failed to back up registry before write")
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", name, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
