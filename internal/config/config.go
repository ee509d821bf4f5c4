// Package config loads the gateway configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Logging  LoggingConfig         `mapstructure:"logs"`
	Database DatabaseConfig        `mapstructure:"database"`
	Store    StoreConfig           `mapstructure:"store"`
	Router   RouterConfig          `mapstructure:"router"`
	Gateway  GatewayConfig         `mapstructure:"gateway"`
	Sites    map[string]SiteConfig `mapstructure:"sites"`
	NAT      NATConfig             `mapstructure:"nat"`
}

// ServerConfig configures the dashboard HTTP adapter.
type ServerConfig struct {
	Address       string `mapstructure:"address"`        // 127.0.0.1
	Port          int    `mapstructure:"port"`           // 8080
	JWTSecret     string `mapstructure:"jwt_secret"`     // HMAC key for operator tokens
	AdminUser     string `mapstructure:"admin_user"`     // Bootstrap operator account
	AdminPassword string `mapstructure:"admin_password"` // Bootstrap operator password
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // trace|debug|info|warning|error|fatal
	Format     string `mapstructure:"format"`      // text|json
	File       string `mapstructure:"file"`        // Log file prefix, empty for stdout only
	BufferSize int    `mapstructure:"buffer_size"` // Recent entries kept for the dashboard
}

// DatabaseConfig configures the audit database.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite|postgres|mysql
	DSN    string `mapstructure:"dsn"`    // Driver-specific DSN or sqlite file path
}

// StoreConfig configures the JSON registries.
type StoreConfig struct {
	Dir string `mapstructure:"dir"` // Directory holding devices.json, vpn_routes.json, gateway_settings.json
}

// RouterConfig describes the router that hosts VPN accounts and port forwards.
type RouterConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	BackupTimeout  time.Duration `mapstructure:"backup_timeout"`
}

// GatewayConfig describes the local tunnel host.
type GatewayConfig struct {
	Interface       string        `mapstructure:"interface"`        // Tunnel interface, e.g. tun0
	FallbackGateway string        `mapstructure:"fallback_gateway"` // Used when detection heuristics find nothing
	LANGatewayIP    string        `mapstructure:"lan_gateway_ip"`   // Address remote devices route through
	TunnelNetworks  []string      `mapstructure:"tunnel_networks"`  // Tunnel addressing that routes may not overlap
	UseSudo         bool          `mapstructure:"use_sudo"`         // Prefix privileged commands with sudo
	RouteBackend    string        `mapstructure:"route_backend"`    // ip|netlink
	Service         string        `mapstructure:"service"`          // systemd unit of the tunnel client
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`  // Local command timeout
}

// SiteConfig is one VPN address pool.
type SiteConfig struct {
	Network string            `mapstructure:"network"` // CIDR, e.g. 10.0.11.0/24
	Gateway string            `mapstructure:"gateway"` // Router address inside the site
	Start   int               `mapstructure:"start"`   // First host offset handed out
	End     int               `mapstructure:"end"`     // Last host offset handed out
	Fixed   map[string]string `mapstructure:"fixed"`   // Reserved addresses by owner name
}

// KnownServer names a LAN host that port forwards commonly target.
type KnownServer struct {
	Address string `mapstructure:"address"`
	Name    string `mapstructure:"name"`
}

// PortRange is an inclusive port range.
type PortRange struct {
	Start int `mapstructure:"start"`
	End   int `mapstructure:"end"`
}

// NATConfig tunes port forwarding.
type NATConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	SystemPorts  []int         `mapstructure:"system_ports"`
	HighRanges   []PortRange   `mapstructure:"high_ranges"`
	Samples      int           `mapstructure:"samples"` // Random samples per high range
	KnownServers []KnownServer `mapstructure:"known_servers"`
}

// Load reads configuration from env and an optional file. An explicit file
// path wins over CONFIG_FILE, which wins over the search path.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("VPNGW")
	v.AutomaticEnv()
	setDefaults(v)

	if file == "" {
		file = os.Getenv("CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "vpn-gateway"))
		}
		v.AddConfigPath("/etc/vpn-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad(file string) *Config {
	cfg, err := Load(file)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.admin_user", "admin")
	v.SetDefault("server.admin_password", "")

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "text")
	v.SetDefault("logs.file", "")
	v.SetDefault("logs.buffer_size", 1000)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vpn-gateway.db")

	v.SetDefault("store.dir", "data")

	v.SetDefault("router.host", "")
	v.SetDefault("router.port", 22)
	v.SetDefault("router.user", "admin")
	v.SetDefault("router.password", "")
	v.SetDefault("router.connect_timeout", "10s")
	v.SetDefault("router.command_timeout", "30s")
	v.SetDefault("router.backup_timeout", "60s")

	v.SetDefault("gateway.interface", "tun0")
	v.SetDefault("gateway.fallback_gateway", "10.8.0.1")
	v.SetDefault("gateway.lan_gateway_ip", "10.0.10.7")
	v.SetDefault("gateway.tunnel_networks", []string{"10.8.0.0/16", "10.9.0.0/16"})
	v.SetDefault("gateway.use_sudo", true)
	v.SetDefault("gateway.route_backend", "ip")
	v.SetDefault("gateway.service", "openvpn@client")
	v.SetDefault("gateway.command_timeout", "10s")

	v.SetDefault("sites", map[string]any{
		"matriz": map[string]any{
			"network": "10.0.11.0/24",
			"gateway": "10.0.11.1",
			"start":   10,
			"end":     99,
			"fixed": map[string]any{
				"router": "10.0.11.2",
				"admin":  "10.0.11.5",
				"backup": "10.0.11.6",
			},
		},
		"escritorio": map[string]any{
			"network": "10.0.21.0/24",
			"gateway": "10.0.21.1",
			"start":   10,
			"end":     99,
			"fixed": map[string]any{
				"router": "10.0.21.2",
			},
		},
	})

	v.SetDefault("nat.probe_timeout", "5s")
	v.SetDefault("nat.system_ports", []int{80, 443, 22, 21, 25, 53, 67, 68, 110, 123, 143, 161, 389, 993, 995})
	v.SetDefault("nat.high_ranges", []map[string]any{
		{"start": 8000, "end": 8999},
		{"start": 9000, "end": 9999},
		{"start": 10000, "end": 19999},
		{"start": 20000, "end": 29999},
	})
	v.SetDefault("nat.samples", 50)
	v.SetDefault("nat.known_servers", []map[string]any{
		{"address": "10.0.10.4", "name": "Windows Server"},
		{"address": "10.0.10.5", "name": "Docker Server"},
		{"address": "10.0.10.6", "name": "Home Assistant"},
		{"address": "10.0.10.7", "name": "Development Server"},
	})
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Gateway.RouteBackend {
	case "ip", "netlink":
	default:
		return fmt.Errorf("gateway.route_backend must be ip or netlink, got %q", c.Gateway.RouteBackend)
	}
	if c.Router.Port < 1 || c.Router.Port > 65535 {
		return fmt.Errorf("router.port %d out of range", c.Router.Port)
	}
	for _, n := range c.Gateway.TunnelNetworks {
		if _, _, err := net.ParseCIDR(n); err != nil {
			return fmt.Errorf("gateway.tunnel_networks: invalid CIDR %q", n)
		}
	}
	for name, s := range c.Sites {
		if _, _, err := net.ParseCIDR(s.Network); err != nil {
			return fmt.Errorf("sites.%s.network: invalid CIDR %q", name, s.Network)
		}
		if s.Start < 1 || s.End < s.Start {
			return fmt.Errorf("sites.%s: invalid offsets %d-%d", name, s.Start, s.End)
		}
	}
	for _, r := range c.NAT.HighRanges {
		if r.Start < 1024 || r.End > 65535 || r.End < r.Start {
			return fmt.Errorf("nat.high_ranges: invalid range %d-%d", r.Start, r.End)
		}
	}
	return nil
}

// ListenAddr is the dashboard listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Address, fmt.Sprint(c.Server.Port))
}
