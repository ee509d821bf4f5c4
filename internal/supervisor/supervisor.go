// Package supervisor reports on the external VPN client that owns the tunnel
// interface. The client itself is managed by the host's service manager; this
// package only asks it for state and starts or stops the unit.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"vpn-gateway/internal/system"
)

// Client states.
const (
	StateConnected  = "connected"
	StateConnecting = "connecting"
	StateStarting   = "starting"
	StateStopped    = "stopped"
	StateError      = "error"
)

// DefaultPublicAddressURL returns the caller's public address as plain text.
const DefaultPublicAddressURL = "https://ifconfig.me/ip"

// Status is a point-in-time view of the tunnel client.
type Status struct {
	State        string    `json:"state"`
	Service      string    `json:"service"`
	Interface    string    `json:"interface"`
	LocalAddress string    `json:"local_address,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Client is the contract the route reconciler consumes.
type Client interface {
	Status(ctx context.Context) Status
	LocalAddress(ctx context.Context) (string, bool)
	PublicAddress(ctx context.Context) (string, bool)
}

// AddrFunc lists the addresses of a network interface.
type AddrFunc func(iface string) ([]net.Addr, error)

// InterfaceAddrs is the AddrFunc backed by the host's interfaces.
func InterfaceAddrs(iface string) ([]net.Addr, error) {
	i, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	return i.Addrs()
}

// Systemd supervises a systemd unit running the tunnel client.
type Systemd struct {
	runner    system.Runner
	service   string
	iface     string
	addrs     AddrFunc
	http      *http.Client
	publicURL string
}

// NewSystemd creates a Systemd supervisor for service owning iface.
func NewSystemd(runner system.Runner, service, iface string) *Systemd {
	return &Systemd{
		runner:    runner,
		service:   service,
		iface:     iface,
		addrs:     InterfaceAddrs,
		http:      &http.Client{Timeout: 5 * time.Second},
		publicURL: DefaultPublicAddressURL,
	}
}

// Status maps the unit state and the tunnel address to a client state: an
// active unit without a tunnel address is still connecting.
func (s *Systemd) Status(ctx context.Context) Status {
	st := Status{Service: s.service, Interface: s.iface, LastUpdated: time.Now(), State: StateStopped}

	out := s.runner.Run(ctx, "systemctl", "is-active", s.service)
	if out.Err != nil {
		st.State = StateError
		st.ErrorMessage = fmt.Sprintf("failed to query service: %v", out.Err)
		return st
	}
	switch strings.TrimSpace(out.Stdout) {
	case "active":
		if addr, ok := s.LocalAddress(ctx); ok {
			st.State = StateConnected
			st.LocalAddress = addr
		} else {
			st.State = StateConnecting
		}
	case "activating", "reloading":
		st.State = StateStarting
	case "failed":
		st.State = StateError
		st.ErrorMessage = "service failed"
	default:
		st.State = StateStopped
	}
	return st
}

// LocalAddress returns the tunnel's IPv4 address.
func (s *Systemd) LocalAddress(context.Context) (string, bool) {
	addrs, err := s.addrs(s.iface)
	if err != nil {
		return "", false
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String(), true
		}
	}
	return "", false
}

// PublicAddress asks an external echo service for the egress address.
func (s *Systemd) PublicAddress(ctx context.Context) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.publicURL, nil)
	if err != nil {
		return "", false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", false
	}
	addr := strings.TrimSpace(string(body))
	if net.ParseIP(addr) == nil {
		return "", false
	}
	return addr, true
}

// Start starts the unit.
func (s *Systemd) Start(ctx context.Context) error {
	return s.unit(ctx, "start")
}

// Stop stops the unit.
func (s *Systemd) Stop(ctx context.Context) error {
	return s.unit(ctx, "stop")
}

// Restart restarts the unit.
func (s *Systemd) Restart(ctx context.Context) error {
	return s.unit(ctx, "restart")
}

func (s *Systemd) unit(ctx context.Context, action string) error {
	out := s.runner.Run(ctx, "systemctl", action, s.service)
	if out.Err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, s.service, out.Err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("failed to %s %s: %s", action, s.service, strings.TrimSpace(out.Stdout))
	}
	return nil
}

// Static is a fixed Client used by tests and dry runs.
type Static struct {
	State  string
	Local  string
	Public string
}

func (s Static) Status(context.Context) Status {
	return Status{State: s.State, LocalAddress: s.Local, LastUpdated: time.Now()}
}

func (s Static) LocalAddress(context.Context) (string, bool) {
	return s.Local, s.Local != ""
}

func (s Static) PublicAddress(context.Context) (string, bool) {
	return s.Public, s.Public != ""
}
