package system

import (
	"context"
	"strings"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/network"
)

// Route backends.
const (
	BackendIP      = "ip"
	BackendNetlink = "netlink"
)

// KernelRoute is a route bound to the tunnel interface.
type KernelRoute struct {
	Network string `json:"network"`
	Gateway string `json:"gateway,omitempty"`
	Device  string `json:"device"`
	Raw     string `json:"raw,omitempty"`
}

// RouteTable manipulates kernel routes through the tunnel interface.
// Add and Delete are idempotent.
type RouteTable interface {
	Add(ctx context.Context, network, gateway string) error
	Delete(ctx context.Context, network string) error
	List(ctx context.Context) ([]KernelRoute, error)
}

// NewRouteTable returns the table for backend.
func NewRouteTable(backend string, runner Runner, iface string) (RouteTable, error) {
	switch backend {
	case "", BackendIP:
		return NewIPRouteTable(runner, iface), nil
	case BackendNetlink:
		t, err := NewNetlinkRouteTable(iface)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, errs.Validation("system.route_table", "unknown route backend %q", backend)
	}
}

func outputError(op string, out Output) error {
	if out.Err != nil {
		return errs.Transport(op, out.Err)
	}
	if out.ExitCode != 0 {
		return errs.Apply(op, "command failed", strings.TrimSpace(out.Stdout))
	}
	return nil
}

// IPRouteTable drives iproute2.
type IPRouteTable struct {
	runner Runner
	iface  string
}

// NewIPRouteTable creates an iproute2 backed table for iface.
func NewIPRouteTable(runner Runner, iface string) *IPRouteTable {
	return &IPRouteTable{runner: runner, iface: iface}
}

// Add installs network via gateway on the tunnel. An existing route is success.
func (t *IPRouteTable) Add(ctx context.Context, network, gateway string) error {
	out := t.runner.Run(ctx, "ip", "route", "add", network, "via", gateway, "dev", t.iface)
	if !out.OK() && out.Err == nil && out.Contains("File exists") {
		return nil
	}
	return outputError("system.route_add", out)
}

// Delete removes network. A missing route is success.
func (t *IPRouteTable) Delete(ctx context.Context, network string) error {
	out := t.runner.Run(ctx, "ip", "route", "del", network)
	if !out.OK() && out.Err == nil && (out.Contains("No such process") || out.Contains("not found")) {
		return nil
	}
	return outputError("system.route_del", out)
}

// List returns the routes on the tunnel interface.
func (t *IPRouteTable) List(ctx context.Context) ([]KernelRoute, error) {
	out := t.runner.Run(ctx, "ip", "route", "show", "dev", t.iface)
	if err := outputError("system.route_list", out); err != nil {
		return nil, err
	}
	return parseIPRoutes(out.Stdout, t.iface), nil
}

// parseIPRoutes reads "ip route show dev X" output. The device is implied by
// the query, so lines start with the destination.
func parseIPRoutes(text, iface string) []KernelRoute {
	var routes []KernelRoute
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		dst := fields[0]
		if dst == "default" {
			dst = "0.0.0.0/0"
		} else if !strings.Contains(dst, "/") {
			if !network.IsIPv4(dst) {
				continue
			}
			dst += "/32"
		}
		r := KernelRoute{Network: dst, Device: iface, Raw: strings.TrimSpace(line)}
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				r.Gateway = fields[i+1]
			case "dev":
				r.Device = fields[i+1]
			}
		}
		routes = append(routes, r)
	}
	return routes
}
