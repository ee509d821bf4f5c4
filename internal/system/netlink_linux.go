//go:build linux

package system

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"vpn-gateway/internal/errs"
)

// NetlinkRouteTable manipulates routes over rtnetlink instead of shelling out.
type NetlinkRouteTable struct {
	h     *netlink.Handle
	iface string
}

// NewNetlinkRouteTable opens a netlink handle for iface.
func NewNetlinkRouteTable(iface string) (*NetlinkRouteTable, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &NetlinkRouteTable{h: h, iface: iface}, nil
}

// Close releases the handle.
func (t *NetlinkRouteTable) Close() error {
	t.h.Close()
	return nil
}

func (t *NetlinkRouteTable) link(op string) (netlink.Link, error) {
	link, err := t.h.LinkByName(t.iface)
	if err != nil {
		return nil, errs.Apply(op, "tunnel interface not found", err.Error())
	}
	return link, nil
}

// Add implements RouteTable.
func (t *NetlinkRouteTable) Add(_ context.Context, network, gateway string) error {
	const op = "system.route_add"
	link, err := t.link(op)
	if err != nil {
		return err
	}
	_, dst, err := net.ParseCIDR(network)
	if err != nil {
		return errs.Validation(op, "invalid network %q", network)
	}
	gw := net.ParseIP(gateway)
	if gw == nil {
		return errs.Validation(op, "invalid gateway %q", gateway)
	}
	err = t.h.RouteAdd(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst, Gw: gw})
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return errs.Apply(op, "route add failed", err.Error())
	}
	return nil
}

// Delete implements RouteTable.
func (t *NetlinkRouteTable) Delete(_ context.Context, network string) error {
	const op = "system.route_del"
	_, dst, err := net.ParseCIDR(network)
	if err != nil {
		return errs.Validation(op, "invalid network %q", network)
	}
	err = t.h.RouteDel(&netlink.Route{Dst: dst})
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return errs.Apply(op, "route delete failed", err.Error())
	}
	return nil
}

// List implements RouteTable.
func (t *NetlinkRouteTable) List(_ context.Context) ([]KernelRoute, error) {
	const op = "system.route_list"
	link, err := t.link(op)
	if err != nil {
		return nil, err
	}
	routes, err := t.h.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, errs.Apply(op, "route list failed", err.Error())
	}
	out := make([]KernelRoute, 0, len(routes))
	for _, r := range routes {
		kr := KernelRoute{Network: "0.0.0.0/0", Device: t.iface}
		if r.Dst != nil {
			kr.Network = r.Dst.String()
		}
		if r.Gw != nil {
			kr.Gateway = r.Gw.String()
		}
		out = append(out, kr)
	}
	return out, nil
}
