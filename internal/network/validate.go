package network

import (
	"fmt"
	"net"
)

var privateRanges = mustCIDRs("10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16")

var (
	loopback  = mustCIDRs("127.0.0.0/8")[0]
	linkLocal = mustCIDRs("169.254.0.0/16")[0]
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivateIPv4 reports whether ip is an RFC 1918 IPv4 address.
func IsPrivateIPv4(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return false
	}
	for _, n := range privateRanges {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// NormalizeRouteNetwork validates a destination network for a static route
// and returns it in canonical "address/prefix" form. A bare address is a /32.
// The network must be IPv4, must not be loopback or link-local, and must not
// overlap any of the tunnel networks.
func NormalizeRouteNetwork(network string, tunnelNetworks []string) (string, error) {
	if ip := net.ParseIP(network); ip != nil {
		network += "/32"
	}
	_, ipNet, err := net.ParseCIDR(network)
	if err != nil {
		return "", fmt.Errorf("invalid network %q: %w", network, err)
	}
	if ipNet.IP.To4() == nil {
		return "", fmt.Errorf("IPv6 not supported: %s", network)
	}
	if overlaps(ipNet, loopback) {
		return "", fmt.Errorf("loopback networks cannot be routed: %s", ipNet)
	}
	if overlaps(ipNet, linkLocal) {
		return "", fmt.Errorf("link-local networks cannot be routed: %s", ipNet)
	}
	for _, t := range tunnelNetworks {
		_, tunnel, err := net.ParseCIDR(t)
		if err != nil {
			continue
		}
		if overlaps(ipNet, tunnel) {
			return "", fmt.Errorf("network %s overlaps the tunnel network %s", ipNet, tunnel)
		}
	}
	return ipNet.String(), nil
}

// overlaps reports whether two networks share any address.
func overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// IsIPv4 reports whether s is a dotted IPv4 address.
func IsIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// SameSlash24Gateway returns the .1 address of ip's /24.
func SameSlash24Gateway(ip string) (string, bool) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return "", false
	}
	gw := make(net.IP, 4)
	copy(gw, parsed)
	gw[3] = 1
	return gw.String(), true
}
