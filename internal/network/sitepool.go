// Package network provides VPN site address pools and the address
// validation rules shared by the account, NAT and route managers.
// A site pool hands out addresses between a start and an end host offset
// of the site CIDR, skipping fixed reservations and addresses already
// assigned on the router.
package network

import (
	"fmt"
	"net"
	"sort"
)

// SiteSpec describes a site pool.
type SiteSpec struct {
	Network string            // CIDR notation, e.g. "10.0.11.0/24"
	Gateway string            // Router address inside the site
	Start   int               // First host offset handed out
	End     int               // Last host offset handed out
	Fixed   map[string]string // Reserved addresses keyed by owner name
}

// SitePool is an immutable view of one site's addressing. Assignment state
// lives on the router, so every query takes the currently assigned set.
type SitePool struct {
	name             string            // Site name, e.g. "matriz"
	network          string            // Original CIDR notation
	ipNet            *net.IPNet        // Parsed network information
	gateway          string            // Router address inside the site
	start            int               // First host offset
	end              int               // Last host offset
	fixed            map[string]string // Reserved address -> owner name
	networkAddress   string            // Network address (e.g., "10.0.11.0")
	broadcastAddress string            // Broadcast address (e.g., "10.0.11.255")
}

// PoolInfo summarizes a site pool against the currently assigned addresses.
type PoolInfo struct {
	Site      string            `json:"site"`      // Site name
	Network   string            `json:"network"`   // CIDR notation of the site
	Gateway   string            `json:"gateway"`   // Router address inside the site
	Profile   string            `json:"profile"`   // PPP profile used for the site's accounts
	Range     string            `json:"range"`     // First and last assignable address
	Total     int               `json:"total"`     // Addresses between start and end
	Fixed     map[string]string `json:"fixed"`     // Reserved addresses by owner
	Assigned  int               `json:"assigned"`  // Assigned addresses inside the range
	Available int               `json:"available"` // Addresses still free
}

// NewSitePool creates a pool for the named site. The CIDR must be IPv4 and the
// offsets must fall strictly between the network and broadcast addresses.
func NewSitePool(name string, spec SiteSpec) (*SitePool, error) {
	_, ipNet, err := net.ParseCIDR(spec.Network)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}
	if ipNet.IP.To4() == nil {
		return nil, fmt.Errorf("IPv6 not supported")
	}

	ones, bits := ipNet.Mask.Size()
	hostCount := (1 << (bits - ones)) - 1
	if spec.Start < 1 || spec.End < spec.Start || spec.End >= hostCount {
		return nil, fmt.Errorf("invalid host range %d-%d for %s", spec.Start, spec.End, spec.Network)
	}

	networkAddr := ipNet.IP.Mask(ipNet.Mask).To4()
	broadcastAddr := make(net.IP, len(networkAddr))
	copy(broadcastAddr, networkAddr)
	for i := range broadcastAddr {
		broadcastAddr[i] |= ^ipNet.Mask[i]
	}

	fixed := make(map[string]string, len(spec.Fixed))
	for owner, addr := range spec.Fixed {
		ip := net.ParseIP(addr)
		if ip == nil || !ipNet.Contains(ip) {
			return nil, fmt.Errorf("fixed address %s for %s is not in %s", addr, owner, spec.Network)
		}
		fixed[ip.String()] = owner
	}

	return &SitePool{
		name:             name,
		network:          spec.Network,
		ipNet:            ipNet,
		gateway:          spec.Gateway,
		start:            spec.Start,
		end:              spec.End,
		fixed:            fixed,
		networkAddress:   networkAddr.String(),
		broadcastAddress: broadcastAddr.String(),
	}, nil
}

// Name returns the site name.
func (p *SitePool) Name() string {
	return p.name
}

// Network returns the site CIDR.
func (p *SitePool) Network() string {
	return p.network
}

// Profile returns the PPP profile name for the site.
func (p *SitePool) Profile() string {
	return "vpn_" + p.name
}

// Contains reports whether ip lies inside the site CIDR.
func (p *SitePool) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && p.ipNet.Contains(parsed)
}

// FixedOwner returns the owner of a fixed reservation.
func (p *SitePool) FixedOwner(ip string) (string, bool) {
	owner, ok := p.fixed[ip]
	return owner, ok
}

// Next returns the first address from start to end that is neither fixed nor
// in assigned. ok is false when the range is exhausted.
func (p *SitePool) Next(assigned map[string]bool) (string, bool) {
	base := p.ipNet.IP.Mask(p.ipNet.Mask).To4()
	for offset := p.start; offset <= p.end; offset++ {
		ip := incrementIP(base, offset).String()
		if _, reserved := p.fixed[ip]; reserved {
			continue
		}
		if assigned[ip] {
			continue
		}
		return ip, true
	}
	return "", false
}

// CheckAddress validates an explicitly requested address. It returns an error
// describing why ip cannot be used; conflict reports whether the reason is a
// collision rather than malformed input.
func (p *SitePool) CheckAddress(ip string, assigned map[string]bool) (conflict bool, err error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return false, fmt.Errorf("invalid IP address: %s", ip)
	}
	if !p.ipNet.Contains(parsed) {
		return false, fmt.Errorf("IP address %s not in site %s network %s", ip, p.name, p.network)
	}
	if ip == p.networkAddress {
		return false, fmt.Errorf("cannot assign network address: %s", ip)
	}
	if ip == p.broadcastAddress {
		return false, fmt.Errorf("cannot assign broadcast address: %s", ip)
	}
	if ip == p.gateway {
		return true, fmt.Errorf("IP address %s is the site gateway", ip)
	}
	if owner, ok := p.fixed[ip]; ok {
		return true, fmt.Errorf("IP address %s is reserved for %s", ip, owner)
	}
	if assigned[ip] {
		return true, fmt.Errorf("IP address %s already assigned", ip)
	}
	return false, nil
}

// Info summarizes the pool against assigned.
func (p *SitePool) Info(assigned map[string]bool) PoolInfo {
	base := p.ipNet.IP.Mask(p.ipNet.Mask).To4()
	total := p.end - p.start + 1
	fixedInRange, assignedInRange := 0, 0
	for offset := p.start; offset <= p.end; offset++ {
		ip := incrementIP(base, offset).String()
		if _, ok := p.fixed[ip]; ok {
			fixedInRange++
		} else if assigned[ip] {
			assignedInRange++
		}
	}

	fixed := make(map[string]string, len(p.fixed))
	for ip, owner := range p.fixed {
		fixed[owner] = ip
	}

	return PoolInfo{
		Site:      p.name,
		Network:   p.network,
		Gateway:   p.gateway,
		Profile:   p.Profile(),
		Range:     fmt.Sprintf("%s-%s", incrementIP(base, p.start), incrementIP(base, p.end)),
		Total:     total,
		Fixed:     fixed,
		Assigned:  assignedInRange,
		Available: total - fixedInRange - assignedInRange,
	}
}

// Pools is a set of site pools keyed by name.
type Pools map[string]*SitePool

// NewPools builds pools from specs.
func NewPools(specs map[string]SiteSpec) (Pools, error) {
	pools := make(Pools, len(specs))
	for name, spec := range specs {
		pool, err := NewSitePool(name, spec)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", name, err)
		}
		pools[name] = pool
	}
	return pools, nil
}

// Names returns the site names sorted.
func (ps Pools) Names() []string {
	names := make([]string, 0, len(ps))
	for name := range ps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForAddress returns the site whose CIDR contains ip.
func (ps Pools) ForAddress(ip string) (*SitePool, bool) {
	for _, name := range ps.Names() {
		if ps[name].Contains(ip) {
			return ps[name], true
		}
	}
	return nil, false
}

// ForProfile returns the site whose PPP profile is profile.
func (ps Pools) ForProfile(profile string) (*SitePool, bool) {
	for _, p := range ps {
		if p.Profile() == profile {
			return p, true
		}
	}
	return nil, false
}

// incrementIP increments an IP address by the given amount, carrying across octets.
func incrementIP(ip net.IP, inc int) net.IP {
	result := make(net.IP, len(ip))
	copy(result, ip)

	for i := len(result) - 1; i >= 0 && inc > 0; i-- {
		val := int(result[i]) + inc
		result[i] = byte(val & 0xFF)
		inc = val >> 8
	}

	return result
}
