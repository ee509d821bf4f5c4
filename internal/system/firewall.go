package system

import (
	"context"

	"vpn-gateway/internal/errs"
)

// Firewall installs the forwarding rules that let LAN traffic for a routed
// network leave through the tunnel.
type Firewall interface {
	EnsureForwarding(ctx context.Context, network string) error
	RemoveForwarding(ctx context.Context, network string) error
	ApplyBaseRules(ctx context.Context) error
}

// IPTables implements Firewall with iptables. Every insert is preceded by a
// -C match so repeated calls do not stack duplicate rules.
type IPTables struct {
	runner Runner
	iface  string
}

// NewIPTables creates an iptables Firewall for the tunnel interface.
func NewIPTables(runner Runner, iface string) *IPTables {
	return &IPTables{runner: runner, iface: iface}
}

type rule struct {
	table string
	chain string
	spec  []string
}

func (r rule) args(action string) []string {
	args := []string{}
	if r.table != "" {
		args = append(args, "-t", r.table)
	}
	args = append(args, action, r.chain)
	return append(args, r.spec...)
}

func (f *IPTables) forwardingRules(network string) []rule {
	return []rule{
		{table: "nat", chain: "POSTROUTING", spec: []string{"-s", network, "-o", f.iface, "-j", "MASQUERADE"}},
		{chain: "FORWARD", spec: []string{"-s", network, "-o", f.iface, "-j", "ACCEPT"}},
	}
}

func (f *IPTables) baseRules() []rule {
	return []rule{
		{chain: "FORWARD", spec: []string{"-i", f.iface, "-j", "ACCEPT"}},
		{chain: "FORWARD", spec: []string{"-o", f.iface, "-j", "ACCEPT"}},
		{table: "nat", chain: "POSTROUTING", spec: []string{"-o", f.iface, "-j", "MASQUERADE"}},
	}
}

func (f *IPTables) ensure(ctx context.Context, op string, r rule) error {
	check := f.runner.Run(ctx, "iptables", r.args("-C")...)
	if check.Err != nil {
		return errs.Transport(op, check.Err)
	}
	if check.OK() {
		return nil
	}
	return outputError(op, f.runner.Run(ctx, "iptables", r.args("-A")...))
}

// EnsureForwarding adds MASQUERADE and FORWARD rules for network.
func (f *IPTables) EnsureForwarding(ctx context.Context, network string) error {
	for _, r := range f.forwardingRules(network) {
		if err := f.ensure(ctx, "system.firewall_add", r); err != nil {
			return err
		}
	}
	return nil
}

// RemoveForwarding deletes the rules EnsureForwarding added. Missing rules are
// success; every rule is attempted and the first failure returned.
func (f *IPTables) RemoveForwarding(ctx context.Context, network string) error {
	var first error
	for _, r := range f.forwardingRules(network) {
		out := f.runner.Run(ctx, "iptables", r.args("-D")...)
		if out.Err == nil && !out.OK() && (out.Contains("does not exist") || out.Contains("bad rule")) {
			continue
		}
		if err := outputError("system.firewall_remove", out); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ApplyBaseRules enables IPv4 forwarding and the interface-wide tunnel rules.
func (f *IPTables) ApplyBaseRules(ctx context.Context) error {
	const op = "system.firewall_base"
	if err := outputError(op, f.runner.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")); err != nil {
		return err
	}
	for _, r := range f.baseRules() {
		if err := f.ensure(ctx, op, r); err != nil {
			return err
		}
	}
	return nil
}
