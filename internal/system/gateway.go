package system

import (
	"context"
	"strings"

	"vpn-gateway/internal/network"
)

// Gateway detection sources.
const (
	SourceRoute    = "route"
	SourceAddress  = "address"
	SourceOverride = "override"
	SourceFallback = "fallback"
)

// Detection is the result of gateway detection.
type Detection struct {
	Gateway string `json:"gateway"`
	Source  string `json:"source"`
}

// Detector guesses the VPN gateway from the tunnel's route listing.
type Detector struct {
	runner   Runner
	iface    string
	fallback string
}

// NewDetector creates a Detector. fallback is returned when no heuristic
// matches but the tunnel has routes.
func NewDetector(runner Runner, iface, fallback string) *Detector {
	return &Detector{runner: runner, iface: iface, fallback: fallback}
}

// Detect tries, in order: a "via" token in the tunnel's routes, the first
// address on the tunnel mapped to its /24 .1, a "via" on the 0.0.0.0/1
// override route, then the fallback. It reports false only when the tunnel
// routes cannot be listed.
func (d *Detector) Detect(ctx context.Context) (Detection, bool) {
	out := d.runner.Run(ctx, "ip", "route", "show", "dev", d.iface)
	if !out.OK() {
		return Detection{}, false
	}
	if gw := viaToken(out.Stdout); gw != "" {
		return Detection{Gateway: gw, Source: SourceRoute}, true
	}
	if gw, ok := firstAddressGateway(out.Stdout); ok {
		return Detection{Gateway: gw, Source: SourceAddress}, true
	}

	override := d.runner.Run(ctx, "ip", "route", "show", "0.0.0.0/1", "dev", d.iface)
	if override.OK() {
		if gw := viaToken(override.Stdout); gw != "" {
			return Detection{Gateway: gw, Source: SourceOverride}, true
		}
	}

	if d.fallback == "" {
		return Detection{}, false
	}
	return Detection{Gateway: d.fallback, Source: SourceFallback}, true
}

func viaToken(text string) string {
	fields := strings.Fields(text)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "via" && network.IsIPv4(fields[i+1]) {
			return fields[i+1]
		}
	}
	return ""
}

// firstAddressGateway takes the first IPv4 address on the first line. An
// address ending in .1 is the gateway itself; otherwise .1 of its /24 is.
func firstAddressGateway(text string) (string, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	for _, f := range strings.Fields(line) {
		f, _, _ = strings.Cut(f, "/")
		if !network.IsIPv4(f) {
			continue
		}
		if strings.HasSuffix(f, ".1") {
			return f, true
		}
		return network.SameSlash24Gateway(f)
	}
	return "", false
}
