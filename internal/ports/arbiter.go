// Package ports decides which external ports a new port-forwarding rule may
// claim. Check is the single availability oracle; Suggest only ever returns
// ports that Check accepts.
package ports

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// Protocols.
const (
	TCP = "tcp"
	UDP = "udp"
)

// Port bounds.
const (
	MinPort       = 1
	MaxPort       = 65535
	ReservedBelow = 1024
)

// Rejection reasons returned by Check.
const (
	ReasonOutOfRange      = "out_of_range"
	ReasonInvalidProtocol = "invalid_protocol"
	ReasonReserved        = "reserved"
	ReasonSystemPort      = "system_port"
	ReasonInUse           = "in_use"
)

// DefaultSystemPorts are well-known service ports never handed out.
var DefaultSystemPorts = []int{80, 443, 22, 21, 25, 53, 67, 68, 110, 123, 143, 161, 389, 993, 995}

// DefaultRanges are the high ranges sampled when no nearby port is free.
var DefaultRanges = []Range{
	{Start: 8000, End: 8999},
	{Start: 9000, End: 9999},
	{Start: 10000, End: 19999},
	{Start: 20000, End: 29999},
}

// Range is an inclusive port range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Claim is an existing forwarding rule's hold on an external port.
type Claim struct {
	ID       string // Device rule id
	Port     int    // External port
	Protocol string // tcp or udp
	Comment  string // Rule comment, reported as the holder
	Enabled  bool   // Only enabled rules hold their port
}

// Availability is the answer to "may port/protocol be claimed".
type Availability struct {
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`  // One of the Reason constants when unavailable
	Message   string `json:"message,omitempty"` // Human-readable explanation
	UsedBy    string `json:"used_by,omitempty"` // Comment of the holding rule for ReasonInUse
}

// Options tune an Arbiter.
type Options struct {
	SystemPorts []int      // Defaults to DefaultSystemPorts
	Ranges      []Range    // Defaults to DefaultRanges
	Samples     int        // Random samples per range, defaults to 50
	Rand        *rand.Rand // Defaults to a randomly seeded source
}

// Arbiter resolves external ports.
type Arbiter struct {
	systemPorts map[int]bool
	ranges      []Range
	samples     int

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates an Arbiter.
func New(opts Options) *Arbiter {
	if opts.SystemPorts == nil {
		opts.SystemPorts = DefaultSystemPorts
	}
	if len(opts.Ranges) == 0 {
		opts.Ranges = DefaultRanges
	}
	if opts.Samples <= 0 {
		opts.Samples = 50
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	system := make(map[int]bool, len(opts.SystemPorts))
	for _, p := range opts.SystemPorts {
		system[p] = true
	}
	return &Arbiter{systemPorts: system, ranges: opts.Ranges, samples: opts.Samples, rand: opts.Rand}
}

// NormalizeProtocol lowercases and trims a protocol name.
func NormalizeProtocol(protocol string) string {
	return strings.ToLower(strings.TrimSpace(protocol))
}

// ValidProtocol reports whether protocol is tcp or udp.
func ValidProtocol(protocol string) bool {
	p := NormalizeProtocol(protocol)
	return p == TCP || p == UDP
}

// Check reports whether port/protocol may be claimed given the existing claims.
func (a *Arbiter) Check(port int, protocol string, claims []Claim) Availability {
	protocol = NormalizeProtocol(protocol)
	res := Availability{Port: port, Protocol: protocol}

	switch {
	case port < MinPort || port > MaxPort:
		res.Reason = ReasonOutOfRange
		res.Message = "port must be between 1 and 65535"
	case protocol != TCP && protocol != UDP:
		res.Reason = ReasonInvalidProtocol
		res.Message = "protocol must be tcp or udp"
	case port < ReservedBelow:
		res.Reason = ReasonReserved
		res.Message = "ports below 1024 are reserved"
	case a.systemPorts[port]:
		res.Reason = ReasonSystemPort
		res.Message = "port is reserved for a system service"
	default:
		for _, c := range claims {
			if c.Enabled && c.Port == port && NormalizeProtocol(c.Protocol) == protocol {
				res.Reason = ReasonInUse
				res.Message = "port already forwarded"
				res.UsedBy = c.Comment
				return res
			}
		}
		res.Available = true
	}
	return res
}

// Suggest picks an external port for internalPort: the same port if free,
// then the next 99 ports, then random samples from each high range.
func (a *Arbiter) Suggest(internalPort int, protocol string, claims []Claim) (int, bool) {
	if a.Check(internalPort, protocol, claims).Available {
		return internalPort, true
	}
	for offset := 1; offset <= 99; offset++ {
		candidate := internalPort + offset
		if candidate > MaxPort {
			break
		}
		if a.Check(candidate, protocol, claims).Available {
			return candidate, true
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.ranges {
		span := r.End - r.Start + 1
		if span <= 0 {
			continue
		}
		for i := 0; i < a.samples; i++ {
			candidate := r.Start + a.rand.IntN(span)
			if a.Check(candidate, protocol, claims).Available {
				return candidate, true
			}
		}
	}
	return 0, false
}

// FreeRanges returns the runs of at least minLen consecutive claimable ports
// inside the arbiter's high ranges.
func (a *Arbiter) FreeRanges(protocol string, claims []Claim, minLen int) []Range {
	var free []Range
	for _, r := range a.ranges {
		runStart := -1
		for p := r.Start; p <= r.End+1; p++ {
			ok := p <= r.End && a.Check(p, protocol, claims).Available
			switch {
			case ok && runStart < 0:
				runStart = p
			case !ok && runStart >= 0:
				if p-runStart >= minLen {
					free = append(free, Range{Start: runStart, End: p - 1})
				}
				runStart = -1
			}
		}
	}
	return free
}

// Used returns the sorted external ports held by enabled claims for protocol.
func Used(protocol string, claims []Claim) []int {
	protocol = NormalizeProtocol(protocol)
	seen := map[int]bool{}
	var used []int
	for _, c := range claims {
		if c.Enabled && NormalizeProtocol(c.Protocol) == protocol && !seen[c.Port] {
			seen[c.Port] = true
			used = append(used, c.Port)
		}
	}
	sort.Ints(used)
	return used
}
