// Package nat manages dst-nat port forwards on the router. External ports are
// validated and suggested through ports.Arbiter against a fresh listing of the
// router's rules, so there is exactly one notion of "available".
package nat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/network"
	"vpn-gateway/internal/ports"
)

// DefaultProbeTimeout bounds a reachability probe.
const DefaultProbeTimeout = 5 * time.Second

// ServiceTemplate is a common service and its default internal port.
type ServiceTemplate struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Description string `json:"description"`
}

var serviceTemplates = []ServiceTemplate{
	{Name: "web", Port: 80, Protocol: ports.TCP, Description: "HTTP web server"},
	{Name: "https", Port: 443, Protocol: ports.TCP, Description: "HTTPS web server"},
	{Name: "ssh", Port: 22, Protocol: ports.TCP, Description: "SSH remote shell"},
	{Name: "rdp", Port: 3389, Protocol: ports.TCP, Description: "Windows Remote Desktop"},
	{Name: "streamlit", Port: 8501, Protocol: ports.TCP, Description: "Streamlit dashboard"},
	{Name: "jupyter", Port: 8888, Protocol: ports.TCP, Description: "Jupyter notebook"},
	{Name: "homeassistant", Port: 8123, Protocol: ports.TCP, Description: "Home Assistant"},
	{Name: "vnc", Port: 5900, Protocol: ports.TCP, Description: "VNC remote desktop"},
}

// Options configure a Manager.
type Options struct {
	Arbiter      *ports.Arbiter
	Prober       Prober
	ProbeTimeout time.Duration
	KnownServers map[string]string // Address to display name
	Log          logrus.FieldLogger
}

// Manager manages port forwards.
type Manager struct {
	repo         Repository
	arbiter      *ports.Arbiter
	prober       Prober
	probeTimeout time.Duration
	known        map[string]string
	log          logrus.FieldLogger
	now          func() time.Time
}

// NewManager creates a Manager over repo.
func NewManager(repo Repository, opts Options) *Manager {
	if opts.Arbiter == nil {
		opts.Arbiter = ports.New(ports.Options{})
	}
	if opts.Prober == nil {
		opts.Prober = NetProber{}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	known := make(map[string]string, len(opts.KnownServers))
	for addr, name := range opts.KnownServers {
		known[addr] = name
	}
	return &Manager{
		repo:         repo,
		arbiter:      opts.Arbiter,
		prober:       opts.Prober,
		probeTimeout: opts.ProbeTimeout,
		known:        known,
		log:          opts.Log.WithField("component", "nat"),
		now:          time.Now,
	}
}

// AddRequest describes a new forward. ExternalPort 0 asks for a suggestion.
type AddRequest struct {
	InternalAddress string `json:"internal_address" binding:"required"`
	InternalPort    int    `json:"internal_port" binding:"required"`
	ExternalPort    int    `json:"external_port,omitempty"`
	Protocol        string `json:"protocol"`
	Comment         string `json:"comment,omitempty"`
}

// AddResult is the created forward plus non-fatal warnings.
type AddResult struct {
	Rule          Rule     `json:"rule"`
	PortSuggested bool     `json:"port_suggested"`
	Reachable     bool     `json:"reachable"`
	Warnings      []string `json:"warnings,omitempty"`
	Message       string   `json:"message"`
}

// Selector addresses the rules to remove. Exactly one of ID, Comment or
// ExternalPort must be set; Protocol accompanies ExternalPort.
type Selector struct {
	ID           string `json:"id,omitempty" form:"id"`
	Comment      string `json:"comment,omitempty" form:"comment"`
	ExternalPort int    `json:"external_port,omitempty" form:"external_port"`
	Protocol     string `json:"protocol,omitempty" form:"protocol"`
}

// Result is the outcome of a mutation that returns no data.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Removed int    `json:"removed,omitempty"`
}

// Stats summarizes the forward table.
type Stats struct {
	Total      int            `json:"total"`
	Enabled    int            `json:"enabled"`
	Disabled   int            `json:"disabled"`
	ByProtocol map[string]int `json:"by_protocol"`
	ByServer   map[string]int `json:"by_server"`
}

// UsageReport describes which external ports are taken and which are free.
type UsageReport struct {
	UsedTCP     []int          `json:"used_tcp"`
	UsedUDP     []int          `json:"used_udp"`
	FreeTCP     []ports.Range  `json:"free_tcp"`
	FreeUDP     []ports.Range  `json:"free_udp"`
	Suggestions map[string]int `json:"suggestions"` // Template name to suggested external port
}

// ServiceTemplates returns the built-in service presets.
func ServiceTemplates() []ServiceTemplate {
	return append([]ServiceTemplate(nil), serviceTemplates...)
}

// KnownServers returns the configured LAN hosts by address.
func (m *Manager) KnownServers() map[string]string {
	out := make(map[string]string, len(m.known))
	for k, v := range m.known {
		out[k] = v
	}
	return out
}

// ServerName returns the display name of address, or the address itself.
func (m *Manager) ServerName(address string) string {
	if name, ok := m.known[address]; ok {
		return name
	}
	return address
}

func claimsOf(rules []Rule) []ports.Claim {
	claims := make([]ports.Claim, 0, len(rules))
	for _, r := range rules {
		claims = append(claims, ports.Claim{
			ID:       r.ID,
			Port:     r.ExternalPort,
			Protocol: r.Protocol,
			Comment:  r.Comment,
			Enabled:  r.Enabled,
		})
	}
	return claims
}

func availabilityError(op string, a ports.Availability) error {
	if a.Reason == ports.ReasonInUse {
		return errs.Conflict(op, "port %d/%s is already forwarded by %q", a.Port, a.Protocol, a.UsedBy)
	}
	return errs.Validation(op, "port %d/%s is not available: %s", a.Port, a.Protocol, a.Message)
}

// List returns the router's forwards.
func (m *Manager) List(ctx context.Context) ([]Rule, error) {
	rules, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		rules[i].Server = m.ServerName(rules[i].InternalAddress)
	}
	return rules, nil
}

// CheckPortAvailable asks the arbiter about port/protocol against the current table.
func (m *Manager) CheckPortAvailable(ctx context.Context, port int, protocol string) (ports.Availability, error) {
	rules, err := m.repo.List(ctx)
	if err != nil {
		return ports.Availability{}, err
	}
	return m.arbiter.Check(port, protocol, claimsOf(rules)), nil
}

// SuggestPort picks an external port for internalPort.
func (m *Manager) SuggestPort(ctx context.Context, internalPort int, protocol string) (int, error) {
	const op = "nat.suggest_port"
	protocol = ports.NormalizeProtocol(protocol)
	if !ports.ValidProtocol(protocol) {
		return 0, errs.Validation(op, "protocol must be tcp or udp")
	}
	rules, err := m.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	port, ok := m.arbiter.Suggest(internalPort, protocol, claimsOf(rules))
	if !ok {
		return 0, errs.Conflict(op, "no free external port for %d/%s", internalPort, protocol)
	}
	return port, nil
}

// Add creates a forward. An unreachable internal service only produces a warning.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	const op = "nat.add"

	protocol := ports.NormalizeProtocol(req.Protocol)
	if protocol == "" {
		protocol = ports.TCP
	}
	if !ports.ValidProtocol(protocol) {
		return nil, errs.Validation(op, "protocol must be tcp or udp, got %q", req.Protocol)
	}
	addr := strings.TrimSpace(req.InternalAddress)
	if !network.IsIPv4(addr) || !network.IsPrivateIPv4(addr) {
		return nil, errs.Validation(op, "internal address %q must be a private IPv4 address", req.InternalAddress)
	}
	if req.InternalPort < ports.MinPort || req.InternalPort > ports.MaxPort {
		return nil, errs.Validation(op, "internal port %d out of range", req.InternalPort)
	}
	if req.ExternalPort != 0 && (req.ExternalPort < ports.MinPort || req.ExternalPort > ports.MaxPort) {
		return nil, errs.Validation(op, "external port %d out of range", req.ExternalPort)
	}

	rules, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	claims := claimsOf(rules)

	res := &AddResult{}
	external := req.ExternalPort
	if external == 0 {
		port, ok := m.arbiter.Suggest(req.InternalPort, protocol, claims)
		if !ok {
			return nil, errs.Conflict(op, "no free external port for %d/%s", req.InternalPort, protocol)
		}
		external = port
		res.PortSuggested = true
	} else if a := m.arbiter.Check(external, protocol, claims); !a.Available {
		return nil, availabilityError(op, a)
	}

	probe := m.prober.Probe(ctx, addr, req.InternalPort, protocol, m.probeTimeout)
	res.Reachable = probe.Reachable
	if !probe.Reachable {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s:%d/%s did not answer: %s", addr, req.InternalPort, protocol, probe.Message))
	}

	comment := strings.TrimSpace(req.Comment)
	if comment == "" {
		comment = fmt.Sprintf("%s - %d/%s - Dashboard %s",
			m.ServerName(addr), req.InternalPort, strings.ToUpper(protocol), m.now().Format("2006-01-02 15:04"))
	}

	rule := Rule{
		ExternalPort:    external,
		Protocol:        protocol,
		InternalAddress: addr,
		InternalPort:    req.InternalPort,
		Comment:         comment,
		Enabled:         true,
		Server:          m.ServerName(addr),
	}
	if err := m.repo.Add(ctx, rule); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"external": external,
		"internal": fmt.Sprintf("%s:%d", addr, req.InternalPort),
		"protocol": protocol,
	}).Info("Port forward added")

	res.Rule = rule
	res.Message = fmt.Sprintf("forwarding %d/%s to %s:%d", external, protocol, addr, req.InternalPort)
	return res, nil
}

func (s Selector) count() int {
	n := 0
	if s.ID != "" {
		n++
	}
	if s.Comment != "" {
		n++
	}
	if s.ExternalPort != 0 {
		n++
	}
	return n
}

func (s Selector) matches(r Rule, protocol string) bool {
	switch {
	case s.ID != "":
		return r.ID == s.ID
	case s.Comment != "":
		return r.Comment == s.Comment
	default:
		return r.ExternalPort == s.ExternalPort && (protocol == "" || r.Protocol == protocol)
	}
}

// Remove deletes the forwards addressed by sel. Removing nothing succeeds.
func (m *Manager) Remove(ctx context.Context, sel Selector) (*Result, error) {
	const op = "nat.remove"

	if sel.count() != 1 {
		return nil, errs.Validation(op, "exactly one of id, comment or external port must be given")
	}
	protocol := ports.NormalizeProtocol(sel.Protocol)
	if sel.ExternalPort != 0 {
		if protocol == "" {
			protocol = ports.TCP
		}
		if !ports.ValidProtocol(protocol) {
			return nil, errs.Validation(op, "protocol must be tcp or udp, got %q", sel.Protocol)
		}
	}

	rules, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := 0
	for _, r := range rules {
		if sel.matches(r, protocol) {
			matched++
		}
	}
	if matched == 0 {
		return &Result{Success: true, Message: "no matching forward, nothing to do"}, nil
	}

	var removed bool
	switch {
	case sel.ID != "":
		removed, err = m.repo.RemoveByID(ctx, sel.ID)
	case sel.Comment != "":
		removed, err = m.repo.RemoveByComment(ctx, sel.Comment)
	default:
		removed, err = m.repo.RemoveByPort(ctx, sel.ExternalPort, protocol)
	}
	if err != nil {
		return nil, err
	}
	if !removed {
		return &Result{Success: true, Message: "no matching forward, nothing to do"}, nil
	}

	m.log.WithField("removed", matched).Info("Port forward removed")
	return &Result{Success: true, Message: fmt.Sprintf("removed %d forward(s)", matched), Removed: matched}, nil
}

// Toggle enables or disables a forward by id. Enabling re-checks the port so
// two enabled forwards never share an external port.
func (m *Manager) Toggle(ctx context.Context, id string, enable bool) (*Result, error) {
	const op = "nat.toggle"

	rules, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, r := range rules {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errs.NotFound(op, "forward %s does not exist", id)
	}
	rule := rules[idx]
	if rule.Enabled == enable {
		return &Result{Success: true, Message: "forward already in requested state, nothing to do"}, nil
	}
	if enable {
		others := append(append([]Rule(nil), rules[:idx]...), rules[idx+1:]...)
		// Range and reserved-port checks applied when the rule was created.
		if a := m.arbiter.Check(rule.ExternalPort, rule.Protocol, claimsOf(others)); a.Reason == ports.ReasonInUse {
			return nil, availabilityError(op, a)
		}
	}
	if err := m.repo.SetEnabled(ctx, id, enable); err != nil {
		return nil, err
	}

	state := "disabled"
	if enable {
		state = "enabled"
	}
	m.log.WithFields(logrus.Fields{"id": id, "state": state}).Info("Port forward toggled")
	return &Result{Success: true, Message: "forward " + state}, nil
}

// TestPort probes address:port/protocol.
func (m *Manager) TestPort(ctx context.Context, address string, port int, protocol string, timeout time.Duration) (ProbeResult, error) {
	const op = "nat.test_port"
	protocol = ports.NormalizeProtocol(protocol)
	if protocol == "" {
		protocol = ports.TCP
	}
	if !ports.ValidProtocol(protocol) {
		return ProbeResult{}, errs.Validation(op, "protocol must be tcp or udp")
	}
	if !network.IsIPv4(address) {
		return ProbeResult{}, errs.Validation(op, "invalid address %q", address)
	}
	if port < ports.MinPort || port > ports.MaxPort {
		return ProbeResult{}, errs.Validation(op, "port %d out of range", port)
	}
	if timeout <= 0 {
		timeout = m.probeTimeout
	}
	return m.prober.Probe(ctx, address, port, protocol, timeout), nil
}

// ScanServer probes every service template port on address.
func (m *Manager) ScanServer(ctx context.Context, address string) (map[string]ProbeResult, error) {
	if !network.IsIPv4(address) {
		return nil, errs.Validation("nat.scan", "invalid address %q", address)
	}
	out := make(map[string]ProbeResult, len(serviceTemplates))
	for _, t := range serviceTemplates {
		if err := ctx.Err(); err != nil {
			return nil, errs.Transport("nat.scan", err)
		}
		out[t.Name] = m.prober.Probe(ctx, address, t.Port, t.Protocol, m.probeTimeout)
	}
	return out, nil
}

// Stats counts forwards by state, protocol and target server.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	rules, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{Total: len(rules), ByProtocol: map[string]int{}, ByServer: map[string]int{}}
	for _, r := range rules {
		if r.Enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
		s.ByProtocol[r.Protocol]++
		s.ByServer[m.ServerName(r.InternalAddress)]++
	}
	return s, nil
}

// PortUsageReport lists taken ports, free high ranges and a suggested
// external port per service template.
func (m *Manager) PortUsageReport(ctx context.Context) (*UsageReport, error) {
	rules, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	claims := claimsOf(rules)
	report := &UsageReport{
		UsedTCP:     ports.Used(ports.TCP, claims),
		UsedUDP:     ports.Used(ports.UDP, claims),
		FreeTCP:     m.arbiter.FreeRanges(ports.TCP, claims, 10),
		FreeUDP:     m.arbiter.FreeRanges(ports.UDP, claims, 10),
		Suggestions: map[string]int{},
	}
	for _, t := range serviceTemplates {
		if port, ok := m.arbiter.Suggest(t.Port, t.Protocol, claims); ok {
			report.Suggestions[t.Name] = port
		}
	}
	return report, nil
}

// SortRules orders rules by protocol then external port.
func SortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Protocol != rules[j].Protocol {
			return rules[i].Protocol < rules[j].Protocol
		}
		return rules[i].ExternalPort < rules[j].ExternalPort
	})
}
