package nat

import (
	"context"
	"strconv"
	"strings"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/routeros"
)

// Rule is a dst-nat port forward.
type Rule struct {
	ID              string `json:"id"`               // Device rule handle
	ExternalPort    int    `json:"external_port"`    // dst-port
	Protocol        string `json:"protocol"`         // tcp or udp
	InternalAddress string `json:"internal_address"` // to-addresses
	InternalPort    int    `json:"internal_port"`    // to-ports
	Comment         string `json:"comment"`
	Enabled         bool   `json:"enabled"`
	Server          string `json:"server,omitempty"` // Known server name for InternalAddress
}

// Repository is the router-side rule table.
type Repository interface {
	List(ctx context.Context) ([]Rule, error)
	Add(ctx context.Context, r Rule) error
	// The Remove variants report false when nothing matched.
	RemoveByID(ctx context.Context, id string) (bool, error)
	RemoveByComment(ctx context.Context, comment string) (bool, error)
	RemoveByPort(ctx context.Context, externalPort int, protocol string) (bool, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// RouterOSRepository implements Repository over a remote shell.
type RouterOSRepository struct {
	exec routeros.Executor
}

// NewRouterOSRepository wraps exec.
func NewRouterOSRepository(exec routeros.Executor) *RouterOSRepository {
	return &RouterOSRepository{exec: exec}
}

// List re-reads the dst-nat table.
func (r *RouterOSRepository) List(ctx context.Context) ([]Rule, error) {
	res := r.exec.Run(ctx, routeros.NATPrint())
	if err := res.AsError("nat.list"); err != nil {
		return nil, err
	}
	return rulesFromRecords(routeros.ParseRecords(res.Stdout)), nil
}

func rulesFromRecords(records []routeros.Record) []Rule {
	rules := make([]Rule, 0, len(records))
	for _, rec := range records {
		if chain := rec.Get("chain"); chain != "" && chain != "dstnat" {
			continue
		}
		ext, _ := strconv.Atoi(firstPort(rec.Get("dst-port")))
		in, _ := strconv.Atoi(firstPort(rec.Get("to-ports")))
		rules = append(rules, Rule{
			ID:              rec.ID,
			ExternalPort:    ext,
			Protocol:        strings.ToLower(rec.Get("protocol")),
			InternalAddress: rec.Get("to-addresses"),
			InternalPort:    in,
			Comment:         rec.Comment,
			Enabled:         !rec.Disabled(),
		})
	}
	return rules
}

// firstPort takes the first port of "8080", "8080-8090" or "80,443".
func firstPort(v string) string {
	v, _, _ = strings.Cut(v, ",")
	v, _, _ = strings.Cut(v, "-")
	return strings.TrimSpace(v)
}

// Add creates a rule.
func (r *RouterOSRepository) Add(ctx context.Context, rule Rule) error {
	cmd := routeros.NATAdd(rule.ExternalPort, rule.Protocol, rule.InternalAddress, rule.InternalPort, rule.Comment)
	return r.exec.Mutate(ctx, cmd).AsError("nat.add")
}

// RemoveByID deletes one rule.
func (r *RouterOSRepository) RemoveByID(ctx context.Context, id string) (bool, error) {
	return r.remove(ctx, byID(routeros.NATRemoveByID(id), id))
}

// RemoveByComment deletes rules with the given comment.
func (r *RouterOSRepository) RemoveByComment(ctx context.Context, comment string) (bool, error) {
	return r.remove(ctx, routeros.NATRemoveByComment(comment))
}

// RemoveByPort deletes rules for the external port and protocol.
func (r *RouterOSRepository) RemoveByPort(ctx context.Context, externalPort int, protocol string) (bool, error) {
	return r.remove(ctx, routeros.NATRemoveByPort(externalPort, protocol))
}

func (r *RouterOSRepository) remove(ctx context.Context, cmd string) (bool, error) {
	res := r.exec.Mutate(ctx, cmd)
	if res.Err == nil && res.NoSuchItem() {
		return false, nil
	}
	if err := res.AsError("nat.remove"); err != nil {
		return false, err
	}
	return true, nil
}

// SetEnabled enables or disables a rule.
func (r *RouterOSRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.exec.Mutate(ctx, byID(routeros.NATSetEnabled(id, enabled), id)).AsError("nat.toggle")
}

// byID prefixes a command addressing a print index with the listing that
// defines the index, since indexes only resolve within the session that printed them.
func byID(cmd, id string) string {
	if strings.HasPrefix(id, "*") {
		return cmd
	}
	return "/ip firewall nat print without-paging where chain=dstnat; " + cmd
}

// MemoryRepository is an in-process Repository used by tests and dry runs.
type MemoryRepository struct {
	rules  []Rule
	nextID int
	// Fail, when set, is returned by every call.
	Fail error
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) List(context.Context) ([]Rule, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	return append([]Rule(nil), m.rules...), nil
}

func (m *MemoryRepository) Add(_ context.Context, r Rule) error {
	if m.Fail != nil {
		return m.Fail
	}
	r.ID = strconv.Itoa(m.nextID)
	m.nextID++
	r.Enabled = true
	m.rules = append(m.rules, r)
	return nil
}

func (m *MemoryRepository) removeWhere(match func(Rule) bool) (bool, error) {
	if m.Fail != nil {
		return false, m.Fail
	}
	kept := m.rules[:0]
	removed := false
	for _, r := range m.rules {
		if match(r) {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	m.rules = kept
	return removed, nil
}

func (m *MemoryRepository) RemoveByID(_ context.Context, id string) (bool, error) {
	return m.removeWhere(func(r Rule) bool { return r.ID == id })
}

func (m *MemoryRepository) RemoveByComment(_ context.Context, comment string) (bool, error) {
	return m.removeWhere(func(r Rule) bool { return r.Comment == comment })
}

func (m *MemoryRepository) RemoveByPort(_ context.Context, port int, protocol string) (bool, error) {
	return m.removeWhere(func(r Rule) bool { return r.ExternalPort == port && r.Protocol == protocol })
}

func (m *MemoryRepository) SetEnabled(_ context.Context, id string, enabled bool) error {
	if m.Fail != nil {
		return m.Fail
	}
	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules[i].Enabled = enabled
			return nil
		}
	}
	return errs.Apply("nat.toggle", "device reported failure", "no such item")
}
